// Package sync drains the queue of local mutations against the backend.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/cache"
	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/remote"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Outcome classifies the result of one delivery attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeIdempotent Outcome = "idempotent"
	OutcomeConflict   Outcome = "conflict"
	OutcomeTransient  Outcome = "transient"
	OutcomeTerminal   Outcome = "terminal" // transient, retries exhausted
	OutcomeRejected   Outcome = "rejected" // non-retryable client error
)

// Recorder receives per-item outcomes and drain timings.
type Recorder interface {
	RecordOutcome(mutationType string, outcome string)
	RecordDrain(duration time.Duration, processed int)
}

// ConflictListener is called with an item that just entered conflict.
type ConflictListener func(models.QueueItem)

// BlobSource supplies photo bytes for uploads.
type BlobSource interface {
	Get(hash string) ([]byte, error)
	Delete(hash string) error
}

// DrainOptions tunes a drain.
type DrainOptions struct {
	// IgnoreBackoff attempts pending items whose retry delay has not
	// elapsed yet.
	IgnoreBackoff bool
}

// DrainResult summarizes one drain.
type DrainResult struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped"` // another drain was running
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Idempotent int           `json:"idempotent"`
	Conflicts  int           `json:"conflicts"`
	Retried    int           `json:"retried"`
	Failed     int           `json:"failed"`
	Deferred   int           `json:"deferred"` // waiting on an earlier create
	Error      string        `json:"error,omitempty"`
}

func (r *DrainResult) add(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeSuccess:
		r.Succeeded++
	case OutcomeIdempotent:
		r.Idempotent++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeTransient:
		r.Retried++
	case OutcomeTerminal, OutcomeRejected:
		r.Failed++
	}
}

// SyncEngine delivers queued mutations one at a time in queue order.
type SyncEngine struct {
	queue    *queue.SyncQueue
	cache    *cache.Store
	client   remote.Client
	blobs    BlobSource
	resolver *conflict.Resolver
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error

	listenerMu   sync.Mutex
	listeners    map[int]ConflictListener
	nextListener int
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q *queue.SyncQueue, c *cache.Store, client remote.Client, blobs BlobSource) *SyncEngine {
	return &SyncEngine{
		queue:     q,
		cache:     c,
		client:    client,
		blobs:     blobs,
		resolver:  conflict.NewResolver(),
		now:       time.Now,
		status:    SyncStatusIdle,
		listeners: make(map[int]ConflictListener),
	}
}

// WithRecorder installs a metrics recorder.
func (e *SyncEngine) WithRecorder(r Recorder) *SyncEngine {
	e.recorder = r
	return e
}

// WithClock replaces the time source.
func (e *SyncEngine) WithClock(now func() time.Time) *SyncEngine {
	e.now = now
	return e
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns when the last drain finished without error.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of pending queue items.
func (e *SyncEngine) PendingChanges() int {
	return e.queue.Stats().Pending
}

// LastError returns the error that ended the last drain, if any.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// SubscribeConflicts registers cb for newly conflicted items and returns
// its unsubscribe function.
func (e *SyncEngine) SubscribeConflicts(cb ConflictListener) func() {
	e.listenerMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = cb
	e.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenerMu.Lock()
			delete(e.listeners, id)
			e.listenerMu.Unlock()
		})
	}
}

func (e *SyncEngine) notifyConflict(item models.QueueItem) {
	e.listenerMu.Lock()
	cbs := make([]ConflictListener, 0, len(e.listeners))
	for _, cb := range e.listeners {
		cbs = append(cbs, cb)
	}
	e.listenerMu.Unlock()

	for _, cb := range cbs {
		cb(item.Clone())
	}
}

// DrainOnce delivers every eligible item at most once.
func (e *SyncEngine) DrainOnce(ctx context.Context) (*DrainResult, error) {
	return e.Drain(ctx, DrainOptions{})
}

// Drain delivers eligible items in queue order. Only one drain runs at a
// time; a concurrent call returns a skipped result.
func (e *SyncEngine) Drain(ctx context.Context, opts DrainOptions) (*DrainResult, error) {
	result := &DrainResult{StartTime: e.now()}

	ran, err := e.queue.Drain(ctx, func(ctx context.Context) error {
		e.setStatus(SyncStatusSyncing, nil)
		return e.drain(ctx, opts, result)
	})
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if !ran {
		result.Skipped = true
		return result, nil
	}

	if err != nil {
		result.Error = err.Error()
		e.setStatus(SyncStatusFailed, err)
	} else {
		e.setStatus(SyncStatusIdle, nil)
	}
	if e.recorder != nil {
		e.recorder.RecordDrain(result.Duration, result.Processed)
	}
	if result.Processed > 0 || err != nil {
		logging.Info("Drain finished", map[string]interface{}{
			"processed":  result.Processed,
			"succeeded":  result.Succeeded,
			"idempotent": result.Idempotent,
			"conflicts":  result.Conflicts,
			"retried":    result.Retried,
			"failed":     result.Failed,
			"deferred":   result.Deferred,
			"duration":   result.Duration.String(),
		})
	}
	return result, err
}

func (e *SyncEngine) setStatus(s SyncStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	e.lastErr = err
	if s == SyncStatusIdle {
		t := e.now()
		e.lastSync = &t
	}
}

var farFuture = time.Unix(1<<40, 0)

func (e *SyncEngine) drain(ctx context.Context, opts DrainOptions, result *DrainResult) error {
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		horizon := e.now()
		if opts.IgnoreBackoff {
			horizon = farFuture
		}
		item, ok := e.next(horizon, seen, result)
		if !ok {
			return nil
		}
		seen[item.ID] = true

		outcome, err := e.process(ctx, item)
		if err != nil {
			return err
		}
		if outcome == "" {
			continue
		}
		result.add(outcome)
		if e.recorder != nil {
			e.recorder.RecordOutcome(string(item.Type), string(outcome))
		}
	}
}

// next picks the first eligible item not yet seen in this drain. An item
// that refers to the temporary id of a create still in the queue waits for
// that create.
func (e *SyncEngine) next(horizon time.Time, seen map[string]bool, result *DrainResult) (models.QueueItem, bool) {
	creates := make(map[string]string)
	for _, it := range e.queue.Items() {
		if cr, ok := it.Payload.(models.Creator); ok {
			creates[cr.TempID()] = it.ID
		}
	}

	for _, it := range e.queue.Eligible(horizon) {
		if seen[it.ID] {
			continue
		}
		if owner, ok := creates[it.EntityID]; ok && owner != it.ID {
			seen[it.ID] = true
			result.Deferred++
			continue
		}
		return it, true
	}
	return models.QueueItem{}, false
}

// delivery is what the backend returned for a delivered mutation.
type delivery struct {
	workOrder   *models.WorkOrder
	workOrderID string
	collection  models.Collection
	replaceID   string
	record      interface{}
	canonicalID string
	blobHash    string
}

// process runs one item through its state transitions. An empty outcome
// means the item vanished before it could be attempted.
func (e *SyncEngine) process(ctx context.Context, item models.QueueItem) (Outcome, error) {
	// Bookkeeping after the network call must survive drain cancellation.
	persistCtx := context.WithoutCancel(ctx)

	err := e.queue.Update(ctx, item.ID, func(it *models.QueueItem) {
		it.Status = models.QueueStatusSyncing
		it.LastAttemptAt = e.now().UnixMilli()
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
			return "", nil
		}
		return "", err
	}

	if upd, ok := item.Payload.(models.UpdateWorkOrder); ok && !item.ForceOverwrite {
		server, err := e.client.FetchWorkOrder(ctx, upd.WorkOrderID)
		if err != nil {
			return e.settle(ctx, persistCtx, item, nil, err)
		}
		if cd := e.resolver.Detect(server, upd.Updates); cd != nil {
			return OutcomeConflict, e.markConflict(persistCtx, item, cd)
		}
	}

	d, err := e.send(ctx, item)
	return e.settle(ctx, persistCtx, item, d, err)
}

var errBlobMissing = errors.New("photo data missing from local storage")

func (e *SyncEngine) send(ctx context.Context, item models.QueueItem) (*delivery, error) {
	switch m := item.Payload.(type) {
	case models.UpdateWorkOrder:
		wo, err := e.client.UpdateWorkOrder(ctx, m.WorkOrderID, m.Updates, item.ForceOverwrite)
		if err != nil {
			return nil, err
		}
		return &delivery{workOrder: wo}, nil

	case models.UpdateMaterials:
		wo, err := e.client.UpdateMaterials(ctx, m.WorkOrderID, m.Materials)
		if err != nil {
			return nil, err
		}
		return &delivery{workOrder: wo}, nil

	case models.AddEquipment:
		rec, err := e.client.AddEquipment(ctx, m)
		if err != nil {
			return nil, err
		}
		return &delivery{
			workOrderID: m.WorkOrderID,
			collection:  models.CollectionInstalledEquipment,
			replaceID:   m.LocalID,
			record:      rec,
			canonicalID: rec.ID,
		}, nil

	case models.RemoveEquipment:
		rec, err := e.client.RemoveEquipment(ctx, m)
		if err != nil {
			return nil, err
		}
		localID, _ := cache.FindBy(e.cache.Get(models.CollectionRemovedEquipment, m.WorkOrderID).Items, "installed_id", m.InstalledID)
		return &delivery{
			workOrderID: m.WorkOrderID,
			collection:  models.CollectionRemovedEquipment,
			replaceID:   localID,
			record:      rec,
		}, nil

	case models.UploadImage:
		data, err := e.blobs.Get(m.BlobHash)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrInvalid) {
				return nil, errBlobMissing
			}
			return nil, err
		}
		img, err := e.client.UploadImage(ctx, m, data)
		if err != nil {
			return nil, err
		}
		return &delivery{
			workOrderID: m.WorkOrderID,
			collection:  models.CollectionImages,
			replaceID:   m.LocalID,
			record:      img,
			canonicalID: img.ID,
			blobHash:    m.BlobHash,
		}, nil

	case models.DeleteImage:
		if err := e.client.DeleteImage(ctx, m.WorkOrderID, m.ImageID); err != nil {
			return nil, err
		}
		return &delivery{}, nil
	}
	return nil, fmt.Errorf("unsupported mutation type %q", item.Type)
}

// settle classifies the result of an attempt and applies the transition.
func (e *SyncEngine) settle(ctx, persistCtx context.Context, item models.QueueItem, d *delivery, err error) (Outcome, error) {
	if err != nil && ctx.Err() != nil {
		return e.release(persistCtx, item, ctx.Err())
	}

	outcome := Classify(err)
	if err == errBlobMissing {
		outcome = OutcomeRejected
	}

	switch outcome {
	case OutcomeSuccess:
		return outcome, e.complete(persistCtx, item, d)

	case OutcomeIdempotent:
		logging.Info("Mutation already applied on server", map[string]interface{}{
			"item_id": item.ID,
			"type":    string(item.Type),
			"reason":  err.Error(),
		})
		if _, ok := item.Payload.(models.Creator); ok {
			return e.settleReplayedCreate(ctx, persistCtx, item)
		}
		return outcome, e.complete(persistCtx, item, nil)

	case OutcomeConflict:
		return outcome, e.markConflict(persistCtx, item, serverConflict(item, err))

	case OutcomeTransient:
		return e.retryLater(persistCtx, item, err)

	default:
		logging.ErrorWithCode("Mutation rejected by server", string(apperrors.ErrBackendRejected), err,
			map[string]interface{}{"item_id": item.ID, "type": string(item.Type)})
		uerr := e.queue.Update(persistCtx, item.ID, func(it *models.QueueItem) {
			it.Status = models.QueueStatusFailed
			it.LastError = err.Error()
		})
		return OutcomeRejected, ignoreMissing(uerr)
	}
}

// release puts an item interrupted by drain cancellation back to pending.
// The attempt does not count.
func (e *SyncEngine) release(persistCtx context.Context, item models.QueueItem, cause error) (Outcome, error) {
	if uerr := e.queue.Update(persistCtx, item.ID, func(it *models.QueueItem) {
		it.Status = models.QueueStatusPending
	}); uerr != nil && !apperrors.Is(uerr, apperrors.ErrQueueItemNotFound) {
		return "", uerr
	}
	return "", cause
}

// retryLater spends one retry and fails the item once the budget is gone.
func (e *SyncEngine) retryLater(persistCtx context.Context, item models.QueueItem, err error) (Outcome, error) {
	var exhausted bool
	uerr := e.queue.Update(persistCtx, item.ID, func(it *models.QueueItem) {
		it.RetryCount++
		it.LastError = err.Error()
		if it.RetryCount >= it.MaxRetries {
			it.Status = models.QueueStatusFailed
			exhausted = true
		} else {
			it.Status = models.QueueStatusPending
		}
	})
	if exhausted {
		logging.ErrorWithCode("Mutation failed after retries", string(apperrors.ErrSyncRetryExceeded), err,
			map[string]interface{}{"item_id": item.ID, "type": string(item.Type)})
		return OutcomeTerminal, ignoreMissing(uerr)
	}
	logging.Warn("Mutation delivery failed, will retry", map[string]interface{}{
		"item_id": item.ID,
		"type":    string(item.Type),
		"error":   err.Error(),
	})
	return OutcomeTransient, ignoreMissing(uerr)
}

// settleReplayedCreate handles a create the server says it already has.
// The record made by the earlier delivery is found by its client_ref and
// then treated like a fresh success, so the temporary id is remapped.
func (e *SyncEngine) settleReplayedCreate(ctx, persistCtx context.Context, item models.QueueItem) (Outcome, error) {
	d, err := e.findCreated(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			return e.release(persistCtx, item, ctx.Err())
		}
		return e.retryLater(persistCtx, item, fmt.Errorf("look up replayed create: %w", err))
	}
	if d.canonicalID != "" {
		return OutcomeIdempotent, e.complete(persistCtx, item, d)
	}

	// Without a canonical id, changes queued against the temporary id
	// cannot be delivered.
	tempID := item.Payload.(models.Creator).TempID()
	failed := 0
	for _, it := range e.queue.Items() {
		if it.ID == item.ID || it.Status != models.QueueStatusPending {
			continue
		}
		if _, refers := it.Payload.RemapID(tempID, tempID); !refers {
			continue
		}
		uerr := e.queue.Update(persistCtx, it.ID, func(q *models.QueueItem) {
			q.Status = models.QueueStatusFailed
			q.LastError = "created record " + tempID + " could not be matched on the server"
		})
		if uerr = ignoreMissing(uerr); uerr != nil {
			return "", uerr
		}
		failed++
	}
	logging.Warn("Replayed create not found on server", map[string]interface{}{
		"item_id":           item.ID,
		"type":              string(item.Type),
		"temp_id":           tempID,
		"dependents_failed": failed,
	})
	return OutcomeIdempotent, e.complete(persistCtx, item, d)
}

// findCreated looks up the server record created from item. The returned
// delivery has no canonical id when none matches; applying it then drops
// the temporary record from the cache.
func (e *SyncEngine) findCreated(ctx context.Context, item models.QueueItem) (*delivery, error) {
	switch m := item.Payload.(type) {
	case models.AddEquipment:
		d := &delivery{workOrderID: m.WorkOrderID, collection: models.CollectionInstalledEquipment, replaceID: m.LocalID}
		list, err := e.client.FetchInstalledEquipment(ctx, m.WorkOrderID)
		if err != nil {
			return d, goneAsEmpty(err)
		}
		for i := range list {
			if list[i].ClientRef == m.LocalID {
				d.record, d.canonicalID = &list[i], list[i].ID
				break
			}
		}
		return d, nil

	case models.UploadImage:
		d := &delivery{workOrderID: m.WorkOrderID, collection: models.CollectionImages, replaceID: m.LocalID, blobHash: m.BlobHash}
		list, err := e.client.FetchImages(ctx, m.WorkOrderID)
		if err != nil {
			return d, goneAsEmpty(err)
		}
		for i := range list {
			if list[i].ClientRef == m.LocalID {
				d.record, d.canonicalID = &list[i], list[i].ID
				break
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported create type %q", item.Type)
}

// goneAsEmpty treats a 404 for the parent work order as an empty list.
func goneAsEmpty(err error) error {
	if apiErr, ok := remote.AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// complete removes a delivered item and, in the same write, folds the
// server representation into the cache.
func (e *SyncEngine) complete(ctx context.Context, item models.QueueItem, d *delivery) error {
	var tempID, canonicalID string
	if d != nil && d.canonicalID != "" {
		if cr, ok := item.Payload.(models.Creator); ok {
			tempID, canonicalID = cr.TempID(), d.canonicalID
		}
	}

	var stage func(*db.Batch) error
	if d != nil && (d.workOrder != nil || d.collection != "") {
		pending := e.remaining(item.ID, tempID, canonicalID)
		stage = func(b *db.Batch) error {
			// The server has the change; a stale cache heals on the next refresh.
			if err := e.applyDelivery(e.cache.Begin(b), d, tempID, pending); err != nil {
				logging.ErrorWithCode("Failed to stage cache update", string(apperrors.ErrDatabase), err,
					map[string]interface{}{"item_id": item.ID})
			}
			return nil
		}
	}

	if err := e.queue.Complete(ctx, item.ID, tempID, canonicalID, stage); err != nil {
		return ignoreMissing(err)
	}

	if d != nil && d.blobHash != "" && !e.blobReferenced(d.blobHash) {
		if err := e.blobs.Delete(d.blobHash); err != nil {
			logging.Warn("Failed to delete uploaded photo data", map[string]interface{}{
				"hash":  d.blobHash,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// remaining returns the other queued items with tempID already rewritten.
func (e *SyncEngine) remaining(itemID, tempID, canonicalID string) []models.QueueItem {
	items := e.queue.Items()
	out := items[:0]
	for _, it := range items {
		if it.ID == itemID {
			continue
		}
		if tempID != "" {
			if m, ok := it.Payload.RemapID(tempID, canonicalID); ok {
				it.SetPayload(m)
			}
		}
		out = append(out, it)
	}
	return out
}

func (e *SyncEngine) applyDelivery(tx *cache.Tx, d *delivery, tempID string, pending []models.QueueItem) error {
	if d.workOrder != nil {
		raw, err := json.Marshal(d.workOrder)
		if err != nil {
			return err
		}
		owners := tx.OwnersOf(models.CollectionWorkOrders, d.workOrder.ID)
		if tech := d.workOrder.TechnicianID; tech != "" && !contains(owners, tech) && e.cache.Has(models.CollectionWorkOrders, tech) {
			owners = append(owners, tech)
		}
		for _, owner := range owners {
			if err := tx.UpsertOne(models.CollectionWorkOrders, owner, "", raw); err != nil {
				return err
			}
			if err := tx.Reapply(models.CollectionWorkOrders, owner, pending); err != nil {
				return err
			}
		}
		return nil
	}

	if d.record == nil {
		if err := tx.RemoveOne(d.collection, d.workOrderID, d.replaceID); err != nil {
			return err
		}
		return tx.Reapply(d.collection, d.workOrderID, pending)
	}

	raw, err := json.Marshal(d.record)
	if err != nil {
		return err
	}
	if err := tx.UpsertOne(d.collection, d.workOrderID, d.replaceID, raw); err != nil {
		return err
	}

	// A removal recorded against the temporary id now refers to the
	// canonical one.
	if tempID != "" && d.collection == models.CollectionInstalledEquipment {
		removed := tx.Get(models.CollectionRemovedEquipment, d.workOrderID).Items
		if localID, ok := cache.FindBy(removed, "installed_id", tempID); ok {
			patch := map[string]interface{}{"installed_id": d.canonicalID}
			if localID == tempID {
				patch["id"] = d.canonicalID
			}
			if err := tx.PatchOne(models.CollectionRemovedEquipment, d.workOrderID, localID, patch); err != nil {
				return err
			}
		}
	}

	return tx.Reapply(d.collection, d.workOrderID, pending)
}

func (e *SyncEngine) blobReferenced(hash string) bool {
	return e.queue.BlobHashes()[hash]
}

func (e *SyncEngine) markConflict(ctx context.Context, item models.QueueItem, cd *models.ConflictData) error {
	err := e.queue.Update(ctx, item.ID, func(it *models.QueueItem) {
		it.Status = models.QueueStatusFailed
		it.ConflictData = cd
		it.ForceOverwrite = false
		it.LastError = "conflict with server version"
	})
	if err != nil {
		return ignoreMissing(err)
	}

	logging.Warn("Mutation held for conflict resolution", map[string]interface{}{
		"item_id":   item.ID,
		"entity_id": item.EntityID,
		"kind":      string(cd.Kind),
	})
	if updated, ok := e.queue.Get(item.ID); ok {
		e.notifyConflict(updated)
	}
	return nil
}

// serverConflict builds conflict data from a conflict answer.
func serverConflict(item models.QueueItem, err error) *models.ConflictData {
	cd := &models.ConflictData{
		Kind:              models.ConflictServerReported,
		ConflictingFields: []models.ConflictingField{},
	}
	if data, merr := json.Marshal(item.Payload); merr == nil {
		cd.LocalUpdates = data
	}
	if apiErr, ok := remote.AsAPIError(err); ok && apiErr.Conflict != nil {
		cd.ServerVersion = apiErr.Conflict.Server
		if len(apiErr.Conflict.Fields) > 0 {
			cd.ConflictingFields = apiErr.Conflict.Fields
		}
	}
	return cd
}

// Classify maps a delivery error to an outcome. The HTTP status decides;
// message text is consulted only through classifyMessage.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	apiErr, ok := remote.AsAPIError(err)
	if !ok {
		// Network failure or timeout.
		return OutcomeTransient
	}

	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return OutcomeIdempotent
	case http.StatusConflict:
		if apiErr.Conflict != nil && (len(apiErr.Conflict.Fields) > 0 || len(apiErr.Conflict.Server) > 0) {
			return OutcomeConflict
		}
		if o, ok := classifyMessage(apiErr); ok {
			return o
		}
		return OutcomeIdempotent
	}

	if o, ok := classifyMessage(apiErr); ok {
		return o
	}

	switch {
	case apiErr.StatusCode >= 500,
		apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode == http.StatusUnauthorized:
		return OutcomeTransient
	default:
		return OutcomeRejected
	}
}

// classifyMessage recognizes older servers that report duplicates and
// conflicts only in the message. Replace with a structured error code once
// the backend provides one.
func classifyMessage(apiErr *remote.APIError) (Outcome, bool) {
	if apiErr.Code == "" && apiErr.Message == http.StatusText(apiErr.StatusCode) {
		return "", false
	}
	msg := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	switch {
	case strings.Contains(msg, "already applied"), strings.Contains(msg, "already_applied"),
		strings.Contains(msg, "duplicate"):
		return OutcomeIdempotent, true
	case strings.Contains(msg, "conflict"):
		return OutcomeConflict, true
	}
	return "", false
}

func ignoreMissing(err error) error {
	if apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
		return nil
	}
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
