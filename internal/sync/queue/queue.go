// Package queue provides the durable queue of local mutations awaiting sync.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/uuid"
)

// StorageKey is the single durable key holding the ordered item list.
const StorageKey = "sync_queue"

// Store is the durable storage the queue persists to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Apply(ctx context.Context, b *db.Batch) error
}

// Stage adds writes to the batch that persists the queue. cancelled is true
// when the enqueued delete annulled a queued create instead of being queued.
// An error aborts the whole write.
type Stage func(b *db.Batch, cancelled bool) error

// StatsListener receives a snapshot after every queue mutation.
type StatsListener func(models.QueueStats)

// Config holds queue configuration.
type Config struct {
	MaxSize   int           // Upper bound on queued items, 0 = unbounded
	BaseDelay time.Duration // Delay before the first retry (default: 1 second)
	MaxDelay  time.Duration // Backoff cap (default: 60 seconds)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay: time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// SyncQueue is an ordered, durable list of queued mutations. Every mutation
// rewrites the whole list under StorageKey before memory changes.
type SyncQueue struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	items   []models.QueueItem // ascending Seq
	nextSeq int64

	listenerMu sync.Mutex
	listeners  map[int]StatsListener
	nextID     int
	notifyMu   sync.Mutex

	hookMu  sync.RWMutex
	trigger func()
	online  func() bool

	processing atomic.Bool

	wakeMu sync.Mutex
	wake   *time.Timer
	wakeAt time.Time
	closed bool
}

// NewSyncQueue creates a queue backed by store.
func NewSyncQueue(store Store, cfg Config) *SyncQueue {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &SyncQueue{
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		listeners: make(map[int]StatsListener),
		nextSeq:   1,
	}
}

// WithClock replaces the time source.
func (q *SyncQueue) WithClock(now func() time.Time) *SyncQueue {
	q.now = now
	return q
}

// SetTrigger installs the drain request callback and the online check used
// to decide whether an enqueue should request a drain.
func (q *SyncQueue) SetTrigger(trigger func(), online func() bool) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.trigger = trigger
	q.online = online
}

// Load restores the persisted list. Items left syncing by an interrupted
// drain go back to pending. Items that cannot be decoded are skipped and
// logged with their raw contents.
func (q *SyncQueue) Load(ctx context.Context) error {
	data, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load sync queue", err)
	}

	var raw []json.RawMessage
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "decode sync queue", err)
		}
	}
	items := make([]models.QueueItem, 0, len(raw))
	skipped := 0
	for i, r := range raw {
		var it models.QueueItem
		if err := json.Unmarshal(r, &it); err != nil {
			skipped++
			logging.ErrorWithCode("Skipping unreadable queue item", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"index": i, "raw": string(r)})
			continue
		}
		items = append(items, it)
	}

	q.mu.Lock()
	recovered := 0
	var maxSeq int64
	for i := range items {
		if items[i].Status == models.QueueStatusSyncing {
			items[i].Status = models.QueueStatusPending
			recovered++
		}
		if items[i].Seq > maxSeq {
			maxSeq = items[i].Seq
		}
	}
	sortBySeq(items)

	if recovered > 0 {
		if err := q.persistLocked(ctx, items, nil); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.items = items
	q.nextSeq = maxSeq + 1
	q.mu.Unlock()

	logging.Info("Sync queue loaded", map[string]interface{}{
		"items":     len(items),
		"recovered": recovered,
		"skipped":   skipped,
	})

	q.changed()
	return nil
}

// Enqueue adds a mutation and returns its queue id.
func (q *SyncQueue) Enqueue(ctx context.Context, m models.Mutation) (string, error) {
	return q.EnqueueWith(ctx, models.NewQueueItem(m), nil)
}

// EnqueueWith adds item. stage, when non-nil, adds writes to the same batch
// so they commit atomically with the queue.
//
// A delete whose target is the temporary id of a create that is still
// pending and was never sent annuls that create instead of being queued;
// in that case the returned id is empty.
func (q *SyncQueue) EnqueueWith(ctx context.Context, item models.QueueItem, stage Stage) (string, error) {
	if item.Payload == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "queue item has no payload")
	}

	q.mu.Lock()

	var (
		next      []models.QueueItem
		id        string
		cancelled string
	)
	if idx := q.cancellableCreateLocked(item.Payload); idx >= 0 {
		cancelled = q.items[idx].ID
		next = make([]models.QueueItem, 0, len(q.items)-1)
		next = append(next, q.items[:idx]...)
		next = append(next, q.items[idx+1:]...)
	} else {
		if q.cfg.MaxSize > 0 && len(q.items) >= q.cfg.MaxSize {
			q.mu.Unlock()
			return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("queue is full (max size: %d)", q.cfg.MaxSize))
		}
		now := q.now().UnixMilli()
		item.ID = uuid.New()
		item.Seq = q.nextSeq
		item.Status = models.QueueStatusPending
		item.RetryCount = 0
		item.CreatedAt = now
		item.LastAttemptAt = 0
		item.LastError = ""
		item.ConflictData = nil
		if item.MaxRetries <= 0 {
			item.MaxRetries = models.DefaultMaxRetries
		}
		id = item.ID
		next = make([]models.QueueItem, 0, len(q.items)+1)
		next = append(next, q.items...)
		next = append(next, item)
	}

	var staged func(*db.Batch) error
	if stage != nil {
		staged = func(b *db.Batch) error { return stage(b, cancelled != "") }
	}
	if err := q.persistLocked(ctx, next, staged); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.items = next
	if id != "" {
		q.nextSeq++
	}
	q.mu.Unlock()

	if cancelled != "" {
		logging.Info("Queued create cancelled by delete", map[string]interface{}{
			"item_id": cancelled,
			"type":    string(item.Type),
		})
	} else {
		logging.Debug("Enqueued mutation", map[string]interface{}{
			"item_id":   id,
			"type":      string(item.Type),
			"entity_id": item.EntityID,
		})
	}

	q.changed()
	q.requestDrainIfOnline()
	return id, nil
}

// cancellableCreateLocked returns the index of the create that m annuls, or -1.
func (q *SyncQueue) cancellableCreateLocked(m models.Mutation) int {
	c, ok := m.(models.Canceller)
	if !ok {
		return -1
	}
	typ, target := c.Cancels()
	if !uuid.IsTemp(target) {
		return -1
	}
	for i := range q.items {
		it := &q.items[i]
		if it.Type != typ || it.Status != models.QueueStatusPending || it.LastAttemptAt != 0 {
			continue
		}
		if cr, ok := it.Payload.(models.Creator); ok && cr.TempID() == target {
			return i
		}
	}
	return -1
}

// Remove deletes an item.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	return q.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, notFound(id)
		}
		return append(items[:idx:idx], items[idx+1:]...), nil
	})
}

// Update applies fn to a copy of the item and persists the result.
func (q *SyncQueue) Update(ctx context.Context, id string, fn func(*models.QueueItem)) error {
	return q.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, notFound(id)
		}
		it := items[idx].Clone()
		fn(&it)
		if it.RetryCount > it.MaxRetries {
			it.RetryCount = it.MaxRetries
		}
		items[idx] = it
		return items, nil
	})
}

// RemapEntityID rewrites references from a temporary id to the canonical id
// in every queued payload. It returns the number of items changed.
func (q *SyncQueue) RemapEntityID(ctx context.Context, oldID, newID string) (int, error) {
	changed := 0
	err := q.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			m, ok := items[i].Payload.RemapID(oldID, newID)
			if !ok {
				continue
			}
			items[i].SetPayload(m)
			changed++
		}
		if changed == 0 {
			return nil, errUnchanged
		}
		return items, nil
	})
	if err == errUnchanged {
		return 0, nil
	}
	return changed, err
}

// Complete removes a delivered item. When tempID is set, references to it
// in later items become canonicalID. stage adds writes, such as the cache
// update for the delivered change, to the same batch.
func (q *SyncQueue) Complete(ctx context.Context, id, tempID, canonicalID string, stage func(*db.Batch) error) error {
	remapped := 0
	err := q.mutateWith(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, notFound(id)
		}
		items = append(items[:idx:idx], items[idx+1:]...)
		if tempID == "" || canonicalID == "" || tempID == canonicalID {
			return items, nil
		}
		for i := range items {
			if m, ok := items[i].Payload.RemapID(tempID, canonicalID); ok {
				items[i].SetPayload(m)
				remapped++
			}
		}
		return items, nil
	}, stage)
	if err == nil && remapped > 0 {
		logging.Info("Remapped temporary id in queued items", map[string]interface{}{
			"temp_id":      tempID,
			"canonical_id": canonicalID,
			"items":        remapped,
		})
	}
	return err
}

// RetryItem puts a failed item back in line with a fresh retry budget.
func (q *SyncQueue) RetryItem(ctx context.Context, id string) error {
	err := q.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, notFound(id)
		}
		if items[idx].Status == models.QueueStatusSyncing {
			return nil, apperrors.New(apperrors.ErrQueueItemState, fmt.Sprintf("queue item %s is syncing", id))
		}
		resetForRetry(&items[idx])
		return items, nil
	})
	if err == nil {
		q.requestDrainIfOnline()
	}
	return err
}

// RetryAllFailed resets every failed item and returns how many were reset.
func (q *SyncQueue) RetryAllFailed(ctx context.Context) (int, error) {
	count := 0
	err := q.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].Status == models.QueueStatusFailed {
				resetForRetry(&items[i])
				count++
			}
		}
		if count == 0 {
			return nil, errUnchanged
		}
		return items, nil
	})
	if err == errUnchanged {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	logging.Info("Reset failed items for retry", map[string]interface{}{"count": count})
	q.requestDrainIfOnline()
	return count, nil
}

func resetForRetry(it *models.QueueItem) {
	it.Status = models.QueueStatusPending
	it.RetryCount = 0
	it.LastError = ""
	it.ConflictData = nil
}

var errUnchanged = errors.New("unchanged")

// mutate runs fn on a copy of the list and, unless fn fails, persists the
// result and swaps it in.
func (q *SyncQueue) mutate(ctx context.Context, fn func([]models.QueueItem) ([]models.QueueItem, error)) error {
	return q.mutateWith(ctx, fn, nil)
}

func (q *SyncQueue) mutateWith(ctx context.Context, fn func([]models.QueueItem) ([]models.QueueItem, error), stage func(*db.Batch) error) error {
	q.mu.Lock()
	work := make([]models.QueueItem, len(q.items))
	for i := range q.items {
		work[i] = q.items[i].Clone()
	}
	next, err := fn(work)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.persistLocked(ctx, next, stage); err != nil {
		q.mu.Unlock()
		return err
	}
	q.items = next
	q.mu.Unlock()

	q.changed()
	return nil
}

func (q *SyncQueue) persistLocked(ctx context.Context, items []models.QueueItem, stage func(*db.Batch) error) error {
	if items == nil {
		items = []models.QueueItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "encode sync queue", err)
	}
	b := db.NewBatch()
	b.Put(StorageKey, data)
	if stage != nil {
		if err := stage(b); err != nil {
			return err
		}
	}
	if err := q.store.Apply(ctx, b); err != nil {
		logging.ErrorWithCode("Failed to persist sync queue", string(apperrors.ErrQueuePersist), err,
			map[string]interface{}{"items": len(items)})
		return apperrors.Wrap(apperrors.ErrQueuePersist, "persist sync queue", err)
	}
	return nil
}

// Get returns a copy of the item with id.
func (q *SyncQueue) Get(id string) (models.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := indexOf(q.items, id)
	if idx < 0 {
		return models.QueueItem{}, false
	}
	return q.items[idx].Clone(), true
}

// Items returns copies of all items in enqueue order.
func (q *SyncQueue) Items() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.items)
}

// BlobHashes returns the photo blobs still referenced by queued uploads.
func (q *SyncQueue) BlobHashes() map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	hashes := make(map[string]bool)
	for _, it := range q.items {
		if up, ok := it.Payload.(models.UploadImage); ok && up.BlobHash != "" {
			hashes[up.BlobHash] = true
		}
	}
	return hashes
}

// Size returns the number of queued items.
func (q *SyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns counts per status plus the items.
func (q *SyncQueue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return statsOf(q.items)
}

func statsOf(items []models.QueueItem) models.QueueStats {
	stats := models.QueueStats{Total: len(items), Items: cloneAll(items)}
	for _, it := range items {
		switch it.Status {
		case models.QueueStatusPending:
			stats.Pending++
		case models.QueueStatusSyncing:
			stats.Syncing++
		case models.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// AddListener registers cb, calls it with the current stats and returns a
// function that unregisters it.
func (q *SyncQueue) AddListener(cb StatsListener) func() {
	q.notifyMu.Lock()
	q.listenerMu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = cb
	q.listenerMu.Unlock()
	cb(q.Stats())
	q.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.listenerMu.Lock()
			delete(q.listeners, id)
			q.listenerMu.Unlock()
		})
	}
}

// changed notifies listeners and re-arms the wake timer.
func (q *SyncQueue) changed() {
	q.notifyMu.Lock()
	stats := q.Stats()
	q.listenerMu.Lock()
	listeners := make([]StatsListener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.listenerMu.Unlock()
	for _, l := range listeners {
		l(stats)
	}
	q.notifyMu.Unlock()

	q.armWake()
}

// Drain runs fn unless another drain is already running, in which case it
// returns false immediately.
func (q *SyncQueue) Drain(ctx context.Context, fn func(context.Context) error) (bool, error) {
	if !q.processing.CompareAndSwap(false, true) {
		logging.Debug("Drain already in progress, skipping", nil)
		return false, nil
	}
	defer q.processing.Store(false)
	return true, fn(ctx)
}

// IsProcessing reports whether a drain is running.
func (q *SyncQueue) IsProcessing() bool {
	return q.processing.Load()
}

// RetryDelay returns the wait before attempt retryCount+1:
// min(BaseDelay * 2^(retryCount-1), MaxDelay), zero before the first retry.
func (q *SyncQueue) RetryDelay(retryCount int) time.Duration {
	return RetryDelay(retryCount, q.cfg.BaseDelay, q.cfg.MaxDelay)
}

// RetryDelay computes capped exponential backoff.
func RetryDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// eligibleAt returns when it may next be attempted, and false if it may
// never be attempted automatically.
func (q *SyncQueue) eligibleAt(it *models.QueueItem) (time.Time, bool) {
	if it.Status != models.QueueStatusPending || it.RetryCount >= it.MaxRetries {
		return time.Time{}, false
	}
	if it.LastAttemptAt == 0 {
		return time.Time{}, true
	}
	return time.UnixMilli(it.LastAttemptAt).Add(q.RetryDelay(it.RetryCount)), true
}

// Eligible returns, in FIFO order, the pending items whose backoff window
// has elapsed at now.
func (q *SyncQueue) Eligible(now time.Time) []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.QueueItem
	for i := range q.items {
		at, ok := q.eligibleAt(&q.items[i])
		if ok && !at.After(now) {
			out = append(out, q.items[i].Clone())
		}
	}
	return out
}

// NextWake returns the earliest instant a deferred item becomes eligible.
func (q *SyncQueue) NextWake(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for i := range q.items {
		at, ok := q.eligibleAt(&q.items[i])
		if !ok || !at.After(now) {
			continue
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	return earliest, found
}

// armWake schedules one timer at the earliest deferred eligibility.
func (q *SyncQueue) armWake() {
	at, ok := q.NextWake(q.now())

	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	if q.closed {
		return
	}
	if !ok {
		if q.wake != nil {
			q.wake.Stop()
			q.wake = nil
		}
		q.wakeAt = time.Time{}
		return
	}
	if q.wake != nil && q.wakeAt.Equal(at) {
		return
	}
	if q.wake != nil {
		q.wake.Stop()
	}
	q.wakeAt = at
	q.wake = time.AfterFunc(at.Sub(q.now()), q.onWake)
}

func (q *SyncQueue) onWake() {
	q.wakeMu.Lock()
	q.wake = nil
	q.wakeAt = time.Time{}
	q.wakeMu.Unlock()

	q.requestDrain()
}

func (q *SyncQueue) requestDrain() {
	q.hookMu.RLock()
	trigger := q.trigger
	q.hookMu.RUnlock()
	if trigger != nil {
		trigger()
	}
}

func (q *SyncQueue) requestDrainIfOnline() {
	q.hookMu.RLock()
	online := q.online
	q.hookMu.RUnlock()
	if online != nil && !online() {
		return
	}
	q.requestDrain()
}

// Close stops the wake timer.
func (q *SyncQueue) Close() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	q.closed = true
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
	}
}

func indexOf(items []models.QueueItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item %s not found", id))
}

func cloneAll(items []models.QueueItem) []models.QueueItem {
	out := make([]models.QueueItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

func sortBySeq(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Seq < items[j].Seq
	})
}
