// Package repository is the read/write facade over the cache and the sync
// queue. Reads are served from the cache; writes land in the cache and the
// queue in one durable commit.
package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/fieldsync/backend/internal/cache"
	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/remote"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/queue"
)

// BlobWriter stores photo bytes and returns their content hash.
type BlobWriter interface {
	Put(data []byte) (string, error)
}

// Config holds repository configuration.
type Config struct {
	TechnicianID   string        // Owner of the technician-scoped collections
	RefreshTimeout time.Duration // Upper bound of a forced refresh (default: 15 seconds)
}

// DefaultConfig returns default repository configuration.
func DefaultConfig() Config {
	return Config{RefreshTimeout: 15 * time.Second}
}

// Repository serves cached data and records local writes.
type Repository struct {
	cache          *cache.Store
	queue          *queue.SyncQueue
	client         remote.Client
	blobs          BlobWriter
	online         func() bool
	technicianID   string
	refreshTimeout time.Duration
	now            func() time.Time

	group singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	errCh     chan error
	logDone   chan struct{}
	closeOnce sync.Once
}

// New creates a Repository. online reports whether the backend is
// reachable; a nil func means always offline.
func New(c *cache.Store, q *queue.SyncQueue, client remote.Client, blobs BlobWriter, online func() bool, cfg Config) *Repository {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	if online == nil {
		online = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Repository{
		cache:          c,
		queue:          q,
		client:         client,
		blobs:          blobs,
		online:         online,
		technicianID:   cfg.TechnicianID,
		refreshTimeout: cfg.RefreshTimeout,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		errCh:          make(chan error, 16),
		logDone:        make(chan struct{}),
	}
	go r.logErrors()
	return r
}

// TechnicianID returns the owner of the technician-scoped collections.
func (r *Repository) TechnicianID() string {
	return r.technicianID
}

// Close cancels background refreshes and waits for them.
func (r *Repository) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()
		close(r.errCh)
		<-r.logDone
	})
}

func (r *Repository) logErrors() {
	defer close(r.logDone)
	for err := range r.errCh {
		logging.ErrorWithCode("Background refresh failed", string(apperrors.CodeOf(err)), err, nil)
	}
}

// Read returns the cached snapshot of (c, owner). When online it refreshes
// from the backend: in the background, or, with forceRefresh, before
// returning. A failed or timed-out forced refresh returns the cached
// snapshot.
func (r *Repository) Read(ctx context.Context, c models.Collection, owner string, forceRefresh bool) (models.CacheRecord, error) {
	if owner == "" {
		return models.CacheRecord{}, apperrors.New(apperrors.ErrValidation, "owner is required")
	}

	snapshot := r.cache.Get(c, owner)
	if !r.online() {
		return snapshot, nil
	}
	if !forceRefresh {
		r.RefreshInBackground(c, owner)
		return snapshot, nil
	}

	timeout, cancel := context.WithTimeout(ctx, r.refreshTimeout)
	defer cancel()

	ch := r.group.DoChan(c.Key(owner), func() (interface{}, error) {
		return r.refresh(c, owner)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			logging.Warn("Refresh failed, serving cached data", map[string]interface{}{
				"key":   c.Key(owner),
				"error": res.Err.Error(),
			})
			return r.cache.Get(c, owner), nil
		}
		return res.Val.(models.CacheRecord), nil
	case <-timeout.Done():
		logging.Warn("Refresh timed out, serving cached data", map[string]interface{}{
			"key":     c.Key(owner),
			"timeout": r.refreshTimeout.String(),
		})
		return r.cache.Get(c, owner), nil
	}
}

// RefreshInBackground starts a refresh of (c, owner) unless one is already
// running. Errors are logged.
func (r *Repository) RefreshInBackground(c models.Collection, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err, _ := r.group.Do(c.Key(owner), func() (interface{}, error) {
			return r.refresh(c, owner)
		})
		if err == nil {
			return
		}
		select {
		case r.errCh <- err:
		case <-r.ctx.Done():
		}
	}()
}

// refresh fetches (c, owner) and stores it with the effects of queued
// mutations reapplied. It runs on the repository's context so an
// impatient caller does not abort a refresh shared with others.
func (r *Repository) refresh(c models.Collection, owner string) (models.CacheRecord, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.refreshTimeout)
	defer cancel()

	items, err := r.fetch(ctx, c, owner)
	if err != nil {
		return models.CacheRecord{}, apperrors.Wrap(apperrors.ErrRefreshFailed, "refresh "+c.Key(owner), err)
	}

	items, err = cache.Overlay(c, owner, items, r.queue.Items(), r.now().UnixMilli())
	if err != nil {
		return models.CacheRecord{}, apperrors.Wrap(apperrors.ErrRefreshFailed, "overlay "+c.Key(owner), err)
	}
	if err := r.cache.Put(ctx, c, owner, items); err != nil {
		return models.CacheRecord{}, err
	}

	logging.Debug("Refreshed cache", map[string]interface{}{
		"key":   c.Key(owner),
		"items": len(items),
	})
	return r.cache.Get(c, owner), nil
}

func (r *Repository) fetch(ctx context.Context, c models.Collection, owner string) ([]json.RawMessage, error) {
	switch c {
	case models.CollectionWorkOrders:
		return encode(r.client.FetchWorkOrders(ctx, owner))
	case models.CollectionEquipment:
		return encode(r.client.FetchEquipment(ctx, owner))
	case models.CollectionMaterials:
		return encode(r.client.FetchMaterials(ctx, owner))
	case models.CollectionInstalledEquipment:
		return encode(r.client.FetchInstalledEquipment(ctx, owner))
	case models.CollectionRemovedEquipment:
		return encode(r.client.FetchRemovedEquipment(ctx, owner))
	case models.CollectionImages:
		return encode(r.client.FetchImages(ctx, owner))
	}
	return nil, apperrors.New(apperrors.ErrInvalid, "unknown collection "+string(c))
}

func encode[T any](items []T, err error) ([]json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return cache.Encode(items)
}

func readAs[T any](ctx context.Context, r *Repository, c models.Collection, owner string, force bool) ([]T, error) {
	rec, err := r.Read(ctx, c, owner, force)
	if err != nil {
		return nil, err
	}
	return cache.Decode[T](rec)
}

// WorkOrders returns the technician's work orders.
func (r *Repository) WorkOrders(ctx context.Context, force bool) ([]models.WorkOrder, error) {
	return readAs[models.WorkOrder](ctx, r, models.CollectionWorkOrders, r.technicianID, force)
}

// Equipment returns the technician's equipment catalog.
func (r *Repository) Equipment(ctx context.Context, force bool) ([]models.Equipment, error) {
	return readAs[models.Equipment](ctx, r, models.CollectionEquipment, r.technicianID, force)
}

// Materials returns the technician's materials catalog.
func (r *Repository) Materials(ctx context.Context, force bool) ([]models.Material, error) {
	return readAs[models.Material](ctx, r, models.CollectionMaterials, r.technicianID, force)
}

// InstalledEquipment returns equipment installed on a work order.
func (r *Repository) InstalledEquipment(ctx context.Context, workOrderID string, force bool) ([]models.InstalledEquipment, error) {
	return readAs[models.InstalledEquipment](ctx, r, models.CollectionInstalledEquipment, workOrderID, force)
}

// RemovedEquipment returns equipment removed from a work order.
func (r *Repository) RemovedEquipment(ctx context.Context, workOrderID string, force bool) ([]models.RemovedEquipment, error) {
	return readAs[models.RemovedEquipment](ctx, r, models.CollectionRemovedEquipment, workOrderID, force)
}

// Images returns the photos of a work order.
func (r *Repository) Images(ctx context.Context, workOrderID string, force bool) ([]models.Image, error) {
	return readAs[models.Image](ctx, r, models.CollectionImages, workOrderID, force)
}

// WorkOrder returns one cached work order of the technician.
func (r *Repository) WorkOrder(id string) (models.WorkOrder, bool) {
	orders, err := cache.Items[models.WorkOrder](r.cache, models.CollectionWorkOrders, r.technicianID)
	if err != nil {
		return models.WorkOrder{}, false
	}
	for _, wo := range orders {
		if wo.ID == id {
			return wo, true
		}
	}
	return models.WorkOrder{}, false
}

// write stages the local effect of m and enqueues it in one commit. The
// returned id is empty when m annulled a queued create. If the local effect
// cannot be staged nothing is queued.
func (r *Repository) write(ctx context.Context, m models.Mutation) (string, error) {
	id, err := r.queue.EnqueueWith(ctx, models.NewQueueItem(m), func(b *db.Batch, cancelled bool) error {
		if err := r.cache.Begin(b).ApplyMutation(r.technicianID, m, cancelled); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "apply "+string(m.Type())+" to cache", err)
		}
		return nil
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrInternal {
			err = apperrors.Wrap(apperrors.ErrQueuePersist, "enqueue "+string(m.Type()), err)
		}
		return "", err
	}
	return id, nil
}
