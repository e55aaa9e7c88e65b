// Package services wires the sync subsystem into one owned service with an
// explicit Initialize/Destroy lifecycle.
package services

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/fieldsync/backend/internal/cache"
	"github.com/kimhsiao/fieldsync/backend/internal/config"
	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/metrics"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/network"
	"github.com/kimhsiao/fieldsync/backend/internal/remote"
	"github.com/kimhsiao/fieldsync/backend/internal/repository"
	syncpkg "github.com/kimhsiao/fieldsync/backend/internal/sync"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/storage"
)

// Options configures a SyncService. Client and Prober are required.
type Options struct {
	DataDir      string
	TechnicianID string

	Client remote.Client
	Prober network.Prober

	// Registerer receives the sync metrics; nil keeps them private.
	Registerer prometheus.Registerer

	Network        network.Config
	Queue          queue.Config
	Cache          cache.Config
	Scheduler      scheduler.SchedulerConfig
	RefreshTimeout time.Duration

	// BlobGrace keeps unreferenced photo data younger than this out of
	// cleanup. Zero means DefaultBlobGrace.
	BlobGrace time.Duration
}

// DefaultBlobGrace covers the gap between storing photo data and queueing
// its upload.
const DefaultBlobGrace = 15 * time.Minute

// OptionsFromConfig builds options talking HTTP to the configured backend.
func OptionsFromConfig(cfg *config.Config) Options {
	client := remote.NewHTTPClient(remote.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	})

	var prober network.Prober = client
	if cfg.Network.ProbeURL != "" {
		prober = network.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout)
	}

	return Options{
		DataDir:      cfg.DatabaseDir(),
		TechnicianID: cfg.TechnicianID,
		Client:       client,
		Prober:       prober,
		Network: network.Config{
			ProbeInterval: cfg.Network.ProbeInterval,
			ProbeTimeout:  cfg.Network.ProbeTimeout,
		},
		Cache: cache.Config{Retention: cfg.Cache.Retention},
		Scheduler: scheduler.SchedulerConfig{
			SyncInterval:    cfg.Sync.Interval,
			CleanupInterval: cfg.Cache.CleanupInterval,
			DrainTimeout:    cfg.Sync.DrainTimeout,
		},
		RefreshTimeout: cfg.Sync.RefreshTimeout,
	}
}

// SyncService owns every sync component of one process. Tests create as
// many isolated instances as they need.
type SyncService struct {
	opts Options

	lifecycle   sync.Mutex // serializes Initialize and Destroy
	mu          sync.RWMutex
	initialized bool
	cancel      context.CancelFunc
	unsubscribe []func()

	database  *db.DB
	kv        *db.KV
	cache     *cache.Store
	queue     *queue.SyncQueue
	blobs     *storage.BlobStore
	monitor   *network.Monitor
	engine    *syncpkg.SyncEngine
	scheduler *scheduler.Scheduler
	repo      *repository.Repository
	resolver  *conflict.Resolver
	metrics   *metrics.Collector
}

// NewSyncService creates an uninitialized service. Metrics are registered
// here, once per service.
func NewSyncService(opts Options) *SyncService {
	return &SyncService{
		opts:     opts,
		resolver: conflict.NewResolver(),
		metrics:  metrics.NewCollector(opts.Registerer),
	}
}

// Initialize opens the store, restores the queue and cache, and starts
// connectivity probing and the background scheduler.
func (s *SyncService) Initialize(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.ready() == nil {
		return nil
	}
	if s.opts.Client == nil {
		return apperrors.New(apperrors.ErrInvalid, "backend client is required")
	}

	database, err := db.Open(s.opts.DataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}
	kv := db.NewKV(database)

	store := cache.New(kv, s.opts.Cache)
	if err := store.Load(ctx); err != nil {
		kv.Close()
		database.Close()
		return err
	}
	q := queue.NewSyncQueue(kv, s.opts.Queue)
	if err := q.Load(ctx); err != nil {
		kv.Close()
		database.Close()
		return err
	}

	blobs := storage.NewBlobStore(filepath.Join(s.opts.DataDir, "blobs"))
	collector := s.metrics
	engine := syncpkg.NewSyncEngine(q, store, s.opts.Client, blobs).WithRecorder(collector)
	monitor := network.NewMonitor(s.opts.Prober, s.opts.Network)

	s.database, s.kv, s.cache, s.queue, s.blobs = database, kv, store, q, blobs
	s.engine, s.monitor = engine, monitor

	schedCfg := s.opts.Scheduler
	s.scheduler = scheduler.NewScheduler(engine, s.scheduledCleanup, &schedCfg)
	s.repo = repository.New(store, q, s.opts.Client, blobs, monitor.IsOnline, repository.Config{
		TechnicianID:   s.opts.TechnicianID,
		RefreshTimeout: s.opts.RefreshTimeout,
	})

	q.SetTrigger(s.scheduler.Request, monitor.IsOnline)
	s.unsubscribe = []func(){
		q.AddListener(collector.UpdateQueueStats),
		monitor.AddListener(func(state models.NetworkState) {
			s.scheduler.SetOnlineStatus(state.IsOnline)
			collector.SetOnline(state.IsOnline)
		}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.scheduler.Start(runCtx)
	monitor.Initialize(runCtx)

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	logging.Info("Sync service initialized", map[string]interface{}{
		"data_dir":      s.opts.DataDir,
		"technician_id": s.opts.TechnicianID,
		"queued_items":  q.Size(),
		"is_online":     monitor.IsOnline(),
	})
	return nil
}

// Destroy stops background work and closes the store. The service can be
// initialized again afterwards.
func (s *SyncService) Destroy() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	s.mu.Unlock()

	s.monitor.Destroy()
	s.scheduler.Stop()
	s.repo.Close()
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
	s.queue.SetTrigger(nil, nil)
	s.queue.Close()
	s.cancel()

	var firstErr error
	if err := s.kv.Close(); err != nil {
		firstErr = err
	}
	if err := s.database.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logging.Info("Sync service destroyed", nil)
	if firstErr != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "close database", firstErr)
	}
	return nil
}

// ready returns an error unless Initialize has completed.
func (s *SyncService) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return apperrors.New(apperrors.ErrInternal, "sync service not initialized")
	}
	return nil
}

// Repository returns the read/write facade.
func (s *SyncService) Repository() *repository.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

// SubscribeQueueStats registers cb for queue changes. cb is called at once
// with the current stats.
func (s *SyncService) SubscribeQueueStats(cb queue.StatsListener) (func(), error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queue.AddListener(cb), nil
}

// SubscribeNetworkStatus registers cb for connectivity changes. cb is
// called at once with the current state.
func (s *SyncService) SubscribeNetworkStatus(cb network.Listener) (func(), error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.monitor.AddListener(cb), nil
}

// SubscribeConflicts registers cb for items that newly entered conflict.
func (s *SyncService) SubscribeConflicts(cb syncpkg.ConflictListener) (func(), error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.engine.SubscribeConflicts(cb), nil
}

// IsOnline returns the current connectivity snapshot.
func (s *SyncService) IsOnline() bool {
	if s.ready() != nil {
		return false
	}
	return s.monitor.IsOnline()
}

// CheckConnection forces a reachability probe.
func (s *SyncService) CheckConnection(ctx context.Context) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.monitor.CheckConnection(ctx), nil
}

// ReportConnectivity feeds a platform connectivity change.
func (s *SyncService) ReportConnectivity(ctx context.Context, connected bool) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.monitor.ReportConnectivity(ctx, connected), nil
}

// SetProbeInterval changes how often reachability is re-probed.
func (s *SyncService) SetProbeInterval(d time.Duration) {
	if s.ready() != nil {
		return
	}
	s.monitor.SetProbeInterval(d)
}

// ApplyConfig applies the settings of a reloaded configuration that can
// change at runtime. Storage, backend and scheduling settings need a restart.
func (s *SyncService) ApplyConfig(prev, next *config.Config) {
	if prev == nil || prev.LogLevel() != next.LogLevel() {
		logging.Get().SetLevel(next.LogLevel())
	}
	if prev == nil || prev.Network.ProbeInterval != next.Network.ProbeInterval {
		s.SetProbeInterval(next.Network.ProbeInterval)
	}
	if prev != nil && (prev.DataDir != next.DataDir || prev.Backend != next.Backend || prev.Sync.Interval != next.Sync.Interval) {
		logging.Warn("Config change requires a restart", map[string]interface{}{
			"data_dir": next.DataDir,
			"backend":  next.Backend.BaseURL,
		})
	}
}

// QueueStats returns the current queue summary.
func (s *SyncService) QueueStats() (models.QueueStats, error) {
	if err := s.ready(); err != nil {
		return models.QueueStats{}, err
	}
	return s.queue.Stats(), nil
}

// Status is a snapshot of the whole subsystem.
type Status struct {
	IsOnline   bool                      `json:"is_online"`
	SyncStatus syncpkg.SyncStatus        `json:"sync_status"`
	LastSync   *time.Time                `json:"last_sync,omitempty"`
	LastError  string                    `json:"last_error,omitempty"`
	Queue      QueueSummary              `json:"queue"`
	Scheduler  scheduler.SchedulerStatus `json:"scheduler"`
}

// QueueSummary counts queued items by state.
type QueueSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// Status returns the current subsystem status.
func (s *SyncService) Status() (Status, error) {
	if err := s.ready(); err != nil {
		return Status{}, err
	}
	stats := s.queue.Stats()
	status := Status{
		IsOnline:   s.monitor.IsOnline(),
		SyncStatus: s.engine.Status(),
		LastSync:   s.engine.LastSync(),
		Queue: QueueSummary{
			Total:     stats.Total,
			Pending:   stats.Pending,
			Syncing:   stats.Syncing,
			Failed:    stats.Failed,
			Conflicts: len(stats.Conflicts()),
		},
		Scheduler: s.scheduler.GetStatus(),
	}
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status, nil
}

// Read returns the cached snapshot of (c, owner), refreshing it when
// online.
func (s *SyncService) Read(ctx context.Context, c models.Collection, owner string, forceRefresh bool) (models.CacheRecord, error) {
	if err := s.ready(); err != nil {
		return models.CacheRecord{}, err
	}
	return s.repo.Read(ctx, c, owner, forceRefresh)
}

// ForceSyncAll drains the queue now, ignoring retry backoff.
func (s *SyncService) ForceSyncAll(ctx context.Context) (*syncpkg.DrainResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.scheduler.SyncNow(ctx)
}

// RetryItem gives a failed item a fresh retry budget.
func (s *SyncService) RetryItem(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.queue.RetryItem(ctx, id)
}

// RetryAllFailed gives every failed item a fresh retry budget.
func (s *SyncService) RetryAllFailed(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.queue.RetryAllFailed(ctx)
}

// DismissItem drops a queued change. The local preview of the change is
// replaced by the server state on the next refresh, which is started now
// when online.
func (s *SyncService) DismissItem(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	item, ok := s.queue.Get(id)
	if !ok {
		return apperrors.New(apperrors.ErrQueueItemNotFound, "queue item "+id+" not found")
	}
	if item.Status == models.QueueStatusSyncing {
		return apperrors.New(apperrors.ErrQueueItemState, "queue item "+id+" is syncing")
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}

	logging.Info("Queue item dismissed", map[string]interface{}{
		"item_id": id,
		"type":    string(item.Type),
	})
	s.released(item)
	return nil
}

// ResolveConflict applies strategy to a conflicted item. use_server drops
// the local change and refreshes the affected snapshots; use_local and
// merge put the item back in line.
func (s *SyncService) ResolveConflict(ctx context.Context, id string, strategy conflict.ResolutionStrategy, merged models.Mutation) error {
	if err := s.ready(); err != nil {
		return err
	}
	item, ok := s.queue.Get(id)
	if !ok {
		return apperrors.New(apperrors.ErrQueueItemNotFound, "queue item "+id+" not found")
	}

	res, err := s.resolver.Resolve(item, strategy, merged)
	if err != nil {
		if err == conflict.ErrNotConflicted {
			return apperrors.Wrap(apperrors.ErrQueueItemState, "resolve "+id, err)
		}
		return apperrors.Wrap(apperrors.ErrInvalid, "resolve "+id, err)
	}

	if res.Remove {
		if err := s.queue.Remove(ctx, id); err != nil {
			return err
		}
		s.released(item)
		return nil
	}

	if err := s.queue.Update(ctx, id, func(it *models.QueueItem) {
		*it = res.Item
	}); err != nil {
		return err
	}
	if s.monitor.IsOnline() {
		s.scheduler.Request()
	}
	return nil
}

// released cleans up after an item left the queue without being delivered:
// its photo bytes are deleted when nothing else needs them and the
// snapshots it previewed are refreshed.
func (s *SyncService) released(item models.QueueItem) {
	if up, ok := item.Payload.(models.UploadImage); ok && !s.queue.BlobHashes()[up.BlobHash] {
		if err := s.blobs.Delete(up.BlobHash); err != nil {
			logging.Warn("Failed to delete photo data", map[string]interface{}{
				"item_id": item.ID,
				"hash":    up.BlobHash,
				"error":   err.Error(),
			})
		}
	}
	if !s.monitor.IsOnline() || item.Payload == nil {
		return
	}
	for _, ref := range cache.Touched(s.opts.TechnicianID, item.Payload) {
		s.repo.RefreshInBackground(ref.Collection, ref.Owner)
	}
}

// CleanupResult describes what a cleanup pass removed.
type CleanupResult struct {
	Cache        cache.CleanupReport `json:"cache"`
	RemovedBlobs []string            `json:"removed_blobs"`
}

// PerformCleanup prunes the cache and deletes photo data no queued upload
// references.
func (s *SyncService) PerformCleanup(ctx context.Context) (CleanupResult, error) {
	if err := s.ready(); err != nil {
		return CleanupResult{}, err
	}
	return s.cleanup(ctx)
}

func (s *SyncService) scheduledCleanup(ctx context.Context) error {
	_, err := s.cleanup(ctx)
	return err
}

func (s *SyncService) cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	report, err := s.cache.PerformCleanup(ctx)
	if err != nil {
		return result, err
	}
	result.Cache = report

	grace := s.opts.BlobGrace
	if grace <= 0 {
		grace = DefaultBlobGrace
	}
	removed, err := s.blobs.Sweep(s.queue.BlobHashes(), grace)
	result.RemovedBlobs = removed
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrDatabase, "sweep photo data", err)
	}

	if report.Removed() || len(removed) > 0 {
		logging.Info("Cleanup completed", map[string]interface{}{
			"evicted_work_orders": len(report.EvictedWorkOrders),
			"cascaded_keys":       len(report.CascadedKeys),
			"orphan_keys":         len(report.OrphanKeys),
			"removed_blobs":       len(removed),
		})
	}
	return result, nil
}
