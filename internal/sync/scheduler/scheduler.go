// Package scheduler runs queue drains and cache maintenance in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/backend/internal/sync"
)

// CleanupFunc performs one maintenance pass.
type CleanupFunc func(ctx context.Context) error

// Scheduler owns the single goroutine that drains the queue. Drain requests
// coalesce: any number of requests made while a drain runs result in one
// more drain.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	cleanup         CleanupFunc
	syncInterval    time.Duration
	cleanupInterval time.Duration
	drainTimeout    time.Duration
	requests        chan struct{}
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	lastResult      *syncpkg.DrainResult
	syncInProgress  bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval    time.Duration // Periodic drain while online (default: 1 minute)
	CleanupInterval time.Duration // Cache maintenance period (default: 1 hour)
	DrainTimeout    time.Duration // Upper bound of one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    time.Minute,
		CleanupInterval: time.Hour,
		DrainTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. It starts offline; the network
// monitor reports the first state.
func NewScheduler(engine syncpkg.SyncEngineInterface, cleanup CleanupFunc, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}

	return &Scheduler{
		engine:          engine,
		cleanup:         cleanup,
		syncInterval:    config.SyncInterval,
		cleanupInterval: config.CleanupInterval,
		drainTimeout:    config.DrainTimeout,
		requests:        make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.maintenanceLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":    s.syncInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
	})
}

// Stop stops the background loops and waits for a running drain to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// Request asks for a drain. It never blocks.
func (s *Scheduler) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// SetOnlineStatus records connectivity. Coming online requests a drain.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
		if isOnline {
			s.Request()
		}
	}
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.requests:
			s.runDrain(ctx)
		case <-ticker.C:
			s.runDrain(ctx)
		}
	}
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.cleanup == nil {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.cleanup(ctx); err != nil {
				logging.ErrorWithCode("Scheduled cleanup failed", string(errors.ErrDatabase), err, nil)
			}
		}
	}
}

// runDrain performs one drain when online. Stop cancels a running drain.
func (s *Scheduler) runDrain(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping drain - offline", nil)
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-drainCtx.Done():
		}
	}()

	if _, err := s.drain(drainCtx, syncpkg.DrainOptions{}); err != nil {
		logging.ErrorWithCode("Background drain failed", string(errors.ErrSyncFailed), err, nil)
	}
}

func (s *Scheduler) drain(ctx context.Context, opts syncpkg.DrainOptions) (*syncpkg.DrainResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	result, err := s.engine.Drain(ctx, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	if err == nil && result != nil && !result.Skipped {
		s.lastSyncTime = time.Now()
		s.lastResult = result
	}
	return result, err
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	LastSyncTime   *time.Time           `json:"last_sync_time,omitempty"`
	SyncInProgress bool                 `json:"sync_in_progress"`
	PendingItems   int                  `json:"pending_items"`
	LastResult     *syncpkg.DrainResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.PendingItems = s.engine.PendingChanges()
	return status
}

// SyncNow drains immediately, ignoring retry backoff, and waits for the
// result. It fails fast when offline.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "cannot sync while offline")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drain(syncCtx, syncpkg.DrainOptions{IgnoreBackoff: true})
	if err != nil {
		return result, errors.Wrap(errors.ErrSyncFailed, "manual sync", err)
	}
	return result, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
