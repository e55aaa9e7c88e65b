package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler and service layer depend on it so tests can substitute a
// stub.
type SyncEngineInterface interface {
	// DrainOnce delivers every eligible queued item at most once.
	DrainOnce(ctx context.Context) (*DrainResult, error)

	// Drain is DrainOnce with options.
	Drain(ctx context.Context, opts DrainOptions) (*DrainResult, error)

	// SubscribeConflicts registers a listener for items entering conflict.
	SubscribeConflicts(cb ConflictListener) func()

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful drain.
	LastSync() *time.Time

	// PendingChanges returns the number of pending queue items.
	PendingChanges() int

	// LastError returns the last error that ended a drain.
	LastError() error
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
