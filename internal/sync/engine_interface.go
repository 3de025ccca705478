// Package sync provides the sync orchestrator that drains the pending
// operation queue against the remote API.
package sync

import (
	"context"
	"time"

	"github.com/salvacell/offsync/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// SyncNow runs a pass, or joins the one already in flight.
	SyncNow(ctx context.Context) (*SyncResult, error)

	// Trigger requests a pass without waiting. It is a no-op while a pass
	// is running or the monitor reports offline.
	Trigger()

	// RetryFailed requeues failed items under the retry cap and runs a pass.
	RetryFailed(ctx context.Context) (*SyncResult, error)

	// CleanSynced purges synced queue items.
	CleanSynced(ctx context.Context) (int64, error)

	// RefreshPendingCount recomputes the pending count and notifies observers.
	RefreshPendingCount(ctx context.Context) (int, error)

	// State returns a snapshot of the sync state.
	State() models.SyncState

	// Subscribe registers an observer; the returned func unsubscribes.
	Subscribe(fn func(models.SyncState)) func()

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last completed pass.
	LastSync() *time.Time

	// PendingChanges returns the number of active queue items.
	PendingChanges() int

	// LastError returns the error that aborted the last pass, if any.
	LastError() error
}
