// Package queue provides the durable pending-operation queue that records
// local mutations until the remote system confirms them.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

// MaxRetries is the number of failed attempts after which an operation is no
// longer retried automatically.
const MaxRetries = 5

// SyncQueue is an ordered log of pending operations persisted in the local
// store. Items are processed First-In-First-Out by (timestamp, id).
type SyncQueue struct {
	repo       *db.Repository
	online     func() bool
	now        func() time.Time
	maxRetries int

	mu     sync.Mutex
	last   time.Time
	notify func()
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithConnectivity sets the probe consulted before signalling the notifier.
func WithConnectivity(online func() bool) Option {
	return func(q *SyncQueue) { q.online = online }
}

// WithClock overrides the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *SyncQueue) { q.maxRetries = n }
}

// NewSyncQueue creates a queue over repo.
func NewSyncQueue(repo *db.Repository, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		repo:       repo,
		online:     func() bool { return true },
		now:        time.Now,
		maxRetries: MaxRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load seeds the timestamp high-water mark from persisted items so ordering
// stays strict across restarts even if the wall clock stepped backwards.
func (q *SyncQueue) Load(ctx context.Context) error {
	last, err := q.repo.LastQueueTimestamp(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if last.After(q.last) {
		q.last = last
	}
	q.mu.Unlock()
	return nil
}

// SetNotifier registers fn to be signalled after every enqueue made while
// online. fn must not block.
func (q *SyncQueue) SetNotifier(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// MaxRetries returns the retry cap in effect.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// stamp returns a timestamp strictly greater than any previously issued.
func (q *SyncQueue) stamp() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now()
	if !ts.After(q.last) {
		ts = q.last.Add(time.Nanosecond)
	}
	q.last = ts
	return ts
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	return data, nil
}

// Enqueue appends an operation with status pending and retry count 0, then
// signals the notifier when online.
func (q *SyncQueue) Enqueue(ctx context.Context, action models.Action, entity, entityID string, payload interface{}) (int64, error) {
	id, err := q.EnqueueTx(ctx, q.repo, action, entity, entityID, payload)
	if err != nil {
		return 0, err
	}
	q.Signal()
	return id, nil
}

// EnqueueTx appends an operation through tx (typically a transaction-bound
// repository) without signalling. Callers invoke Signal once tx commits.
func (q *SyncQueue) EnqueueTx(ctx context.Context, tx *db.Repository, action models.Action, entity, entityID string, payload interface{}) (int64, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	op := &models.PendingOperation{
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Timestamp: q.stamp(),
		Payload:   raw,
	}
	if err := tx.InsertQueueItem(ctx, op); err != nil {
		return 0, err
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"queue_id":  op.ID,
		"action":    string(action),
		"entity":    entity,
		"entity_id": entityID,
	})
	return op.ID, nil
}

// Signal pokes the notifier if one is set and the monitor reports online.
func (q *SyncQueue) Signal() {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()

	if fn != nil && q.online() {
		fn()
	}
}

// ListActionable returns pending and error items in FIFO order, including
// those past the retry cap; the caller decides whether to skip them.
func (q *SyncQueue) ListActionable(ctx context.Context) ([]*models.PendingOperation, error) {
	return q.repo.ListQueueByStatus(ctx, models.QueueStatusPending, models.QueueStatusError)
}

// List returns every item in FIFO order.
func (q *SyncQueue) List(ctx context.Context) ([]*models.PendingOperation, error) {
	return q.repo.ListQueueByStatus(ctx)
}

// Get returns one item.
func (q *SyncQueue) Get(ctx context.Context, id int64) (*models.PendingOperation, error) {
	return q.repo.GetQueueItem(ctx, id)
}

// MarkSynced records remote confirmation.
func (q *SyncQueue) MarkSynced(ctx context.Context, id int64) error {
	return q.repo.MarkQueueSynced(ctx, id, q.now())
}

// MarkError records a failed attempt and increments the retry count.
func (q *SyncQueue) MarkError(ctx context.Context, id int64, msg string) error {
	return q.repo.MarkQueueError(ctx, id, msg, q.now())
}

// Requeue puts an item back to pending keeping its retry count.
func (q *SyncQueue) Requeue(ctx context.Context, id int64) error {
	return q.repo.SetQueueStatus(ctx, id, models.QueueStatusPending)
}

// ResetRetries sets one item back to pending with a zero retry count, making
// an exhausted item eligible again.
func (q *SyncQueue) ResetRetries(ctx context.Context, id int64) error {
	if err := q.repo.ResetQueueRetries(ctx, id); err != nil {
		return err
	}
	logging.Info("Queue item reset for manual retry", map[string]interface{}{"queue_id": id})
	return nil
}

// ResetAllRetries resets every error item, exhausted ones included. It
// returns the number of items reset.
func (q *SyncQueue) ResetAllRetries(ctx context.Context) (int, error) {
	var count int
	err := q.repo.RunInTx(ctx, func(tx *db.Repository) error {
		items, err := tx.ListQueueByStatus(ctx, models.QueueStatusError)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.ResetQueueRetries(ctx, item.ID); err != nil {
				return err
			}
		}
		count = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// RequeueFailed moves error items still under the retry cap back to pending.
func (q *SyncQueue) RequeueFailed(ctx context.Context) (int64, error) {
	return q.repo.RequeueFailed(ctx, q.maxRetries)
}

// PurgeSynced deletes every synced item.
func (q *SyncQueue) PurgeSynced(ctx context.Context) (int64, error) {
	n, err := q.repo.DeleteSyncedQueueItems(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("Purged synced queue items", map[string]interface{}{"count": n})
	}
	return n, nil
}

// ActiveCount counts pending and error items still under the retry cap.
func (q *SyncQueue) ActiveCount(ctx context.Context) (int, error) {
	return q.repo.CountActive(ctx, q.maxRetries)
}

// Stats returns per-status counts.
func (q *SyncQueue) Stats(ctx context.Context) (db.QueueStats, error) {
	return q.repo.QueueStats(ctx, q.maxRetries)
}
