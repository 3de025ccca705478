// Package offline is the entry point for application writes and reads. Every
// mutation lands in the local store and the pending-operation queue in one
// transaction; reads never touch the network.
package offline

import (
	"context"
	"time"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/sync/queue"
	"github.com/salvacell/offsync/internal/uuid"
)

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Collections fetches whole server collections for a cache refresh.
type Collections interface {
	List(ctx context.Context, collection string) ([]map[string]interface{}, error)
}

// PendingCounter is told to recount after every enqueue.
type PendingCounter interface {
	RefreshPendingCount(ctx context.Context) (int, error)
}

// Service implements the offline operations.
type Service struct {
	repo    *db.Repository
	queue   *queue.SyncQueue
	net     Connectivity
	remote  Collections
	pending PendingCounter
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPendingCounter registers the orchestrator so its pending count follows
// local writes.
func WithPendingCounter(p PendingCounter) Option {
	return func(s *Service) { s.pending = p }
}

// NewService creates a Service. remote may be nil when refreshes are unused.
func NewService(repo *db.Repository, q *queue.SyncQueue, net Connectivity, remote Collections, opts ...Option) *Service {
	s := &Service{repo: repo, queue: q, net: net, remote: remote, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new record under a temporary id and queues its CREATE.
// The server id replaces the temporary one when the CREATE syncs.
func (s *Service) Create(ctx context.Context, entity string, fields map[string]interface{}) (*models.Record, error) {
	if entity == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity is required")
	}

	now := s.now()
	id := uuid.NewTempID(now)
	rec := &models.Record{
		Entity:        entity,
		ID:            id,
		Fields:        copyFields(fields),
		SyncStatus:    models.SyncStatusPending,
		SyncTimestamp: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	payload := copyFields(fields)
	payload["tempId"] = id

	err := s.repo.RunInTx(ctx, func(tx *db.Repository) error {
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, models.ActionCreate, entity, id, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Record created locally", map[string]interface{}{"entity": entity, "id": id, "online": s.net.IsOnline()})
	s.afterWrite(ctx)
	return rec, nil
}

// Update merges updates into the stored record and queues an UPDATE carrying
// the full merged record.
func (s *Service) Update(ctx context.Context, entity, id string, updates map[string]interface{}) (*models.Record, error) {
	var merged *models.Record
	err := s.repo.RunInTx(ctx, func(tx *db.Repository) error {
		cur, err := tx.GetRecord(ctx, entity, id)
		if err != nil {
			return err
		}

		merged = cur.Clone()
		for k, v := range updates {
			merged.Fields[k] = v
		}
		now := s.now()
		merged.SyncStatus = models.SyncStatusPending
		merged.SyncTimestamp = &now
		if err := tx.PutRecord(ctx, merged); err != nil {
			return err
		}

		_, err = s.queue.EnqueueTx(ctx, tx, models.ActionUpdate, entity, id, copyFields(merged.Fields))
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Record updated locally", map[string]interface{}{"entity": entity, "id": id})
	s.afterWrite(ctx)
	return merged, nil
}

// Delete removes the record locally and queues its DELETE.
func (s *Service) Delete(ctx context.Context, entity, id string) error {
	err := s.repo.RunInTx(ctx, func(tx *db.Repository) error {
		if _, err := tx.GetRecord(ctx, entity, id); err != nil {
			return err
		}
		if err := tx.DeleteRecord(ctx, entity, id); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, models.ActionDelete, entity, id, nil)
		return err
	})
	if err != nil {
		return err
	}

	logging.Info("Record deleted locally", map[string]interface{}{"entity": entity, "id": id})
	s.afterWrite(ctx)
	return nil
}

// Get returns one record. A missing record is NOT_FOUND.
func (s *Service) Get(ctx context.Context, entity, id string) (*models.Record, error) {
	return s.repo.GetRecord(ctx, entity, id)
}

// List returns every record of entity.
func (s *Service) List(ctx context.Context, entity string) ([]*models.Record, error) {
	return s.repo.ListRecords(ctx, entity)
}

// Search returns records where any of fields contains term, ignoring case.
// An empty term lists everything.
func (s *Service) Search(ctx context.Context, entity, term string, fields ...string) ([]*models.Record, error) {
	if term == "" {
		return s.List(ctx, entity)
	}
	return s.repo.QueryRecords(ctx, entity, func(r *models.Record) bool {
		return r.ContainsFold(term, fields...)
	})
}

// afterWrite wakes the orchestrator and refreshes its pending count. Both
// are best effort: the local write has already committed.
func (s *Service) afterWrite(ctx context.Context) {
	s.queue.Signal()
	if s.pending == nil {
		return
	}
	if _, err := s.pending.RefreshPendingCount(ctx); err != nil {
		logging.Warn("Failed to refresh pending count", map[string]interface{}{"error": err.Error()})
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
