package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, action, entity, entity_id, timestamp, payload, status, retry_count, last_attempt, error`

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Pending   int `json:"pending"`
	Error     int `json:"error"`
	Synced    int `json:"synced"`
	Exhausted int `json:"exhausted"`
}

// Total returns the number of rows in the queue.
func (s QueueStats) Total() int {
	return s.Pending + s.Error + s.Synced
}

func scanQueueItem(s rowScanner) (*models.PendingOperation, error) {
	var (
		op          models.PendingOperation
		action      string
		status      string
		ts          int64
		payload     sql.NullString
		lastAttempt sql.NullInt64
		errMsg      sql.NullString
	)
	if err := s.Scan(&op.ID, &action, &op.Entity, &op.EntityID, &ts, &payload, &status, &op.RetryCount, &lastAttempt, &errMsg); err != nil {
		return nil, err
	}
	op.Action = models.Action(action)
	op.Status = models.QueueStatus(status)
	op.Timestamp = fromNanos(ts)
	if payload.Valid && payload.String != "" {
		op.Payload = []byte(payload.String)
	}
	op.LastAttempt = fromNullableNanos(lastAttempt)
	op.Error = errMsg.String
	return &op, nil
}

func (r *Repository) queryQueue(ctx context.Context, query string, args ...interface{}) ([]*models.PendingOperation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("query sync queue", err)
	}
	defer rows.Close()

	var out []*models.PendingOperation
	for rows.Next() {
		op, err := scanQueueItem(rows)
		if err != nil {
			return nil, ioErr("scan sync queue", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("query sync queue", err)
	}
	return out, nil
}

// InsertQueueItem appends op with status pending and retry count 0, and sets
// op.ID to the assigned row id.
func (r *Repository) InsertQueueItem(ctx context.Context, op *models.PendingOperation) error {
	switch op.Action {
	case models.ActionCreate, models.ActionUpdate, models.ActionDelete:
	default:
		return apperrors.Newf(apperrors.ErrUnknownAction, "unknown action %q", op.Action)
	}
	if op.Entity == "" || op.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "queue item entity and entity id are required")
	}

	op.Status = models.QueueStatusPending
	op.RetryCount = 0
	op.LastAttempt = nil
	op.Error = ""

	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO sync_queue (action, entity, entity_id, timestamp, payload, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, string(op.Action), op.Entity, op.EntityID, toNanos(op.Timestamp), payload, string(op.Status))
	if err != nil {
		return ioErr("insert sync queue item", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ioErr("insert sync queue item", err)
	}
	op.ID = id
	return nil
}

// GetQueueItem returns a queue row by id.
func (r *Repository) GetQueueItem(ctx context.Context, id int64) (*models.PendingOperation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	op, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	if err != nil {
		return nil, ioErr(fmt.Sprintf("get queue item %d", id), err)
	}
	return op, nil
}

// ListQueueByStatus returns items in any of statuses ordered by (timestamp, id).
// With no statuses every item is returned.
func (r *Repository) ListQueueByStatus(ctx context.Context, statuses ...models.QueueStatus) ([]*models.PendingOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, s := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	return r.queryQueue(ctx, query, args...)
}

// ListByEntityID returns the queue rows referring to one entity instance.
func (r *Repository) ListByEntityID(ctx context.Context, entity, entityID string) ([]*models.PendingOperation, error) {
	return r.queryQueue(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE entity = ? AND entity_id = ?
		ORDER BY timestamp ASC, id ASC
	`, entity, entityID)
}

func (r *Repository) execQueue(ctx context.Context, op string, query string, args ...interface{}) (int64, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ioErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioErr(op, err)
	}
	return n, nil
}

// MarkQueueSynced sets an item's status to synced and clears its error.
func (r *Repository) MarkQueueSynced(ctx context.Context, id int64, at time.Time) error {
	n, err := r.execQueue(ctx, "mark queue item synced", `
		UPDATE sync_queue SET status = 'synced', error = NULL, last_attempt = ? WHERE id = ?
	`, toNanos(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	return nil
}

// MarkQueueError records a failed attempt: status error, retry_count+1.
func (r *Repository) MarkQueueError(ctx context.Context, id int64, msg string, at time.Time) error {
	n, err := r.execQueue(ctx, "mark queue item error", `
		UPDATE sync_queue
		SET status = 'error', retry_count = retry_count + 1, last_attempt = ?, error = ?
		WHERE id = ?
	`, toNanos(at), msg, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	return nil
}

// SetQueueStatus overwrites an item's status without touching its retry count.
func (r *Repository) SetQueueStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	n, err := r.execQueue(ctx, "set queue item status",
		`UPDATE sync_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	return nil
}

// ResetQueueRetries sets an item back to pending with retry_count 0.
func (r *Repository) ResetQueueRetries(ctx context.Context, id int64) error {
	n, err := r.execQueue(ctx, "reset queue item", `
		UPDATE sync_queue SET status = 'pending', retry_count = 0, error = NULL WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	return nil
}

// RequeueFailed flips error items with retry_count < maxRetries back to pending
// without resetting the count. It returns the number of rows changed.
func (r *Repository) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	return r.execQueue(ctx, "requeue failed items", `
		UPDATE sync_queue SET status = 'pending' WHERE status = 'error' AND retry_count < ?
	`, maxRetries)
}

// DeleteSyncedQueueItems removes every synced row and returns how many went.
func (r *Repository) DeleteSyncedQueueItems(ctx context.Context) (int64, error) {
	return r.execQueue(ctx, "purge synced items", `DELETE FROM sync_queue WHERE status = 'synced'`)
}

// CountActive counts pending/error items still under the retry cap.
func (r *Repository) CountActive(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'error') AND retry_count < ?
	`, maxRetries).Scan(&n)
	if err != nil {
		return 0, ioErr("count active queue items", err)
	}
	return n, nil
}

// QueueStats returns per-status counts. Exhausted counts error items at or
// past the retry cap.
func (r *Repository) QueueStats(ctx context.Context, maxRetries int) (QueueStats, error) {
	var stats QueueStats
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, ioErr("queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, ioErr("queue stats", err)
		}
		switch models.QueueStatus(status) {
		case models.QueueStatusPending:
			stats.Pending = n
		case models.QueueStatusError:
			stats.Error = n
		case models.QueueStatusSynced:
			stats.Synced = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, ioErr("queue stats", err)
	}

	err = r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'error') AND retry_count >= ?
	`, maxRetries).Scan(&stats.Exhausted)
	if err != nil {
		return stats, ioErr("queue stats", err)
	}
	return stats, nil
}

// RewriteQueueEntityID repoints not-yet-synced items from oldID to newID and
// returns the number of rows changed.
func (r *Repository) RewriteQueueEntityID(ctx context.Context, entity, oldID, newID string) (int64, error) {
	return r.execQueue(ctx, "rewrite queue entity id", `
		UPDATE sync_queue SET entity_id = ?
		WHERE entity = ? AND entity_id = ? AND status IN ('pending', 'error')
	`, newID, entity, oldID)
}

// LastQueueTimestamp returns the newest timestamp in the queue, or the zero
// time for an empty queue.
func (r *Repository) LastQueueTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := r.q.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM sync_queue`).Scan(&ts); err != nil {
		return time.Time{}, ioErr("last queue timestamp", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return fromNanos(ts.Int64), nil
}
