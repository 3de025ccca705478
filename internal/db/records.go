package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/models"
)

// =====================================================
// Entity Record Operations
// =====================================================

const recordColumns = `entity, id, data, sync_status, sync_timestamp, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s rowScanner) (*models.Record, error) {
	var (
		rec       models.Record
		data      string
		status    string
		syncTS    sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := s.Scan(&rec.Entity, &rec.ID, &data, &status, &syncTS, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", rec.Entity, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	rec.SyncStatus = models.SyncStatus(status)
	rec.SyncTimestamp = fromNullableNanos(syncTS)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

// sanitizeFields drops keys that are carried as columns rather than data.
func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "id", "_syncStatus", "_syncTimestamp", "createdAt", "updatedAt":
			continue
		}
		out[k] = v
	}
	return out
}

// PutRecord creates or updates rec, stamping timestamps explicitly:
//   - on create, zero CreatedAt/UpdatedAt are set to now, and when the store is
//     offline the record is marked pending with SyncTimestamp=now;
//   - on update, UpdatedAt is always set to now and CreatedAt is preserved.
//
// rec is modified in place to reflect what was stored.
func (r *Repository) PutRecord(ctx context.Context, rec *models.Record) error {
	if rec.Entity == "" || rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record entity and id are required")
	}

	return r.RunInTx(ctx, func(tx *Repository) error {
		existing, err := tx.GetRecord(ctx, rec.Entity, rec.ID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		now := tx.now()
		if existing == nil {
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = now
			}
			if !tx.online() {
				rec.SyncStatus = models.SyncStatusPending
				rec.SyncTimestamp = &now
			}
			if rec.SyncStatus == "" {
				rec.SyncStatus = models.SyncStatusSynced
			}
		} else {
			rec.CreatedAt = existing.CreatedAt
			rec.UpdatedAt = now
			if rec.SyncStatus == "" {
				rec.SyncStatus = existing.SyncStatus
				rec.SyncTimestamp = existing.SyncTimestamp
			}
		}

		return tx.writeRecord(ctx, rec)
	})
}

// writeRecord upserts rec exactly as given.
func (r *Repository) writeRecord(ctx context.Context, rec *models.Record) error {
	rec.Fields = sanitizeFields(rec.Fields)
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode record fields", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO entities (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			data = excluded.data,
			sync_status = excluded.sync_status,
			sync_timestamp = excluded.sync_timestamp,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		rec.Entity,
		rec.ID,
		string(data),
		string(rec.SyncStatus),
		nullableNanos(rec.SyncTimestamp),
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return ioErr(fmt.Sprintf("write %s/%s", rec.Entity, rec.ID), err)
	}
	return nil
}

// GetRecord returns one record or a NOT_FOUND error.
func (r *Repository) GetRecord(ctx context.Context, entity, id string) (*models.Record, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM entities WHERE entity = ? AND id = ?`, entity, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", entity, id)
	}
	if err != nil {
		return nil, ioErr(fmt.Sprintf("get %s/%s", entity, id), err)
	}
	return rec, nil
}

// ListRecords returns every record of an entity type ordered by id.
func (r *Repository) ListRecords(ctx context.Context, entity string) ([]*models.Record, error) {
	return r.QueryRecords(ctx, entity, nil)
}

// QueryRecords returns records of an entity type accepted by predicate
// (all of them when predicate is nil).
func (r *Repository) QueryRecords(ctx context.Context, entity string, predicate func(*models.Record) bool) ([]*models.Record, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM entities WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("list %s", entity), err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, ioErr(fmt.Sprintf("scan %s", entity), err)
		}
		if predicate == nil || predicate(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(fmt.Sprintf("list %s", entity), err)
	}
	return out, nil
}

// CountRecords returns the number of records of an entity type.
func (r *Repository) CountRecords(ctx context.Context, entity string) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE entity = ?`, entity).Scan(&n); err != nil {
		return 0, ioErr(fmt.Sprintf("count %s", entity), err)
	}
	return n, nil
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (r *Repository) DeleteRecord(ctx context.Context, entity, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM entities WHERE entity = ? AND id = ?`, entity, id); err != nil {
		return ioErr(fmt.Sprintf("delete %s/%s", entity, id), err)
	}
	return nil
}

// BulkReplace clears an entity type and inserts recs, stamped synced. Only used
// when refreshing a whole collection from the remote system.
func (r *Repository) BulkReplace(ctx context.Context, entity string, recs []*models.Record) error {
	return r.RunInTx(ctx, func(tx *Repository) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM entities WHERE entity = ?`, entity); err != nil {
			return ioErr(fmt.Sprintf("clear %s", entity), err)
		}
		now := tx.now()
		for _, rec := range recs {
			rec.Entity = entity
			if rec.ID == "" {
				return apperrors.Newf(apperrors.ErrInvalid, "%s record without id", entity)
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = now
			}
			rec.SyncStatus = models.SyncStatusSynced
			rec.SyncTimestamp = &now
			if err := tx.writeRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceRecordID stores rec (the server representation, synced) and removes
// the record previously stored under oldID, so only one record remains for the
// logical entity.
func (r *Repository) ReplaceRecordID(ctx context.Context, entity, oldID string, rec *models.Record) error {
	rec.Entity = entity
	if rec.ID == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "%s replacement for %s has no id", entity, oldID)
	}
	return r.RunInTx(ctx, func(tx *Repository) error {
		var createdAt = rec.CreatedAt
		if old, err := tx.GetRecord(ctx, rec.Entity, oldID); err == nil && createdAt.IsZero() {
			createdAt = old.CreatedAt
		} else if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		if oldID != rec.ID {
			if err := tx.DeleteRecord(ctx, rec.Entity, oldID); err != nil {
				return err
			}
		}

		now := tx.now()
		if createdAt.IsZero() {
			createdAt = now
		}
		rec.CreatedAt = createdAt
		rec.UpdatedAt = now
		rec.SyncStatus = models.SyncStatusSynced
		rec.SyncTimestamp = &now
		return tx.writeRecord(ctx, rec)
	})
}
