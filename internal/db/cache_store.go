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
// API Cache Operations
// =====================================================

// PutCache upserts a cache entry.
func (r *Repository) PutCache(ctx context.Context, e *models.CacheEntry) error {
	if e.Key == "" {
		return apperrors.New(apperrors.ErrInvalid, "cache key is required")
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO api_cache (key, data, timestamp, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			timestamp = excluded.timestamp,
			expires_at = excluded.expires_at
	`, e.Key, string(e.Data), toNanos(e.Timestamp), toNanos(e.ExpiresAt))
	if err != nil {
		return ioErr(fmt.Sprintf("put cache %q", e.Key), err)
	}
	return nil
}

// GetCache returns the raw entry for key, expired or not, or nil when absent.
func (r *Repository) GetCache(ctx context.Context, key string) (*models.CacheEntry, error) {
	var (
		e         models.CacheEntry
		data      string
		ts        int64
		expiresAt int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT key, data, timestamp, expires_at FROM api_cache WHERE key = ?`, key,
	).Scan(&e.Key, &data, &ts, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr(fmt.Sprintf("get cache %q", key), err)
	}
	e.Data = []byte(data)
	e.Timestamp = fromNanos(ts)
	e.ExpiresAt = fromNanos(expiresAt)
	return &e, nil
}

// DeleteCache removes one entry.
func (r *Repository) DeleteCache(ctx context.Context, key string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM api_cache WHERE key = ?`, key); err != nil {
		return ioErr(fmt.Sprintf("delete cache %q", key), err)
	}
	return nil
}

// DeleteExpiredCache removes entries whose expiry is strictly before now.
func (r *Repository) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM api_cache WHERE expires_at < ?`, toNanos(now))
	if err != nil {
		return 0, ioErr("delete expired cache", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountCache returns the number of cache rows.
func (r *Repository) CountCache(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_cache`).Scan(&n); err != nil {
		return 0, ioErr("count cache", err)
	}
	return n, nil
}
