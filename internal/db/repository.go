// Package db provides CRUD repository operations for the local store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides CRUD operations for entity records, the sync queue,
// the config table and the API cache.
type Repository struct {
	db     *sql.DB
	q      execer
	inTx   bool
	online func() bool
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithConnectivity sets the probe consulted when stamping newly created records.
// Records created while it reports false are stamped pending.
func WithConnectivity(online func() bool) Option {
	return func(r *Repository) { r.online = online }
}

// WithClock overrides the time source used for stamping.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:     db,
		q:      db,
		online: func() bool { return true },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the repository's current time.
func (r *Repository) Now() time.Time {
	return r.now()
}

// IsOnline reports what the connectivity probe currently says.
func (r *Repository) IsOnline() bool {
	return r.online()
}

// RunInTx runs fn against a repository bound to a single transaction. The
// transaction commits when fn returns nil. Nested calls reuse the outer
// transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	defer tx.Rollback() // no-op after commit

	bound := *r
	bound.q = tx
	bound.inTx = true

	if err := fn(&bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit transaction", err)
	}
	return nil
}

// ioErr wraps a persistence failure as STORE_IO_ERROR.
func ioErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStoreIO, op, err)
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullableNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

// =====================================================
// Config Operations
// =====================================================

// GetConfig returns the value stored under key, or ok=false.
func (r *Repository) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioErr(fmt.Sprintf("get config %q", key), err)
	}
	return value, true, nil
}

// SetConfig upserts a config value.
func (r *Repository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, toNanos(r.now()))
	if err != nil {
		return ioErr(fmt.Sprintf("set config %q", key), err)
	}
	return nil
}

// DeleteConfig removes a config value.
func (r *Repository) DeleteConfig(ctx context.Context, key string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return ioErr(fmt.Sprintf("delete config %q", key), err)
	}
	return nil
}
