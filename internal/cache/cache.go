// Package cache is a TTL cache for remote read responses, persisted in the
// local store so cached reads survive restarts.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

// DefaultTTL applies when Put is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Cache stores JSON values with an expiry.
type Cache struct {
	repo       *db.Repository
	now        func() time.Time
	defaultTTL time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// New creates a Cache over repo.
func New(repo *db.Repository, opts ...Option) *Cache {
	c := &Cache{repo: repo, now: time.Now, defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores data under key until now+ttl. data is stored as-is when it is
// already JSON ([]byte or json.RawMessage), otherwise it is marshaled.
func (c *Cache) Put(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode cache value", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return apperrors.Newf(apperrors.ErrInvalid, "cache value for %q is not JSON", key)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	return c.repo.PutCache(ctx, &models.CacheEntry{
		Key:       key,
		Data:      raw,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Get returns the cached JSON, or nil when the key is absent or expired.
// An expired entry is deleted on read.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	e, err := c.repo.GetCache(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	if e.Expired(c.now()) {
		if err := c.repo.DeleteCache(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e.Data, nil
}

// GetInto decodes the cached value into out. It reports false on a miss.
func (c *Cache) GetInto(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := c.Get(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, apperrors.Wrap(apperrors.ErrInvalid, "decode cache value", err)
	}
	return true, nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.repo.DeleteCache(ctx, key)
}

// Sweep deletes every expired entry.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	n, err := c.repo.DeleteExpiredCache(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("Swept expired cache entries", map[string]interface{}{"count": n})
	}
	return n, nil
}
