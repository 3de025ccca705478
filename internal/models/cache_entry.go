package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a TTL-bounded copy of a remote read response.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
	ExpiresAt time.Time       `db:"expires_at" json:"expiresAt"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "api_cache"
}

// Expired reports whether the entry is logically absent at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ConfigEntry is a key/value row of the local config table.
type ConfigEntry struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for ConfigEntry.
func (ConfigEntry) TableName() string {
	return "config"
}
