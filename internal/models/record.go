// Package models provides data model definitions for the offline sync engine.
package models

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SyncStatus is the sync metadata carried by every local Entity Record.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
)

// Entity names understood by the remote API. Remote collections are the
// entity name plus "s" (e.g. POST /api/ordens).
const (
	EntityCliente   = "cliente"
	EntityOrden     = "orden"
	EntityEquipo    = "equipo"
	EntityRefaccion = "refaccion"
	EntityAccesorio = "accesorio"
)

// Record is one domain object (customer, order, part, ...) in the local store.
type Record struct {
	Entity        string                 `db:"entity" json:"entity"`
	ID            string                 `db:"id" json:"id"`
	Fields        map[string]interface{} `db:"data" json:"fields"`
	SyncStatus    SyncStatus             `db:"sync_status" json:"_syncStatus"`
	SyncTimestamp *time.Time             `db:"sync_timestamp" json:"_syncTimestamp,omitempty"`
	CreatedAt     time.Time              `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time              `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "entities"
}

// String returns a string field, or "" when absent or not a string.
func (r *Record) String(field string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	if s, ok := r.Fields[field].(string); ok {
		return s
	}
	return ""
}

// Clone returns a copy whose Fields map may be mutated independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	if r.SyncTimestamp != nil {
		ts := *r.SyncTimestamp
		cp.SyncTimestamp = &ts
	}
	return &cp
}

// ContainsFold reports whether any of the named string fields contains term,
// ignoring case and accents ("bateria" matches "Batería").
func (r *Record) ContainsFold(term string, fields ...string) bool {
	term = foldText(term)
	for _, f := range fields {
		if strings.Contains(foldText(r.String(f)), term) {
			return true
		}
	}
	return false
}

// foldText lower-cases s and drops combining marks after NFD decomposition.
func foldText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, c) {
			continue
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// Flatten returns the wire representation: domain fields plus id and metadata.
func (r *Record) Flatten() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["_syncStatus"] = string(r.SyncStatus)
	if r.SyncTimestamp != nil {
		out["_syncTimestamp"] = r.SyncTimestamp.UTC().Format(time.RFC3339Nano)
	}
	out["createdAt"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updatedAt"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}
