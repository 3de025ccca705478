// Package conflict reconciles a local record with the server's representation
// after a confirmed mutation. The server is authoritative: its copy always
// wins and no field-level merge is attempted.
package conflict

import (
	"reflect"
	"sort"
	"strconv"

	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyServerWins replaces the local record with the server's.
	ResolutionStrategyServerWins ResolutionStrategy = "server_wins"
)

// Resolver turns a server response into the record to store locally.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a Resolver. Server-wins is the only strategy.
func NewResolver() *Resolver {
	return &Resolver{strategy: ResolutionStrategyServerWins}
}

// Conflict pairs the local record (possibly nil) with the server response.
type Conflict struct {
	Entity   string
	LocalID  string
	ServerID string
	Local    *models.Record
	Server   map[string]interface{}
}

// ResolveResult is the outcome of Resolve.
type ResolveResult struct {
	Record   *models.Record
	Strategy ResolutionStrategy
	// Superseded lists local fields whose values the server overwrote or dropped.
	Superseded []string
}

// Resolve builds the record to persist. When the server returned an empty
// body the local fields are kept, since there is nothing authoritative to
// replace them with.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Entity == "" || c.ServerID == "" {
		return nil, ErrInvalidConflict
	}

	rec := &models.Record{Entity: c.Entity, ID: c.ServerID}
	if len(c.Server) > 0 {
		rec.Fields = make(map[string]interface{}, len(c.Server))
		for k, v := range c.Server {
			rec.Fields[k] = v
		}
	} else if c.Local != nil {
		rec.Fields = c.Local.Clone().Fields
	} else {
		rec.Fields = map[string]interface{}{}
	}
	if c.Local != nil {
		rec.CreatedAt = c.Local.CreatedAt
	}

	result := &ResolveResult{Record: rec, Strategy: r.strategy}
	if c.Local != nil && c.Local.SyncStatus == models.SyncStatusPending && len(c.Server) > 0 {
		result.Superseded = DetectDivergence(c.Local.Fields, c.Server)
		if len(result.Superseded) > 0 {
			logging.Warn("Local edits superseded by server",
				map[string]interface{}{
					"entity":    c.Entity,
					"local_id":  c.LocalID,
					"server_id": c.ServerID,
					"fields":    result.Superseded,
					"strategy":  string(r.strategy),
				})
		}
	}
	return result, nil
}

// DetectDivergence returns, sorted, the local field names whose value is
// missing from or different in the server copy. Reserved sync metadata is
// ignored.
func DetectDivergence(local, server map[string]interface{}) []string {
	var diverged []string
	for k, lv := range local {
		if isReserved(k) {
			continue
		}
		sv, ok := server[k]
		if !ok || !sameValue(lv, sv) {
			diverged = append(diverged, k)
		}
	}
	sort.Strings(diverged)
	return diverged
}

func isReserved(k string) bool {
	switch k {
	case "id", "tempId", "_syncStatus", "_syncTimestamp", "createdAt", "updatedAt":
		return true
	}
	return false
}

// sameValue compares JSON-ish values, treating numbers of different Go types
// as equal when their decimal forms match.
func sameValue(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	an, aok := number(a)
	bn, bok := number(b)
	return aok && bok && an == bn
}

func number(v interface{}) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: entity and server id are required"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

