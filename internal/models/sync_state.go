package models

import "time"

// SyncError records one failed queue item of the last pass.
type SyncError struct {
	ChangeID int64  `json:"changeId"`
	Action   Action `json:"action"`
	Entity   string `json:"entity"`
	Error    string `json:"error"`
}

// SyncState is the observable state of the sync orchestrator.
type SyncState struct {
	IsSyncing    bool        `json:"isSyncing"`
	PendingCount int         `json:"pendingCount"`
	LastSync     *time.Time  `json:"lastSync"`
	Errors       []SyncError `json:"errors"`
}

// Copy returns a deep copy safe to hand to observers.
func (s SyncState) Copy() SyncState {
	cp := s
	if s.LastSync != nil {
		t := *s.LastSync
		cp.LastSync = &t
	}
	cp.Errors = make([]SyncError, len(s.Errors))
	copy(cp.Errors, s.Errors)
	return cp
}
