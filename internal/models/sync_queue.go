package models

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation a pending operation replays remotely.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// QueueStatus is the lifecycle state of a pending operation.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusError   QueueStatus = "error"
	QueueStatusSynced  QueueStatus = "synced"
)

// PendingOperation represents a not-yet-confirmed mutation against the remote system.
type PendingOperation struct {
	ID          int64           `db:"id" json:"id"`
	Action      Action          `db:"action" json:"action"`
	Entity      string          `db:"entity" json:"entity"`
	EntityID    string          `db:"entity_id" json:"entityId"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      QueueStatus     `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retryCount"`
	LastAttempt *time.Time      `db:"last_attempt" json:"lastAttempt,omitempty"`
	Error       string          `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "sync_queue"
}

// Actionable reports whether the operation is eligible for a sync pass.
func (op *PendingOperation) Actionable() bool {
	return op.Status == QueueStatusPending || op.Status == QueueStatusError
}
