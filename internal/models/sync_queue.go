// Package models provides data model definitions for SkinGuard Core.
package models

// SyncQueue represents a persisted sync operation for one record.
type SyncQueue struct {
	ID          UUID       `db:"id" json:"id"`
	Operation   string     `db:"operation" json:"operation"` // sync
	Entity      EntityKind `db:"entity" json:"entity"`
	RecordID    string     `db:"record_id" json:"record_id"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	MaxRetries  int        `db:"max_retries" json:"max_retries"`
	NextRetryAt int64      `db:"next_retry_at" json:"next_retry_at"`
	Status      string     `db:"status" json:"status"` // pending, in_progress, failed, completed
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64      `db:"created_at" json:"created_at"`
	UpdatedAt   int64      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}
