// Package db provides repository interfaces for SkinGuard data models.
package db

import (
	"context"

	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// RecordRepository defines operations for syncable record persistence.
type RecordRepository interface {
	// SaveRecord inserts or replaces a record.
	SaveRecord(ctx context.Context, rec *models.Record) error

	// GetRecord retrieves a record by identity.
	GetRecord(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error)

	// ListRecords returns records matching the filter.
	ListRecords(ctx context.Context, filter RecordFilter) ([]*models.Record, error)

	// ApplyOutcome stores a reconciled record and its audit entry atomically.
	ApplyOutcome(ctx context.Context, rec *models.Record, audit *models.ConflictLog) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, entity models.EntityKind, id string) ([]*models.ConflictLog, error)
}

// QueueRepository persists sync queue items.
type QueueRepository interface {
	SaveQueueItem(ctx context.Context, item *models.SyncQueue) error
	DeleteQueueItem(ctx context.Context, id models.UUID) error
	ListQueueItems(ctx context.Context) ([]*models.SyncQueue, error)
}

// SyncRepository combines repositories needed for sync operations.
type SyncRepository interface {
	RecordRepository
	ConflictLogRepository
	QueueRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository      = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ QueueRepository       = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
