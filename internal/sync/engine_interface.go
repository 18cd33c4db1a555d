// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/skinguard/backend/internal/db"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler drives an implementation of it.
type SyncEngineInterface interface {
	// Sync performs a full synchronization operation.
	Sync(ctx context.Context) (*SyncResult, error)

	// ProcessQueue syncs the records whose queue items are due.
	ProcessQueue(ctx context.Context) (*SyncResult, error)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of queued record syncs.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// RecordStore is the local side of sync.
type RecordStore interface {
	GetRecord(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error)
	SaveRecord(ctx context.Context, rec *models.Record) error
	ApplyOutcome(ctx context.Context, rec *models.Record, audit *models.ConflictLog) error
	ListRecords(ctx context.Context, filter db.RecordFilter) ([]*models.Record, error)
}

// RemoteClient is the server side of sync.
type RemoteClient interface {
	// Pull returns the server copy, or nil when the server has none.
	Pull(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error)

	// Push stores the record and returns the server timestamp.
	Push(ctx context.Context, rec *models.Record) (int64, error)

	// Changes lists records changed on the server after since.
	Changes(ctx context.Context, since int64) ([]*models.Record, error)
}
