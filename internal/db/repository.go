// Package db provides CRUD repository operations for SkinGuard data models.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides persistence for syncable records, the conflict log
// and the sync queue.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare statement", err)
	}

	// Another goroutine may have stored the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `entity, id, fields, base_fields, local_modified, server_modified, conflict_flag`

// SaveRecord inserts or replaces a record.
func (r *Repository) SaveRecord(ctx context.Context, rec *models.Record) error {
	return saveRecord(ctx, r.db, rec)
}

func saveRecord(ctx context.Context, q querier, rec *models.Record) error {
	if !rec.Entity.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown entity %q", rec.Entity)
	}
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrValidation, "record id is required")
	}

	fields, err := rec.Fields.Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode fields", err)
	}
	if rec.Fields == nil {
		fields = "{}"
	}
	var base sql.NullString
	if rec.Base != nil {
		encoded, err := rec.Base.Encode()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode base fields", err)
		}
		base = sql.NullString{String: encoded, Valid: true}
	}

	query := `
	INSERT INTO sync_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity, id) DO UPDATE SET
		fields = excluded.fields,
		base_fields = excluded.base_fields,
		local_modified = excluded.local_modified,
		server_modified = excluded.server_modified,
		conflict_flag = excluded.conflict_flag
	`
	_, err = q.ExecContext(ctx, query, rec.Entity, rec.ID, fields, base,
		rec.LocalModified, rec.ServerModified, rec.ConflictFlag)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save record "+rec.Key(), err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var fields string
	var base sql.NullString
	var serverModified sql.NullInt64
	if err := row.Scan(&rec.Entity, &rec.ID, &fields, &base,
		&rec.LocalModified, &serverModified, &rec.ConflictFlag); err != nil {
		return nil, err
	}

	var err error
	if rec.Fields, err = models.DecodeFields(fields); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.Key(), err)
	}
	if rec.Fields == nil {
		rec.Fields = models.Fields{}
	}
	if base.Valid {
		if rec.Base, err = models.DecodeFields(base.String); err != nil {
			return nil, fmt.Errorf("record %s base: %w", rec.Key(), err)
		}
	}
	if serverModified.Valid {
		ts := serverModified.Int64
		rec.ServerModified = &ts
	}
	return &rec, nil
}

// GetRecord retrieves a record by identity.
func (r *Repository) GetRecord(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM sync_records WHERE entity = ? AND id = ?`)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(stmt.QueryRowContext(ctx, entity, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "record "+string(entity)+"/"+id, ErrNotFound)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get record", err)
	}
	return rec, nil
}

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	Entity models.EntityKind
	// Flagged limits the result to records with an unacknowledged
	// conflict flag.
	Flagged bool
	// Flag limits the result to one flag value.
	Flag  models.ConflictFlag
	Limit int
}

// ListRecords returns records ordered by entity and id.
func (r *Repository) ListRecords(ctx context.Context, filter RecordFilter) ([]*models.Record, error) {
	var where []string
	var args []interface{}
	if filter.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.Flag != "" {
		where = append(where, "conflict_flag = ?")
		args = append(args, filter.Flag)
	} else if filter.Flagged {
		where = append(where, "conflict_flag != 'none'")
	}

	query := `SELECT ` + recordColumns + ` FROM sync_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	return records, nil
}

// DeleteRecord removes a record. Its conflict log entries are kept.
func (r *Repository) DeleteRecord(ctx context.Context, entity models.EntityKind, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_records WHERE entity = ? AND id = ?`, entity, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, "record "+string(entity)+"/"+id, ErrNotFound)
	}
	return nil
}

// ApplyOutcome stores a reconciled record and its audit entry, if any, in
// one transaction. Writing the same audit entry twice is a no-op.
func (r *Repository) ApplyOutcome(ctx context.Context, rec *models.Record, audit *models.ConflictLog) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if audit != nil {
		if err := createConflictLog(ctx, tx, audit); err != nil {
			return err
		}
	}
	if err := saveRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit outcome", err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

const conflictLogColumns = `id, entity, record_id, local_fields, remote_fields, base_fields,
	conflicting_fields, resolution, flag, local_timestamp, remote_timestamp, detected_at`

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	return createConflictLog(ctx, r.db, log)
}

func createConflictLog(ctx context.Context, q querier, log *models.ConflictLog) error {
	local, err := log.LocalFields.Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode local fields", err)
	}
	remote, err := log.RemoteFields.Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode remote fields", err)
	}
	var base sql.NullString
	if log.BaseFields != nil {
		encoded, err := log.BaseFields.Encode()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode base fields", err)
		}
		base = sql.NullString{String: encoded, Valid: true}
	}
	conflicting := log.ConflictingFields
	if conflicting == nil {
		conflicting = []string{}
	}
	conflictingJSON, err := json.Marshal(conflicting)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to encode conflicting fields", err)
	}

	query := `
	INSERT OR IGNORE INTO conflict_log (` + conflictLogColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query, log.ID, log.Entity, log.RecordID, local, remote, base,
		string(conflictingJSON), log.Resolution, log.Flag,
		log.LocalTimestamp, log.RemoteTimestamp, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create conflict log", err)
	}
	return nil
}

func scanConflictLog(row rowScanner) (*models.ConflictLog, error) {
	var log models.ConflictLog
	var local, remote, conflicting string
	var base sql.NullString
	if err := row.Scan(&log.ID, &log.Entity, &log.RecordID, &local, &remote, &base,
		&conflicting, &log.Resolution, &log.Flag,
		&log.LocalTimestamp, &log.RemoteTimestamp, &log.DetectedAt); err != nil {
		return nil, err
	}

	var err error
	if log.LocalFields, err = models.DecodeFields(local); err != nil {
		return nil, err
	}
	if log.RemoteFields, err = models.DecodeFields(remote); err != nil {
		return nil, err
	}
	if base.Valid {
		if log.BaseFields, err = models.DecodeFields(base.String); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(conflicting), &log.ConflictingFields); err != nil {
		return nil, err
	}
	if len(log.ConflictingFields) == 0 {
		log.ConflictingFields = nil
	}
	return &log, nil
}

// GetConflictLog retrieves a conflict log entry by ID.
func (r *Repository) GetConflictLog(ctx context.Context, id models.UUID) (*models.ConflictLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conflictLogColumns+` FROM conflict_log WHERE id = ?`, id)
	log, err := scanConflictLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "conflict log "+string(id), ErrNotFound)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get conflict log", err)
	}
	return log, nil
}

// ListConflictLogs returns the audit entries of one record, or of all
// records when id is empty, oldest first.
func (r *Repository) ListConflictLogs(ctx context.Context, entity models.EntityKind, id string) ([]*models.ConflictLog, error) {
	query := `SELECT ` + conflictLogColumns + ` FROM conflict_log`
	var args []interface{}
	switch {
	case entity != "" && id != "":
		query += ` WHERE entity = ? AND record_id = ?`
		args = append(args, entity, id)
	case entity != "":
		query += ` WHERE entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY detected_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		log, err := scanConflictLog(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict log", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict logs", err)
	}
	return logs, nil
}

// =====================================================
// Scan Operations
// =====================================================

// SaveScan stores a scan as a syncable record. A new row starts local-only
// with flag none; an existing row keeps its sync columns and base.
func (r *Repository) SaveScan(ctx context.Context, scan *models.Scan, localModified int64) (*models.Record, error) {
	fields, err := scan.ToFields()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to encode scan", err)
	}

	rec, err := r.GetRecord(ctx, models.EntityScan, scan.ID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		rec = &models.Record{
			Entity:   models.EntityScan,
			ID:       scan.ID,
			SyncMeta: models.SyncMeta{ConflictFlag: models.ConflictNone},
		}
	case err != nil:
		return nil, err
	}
	rec.Fields = fields
	rec.LocalModified = localModified

	if err := r.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetScan loads a stored scan with its analysis result.
func (r *Repository) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	rec, err := r.GetRecord(ctx, models.EntityScan, id)
	if err != nil {
		return nil, err
	}
	scan, err := models.ScanFromRecord(rec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "stored scan is unreadable", err)
	}
	return scan, nil
}

// =====================================================
// SyncQueue Operations
// =====================================================

const queueColumns = `id, operation, entity, record_id, retry_count, max_retries,
	next_retry_at, status, last_error, created_at, updated_at`

// SaveQueueItem inserts or replaces a queue item.
func (r *Repository) SaveQueueItem(ctx context.Context, item *models.SyncQueue) error {
	query := `INSERT OR REPLACE INTO sync_queue (` + queueColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, item.ID, item.Operation, item.Entity, item.RecordID,
		item.RetryCount, item.MaxRetries, item.NextRetryAt, item.Status, item.LastError,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save queue item", err)
	}
	return nil
}

// DeleteQueueItem removes a queue item. Missing items are ignored.
func (r *Repository) DeleteQueueItem(ctx context.Context, id models.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete queue item", err)
	}
	return nil
}

// ListQueueItems returns all queue items ordered by creation.
func (r *Repository) ListQueueItems(ctx context.Context) ([]*models.SyncQueue, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.SyncQueue
	for rows.Next() {
		var item models.SyncQueue
		if err := rows.Scan(&item.ID, &item.Operation, &item.Entity, &item.RecordID,
			&item.RetryCount, &item.MaxRetries, &item.NextRetryAt, &item.Status, &item.LastError,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	return items, nil
}
