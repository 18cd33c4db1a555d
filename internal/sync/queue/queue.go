// Package queue holds the record sync retry queue. Each record has at most
// one open item; failed attempts back off exponentially and an item gives
// up after MaxRetries attempts.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/uuid"
)

// Operation is what a queue item asks the orchestrator to do. The stored
// column keeps room for more kinds; today every item is a full record sync.
type Operation string

// OperationSync pulls, reconciles and pushes one record.
const OperationSync Operation = "sync"

// QueueStatus is the lifecycle state of an item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCompleted  QueueStatus = "completed"
)

// Defaults
const (
	DefaultMaxSize     = 1000
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 60 * time.Second
	DefaultMaxBackoff  = time.Hour
)

// Errors
var (
	ErrQueueFull         = apperrors.New(apperrors.ErrSyncFailed, "sync queue is full")
	ErrItemNotFound      = apperrors.New(apperrors.ErrNotFound, "queue item not found")
	ErrMaxRetriesReached = apperrors.New(apperrors.ErrSyncFailed, "max retries reached")
)

// QueueItem represents a sync operation in the queue. Times are Unix
// milliseconds.
type QueueItem struct {
	ID          string
	Operation   Operation
	Entity      models.EntityKind
	RecordID    string
	RetryCount  int
	MaxRetries  int
	NextRetryAt int64
	Status      QueueStatus
	CreatedAt   int64
	UpdatedAt   int64
	LastError   string
}

// Key returns the record identity of the item.
func (item *QueueItem) Key() string {
	return string(item.Entity) + "/" + item.RecordID
}

// Store persists queue items. It is optional.
type Store interface {
	SaveQueueItem(ctx context.Context, item *models.SyncQueue) error
	DeleteQueueItem(ctx context.Context, id models.UUID) error
	ListQueueItems(ctx context.Context) ([]*models.SyncQueue, error)
}

// Options configures a SyncQueue.
type Options struct {
	MaxSize     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Store       Store
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SyncQueue is the in-memory retry queue, optionally written through to a
// Store.
type SyncQueue struct {
	opts  Options
	items map[string]*QueueItem
	mu    sync.RWMutex
}

// NewSyncQueue returns an empty queue; call Restore to load stored items.
func NewSyncQueue(opts Options) *SyncQueue {
	opts.setDefaults()
	return &SyncQueue{
		opts:  opts,
		items: make(map[string]*QueueItem),
	}
}

// Restore loads persisted items. Items left in progress by a previous run
// are made pending again.
func (q *SyncQueue) Restore(ctx context.Context) (int, error) {
	if q.opts.Store == nil {
		return 0, nil
	}
	stored, err := q.opts.Store.ListQueueItems(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range stored {
		item := FromModel(m)
		if item.Status == QueueStatusInProgress {
			item.Status = QueueStatusPending
		}
		q.items[item.ID] = item
	}
	return len(stored), nil
}

// Enqueue adds an operation for a record. A record has at most one item:
// an open item is returned as is, and a failed one is revived with a fresh
// set of attempts, due now.
func (q *SyncQueue) Enqueue(ctx context.Context, operation Operation, entity models.EntityKind, recordID string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := string(entity) + "/" + recordID
	for _, item := range q.items {
		if item.Key() != key {
			continue
		}
		if item.Status == QueueStatusFailed {
			if err := q.reviveLocked(ctx, item); err != nil {
				return nil, err
			}
			logging.Debug("Failed sync operation revived", map[string]interface{}{
				"id":     item.ID,
				"record": key,
			})
		}
		copy := *item
		return &copy, nil
	}

	if len(q.items) >= q.opts.MaxSize {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("max size %d", q.opts.MaxSize), ErrQueueFull)
	}

	now := q.opts.Now().UnixMilli()
	item := &QueueItem{
		ID:          uuid.New(),
		Operation:   operation,
		Entity:      entity,
		RecordID:    recordID,
		MaxRetries:  q.opts.MaxRetries,
		NextRetryAt: now,
		Status:      QueueStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.persist(ctx, item); err != nil {
		return nil, err
	}
	q.items[item.ID] = item

	logging.Debug("Sync operation enqueued", map[string]interface{}{
		"id":        item.ID,
		"operation": item.Operation,
		"record":    key,
	})

	copy := *item
	return &copy, nil
}

// Dequeue claims the first due item and returns a copy, or nil when
// nothing is due.
func (q *SyncQueue) Dequeue(ctx context.Context) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now().UnixMilli()
	ready := q.readyLocked(now)
	if len(ready) == 0 {
		return nil, nil
	}

	item := ready[0]
	item.Status = QueueStatusInProgress
	item.UpdatedAt = now
	if err := q.persist(ctx, item); err != nil {
		return nil, err
	}

	copy := *item
	return &copy, nil
}

// readyLocked returns pending items due at now, ordered by due time then
// creation.
func (q *SyncQueue) readyLocked(now int64) []*QueueItem {
	var ready []*QueueItem
	for _, item := range q.items {
		if item.Status == QueueStatusPending && item.NextRetryAt <= now {
			ready = append(ready, item)
		}
	}
	sortItems(ready)
	return ready
}

func sortItems(items []*QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.NextRetryAt != b.NextRetryAt {
			return a.NextRetryAt < b.NextRetryAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// Complete drops a finished item from memory and from the store.
func (q *SyncQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, "item "+id, ErrItemNotFound)
	}

	if q.opts.Store != nil {
		if err := q.opts.Store.DeleteQueueItem(ctx, models.UUID(id)); err != nil {
			return err
		}
	}
	delete(q.items, id)

	logging.Debug("Sync operation completed", map[string]interface{}{
		"id":     id,
		"record": item.Key(),
	})
	return nil
}

// Failed records a failed attempt and schedules a retry. Once MaxRetries
// attempts have failed the item is marked failed and an error wrapping
// ErrMaxRetriesReached is returned.
func (q *SyncQueue) Failed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, "item "+id, ErrItemNotFound)
	}

	now := q.opts.Now()
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now.UnixMilli()

	if item.RetryCount >= item.MaxRetries {
		item.Status = QueueStatusFailed
		if err := q.persist(ctx, item); err != nil {
			return err
		}
		logging.Error("Sync operation failed permanently", cause, map[string]interface{}{
			"id":          id,
			"record":      item.Key(),
			"retry_count": item.RetryCount,
		})
		return apperrors.Wrap(apperrors.ErrSyncFailed,
			fmt.Sprintf("%s after %d attempts", item.Key(), item.RetryCount),
			fmt.Errorf("%w: %v", ErrMaxRetriesReached, cause))
	}

	backoff := calculateBackoff(item.RetryCount, q.opts.BaseBackoff, q.opts.MaxBackoff)
	item.NextRetryAt = now.Add(backoff).UnixMilli()
	item.Status = QueueStatusPending
	if err := q.persist(ctx, item); err != nil {
		return err
	}

	logging.Warn("Sync operation failed, retry scheduled", map[string]interface{}{
		"id":          id,
		"record":      item.Key(),
		"retry_count": item.RetryCount,
		"max_retries": item.MaxRetries,
		"backoff":     backoff.String(),
		"error":       cause.Error(),
	})
	return nil
}

// calculateBackoff returns base * 2^retryCount, capped at max.
func calculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := base
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// GetPending returns copies of the due items in dequeue order.
func (q *SyncQueue) GetPending() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return copyItems(q.readyLocked(q.opts.Now().UnixMilli()))
}

// GetStatus returns a copy of the item with the given id.
func (q *SyncQueue) GetStatus(id string) (*QueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "item "+id, ErrItemNotFound)
	}
	copy := *item
	return &copy, nil
}

// List returns copies of every item, failed ones included, in dequeue
// order.
func (q *SyncQueue) List() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]*QueueItem, 0, len(q.items))
	for _, item := range q.items {
		all = append(all, item)
	}
	sortItems(all)
	return copyItems(all)
}

func copyItems(items []*QueueItem) []*QueueItem {
	out := make([]*QueueItem, len(items))
	for i, item := range items {
		c := *item
		out[i] = &c
	}
	return out
}

// Size counts the open and failed items.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// RetryAll gives every failed item a fresh set of attempts, due now.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, item := range q.items {
		if item.Status != QueueStatusFailed {
			continue
		}
		if err := q.reviveLocked(ctx, item); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		logging.Info("Failed sync operations reset for retry", map[string]interface{}{
			"count": count,
		})
	}
	return count, nil
}

// reviveLocked makes a failed item pending again with its retry count
// cleared. The caller holds q.mu.
func (q *SyncQueue) reviveLocked(ctx context.Context, item *QueueItem) error {
	now := q.opts.Now().UnixMilli()
	prev := *item
	item.Status = QueueStatusPending
	item.RetryCount = 0
	item.NextRetryAt = now
	item.LastError = ""
	item.UpdatedAt = now
	if err := q.persist(ctx, item); err != nil {
		*item = prev
		return err
	}
	return nil
}

// Stats counts items by state.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// GetStats returns the current item counts.
func (q *SyncQueue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st := Stats{Total: len(q.items)}
	for _, item := range q.items {
		switch item.Status {
		case QueueStatusPending:
			st.Pending++
		case QueueStatusInProgress:
			st.InProgress++
		case QueueStatusFailed:
			st.Failed++
		}
	}
	return st
}

func (q *SyncQueue) persist(ctx context.Context, item *QueueItem) error {
	if q.opts.Store == nil {
		return nil
	}
	return q.opts.Store.SaveQueueItem(ctx, item.ToModel())
}

// ToModel returns the storage row for the item.
func (item *QueueItem) ToModel() *models.SyncQueue {
	row := &models.SyncQueue{
		ID:        models.UUID(item.ID),
		Operation: string(item.Operation),
		Status:    string(item.Status),
	}
	row.Entity, row.RecordID = item.Entity, item.RecordID
	row.RetryCount, row.MaxRetries = item.RetryCount, item.MaxRetries
	row.NextRetryAt, row.LastError = item.NextRetryAt, item.LastError
	row.CreatedAt, row.UpdatedAt = item.CreatedAt, item.UpdatedAt
	return row
}

// FromModel is the inverse of ToModel.
func FromModel(row *models.SyncQueue) *QueueItem {
	item := &QueueItem{
		ID:        string(row.ID),
		Operation: Operation(row.Operation),
		Status:    QueueStatus(row.Status),
	}
	item.Entity, item.RecordID = row.Entity, row.RecordID
	item.RetryCount, item.MaxRetries = row.RetryCount, row.MaxRetries
	item.NextRetryAt, item.LastError = row.NextRetryAt, row.LastError
	item.CreatedAt, item.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return item
}
