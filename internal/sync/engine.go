// Package sync provides record synchronization between the local store and
// the sync server.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/skinguard/backend/internal/db"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/sync/queue"
	"github.com/kimhsiao/skinguard/backend/internal/sync/reconcile"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// DefaultConcurrency is the number of records synced in parallel.
const DefaultConcurrency = 4

// ErrSyncInProgress is returned when Sync is called while a sync runs.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Uploaded   int // records pushed
	Downloaded int // records adopted from the server
	Merged     int // records blended from both sides
	Conflicts  int // outcomes with an audit entry
	Failed     int // records whose queue item failed permanently
	Retrying   int // records scheduled for another attempt
	Error      string
}

func (r *SyncResult) add(o *SyncResult) {
	r.Uploaded += o.Uploaded
	r.Downloaded += o.Downloaded
	r.Merged += o.Merged
	r.Conflicts += o.Conflicts
	r.Failed += o.Failed
	r.Retrying += o.Retrying
}

// Options configures an Orchestrator.
type Options struct {
	Reconciler  *reconcile.Reconciler
	Queue       *queue.SyncQueue
	Concurrency int
	Now         func() time.Time
}

// Orchestrator pulls server copies, reconciles them with local records,
// persists the outcome and pushes what the server lacks. Work on a record
// is serialized by its identity.
type Orchestrator struct {
	store       RecordStore
	remote      RemoteClient
	reconciler  *reconcile.Reconciler
	queue       *queue.SyncQueue
	locks       *keyedMutex
	concurrency int
	now         func() time.Time

	mu       stdsync.Mutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	cursor   int64 // newest server timestamp seen in Changes
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store RecordStore, remote RemoteClient, opts Options) *Orchestrator {
	if opts.Reconciler == nil {
		opts.Reconciler = reconcile.NewReconciler(reconcile.PrecedenceLocalWins, nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewSyncQueue(queue.Options{Now: opts.Now})
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		store:       store,
		remote:      remote,
		reconciler:  opts.Reconciler,
		queue:       opts.Queue,
		locks:       newKeyedMutex(),
		concurrency: opts.Concurrency,
		now:         opts.Now,
		status:      SyncStatusIdle,
	}
}

// Status returns the current sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastSync returns the timestamp of the last successful sync.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

// PendingChanges returns the number of queued record syncs.
func (o *Orchestrator) PendingChanges() int {
	return o.queue.Size()
}

// LastError returns the last sync error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Queue returns the retry queue.
func (o *Orchestrator) Queue() *queue.SyncQueue {
	return o.queue
}

// SyncRecord reconciles one record with its server copy. The reconciled
// record and its audit entry are stored before any push, so a failed push
// leaves a consistent local state that the next attempt picks up.
func (o *Orchestrator) SyncRecord(ctx context.Context, entity models.EntityKind, id string) (*reconcile.Outcome, error) {
	unlock := o.locks.Lock(string(entity) + "/" + id)
	defer unlock()

	local, err := o.store.GetRecord(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	remote, err := o.remote.Pull(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	out, err := o.reconciler.Reconcile(local, remote)
	if err != nil {
		return nil, err
	}
	if err := o.store.ApplyOutcome(ctx, out.Record, out.Audit); err != nil {
		return nil, err
	}

	if out.Action.NeedsPush() {
		ts, err := o.remote.Push(ctx, out.Record)
		if err != nil {
			return out, err
		}
		out.Record = reconcile.MarkPushed(out.Record, ts)
		if err := o.store.SaveRecord(ctx, out.Record); err != nil {
			return out, err
		}
	}

	logging.Debug("Record reconciled", map[string]interface{}{
		"record": local.Key(),
		"state":  out.State,
		"action": out.Action,
		"flag":   out.Flag,
	})
	return out, nil
}

// Sync performs a full sync: records changed on the server are fetched,
// every record with server or local changes is queued, and the queue is
// processed.
func (o *Orchestrator) Sync(ctx context.Context) (*SyncResult, error) {
	o.mu.Lock()
	if o.status == SyncStatusSyncing {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.status = SyncStatusSyncing
	o.lastErr = nil
	cursor := o.cursor
	o.mu.Unlock()

	result := &SyncResult{StartTime: o.now()}
	err := o.sync(ctx, cursor, result)

	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.status = SyncStatusFailed
		o.lastErr = err
		result.Error = err.Error()
		logging.Error("Sync failed", err, nil)
		return result, err
	}
	o.status = SyncStatusIdle
	end := result.EndTime
	o.lastSync = &end

	logging.Info("Sync completed", map[string]interface{}{
		"uploaded":   result.Uploaded,
		"downloaded": result.Downloaded,
		"merged":     result.Merged,
		"conflicts":  result.Conflicts,
		"failed":     result.Failed,
		"retrying":   result.Retrying,
	})
	return result, nil
}

func (o *Orchestrator) sync(ctx context.Context, cursor int64, result *SyncResult) error {
	changes, err := o.remote.Changes(ctx, cursor)
	if err != nil {
		return err
	}

	newest := cursor
	for _, rc := range changes {
		if ts := *rc.ServerModified; ts > newest {
			newest = ts
		}
		adopted, err := o.adoptIfMissing(ctx, rc)
		if err != nil {
			return err
		}
		if adopted {
			result.Downloaded++
			continue
		}
		if _, err := o.queue.Enqueue(ctx, queue.OperationSync, rc.Entity, rc.ID); err != nil {
			return err
		}
	}

	local, err := o.store.ListRecords(ctx, db.RecordFilter{})
	if err != nil {
		return err
	}
	for _, rec := range local {
		if !rec.HasUnsyncedChanges() {
			continue
		}
		if _, err := o.queue.Enqueue(ctx, queue.OperationSync, rec.Entity, rec.ID); err != nil {
			return err
		}
	}

	processed, err := o.ProcessQueue(ctx)
	if processed != nil {
		result.add(processed)
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	if newest > o.cursor {
		o.cursor = newest
	}
	o.mu.Unlock()
	return nil
}

// adoptIfMissing stores a server record that has no local counterpart.
func (o *Orchestrator) adoptIfMissing(ctx context.Context, rc *models.Record) (bool, error) {
	unlock := o.locks.Lock(rc.Key())
	defer unlock()

	_, err := o.store.GetRecord(ctx, rc.Entity, rc.ID)
	if err == nil {
		return false, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}

	rec := rc.Clone()
	rec.Base = rc.Fields.Clone()
	if err := o.store.SaveRecord(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessQueue syncs every due queue item. Failures are reported to the
// queue, which schedules the retry or marks the item failed; they do not
// abort the run. The returned error is set only for context cancellation
// and queue storage failures.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: o.now()}
	var resultMu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for {
		if err := gctx.Err(); err != nil {
			break
		}
		item, err := o.queue.Dequeue(gctx)
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if item == nil {
			break
		}

		g.Go(func() error {
			partial, err := o.processItem(gctx, item)
			resultMu.Lock()
			result.add(partial)
			resultMu.Unlock()
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result, err
}

func (o *Orchestrator) processItem(ctx context.Context, item *queue.QueueItem) (*SyncResult, error) {
	partial := &SyncResult{}

	out, err := o.SyncRecord(ctx, item.Entity, item.RecordID)
	if out != nil {
		tally(partial, out, err == nil)
	}

	switch {
	case err == nil, apperrors.Is(err, apperrors.ErrNotFound):
		// A record deleted locally has nothing left to sync.
		return partial, o.queue.Complete(ctx, item.ID)
	case ctx.Err() != nil:
		return partial, ctx.Err()
	}

	if qerr := o.queue.Failed(ctx, item.ID, err); qerr != nil {
		if apperrors.Is(qerr, apperrors.ErrSyncFailed) {
			partial.Failed++
			return partial, nil
		}
		return partial, qerr
	}
	partial.Retrying++
	return partial, nil
}

func tally(r *SyncResult, out *reconcile.Outcome, pushed bool) {
	if out.Audit != nil {
		r.Conflicts++
	}
	switch out.Action {
	case reconcile.ActionAdoptRemote:
		r.Downloaded++
	case reconcile.ActionMerge:
		r.Merged++
	}
	if pushed && out.Action.NeedsPush() {
		r.Uploaded++
	}
}
