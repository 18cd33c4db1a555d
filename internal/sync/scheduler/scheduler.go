// Package scheduler runs record sync in the background: a full pass on a
// long interval and a retry pass over due queue items on a short one.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	syncpkg "github.com/kimhsiao/skinguard/backend/internal/sync"
)

// ErrSyncInProgress is returned by SyncNow while another sync runs.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")

var errOffline = apperrors.New(apperrors.ErrSyncFailed, "scheduler is offline")

// SchedulerConfig holds the scheduler intervals. Zero values fall back to
// DefaultSchedulerConfig.
type SchedulerConfig struct {
	SyncInterval  time.Duration // full pass
	QueueInterval time.Duration // due retries
	SyncTimeout   time.Duration // upper bound for one pass
}

// DefaultSchedulerConfig returns 15m full passes, 1m retry passes and a
// 5m timeout per pass.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// Scheduler drives a sync engine on two tickers. The online flag gates
// every pass; at most one full pass and one retry pass run at a time.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	syncInterval  time.Duration
	queueInterval time.Duration
	syncTimeout   time.Duration

	mu       sync.RWMutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	online   bool
	syncing  bool
	retrying bool
	lastPass time.Time
}

// NewScheduler returns a stopped scheduler that starts out online.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	cfg := *def
	if config != nil {
		cfg = *config
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = def.QueueInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		engine:        engine,
		syncInterval:  cfg.SyncInterval,
		queueInterval: cfg.QueueInterval,
		syncTimeout:   cfg.SyncTimeout,
		online:        true,
	}
}

// Start launches the ticker loop. It is a no-op when already running.
// The loop ends on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)

	logging.Info("Record sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop ends the loop and waits for in-flight passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.wg.Wait()
	logging.Info("Record sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	full := time.NewTicker(s.syncInterval)
	defer full.Stop()
	retry := time.NewTicker(s.queueInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			err := s.SyncNow(ctx)
			if err != nil && err != ErrSyncInProgress && err != errOffline {
				logging.Error("Scheduled record sync failed", err, map[string]interface{}{
					"interval": s.syncInterval.String(),
				})
			}
		case <-retry.C:
			s.processQueue(ctx)
		}
	}
}

// SetOnlineStatus toggles the online flag. Offline skips all passes;
// queued records wait until the flag flips back.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		logging.Info("Sync connectivity changed", map[string]interface{}{
			"online": online,
		})
	}
}

// acquire sets *flag if the scheduler is online and the flag is clear.
// The returned release must be called when the pass ends.
func (s *Scheduler) acquire(flag *bool, extra func() bool) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.online {
		return nil, errOffline
	}
	if *flag || (extra != nil && extra()) {
		return nil, ErrSyncInProgress
	}
	*flag = true
	return func() {
		s.mu.Lock()
		*flag = false
		s.mu.Unlock()
	}, nil
}

// processQueue runs one retry pass. It does nothing while a full pass is
// running, since that pass already covers the queue.
func (s *Scheduler) processQueue(ctx context.Context) {
	if s.engine.PendingChanges() == 0 {
		return
	}
	release, err := s.acquire(&s.retrying, func() bool { return s.syncing })
	if err != nil {
		return
	}
	defer release()

	res, err := s.engine.ProcessQueue(ctx)
	if err != nil {
		logging.Error("Queue retry pass failed", err, nil)
		return
	}
	logging.Debug("Queue retry pass done", map[string]interface{}{
		"uploaded": res.Uploaded,
		"retrying": res.Retrying,
		"failed":   res.Failed,
	})
}

// TriggerSync runs a full pass in the background. It reports false when
// offline or while a pass is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	ok := s.online && !s.syncing
	s.mu.RUnlock()
	if !ok {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SyncNow(ctx); err != nil && err != ErrSyncInProgress {
			logging.Error("Triggered record sync failed", err, nil)
		}
	}()
	return true
}

// SyncNow runs a full pass and blocks until it finishes or times out.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	release, err := s.acquire(&s.syncing, nil)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	res, err := s.engine.Sync(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastPass = time.Now()
	s.mu.Unlock()

	logging.Info("Record sync pass done", map[string]interface{}{
		"uploaded":   res.Uploaded,
		"downloaded": res.Downloaded,
		"merged":     res.Merged,
		"conflicts":  res.Conflicts,
	})
	return nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	SyncInProgress  bool
	QueueInProgress bool
	PendingItems    int
	EngineStatus    syncpkg.SyncStatus
}

// GetStatus returns the scheduler flags together with the engine's view.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	st := SchedulerStatus{
		IsRunning:       s.cancel != nil,
		IsOnline:        s.online,
		SyncInProgress:  s.syncing,
		QueueInProgress: s.retrying,
	}
	if !s.lastPass.IsZero() {
		t := s.lastPass
		st.LastSyncTime = &t
	}
	s.mu.RUnlock()

	st.PendingItems = s.engine.PendingChanges()
	st.EngineStatus = s.engine.Status()
	return st
}

func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancel != nil
}
