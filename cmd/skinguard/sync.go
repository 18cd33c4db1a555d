package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/skinguard/backend/internal/sync"
	"github.com/kimhsiao/skinguard/backend/internal/sync/queue"
	"github.com/kimhsiao/skinguard/backend/internal/sync/reconcile"
	"github.com/kimhsiao/skinguard/backend/internal/sync/remote"
	"github.com/kimhsiao/skinguard/backend/internal/sync/scheduler"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		remoteURL string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local records with the sync server",
		Long: `Pull server changes, reconcile every record that changed on either side
and push local edits. Records that fail are retried with backoff. With
--watch the command keeps syncing in the background until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remoteURL != "" {
				a.cfg.Sync.RemoteURL = remoteURL
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			orch, err := a.newOrchestrator(cmd.Context(), s)
			if err != nil {
				return err
			}

			if watch {
				return a.watch(cmd, orch)
			}

			result, err := orch.Sync(cmd.Context())
			if result != nil {
				printSyncResult(cmd, result)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote", "", "sync server URL (overrides sync.remote_url)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing on the configured intervals")
	cmd.AddCommand(newSyncQueueCmd(a))
	return cmd
}

func newSyncQueueCmd(a *app) *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show records waiting for a sync retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			q, err := a.openQueue(cmd.Context(), s)
			if err != nil {
				return err
			}
			if retry {
				n, err := q.RetryAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed\n", n)
			}

			st := q.GetStats()
			fmt.Fprintf(cmd.OutOrStdout(), "%d queued: %d pending, %d in progress, %d failed\n",
				st.Total, st.Pending, st.InProgress, st.Failed)
			if st.Total == 0 {
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tRECORD\tSTATUS\tATTEMPTS\tNEXT\tERROR")
			for _, item := range q.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					item.Entity, item.RecordID, item.Status, item.RetryCount, item.MaxRetries,
					formatMillis(item.NextRetryAt), item.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "give failed records a fresh set of attempts")
	return cmd
}

// openQueue builds the retry queue over the repository and loads the items
// left by earlier runs.
func (a *app) openQueue(ctx context.Context, s *store) (*queue.SyncQueue, error) {
	q := queue.NewSyncQueue(queue.Options{
		MaxRetries:  a.cfg.Sync.MaxRetries,
		BaseBackoff: a.cfg.Sync.BaseBackoff,
		MaxBackoff:  a.cfg.Sync.MaxBackoff,
		Store:       s.repo,
		Now:         a.now,
	})
	if _, err := q.Restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// newOrchestrator wires the remote client, the persisted retry queue and
// the reconciler configured for this invocation.
func (a *app) newOrchestrator(ctx context.Context, s *store) (*syncpkg.Orchestrator, error) {
	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL:  a.cfg.Sync.RemoteURL,
		Token:    a.cfg.Sync.Token,
		Timeout:  a.cfg.Sync.Timeout,
		RetryMax: a.cfg.Rules.RetryMax,
	})
	if err != nil {
		return nil, err
	}

	q, err := a.openQueue(ctx, s)
	if err != nil {
		return nil, err
	}

	return syncpkg.NewOrchestrator(s.repo, client, syncpkg.Options{
		Reconciler:  reconcile.NewReconciler(a.cfg.Precedence(), nil),
		Queue:       q,
		Concurrency: a.cfg.Sync.Concurrency,
		Now:         a.now,
	}), nil
}

func (a *app) watch(cmd *cobra.Command, orch *syncpkg.Orchestrator) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(orch, &scheduler.SchedulerConfig{
		SyncInterval:  a.cfg.Sync.Interval,
		QueueInterval: a.cfg.Sync.QueueInterval,
	})
	sched.Start(ctx)
	sched.TriggerSync(ctx)

	<-ctx.Done()
	sched.Stop()

	if last := orch.LastSync(); last != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "last sync: %s\n", last.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func printSyncResult(cmd *cobra.Command, r *syncpkg.SyncResult) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"uploaded %d, downloaded %d, merged %d, conflicts %d, retrying %d, failed %d (%s)\n",
		r.Uploaded, r.Downloaded, r.Merged, r.Conflicts, r.Retrying, r.Failed, r.Duration)
}
