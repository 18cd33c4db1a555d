package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/skinguard/backend/internal/db"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/sync/reconcile"
)

func newConflictsCmd(a *app) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review records whose local and server copies diverged",
	}

	var (
		entity string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List records with an unacknowledged conflict flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseEntity(entity, true)
			if err != nil {
				return err
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.repo.ListRecords(cmd.Context(), db.RecordFilter{
				Entity:  kind,
				Flagged: true,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tID\tFLAG\tLOCAL MODIFIED\tSERVER MODIFIED")
			for _, rec := range recs {
				server := "-"
				if rec.ServerModified != nil {
					server = formatMillis(*rec.ServerModified)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.Entity, rec.ID, rec.ConflictFlag,
					formatMillis(rec.LocalModified), server)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&entity, "entity", "", "only list one entity: product, scan, preferences, ingredient")
	listCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records")

	logCmd := &cobra.Command{
		Use:   "log <entity> <id>",
		Short: "Print the conflict log of a record, with both versions, as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseEntity(args[0], false)
			if err != nil {
				return err
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			logs, err := s.repo.ListConflictLogs(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			if logs == nil {
				logs = []*models.ConflictLog{}
			}
			return printJSON(cmd, logs)
		},
	}

	ackCmd := &cobra.Command{
		Use:   "ack <entity> <id>",
		Short: "Clear the conflict flag of a reviewed record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseEntity(args[0], false)
			if err != nil {
				return err
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.repo.GetRecord(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			if !rec.ConflictFlag.IsSet() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no conflict flag\n", rec.Key())
				return nil
			}

			cleared := reconcile.NewReconciler(a.cfg.Precedence(), nil).Acknowledge(rec)
			if err := s.repo.SaveRecord(cmd.Context(), cleared); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged (was %s)\n", rec.Key(), rec.ConflictFlag)
			return nil
		},
	}

	conflictsCmd.AddCommand(listCmd, logCmd, ackCmd)
	return conflictsCmd
}

// parseEntity validates an entity name. The empty name is accepted only
// when optional is set.
func parseEntity(s string, optional bool) (models.EntityKind, error) {
	kind := models.EntityKind(s)
	if (s == "" && optional) || kind.Valid() {
		return kind, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown entity %q", s)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
