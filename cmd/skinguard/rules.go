package main

import (
	"fmt"
	"text/tabwriter"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/skinguard/backend/internal/rules"
)

func newRulesCmd(a *app) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule tables",
	}

	var file, url string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a rule table and print its version",
		Long: `Validate a rule table. Without --file or --url the configured table is
checked. Duplicate pairs, unknown severities and missing fields are
reported as errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				table *rules.Table
				err   error
			)
			switch {
			case file != "":
				path, expandErr := homedir.Expand(file)
				if expandErr != nil {
					return expandErr
				}
				table, err = rules.LoadFile(path)
			case url != "":
				table, err = rules.Fetch(cmd.Context(), rules.NewHTTPClient(a.cfg.Rules.RetryMax), url)
			default:
				table, err = a.loadRules(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d rules, version %s\n", table.Len(), table.Version())
			return nil
		},
	}
	checkCmd.Flags().StringVar(&file, "file", "", "rule table file")
	checkCmd.Flags().StringVar(&url, "url", "", "rule table URL")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the rules of the configured table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.loadRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INGREDIENT A\tINGREDIENT B\tSEVERITY\tREFERENCES")
			for _, r := range table.Rules() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.IngredientA, r.IngredientB, r.Severity, len(r.References))
			}
			return w.Flush()
		},
	}

	rulesCmd.AddCommand(checkCmd, listCmd)
	return rulesCmd
}
