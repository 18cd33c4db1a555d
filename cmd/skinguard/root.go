package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/skinguard/backend/internal/config"
	"github.com/kimhsiao/skinguard/backend/internal/conflict"
	"github.com/kimhsiao/skinguard/backend/internal/db"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/rules"
	"github.com/kimhsiao/skinguard/backend/internal/services"
)

// app carries state shared by all subcommands of one invocation.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	now func() time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), now: time.Now}

	rootCmd := &cobra.Command{
		Use:   "skinguard",
		Short: "Ingredient conflict analysis and local-first scan sync.",
		Long: `skinguard checks a product's ingredient list against a table of known
ingredient conflicts and the user's declared allergens, stores each scan
locally and reconciles it with the sync server.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/"+config.FileName+")")
	flags.String("data-dir", "", "directory holding the local database")
	flags.String("rules", "", "rule table file (JSON or YAML)")
	flags.String("rules-url", "", "rule table URL, used when no file is given")
	flags.StringP("log-level", "l", "", "log level: debug, info, warn, error")

	a.v.BindPFlag("config", flags.Lookup("config"))
	a.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	a.v.BindPFlag("rules.path", flags.Lookup("rules"))
	a.v.BindPFlag("rules.url", flags.Lookup("rules-url"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	a.v.SetEnvPrefix("skinguard")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	rootCmd.AddCommand(
		newAnalyzeCmd(a),
		newRulesCmd(a),
		newProfileCmd(a),
		newConflictsCmd(a),
		newSyncCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// setup loads the config file, applies flag and environment overrides and
// initializes logging.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.v.GetString("config")
	if path == "" {
		home, err := homedir.Dir()
		if err == nil {
			path = filepath.Join(home, config.FileName)
		}
	} else {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return err
		}
		path = expanded
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, key := range config.OverrideKeys {
		if a.v.IsSet(key) {
			if err := cfg.Override(key, a.v.GetString(key)); err != nil {
				return err
			}
		}
	}
	if cfg.DataDir, err = homedir.Expand(cfg.DataDir); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Log.Level))
	return nil
}

// loadRules loads the configured rule table: a file, then a URL, then the
// embedded default.
func (a *app) loadRules(ctx context.Context) (*rules.Table, error) {
	switch {
	case a.cfg.Rules.Path != "":
		path, err := homedir.Expand(a.cfg.Rules.Path)
		if err != nil {
			return nil, err
		}
		return rules.LoadFile(path)
	case a.cfg.Rules.URL != "":
		return rules.Fetch(ctx, rules.NewHTTPClient(a.cfg.Rules.RetryMax), a.cfg.Rules.URL)
	default:
		return rules.Default()
	}
}

func (a *app) newEngine(ctx context.Context) (*conflict.Engine, error) {
	table, err := a.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	penalties, err := a.cfg.Penalties()
	if err != nil {
		return nil, err
	}
	return conflict.NewEngine(table, conflict.WithPenalties(penalties)), nil
}

// store is an open local database.
type store struct {
	database *db.DB
	repo     *db.Repository
}

func (s *store) Close() error {
	s.repo.Close()
	return s.database.Close()
}

func (a *app) openStore() (*store, error) {
	database, err := db.Open(a.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &store{database: database, repo: db.NewRepository(database.DB)}, nil
}

// newScanService wires a ScanService to the local store. engine may be nil
// for commands that only touch the profile; s may be nil for analysis that
// stores nothing.
func (a *app) newScanService(engine *conflict.Engine, s *store) *services.ScanService {
	var st services.ScanStore
	if s != nil {
		st = s.repo
	}
	return services.NewScanService(engine, st, &services.ScanConfig{Now: a.now})
}
