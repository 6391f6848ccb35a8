// Package cli holds the taskrunnerd command tree.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"taskrunner/internal/config"
)

type globalFlags struct {
	configFile string
	logLevel   string
	dbDriver   string
	dbDSN      string
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "taskrunnerd",
		Short: "Scheduled task runner",
		Long: `taskrunnerd runs registered task bodies on cron schedules.

Definitions and execution history live in a relational store shared by every
node; a node claims a due task with an optimistic-concurrency write so each
occurrence runs once across the cluster.

Examples:
  taskrunnerd serve                    # scheduler + HTTP admin API
  taskrunnerd serve --mode both        # also MCP over stdio
  taskrunnerd tasks list               # show task definitions
  taskrunnerd runs list nightly-backup # show recent executions`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "YAML configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "database driver (sqlite|mysql|postgres)")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "database connection string")

	root.AddCommand(
		newServeCommand(flags, version),
		newMCPCommand(flags, version),
		newMigrateCommand(flags),
		newTasksCommand(flags),
		newRunsCommand(flags),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(version string) int {
	root := NewRootCommand(version)
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		return 1
	}
	return 0
}

// load resolves configuration with flags applied last.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: f.configFile})
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.dbDriver != "" {
		cfg.Database.Driver = f.dbDriver
	}
	if f.dbDSN != "" {
		cfg.Database.DSN = f.dbDSN
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *globalFlags) open(ctx context.Context, logOut io.Writer) (*App, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	return NewApp(ctx, cfg, logOut)
}
