package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"coldroom/monitor-server/internal/config"
	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/logging"
	"coldroom/monitor-server/internal/provision"
	"coldroom/monitor-server/internal/stats"
	"coldroom/monitor-server/internal/store"
)

type cli struct {
	cfg    config.Config
	dbPath string
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "coldroomctl",
		Short:         "Operate the cold-room monitoring database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.dbPath != "" {
				cfg.DatabasePath = c.dbPath
			}
			c.cfg = cfg
			c.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "database path (overrides COLDROOM_DATABASE_PATH)")

	root.AddCommand(
		c.migrateCmd(),
		c.provisionCmd(),
		c.roomCmd(),
		c.exportCmd(),
		c.errorsCmd(),
		c.statusCmd(),
	)
	return root
}

// withStore opens and migrates the configured database for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(*store.Store) error) error {
	st, err := store.Open(c.cfg.DatabasePath, c.cfg.StoreTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			c.logger.Error("close store", "error", cerr)
		}
	}()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(st)
}

func (c *cli) statsEngine(st *store.Store) *stats.Engine {
	return stats.New(st, c.errorLog(st), stats.Options{Band: stats.Range{Min: c.cfg.TempMin, Max: c.cfg.TempMax}})
}

func (c *cli) errorLog(st *store.Store) *errorlog.Log {
	return errorlog.New(st, c.logger, nil)
}

func adminPassword() string {
	return os.Getenv(provision.AdminPasswordEnv)
}
