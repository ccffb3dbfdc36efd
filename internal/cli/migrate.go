package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skyportal/api/internal/config"
	"skyportal/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if !down {
				db, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				logger.Info("migrations applied", "source", migrationSourceName(cfg))
				fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
				return nil
			}

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			if err := store.RollbackMigrations(cmd.Context(), db, migrationSource(cfg)); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			logger.Info("migrations rolled back", "source", migrationSourceName(cfg))
			fmt.Fprintln(cmd.OutOrStdout(), "all migrations rolled back")
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back every applied migration instead")

	return cmd
}

func migrationSourceName(cfg config.Config) string {
	if dir := strings.TrimSpace(cfg.MigrationsDir); dir != "" {
		return dir
	}
	return "embedded"
}
