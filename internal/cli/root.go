// Package cli defines the cobra command tree for the comments API.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"skyportal/api/db/migrations"
	"skyportal/api/internal/config"
	"skyportal/api/internal/logging"
	"skyportal/api/internal/store"
)

// NewRootCmd creates the root command. Running it without a subcommand
// starts the API server.
func NewRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:           "skyportal-api",
		Short:         "Comment, mention and notification API for SkyPortal sources",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		newMigrateCmd(),
		newUserCmd(),
		newTokenCmd(),
		newListenCmd(),
	)

	return root
}

// bootstrap loads configuration and the process logger shared by every
// subcommand.
func bootstrap() (config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.Setup(cfg.LogLevel, cfg.LogFormat), nil
}

// migrationSource returns MIGRATIONS_DIR when set and the scripts built into
// the binary otherwise.
func migrationSource(cfg config.Config) fs.FS {
	if dir := strings.TrimSpace(cfg.MigrationsDir); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// openStore connects to PostgreSQL and applies pending migrations.
func openStore(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, migrationSource(cfg)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}
