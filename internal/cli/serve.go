package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skyportal/api/internal/app"
	"skyportal/api/internal/attachment"
	"skyportal/api/internal/config"
	"skyportal/api/internal/notify"
	"skyportal/api/internal/push"
	"skyportal/api/internal/store"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")

	return cmd
}

// openPublisher connects the live push transport. Push is best effort, so an
// unset or unreachable Redis leaves the server running with push.Nop.
func openPublisher(cfg config.Config, logger *slog.Logger) (push.Publisher, func()) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("live push disabled")
		return push.Nop{}, func() {}
	}
	redisPublisher, err := push.NewRedisPublisher(cfg.RedisURL, cfg.PushChannelPrefix)
	if err != nil {
		logger.Warn("live push unavailable, continuing without it", "error", err)
		return push.Nop{}, func() {}
	}
	logger.Info("live push enabled", "prefix", cfg.PushChannelPrefix)
	return redisPublisher, func() { _ = redisPublisher.Close() }
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	publisher, closePublisher := openPublisher(cfg, logger)
	defer closePublisher()

	var blobs attachment.BlobStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := attachment.NewMinioStore(ctx, attachment.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("attachment store failed: %w", err)
		}
		blobs = minioStore
		logger.Info("attachment offload enabled", "bucket", cfg.MinioBucket)
	}

	notifier := notify.NewDispatcher(publisher, cfg.NotificationURLPrefix, logger)
	service := app.New(cfg, store.NewPostgresStore(db), blobs, notifier, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("comments API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("comments API stopped")
	return nil
}
