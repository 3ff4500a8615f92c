package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendant/textrepo/pkg/textrepo/api"
	"github.com/tendant/textrepo/pkg/textrepo/config"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST and task endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, rt, err := buildRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Failed to close runtime", "err", err)
				}
			}()

			return serve(ctx, cfg, rt)
		},
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig, rt *config.Runtime) error {
	handler := api.NewHandler(rt.Service,
		api.WithMaxPayloadSize(cfg.MaxPayloadSize),
		api.WithLogger(cfg.Logger),
	)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.Port),
		Handler: api.NewRouter(handler, api.RouterConfig{
			Health:   rt.Ping,
			Gatherer: rt.Registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Text repository starting", "port", cfg.Port, "env", cfg.Environment,
			"database", cfg.DatabaseType, "indexers", len(cfg.Indexers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server exiting")
	return nil
}
