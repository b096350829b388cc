package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudigrade/cloudigrade"
	"github.com/cloudigrade/cloudigrade/config"
	httpx "github.com/cloudigrade/cloudigrade/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Version  string
	Logger   *slog.Logger
}

// BuildHTTPHandler wires the API router to the services.
func BuildHTTPHandler(cfg *HTTPServerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return httpx.NewRouter(httpx.RouterServices{
		Reports:  cfg.Services.Reports,
		Accounts: cfg.Services.Accounts,
		Jobs:     cfg.Services.Jobs,
		Users:    cfg.Services.Store.Repos().Users,
		Account:  cfg.Services.AWS,
		Auth:     cfg.Config.Auth,
		OpenAPI:  cloudigrade.OpenAPIDocument,
		Version:  cfg.Version,
		Gatherer: cfg.Services.Metrics.Registry,
		Logger:   logger,
	})
}

// ServeHTTP runs the API server until ctx is cancelled, then shuts it down
// within the configured timeout.
func ServeHTTP(ctx context.Context, cfg *HTTPServerConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Config.HTTP.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           BuildHTTPHandler(cfg),
		ReadHeaderTimeout: cfg.Config.HTTP.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	if cfg.Services.Jobs != nil {
		cfg.Services.Jobs.StopAllListeners()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Config.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
