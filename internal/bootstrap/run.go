package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cloudigrade/cloudigrade/config"
)

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Version  string
	Logger   *slog.Logger
}

// backgroundService describes a startable component bound to a service mode.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	app := cfg.Config
	services := cfg.Services
	return []backgroundService{
		{
			mode: config.ServiceModeHTTP,
			name: "http server",
			start: func(ctx context.Context) error {
				return ServeHTTP(ctx, &HTTPServerConfig{
					Config:   app,
					Services: services,
					Version:  cfg.Version,
					Logger:   logger,
				})
			},
		},
		{
			mode: config.ServiceModeWorker,
			name: "worker",
			start: func(ctx context.Context) error {
				return RunWorker(ctx, app.Worker, services, logger)
			},
		},
		{
			mode: config.ServiceModeScheduler,
			name: "scheduler",
			start: func(ctx context.Context) error {
				return RunScheduler(ctx, app.Scheduler, services, logger)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				return RunReaper(ctx, app.Reaper, services, logger)
			},
		},
		{
			mode: config.ServiceModeSourcesListener,
			name: "sources listener",
			start: func(ctx context.Context) error {
				return RunSourcesListener(ctx, app.Kafka, services, logger)
			},
		},
	}
}

// enabledBackgroundServices filters all to the enabled modes.
func enabledBackgroundServices(all []backgroundService, enabled map[config.ServiceMode]bool) []backgroundService {
	out := make([]backgroundService, 0, len(all))
	for _, svc := range all {
		if enabled[svc.mode] {
			out = append(out, svc)
		}
	}
	return out
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal is received or one of them fails. A failing service stops
// the others.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runBackground(ctx, enabledBackgroundServices(buildBackgroundServices(cfg, logger), enabled), logger)
}

func runBackground(ctx context.Context, services []backgroundService, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		logger.InfoContext(ctx, "background service started", "service", svc.name, "mode", svc.mode)
		g.Go(func() error {
			if err := svc.start(gctx); err != nil {
				logger.ErrorContext(gctx, "service error", "service", svc.name, "error", err)
				return fmt.Errorf("%s failed: %w", svc.name, err)
			}
			logger.Info(svc.name + " stopped")
			return nil
		})
	}
	return g.Wait()
}
