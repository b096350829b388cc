package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/awsx"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/observability/metrics"
	"github.com/cloudigrade/cloudigrade/internal/service"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Store        *data.Store
	Registry     *tasks.Registry
	Jobs         *service.JobService
	Accounts     *service.AccountService
	Inspection   *service.InspectionService
	Analyzer     *service.AnalyzerService
	Usage        *service.UsageService
	Definitions  *service.DefinitionService
	QueueCounts  *service.QueueCountService
	Reports      *service.ReportService
	Scheduler    *service.SchedulerService
	Sources      *service.SourcesService      // nil without a sources API client
	Availability *service.AvailabilityService // nil without a Kafka producer
	AWS          *awsx.Provider
	Metrics      MetricsContainer
}

// MetricsContainer groups the Prometheus collectors shared by runners and
// the /metrics endpoint.
type MetricsContainer struct {
	Registry  *prometheus.Registry
	Jobs      *metrics.Jobs
	Scheduler *metrics.Scheduler
	Queues    *metrics.QueueGauges
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	AWS         *awsx.Provider
	SourcesAPI  core.SourcesAPI      // Optional
	Producer    core.MessageProducer // Optional
	Logger      *slog.Logger
}

// buildMetrics registers every collector on a fresh registry, together with
// the Go and process collectors.
func buildMetrics(logger *slog.Logger, counts *core.MessageCountCache) (MetricsContainer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	queues := metrics.NewQueueGauges(logger)
	if err := queues.Initialize(reg, counts); err != nil {
		return MetricsContainer{}, fmt.Errorf("register queue gauges: %w", err)
	}
	return MetricsContainer{
		Registry:  reg,
		Jobs:      metrics.NewJobs(reg),
		Scheduler: metrics.NewScheduler(reg),
		Queues:    queues,
	}, nil
}

// NewServices wires repositories, cloud adapters and business services, and
// binds every task handler to the registry.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	if deps.RedisClient == nil {
		return ServiceContainer{}, errors.New("redis client is required")
	}
	if deps.AWS == nil {
		return ServiceContainer{}, errors.New("aws provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	registry, err := tasks.NewRegistry()
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("load task registry: %w", err)
	}
	if err := registry.ValidateDefinitions(cfg.Scheduler.Schedules.ByTask()); err != nil {
		return ServiceContainer{}, fmt.Errorf("task configuration: %w", err)
	}

	store := data.NewStore(deps.DB, nil, logger)
	cache := data.NewRedisCacheRepo(deps.RedisClient)
	counts := core.NewMessageCountCache(cache, logger)
	observability, err := buildMetrics(logger, counts)
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:         store.Jobs,
		Registry:     registry,
		DefaultLease: cfg.Worker.JobLease,
		Logger:       logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("job service: %w", err)
	}

	sqsQueues := deps.AWS.Queues(cfg.AWS.SQSRegion)
	objects := deps.AWS.Objects()

	inspection, err := service.NewInspectionService(service.InspectionServiceOptions{
		Store:      store,
		Registry:   registry,
		Sessions:   deps.AWS,
		Inspection: deps.AWS.Inspection(cfg.Inspection.Region()),
		Queues:     sqsQueues,
		Objects:    objects,
		AWS:        cfg.AWS,
		Config:     cfg.Inspection,
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("inspection service: %w", err)
	}

	accounts, err := service.NewAccountService(service.AccountServiceOptions{
		Store:     store,
		Registry:  registry,
		Sessions:  deps.AWS,
		Inspector: inspection,
		AWS:       cfg.AWS,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("account service: %w", err)
	}

	analyzer, err := service.NewAnalyzerService(service.AnalyzerServiceOptions{
		Store:     store,
		Registry:  registry,
		Sessions:  deps.AWS,
		Queues:    sqsQueues,
		Objects:   objects,
		Inspector: inspection,
		AWS:       cfg.AWS,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("analyzer service: %w", err)
	}

	usage, err := service.NewUsageService(service.UsageServiceOptions{
		Store:    store,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("usage service: %w", err)
	}

	definitions, err := service.NewDefinitionService(store, deps.AWS.Catalog(), logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("definition service: %w", err)
	}

	queueCounts, err := service.NewQueueCountService(sqsQueues, counts, cfg.AWS, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("queue count service: %w", err)
	}

	reports, err := service.NewReportService(service.ReportServiceOptions{
		Store:     store,
		Overviews: store.Overviews(),
		Registry:  registry,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("report service: %w", err)
	}

	schedulerCfg := core.SchedulerConfig{
		BatchSize:       cfg.Scheduler.BatchSize,
		DefaultPriority: cfg.Scheduler.DefaultPriority,
		MaxRetries:      cfg.Scheduler.MaxRetries,
		Overrun:         cfg.Scheduler.OverrunPolicy,
	}
	scheduler := service.NewSchedulerService(service.SchedulerServiceOptions{
		Repo:            data.NewScheduledTasksRepo(deps.DB, nil),
		Jobs:            store.Jobs,
		JobIntrospector: store.Jobs,
		Registry:        registry,
		Config:          &schedulerCfg,
		Cache:           cache,
		Logger:          logger,
	})

	container := ServiceContainer{
		Store:       store,
		Registry:    registry,
		Jobs:        jobs,
		Accounts:    accounts,
		Inspection:  inspection,
		Analyzer:    analyzer,
		Usage:       usage,
		Definitions: definitions,
		QueueCounts: queueCounts,
		Reports:     reports,
		Scheduler:   scheduler,
		AWS:         deps.AWS,
		Metrics:     observability,
	}

	if deps.SourcesAPI != nil {
		container.Sources, err = service.NewSourcesService(service.SourcesServiceOptions{
			Store:    store,
			Registry: registry,
			API:      deps.SourcesAPI,
			Accounts: accounts,
			Config:   cfg.Sources,
			Logger:   logger,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("sources service: %w", err)
		}
	}
	if deps.Producer != nil {
		container.Availability, err = service.NewAvailabilityService(
			registry, deps.Producer, cfg.Kafka.SourcesStatusTopic, logger)
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("availability service: %w", err)
		}
	}

	registerHandlers(registry, container.handlerSets()...)
	if missing := unhandledTasks(registry); len(missing) > 0 {
		logger.Warn("tasks without a handler will stay queued", "tasks", missing)
	}
	return container, nil
}

// handlerProvider is a service that executes tasks.
type handlerProvider interface {
	Handlers() map[model.JobType]tasks.Handler
}

func (c ServiceContainer) handlerSets() []handlerProvider {
	sets := []handlerProvider{
		c.Accounts,
		c.Inspection,
		c.Analyzer,
		c.Usage,
		c.Definitions,
		c.QueueCounts,
	}
	if c.Sources != nil {
		sets = append(sets, c.Sources)
	}
	if c.Availability != nil {
		sets = append(sets, c.Availability)
	}
	return sets
}

// BindHandlerTable registers every service's handlers on registry using
// unconfigured services. The handlers must not be run; the result only serves
// to check the task table offline.
func BindHandlerTable(registry *tasks.Registry) {
	table := ServiceContainer{
		Accounts:     &service.AccountService{},
		Inspection:   &service.InspectionService{},
		Analyzer:     &service.AnalyzerService{},
		Usage:        &service.UsageService{},
		Definitions:  &service.DefinitionService{},
		QueueCounts:  &service.QueueCountService{},
		Sources:      &service.SourcesService{},
		Availability: &service.AvailabilityService{},
	}
	registerHandlers(registry, table.handlerSets()...)
}

func registerHandlers(registry *tasks.Registry, providers ...handlerProvider) {
	for _, p := range providers {
		for name, h := range p.Handlers() {
			registry.Register(name, h)
		}
	}
}

func unhandledTasks(registry *tasks.Registry) []model.JobType {
	registered := make(map[model.JobType]bool)
	for _, name := range registry.Registered() {
		registered[name] = true
	}
	var missing []model.JobType
	for _, name := range model.AllJobTypes {
		if !registered[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
