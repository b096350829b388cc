package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudigrade/cloudigrade/config"
)

const (
	apiV2Prefix     = "/api/cloudigrade/v2"
	apiV1Prefix     = "/api/cloudigrade/v1"
	internalPrefix  = "/internal"
	healthzEndpoint = "/healthz"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Reports  ReportsService
	Accounts AccountCreator
	Jobs     JobsService
	Users    UserStore
	Account  AccountIDSource
	Auth     config.AuthConfig
	OpenAPI  []byte
	Version  string
	// Optional: metrics source for /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates the API router wrapped with panic recovery and access logging.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	identity := IdentityOptions{Users: services.Users, Auth: services.Auth, Logger: logger}
	guard := func(policy IdentityPolicy, h http.HandlerFunc) http.Handler {
		return RequireIdentity(identity, policy)(h)
	}

	api := &APIHandlers{Svc: services.Reports, Logger: logger}
	mux.Handle("GET "+apiV2Prefix+"/accounts", guard(PolicyDefault, api.ListAccounts))
	mux.Handle("GET "+apiV2Prefix+"/accounts/{id}", guard(PolicyDefault, api.GetAccount))
	mux.Handle("GET "+apiV2Prefix+"/images", guard(PolicyDefault, api.ListImages))
	mux.Handle("GET "+apiV2Prefix+"/images/{id}", guard(PolicyDefault, api.GetImage))
	mux.Handle("GET "+apiV2Prefix+"/instances", guard(PolicyDefault, api.ListInstances))
	mux.Handle("GET "+apiV2Prefix+"/concurrent", guard(PolicyDefault, api.ConcurrentUsage))
	mux.Handle("GET "+apiV1Prefix+"/report/accounts", guard(PolicyDefault, api.AccountOverviews))

	sys := &SysconfigHandlers{
		Account:  services.Account,
		Version:  services.Version,
		Document: services.OpenAPI,
		Logger:   logger,
	}
	mux.Handle("GET "+apiV2Prefix+"/sysconfig", guard(PolicyUserNotRequired, sys.Sysconfig))
	mux.Handle("GET "+apiV2Prefix+"/openapi.json", http.HandlerFunc(sys.OpenAPI))

	internal := &InternalHandlers{Accounts: services.Accounts, Jobs: services.Jobs, Logger: logger}
	mux.Handle("POST "+internalPrefix+"/accounts", guard(PolicyInternalCreateUser, internal.CreateAccount))
	mux.Handle("POST "+internalPrefix+"/tasks/{name}", guard(PolicyInternal, internal.EnqueueTask))
	mux.Handle("GET "+internalPrefix+"/jobs/stats", guard(PolicyInternal, internal.JobStats))

	mux.Handle("GET "+healthzEndpoint, http.HandlerFunc(healthHandler))
	mux.Handle("HEAD "+healthzEndpoint, http.HandlerFunc(healthHandler))

	gatherer := services.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return Recover(logger)(Logging(logger, services.Auth.RequestIDHeader)(mux))
}
