package config

// AuthConfig groups identity header configuration.
type AuthConfig struct {
	// IdentityHeader carries the base64 encoded platform identity.
	IdentityHeader string `env:"INSIGHTS_IDENTITY_HEADER" envDefault:"X-RH-IDENTITY"`

	// RequestIDHeader is logged with every request.
	RequestIDHeader string `env:"INSIGHTS_REQUEST_ID_HEADER" envDefault:"x-rh-insights-request-id"`

	// VerboseLogging logs the decoded identity on every request.
	VerboseLogging bool `env:"VERBOSE_INSIGHTS_IDENTITY_HEADER_LOGGING" envDefault:"false"`
}
