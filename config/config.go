package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultJWTSecret is only accepted outside production
const DefaultJWTSecret = "dev-secret-change-me"

// Rate limiter backends
const (
	RateLimitBackendMemory   = "memory"
	RateLimitBackendRedis    = "redis"
	RateLimitBackendPostgres = "postgres"
)

// Rate limiter failure policies
const (
	FailurePolicyOpen   = "open"
	FailurePolicyClosed = "closed"
)

// Executor providers
const (
	ExecutorSimulated = "simulated"
	ExecutorAnthropic = "anthropic"
)

// Trace exporters
const (
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit logs. When nil, audit uses main DB.
	Redis         RedisConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Executor      ExecutorConfig
	Tracing       TracingConfig
	Notify        NotifyConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
// A config with neither set is disabled and the service runs on in-memory stores.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// RedisConfig holds the shared counter store connection
type RedisConfig struct {
	URL         string
	DialTimeout time.Duration
}

// AuthConfig holds token issuing configuration
type AuthConfig struct {
	JWTSecret   string
	TokenTTL    time.Duration
	Issuer      string
	AdminEmails []string
}

// RateLimitConfig holds per-identity quota configuration
type RateLimitConfig struct {
	MaxRequests     int
	Window          time.Duration
	FailurePolicy   string
	Backend         string // empty selects redis, then postgres, then memory
	CleanupInterval time.Duration
}

// AuditConfig holds the asynchronous audit writer configuration
type AuditConfig struct {
	Enabled         bool
	BufferSize      int
	Workers         int
	InsertTimeout   time.Duration
	ShutdownTimeout time.Duration
}

// ExecutorConfig holds agent executor configuration
type ExecutorConfig struct {
	Provider          string // empty selects anthropic when an API key is set, else simulated
	AnthropicAPIKey   string
	AnthropicBaseURL  string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	InputCostPerMTok  string
	OutputCostPerMTok string
}

// TracingConfig holds agent-monitoring trace configuration
type TracingConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	SampleRate  float64
	ServiceName string
}

// NotifyConfig holds real-time notification configuration
type NotifyConfig struct {
	SubscriberBuffer int
	WriteTimeout     time.Duration
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 150*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", ""),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", DefaultJWTSecret),
			TokenTTL:    getEnvAsDuration("JWT_TTL", 24*time.Hour),
			Issuer:      getEnv("JWT_ISSUER", "computer-use-api"),
			AdminEmails: getEnvAsSlice("ADMIN_EMAILS", nil),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:     getEnvAsInt("MAX_REQUESTS_PER_HOUR", 100),
			Window:          getEnvAsDuration("RATE_LIMIT_WINDOW", time.Hour),
			FailurePolicy:   strings.ToLower(getEnv("RATE_LIMIT_FAILURE_POLICY", FailurePolicyOpen)),
			Backend:         strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "")),
			CleanupInterval: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:         getEnvAsBool("ENABLE_AUDIT_LOGGING", true),
			BufferSize:      getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:         getEnvAsInt("AUDIT_WORKERS", 4),
			InsertTimeout:   getEnvAsDuration("AUDIT_INSERT_TIMEOUT", 5*time.Second),
			ShutdownTimeout: getEnvAsDuration("AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Executor: ExecutorConfig{
			Provider:          strings.ToLower(getEnv("EXECUTOR_PROVIDER", "")),
			AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL:  getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:             getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:         getEnvAsInt("ANTHROPIC_MAX_TOKENS", 1024),
			Timeout:           getEnvAsDuration("EXECUTOR_TIMEOUT", 120*time.Second),
			InputCostPerMTok:  getEnv("EXECUTOR_INPUT_COST_PER_MTOK", "3"),
			OutputCostPerMTok: getEnv("EXECUTOR_OUTPUT_COST_PER_MTOK", "15"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("AGENTOPS_ENABLED", false) || getEnvAsBool("TRACING_ENABLED", false),
			Exporter:    strings.ToLower(getEnv("TRACING_EXPORTER", TraceExporterStdout)),
			Endpoint:    getEnv("TRACING_ENDPOINT", ""),
			SampleRate:  getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "computer-use-api"),
		},
		Notify: NotifyConfig{
			SubscriberBuffer: getEnvAsInt("NOTIFY_SUBSCRIBER_BUFFER", 16),
			WriteTimeout:     getEnvAsDuration("NOTIFY_WRITE_TIMEOUT", 10*time.Second),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ORIGIN", []string{"http://localhost:3000"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.IsProduction() && c.Auth.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in production")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("jwt ttl must be positive")
	}

	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_HOUR must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	switch c.RateLimit.FailurePolicy {
	case FailurePolicyOpen, FailurePolicyClosed:
	default:
		return fmt.Errorf("invalid RATE_LIMIT_FAILURE_POLICY %q: must be open or closed", c.RateLimit.FailurePolicy)
	}
	switch c.RateLimit.Backend {
	case "", RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	case RateLimitBackendPostgres:
		if !c.Database.Enabled() {
			return fmt.Errorf("RATE_LIMIT_BACKEND=postgres requires a database")
		}
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}

	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit buffer size must be positive")
	}
	if c.Audit.Workers <= 0 {
		return fmt.Errorf("audit workers must be positive")
	}

	switch c.Executor.Provider {
	case "", ExecutorSimulated:
	case ExecutorAnthropic:
		if c.Executor.AnthropicAPIKey == "" {
			return fmt.Errorf("EXECUTOR_PROVIDER=anthropic requires ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("invalid EXECUTOR_PROVIDER %q", c.Executor.Provider)
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor timeout must be positive")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case TraceExporterStdout, TraceExporterOTLP:
		default:
			return fmt.Errorf("invalid TRACING_EXPORTER %q", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}

	if c.Notify.SubscriberBuffer <= 0 {
		return fmt.Errorf("notify subscriber buffer must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// RateLimitBackend resolves the counter store to use
func (c *Config) RateLimitBackend() string {
	if c.RateLimit.Backend != "" {
		return c.RateLimit.Backend
	}
	if c.Redis.Enabled() {
		return RateLimitBackendRedis
	}
	if c.Database.Enabled() {
		return RateLimitBackendPostgres
	}
	return RateLimitBackendMemory
}

// ExecutorProvider resolves the agent executor to use
func (c *Config) ExecutorProvider() string {
	if c.Executor.Provider != "" {
		return c.Executor.Provider
	}
	if c.Executor.AnthropicAPIKey != "" {
		return ExecutorAnthropic
	}
	return ExecutorSimulated
}

// IsAdminEmail reports whether email is listed in ADMIN_EMAILS
func (c *AuthConfig) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, admin := range c.AdminEmails {
		if strings.ToLower(admin) == email {
			return true
		}
	}
	return false
}

// Enabled returns true when a database connection is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Enabled returns true when a redis URL is configured
func (c *RedisConfig) Enabled() bool {
	return c.URL != ""
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "computer_use"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma separated value, dropping empty items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
