package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // scheduler timezones on hosts without zoneinfo

	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/scheduler"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Scheduler     SchedulerConfig
	Billing       dues.Config
	Members       MembersConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// RunRateLimit caps manual billing triggers per actor per RunRateWindow.
	// 0 disables the limit.
	RunRateLimit  int
	RunRateWindow time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// StorageConfig selects and configures the due store
type StorageConfig struct {
	Driver string

	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	SQLitePath string
}

// RedisConfig configures the optional distributed job lock. An empty URL
// disables it.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	LockPrefix string
	LockTTL    time.Duration
}

// Enabled reports whether Redis is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// SchedulerConfig holds the cron settings
type SchedulerConfig struct {
	Enabled         bool
	MonthlySchedule string
	DailySchedule   string
	Timezone        string
	JobTimeout      time.Duration
}

// Location resolves Timezone
func (s SchedulerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// MembersConfig controls the member directory cache
type MembersConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// AuditConfig selects the audit trail sinks
type AuditConfig struct {
	// DatabaseEnabled stores events in the billing database
	DatabaseEnabled bool
	// FileDir, when set, also appends events to FileDir/audit.log
	FileDir      string
	FileMaxBytes int64
	FileMaxFiles int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel logrus.Level

	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables. Billing
// settings are read from the YAML file named by CLUBHOUSE_BILLING_FILE first
// and then overridden by CLUBHOUSE_BILLING_* variables.
func LoadConfig() (*Config, error) {
	billing, err := loadBillingConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load billing configuration: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Redis:         loadRedisConfig(),
		Scheduler:     loadSchedulerConfig(),
		Billing:       billing,
		Members:       loadMembersConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CLUBHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("CLUBHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CLUBHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CLUBHOUSE_WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:     getEnvDuration("CLUBHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CLUBHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		RunRateLimit:    getEnvInt("CLUBHOUSE_RUN_RATE_LIMIT", 10),
		RunRateWindow:   getEnvDuration("CLUBHOUSE_RUN_RATE_WINDOW", time.Minute),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:              strings.ToLower(getEnv("CLUBHOUSE_STORAGE_DRIVER", DriverPostgres)),
		PostgresURL:         getEnv("CLUBHOUSE_POSTGRES_URL", ""),
		PostgresReplicaURLs: splitList(getEnv("CLUBHOUSE_POSTGRES_REPLICA_URLS", "")),
		PostgresMaxConns:    getEnvInt("CLUBHOUSE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("CLUBHOUSE_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:     getEnvDuration("CLUBHOUSE_POSTGRES_TIMEOUT", 10*time.Second),
		SQLitePath:          getEnv("CLUBHOUSE_SQLITE_PATH", "clubhouse.db"),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("CLUBHOUSE_REDIS_URL", ""),
		Password:   getEnv("CLUBHOUSE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("CLUBHOUSE_REDIS_DB", 0),
		PoolSize:   getEnvInt("CLUBHOUSE_REDIS_POOL_SIZE", 0),
		MaxRetries: getEnvInt("CLUBHOUSE_REDIS_MAX_RETRIES", 0),
		LockPrefix: getEnv("CLUBHOUSE_LOCK_PREFIX", "clubhouse:lock:"),
		LockTTL:    getEnvDuration("CLUBHOUSE_LOCK_TTL", scheduler.DefaultLockTTL),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:         getEnvBool("CLUBHOUSE_SCHEDULER_ENABLED", true),
		MonthlySchedule: getEnv("CLUBHOUSE_MONTHLY_SCHEDULE", scheduler.DefaultMonthlySchedule),
		DailySchedule:   getEnv("CLUBHOUSE_DAILY_SCHEDULE", scheduler.DefaultDailySchedule),
		Timezone:        getEnv("CLUBHOUSE_TIMEZONE", "UTC"),
		JobTimeout:      getEnvDuration("CLUBHOUSE_JOB_TIMEOUT", 0),
	}
}

func loadMembersConfig() MembersConfig {
	return MembersConfig{
		CacheSize: getEnvInt("CLUBHOUSE_MEMBER_CACHE_SIZE", 1024),
		CacheTTL:  getEnvDuration("CLUBHOUSE_MEMBER_CACHE_TTL", 5*time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		DatabaseEnabled: getEnvBool("CLUBHOUSE_AUDIT_DB_ENABLED", true),
		FileDir:         getEnv("CLUBHOUSE_AUDIT_DIR", ""),
		FileMaxBytes:    int64(getEnvInt("CLUBHOUSE_AUDIT_FILE_MAX_BYTES", 100<<20)),
		FileMaxFiles:    getEnvInt("CLUBHOUSE_AUDIT_FILE_MAX_FILES", 10),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CLUBHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CLUBHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CLUBHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CLUBHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CLUBHOUSE_OTEL_SERVICE_NAME", "clubhouse-billing"),
		OTelServiceVersion: getEnv("CLUBHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CLUBHOUSE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CLUBHOUSE_OTEL_SAMPLE_RATIO", 1),
	}
}

// billingFile is the YAML layout of CLUBHOUSE_BILLING_FILE. Pointers tell
// "absent" apart from zero values.
type billingFile struct {
	AutomaticGeneration *bool    `yaml:"automatic_generation"`
	MonthsAhead         *int     `yaml:"months_ahead"`
	MonthlyDueAmount    string   `yaml:"monthly_due_amount"`
	DueDayOfMonth       *int     `yaml:"due_day_of_month"`
	BillableRoles       []string `yaml:"billable_roles"`
}

func loadBillingConfig() (dues.Config, error) {
	cfg := dues.DefaultConfig()

	if path := getEnv("CLUBHOUSE_BILLING_FILE", ""); path != "" {
		if err := applyBillingFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	cfg.AutomaticGenerationEnabled = getEnvBool("CLUBHOUSE_BILLING_AUTO_GENERATE", cfg.AutomaticGenerationEnabled)
	cfg.MonthsAhead = getEnvInt("CLUBHOUSE_BILLING_MONTHS_AHEAD", cfg.MonthsAhead)

	if amount := getEnv("CLUBHOUSE_BILLING_MONTHLY_AMOUNT", ""); amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLUBHOUSE_BILLING_MONTHLY_AMOUNT %q: %w", amount, err)
		}
		cfg.MonthlyDueAmount = d
	}

	if day := getEnv("CLUBHOUSE_BILLING_DUE_DAY", ""); day != "" {
		if strings.EqualFold(day, "last") {
			cfg.DueDayOfMonth = nil
		} else {
			n, err := strconv.Atoi(day)
			if err != nil {
				return cfg, fmt.Errorf("invalid CLUBHOUSE_BILLING_DUE_DAY %q: %w", day, err)
			}
			cfg.DueDayOfMonth = &n
		}
	}

	if roles := getEnv("CLUBHOUSE_BILLING_ROLES", ""); roles != "" {
		parsed, err := parseRoles(splitList(roles))
		if err != nil {
			return cfg, err
		}
		cfg.BillableRoles = parsed
	}

	return cfg, nil
}

func applyBillingFile(cfg *dues.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read billing file: %w", err)
	}

	var file billingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse billing file %s: %w", path, err)
	}

	if file.AutomaticGeneration != nil {
		cfg.AutomaticGenerationEnabled = *file.AutomaticGeneration
	}
	if file.MonthsAhead != nil {
		cfg.MonthsAhead = *file.MonthsAhead
	}
	if file.MonthlyDueAmount != "" {
		d, err := decimal.NewFromString(file.MonthlyDueAmount)
		if err != nil {
			return fmt.Errorf("invalid monthly_due_amount %q: %w", file.MonthlyDueAmount, err)
		}
		cfg.MonthlyDueAmount = d
	}
	if file.DueDayOfMonth != nil {
		cfg.DueDayOfMonth = file.DueDayOfMonth
	}
	if len(file.BillableRoles) > 0 {
		roles, err := parseRoles(file.BillableRoles)
		if err != nil {
			return err
		}
		cfg.BillableRoles = roles
	}
	return nil
}

func parseRoles(names []string) ([]members.Role, error) {
	roles := make([]members.Role, 0, len(names))
	for _, name := range names {
		role, ok := members.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown billable role %q", name)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.Storage.PostgresMaxConns < 1 {
			return fmt.Errorf("postgres max connections must be positive")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or sqlite)", c.Storage.Driver)
	}

	if err := c.Billing.Validate(); err != nil {
		return fmt.Errorf("invalid billing configuration: %w", err)
	}
	if len(c.Billing.BillableRoles) == 0 {
		return fmt.Errorf("at least one billable role is required")
	}

	if _, err := cron.ParseStandard(c.Scheduler.MonthlySchedule); err != nil {
		return fmt.Errorf("invalid monthly schedule %q: %w", c.Scheduler.MonthlySchedule, err)
	}
	if _, err := cron.ParseStandard(c.Scheduler.DailySchedule); err != nil {
		return fmt.Errorf("invalid daily schedule %q: %w", c.Scheduler.DailySchedule, err)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Scheduler.Timezone, err)
	}

	if c.Redis.Enabled() && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive when redis is configured")
	}

	if c.Server.RunRateLimit > 0 && c.Server.RunRateWindow <= 0 {
		return fmt.Errorf("run rate window must be positive when rate limiting is enabled")
	}

	if c.Audit.FileDir != "" && (c.Audit.FileMaxBytes < 0 || c.Audit.FileMaxFiles < 0) {
		return fmt.Errorf("audit file limits must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// splitList splits a comma-separated value, dropping blanks
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
