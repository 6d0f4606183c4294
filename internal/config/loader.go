package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tenantforge.yaml"

// DefaultEnvFile is the dotenv file read before the environment overlay.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < .env < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return load(yamlPath, CLIFlags{})
}

// LoadWithCLI resolves the YAML path from flags and loads the config with
// CLI flags applied last: defaults < YAML < .env < ENV < CLI.
// It also returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		path = *flags.ConfigPath
	}
	cfg, err := load(path, flags)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func load(yamlPath string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotenv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotenv populates the process environment from a dotenv file.
// Variables already set in the environment win.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TENANTFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "TENANTFORGE_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "TENANTFORGE_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TENANTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TENANTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TENANTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TENANTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TENANTFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "TENANTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TENANTFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TENANTFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "TENANTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TENANTFORGE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "TENANTFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TENANTFORGE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "TENANTFORGE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "TENANTFORGE_RATE_MAX_IDLE_TIME")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "TENANTFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "TENANTFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "TENANTFORGE_CACHE_L2_TTL")

	// Tenancy
	setString(&cfg.Tenancy.Environment, "TENANTFORGE_ENV")
	setString(&cfg.Tenancy.BaseDomain, "TENANTFORGE_BASE_DOMAIN")
	setString(&cfg.Tenancy.LocalBaseDomain, "TENANTFORGE_LOCAL_BASE_DOMAIN")
	setString(&cfg.Tenancy.DefaultDriver, "TENANTFORGE_DEFAULT_DRIVER")
	setString(&cfg.Tenancy.DataDir, "TENANTFORGE_DATA_DIR")
	setString(&cfg.Tenancy.PostgresAdminDSN, "TENANTFORGE_PG_ADMIN_DSN")
	setString(&cfg.Tenancy.MySQLAdminDSN, "TENANTFORGE_MYSQL_ADMIN_DSN")
	setString(&cfg.Tenancy.PostgresHost, "TENANTFORGE_TENANT_PG_HOST")
	setInt(&cfg.Tenancy.PostgresPort, "TENANTFORGE_TENANT_PG_PORT")
	setString(&cfg.Tenancy.MySQLHost, "TENANTFORGE_TENANT_MYSQL_HOST")
	setInt(&cfg.Tenancy.MySQLPort, "TENANTFORGE_TENANT_MYSQL_PORT")
	setString(&cfg.Tenancy.CredentialKey, "TENANTFORGE_CREDENTIAL_KEY")

	// Provisioning
	setInt(&cfg.Provisioning.MaxConcurrent, "TENANTFORGE_PROVISION_MAX_CONCURRENT")
	setDuration(&cfg.Provisioning.StepTimeout, "TENANTFORGE_PROVISION_STEP_TIMEOUT")
	setBool(&cfg.Provisioning.Async, "TENANTFORGE_PROVISION_ASYNC")
	setDuration(&cfg.Provisioning.StaleAfter, "TENANTFORGE_PROVISION_STALE_AFTER")
	setDuration(&cfg.Provisioning.ReapInterval, "TENANTFORGE_PROVISION_REAP_INTERVAL")

	// Health
	setDuration(&cfg.Health.OfflineThreshold, "TENANTFORGE_HEALTH_OFFLINE_THRESHOLD")
	setInt(&cfg.Health.QueueWarning, "TENANTFORGE_HEALTH_QUEUE_WARNING")
	setInt(&cfg.Health.QueueError, "TENANTFORGE_HEALTH_QUEUE_ERROR")
	setString(&cfg.Health.ProbePath, "TENANTFORGE_HEALTH_PROBE_PATH")
	setDuration(&cfg.Health.HTTPTimeout, "TENANTFORGE_HEALTH_HTTP_TIMEOUT")
	setDuration(&cfg.Health.TLSTimeout, "TENANTFORGE_HEALTH_TLS_TIMEOUT")
	setDuration(&cfg.Health.DNSTimeout, "TENANTFORGE_HEALTH_DNS_TIMEOUT")
	setInt(&cfg.Health.RetentionDays, "TENANTFORGE_HEARTBEAT_RETENTION_DAYS")
	setDuration(&cfg.Health.PruneInterval, "TENANTFORGE_HEARTBEAT_PRUNE_INTERVAL")
	setDuration(&cfg.Health.MaxClockSkew, "TENANTFORGE_HEARTBEAT_MAX_CLOCK_SKEW")

	// Router
	setInt(&cfg.Router.PoolMax, "TENANTFORGE_ROUTER_POOL_MAX")
	setDuration(&cfg.Router.RouteTTL, "TENANTFORGE_ROUTER_ROUTE_TTL")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "TENANTFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "TENANTFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "TENANTFORGE_OTEL_SAMPLE_RATE")

	setString(&cfg.Admin.APIKey, "TENANTFORGE_ADMIN_API_KEY")

	// Alerts
	setString(&cfg.Alerts.SlackWebhookURL, "TENANTFORGE_ALERT_SLACK_WEBHOOK_URL")
	setString(&cfg.Alerts.DiscordWebhookURL, "TENANTFORGE_ALERT_DISCORD_WEBHOOK_URL")
	setDuration(&cfg.Alerts.Timeout, "TENANTFORGE_ALERT_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	switch cfg.Tenancy.Environment {
	case EnvProduction, EnvLocal:
	default:
		return fmt.Errorf("tenancy.environment must be %q or %q", EnvProduction, EnvLocal)
	}
	if cfg.Tenancy.BaseDomain == "" || cfg.Tenancy.LocalBaseDomain == "" {
		return errors.New("tenancy.base_domain and tenancy.local_base_domain are required")
	}
	switch cfg.Tenancy.DefaultDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("tenancy.default_driver %q is not supported", cfg.Tenancy.DefaultDriver)
	}
	if cfg.Provisioning.MaxConcurrent < 1 {
		return errors.New("provisioning.max_concurrent must be >= 1")
	}
	if cfg.Provisioning.StaleAfter > 0 && cfg.Provisioning.StaleAfter <= cfg.Provisioning.StepTimeout {
		return errors.New("provisioning.stale_after must be greater than provisioning.step_timeout")
	}
	if cfg.Health.QueueWarning < 0 || cfg.Health.QueueError <= cfg.Health.QueueWarning {
		return errors.New("health.queue_error must be greater than health.queue_warning")
	}
	if cfg.Health.RetentionDays < 1 {
		return errors.New("health.retention_days must be >= 1")
	}
	if cfg.Router.PoolMax < 1 {
		return errors.New("router.pool_max must be >= 1")
	}
	if cfg.Tenancy.CredentialKey == "" {
		return errors.New("tenancy.credential_key is required")
	}
	if cfg.Tenancy.IsProduction() && cfg.Admin.APIKey == "" {
		return errors.New("admin.api_key is required in production")
	}
	if cfg.Tenancy.IsProduction() && cfg.Tenancy.CredentialKey == DevCredentialKey {
		return errors.New("tenancy.credential_key must be set in production")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
