// Package config loads and validates application configuration from YAML files,
// an optional .env file, and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Documents     DocumentsConfig     `yaml:"documents"`
	AI            AIConfig            `yaml:"ai"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Audit         AuditConfig         `yaml:"audit"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Search        SearchConfig        `yaml:"search"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are read. When HMACSecret is
// empty the token's claims are read without signature verification and the
// backend stays responsible for rejecting forged tokens.
type IdentityConfig struct {
	HMACSecret string            `yaml:"hmac_secret"`
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// BackendConfig describes the external GRC backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	TokenFile      string               `yaml:"token_file"`
	SpecFile       string               `yaml:"spec_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings. MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// DefinitionsConfig describes where to find definition YAML files.
type DefinitionsConfig struct {
	Directories     []string `yaml:"directories"`
	StrictChecksums bool     `yaml:"strict_checksums"`
}

// DocumentsConfig describes document rendering settings.
type DocumentsConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
}

// AIConfig describes the AI document generation endpoint.
type AIConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerMinute  int           `yaml:"rate_per_minute"`
	Burst          int           `yaml:"burst"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// AuditConfig describes where the mutation audit trail is written.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ArchiveConfig describes where exported documents are archived.
type ArchiveConfig struct {
	Driver string         `yaml:"driver"`
	Prefix string         `yaml:"prefix"`
	FS     FSArchiveConfig `yaml:"fs"`
	S3     S3ArchiveConfig `yaml:"s3"`
}

// FSArchiveConfig configures the local filesystem archive.
type FSArchiveConfig struct {
	Root string `yaml:"root"`
}

// S3ArchiveConfig configures the S3-compatible archive.
type S3ArchiveConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// SearchConfig describes cross-resource search settings.
type SearchConfig struct {
	TimeoutPerResource    time.Duration `yaml:"timeout_per_resource"`
	MaxResultsPerResource int           `yaml:"max_results_per_resource"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
	// RedactFields extends the field names masked in debug payload logs.
	RedactFields []string `yaml:"redact_fields"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Backend: BackendConfig{
			Timeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       1,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"definitions"},
		},
		AI: AIConfig{
			Endpoint:       "/ai-documents/generate",
			Timeout:        90 * time.Second,
			RatePerMinute:  10,
			Burst:          3,
			IdempotencyTTL: 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:  "memory",
				AddrEnv: "GRC_REDIS_ADDR",
			},
		},
		Audit: AuditConfig{
			Enabled:         true,
			Driver:          "memory",
			DSNEnv:          "GRC_AUDIT_DSN",
			SQLitePath:      "grcbff-audit.db",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Driver: "none",
			Prefix: "exports",
		},
		Search: SearchConfig{
			TimeoutPerResource:    3 * time.Second,
			MaxResultsPerResource: 50,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a .env file when present, then the YAML config file, applies
// environment variable overrides, and validates required fields.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		errs = append(errs, "backend.base_url must be an http(s) URL")
	}
	if c.Backend.Retry.MaxAttempts < 1 {
		errs = append(errs, "backend.retry.max_attempts must be at least 1")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	switch c.Idempotency.Store.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
	}
	switch c.Audit.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("audit.driver %q is not supported", c.Audit.Driver))
	}
	switch c.Archive.Driver {
	case "", "none", "memory", "fs":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, "archive.s3.bucket is required for the s3 driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("archive.driver %q is not supported", c.Archive.Driver))
	}
	if c.Archive.Driver == "fs" && c.Archive.FS.Root == "" {
		errs = append(errs, "archive.fs.root is required for the fs driver")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads GRC_* environment variables and overrides config
// values. NEXT_PUBLIC_API_URL is honoured for the backend URL so existing
// front-end deployments can share one environment file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := firstEnv("GRC_API_URL", "NEXT_PUBLIC_API_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("GRC_BACKEND_TOKEN_FILE"); v != "" {
		cfg.Backend.TokenFile = v
	}
	if v := os.Getenv("GRC_JWT_SECRET"); v != "" {
		cfg.Identity.HMACSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("GRC_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("GRC_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("GRC_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("GRC_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("GRC_AUDIT_DRIVER"); v != "" {
		cfg.Audit.Driver = v
	}
	if v := os.Getenv("GRC_ARCHIVE_DRIVER"); v != "" {
		cfg.Archive.Driver = v
	}
	if v := os.Getenv("GRC_ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
