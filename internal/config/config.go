package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr    string            `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel      string            `yaml:"log_level" env:"LOG_LEVEL"`
	PublicBaseURL string            `yaml:"public_base_url" env:"PUBLIC_BASE_URL"` // Base of share links, e.g. https://share.example.com
	Logging       LoggingConfig     `yaml:"logging"`
	Storage       StorageConfig     `yaml:"storage"`
	Encryption    EncryptionConfig  `yaml:"encryption"`
	Compression   CompressionConfig `yaml:"compression"`
	Offload       OffloadConfig     `yaml:"offload"`
	Client        ClientConfig      `yaml:"client"`
	Audit         AuditConfig       `yaml:"audit"`
	TLS           TLSConfig         `yaml:"tls"`
	Server        ServerConfig      `yaml:"server"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Tracing       TracingConfig     `yaml:"tracing"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOG_ACCESS_FORMAT"` // default, json or clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOG_REDACT_HEADERS"`
}

// StorageConfig holds blob store configuration.
type StorageConfig struct {
	Backend       string        `yaml:"backend" env:"STORAGE_BACKEND"`               // memory or s3
	TTL           time.Duration `yaml:"ttl" env:"STORAGE_TTL"`                       // Blob lifetime, 0 keeps blobs forever
	MaxBlobSize   int64         `yaml:"max_blob_size" env:"STORAGE_MAX_BLOB_SIZE"`   // Max ciphertext size in bytes
	MaxSize       int64         `yaml:"max_size" env:"STORAGE_MAX_SIZE"`             // memory backend: total bytes
	MaxItems      int           `yaml:"max_items" env:"STORAGE_MAX_ITEMS"`           // memory backend: blob count
	SweepInterval time.Duration `yaml:"sweep_interval" env:"STORAGE_SWEEP_INTERVAL"` // memory backend: expiry sweep
	S3            S3Config      `yaml:"s3"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region       string `yaml:"region" env:"S3_REGION"`
	Bucket       string `yaml:"bucket" env:"S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
}

// EncryptionConfig holds client-side encryption configuration.
type EncryptionConfig struct {
	Algorithm            string `yaml:"algorithm" env:"ENCRYPTION_ALGORITHM"`
	Iterations           uint32 `yaml:"iterations" env:"ENCRYPTION_ITERATIONS"`
	MinPasswordLength    int    `yaml:"min_password_length" env:"ENCRYPTION_MIN_PASSWORD_LENGTH"`
	MaxFileSize          int64  `yaml:"max_file_size" env:"ENCRYPTION_MAX_FILE_SIZE"`
	DeriveBeforeDispatch bool   `yaml:"derive_before_dispatch" env:"ENCRYPTION_DERIVE_BEFORE_DISPATCH"` // Derive password keys before handing work to the crypto workers
}

// CompressionConfig holds compression settings.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled" env:"COMPRESSION_ENABLED"`
	MinSize      int64    `yaml:"min_size" env:"COMPRESSION_MIN_SIZE"`
	ContentTypes []string `yaml:"content_types" env:"COMPRESSION_CONTENT_TYPES"`
	Algorithm    string   `yaml:"algorithm" env:"COMPRESSION_ALGORITHM"`
	Level        int      `yaml:"level" env:"COMPRESSION_LEVEL"`
}

// OffloadConfig holds crypto worker settings.
type OffloadConfig struct {
	Workers      int           `yaml:"workers" env:"OFFLOAD_WORKERS"`
	QueueSize    int           `yaml:"queue_size" env:"OFFLOAD_QUEUE_SIZE"`
	StartTimeout time.Duration `yaml:"start_timeout" env:"OFFLOAD_START_TIMEOUT"`
}

// ClientConfig holds settings for the command line client.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url" env:"ZKSHARE_SERVER_URL"`
	RetryMax  int           `yaml:"retry_max" env:"ZKSHARE_RETRY_MAX"`
	Timeout   time.Duration `yaml:"timeout" env:"ZKSHARE_TIMEOUT"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	OtlpInsecure    bool    `yaml:"otlp_insecure" env:"TRACING_OTLP_INSECURE"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-api-key"},
		},
		Storage: StorageConfig{
			Backend:       "memory",
			TTL:           7 * 24 * time.Hour,
			MaxBlobSize:   100 * 1024 * 1024,
			MaxSize:       1024 * 1024 * 1024,
			MaxItems:      10000,
			SweepInterval: time.Minute,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Encryption: EncryptionConfig{
			Algorithm:         "AES-GCM",
			Iterations:        100000,
			MinPasswordLength: 8,
			MaxFileSize:       100 * 1024 * 1024,
		},
		Compression: CompressionConfig{
			Enabled:   false,
			MinSize:   1024,
			Algorithm: "gzip",
			Level:     6,
		},
		Offload: OffloadConfig{
			Workers:      2,
			QueueSize:    16,
			StartTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			RetryMax:  3,
			Timeout:   2 * time.Minute,
		},
		Server: ServerConfig{
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "zk-share",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		config.PublicBaseURL = v
	}
	if v := os.Getenv("LOG_ACCESS_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOG_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = envList(v)
	}

	// Storage
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	envDuration("STORAGE_TTL", &config.Storage.TTL)
	envInt64("STORAGE_MAX_BLOB_SIZE", &config.Storage.MaxBlobSize)
	envInt64("STORAGE_MAX_SIZE", &config.Storage.MaxSize)
	envInt("STORAGE_MAX_ITEMS", &config.Storage.MaxItems)
	envDuration("STORAGE_SWEEP_INTERVAL", &config.Storage.SweepInterval)
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		config.Storage.S3.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		config.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		config.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		config.Storage.S3.UsePathStyle = envBool(v)
	}

	// Encryption
	if v := os.Getenv("ENCRYPTION_ALGORITHM"); v != "" {
		config.Encryption.Algorithm = v
	}
	if v := os.Getenv("ENCRYPTION_ITERATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			config.Encryption.Iterations = uint32(n)
		}
	}
	envInt("ENCRYPTION_MIN_PASSWORD_LENGTH", &config.Encryption.MinPasswordLength)
	envInt64("ENCRYPTION_MAX_FILE_SIZE", &config.Encryption.MaxFileSize)
	if v := os.Getenv("ENCRYPTION_DERIVE_BEFORE_DISPATCH"); v != "" {
		config.Encryption.DeriveBeforeDispatch = envBool(v)
	}

	// Compression
	if v := os.Getenv("COMPRESSION_ENABLED"); v != "" {
		config.Compression.Enabled = envBool(v)
	}
	envInt64("COMPRESSION_MIN_SIZE", &config.Compression.MinSize)
	if v := os.Getenv("COMPRESSION_CONTENT_TYPES"); v != "" {
		config.Compression.ContentTypes = envList(v)
	}
	if v := os.Getenv("COMPRESSION_ALGORITHM"); v != "" {
		config.Compression.Algorithm = v
	}
	envInt("COMPRESSION_LEVEL", &config.Compression.Level)

	// Offload
	envInt("OFFLOAD_WORKERS", &config.Offload.Workers)
	envInt("OFFLOAD_QUEUE_SIZE", &config.Offload.QueueSize)
	envDuration("OFFLOAD_START_TIMEOUT", &config.Offload.StartTimeout)

	// Client
	if v := os.Getenv("ZKSHARE_SERVER_URL"); v != "" {
		config.Client.ServerURL = v
	}
	envInt("ZKSHARE_RETRY_MAX", &config.Client.RetryMax)
	envDuration("ZKSHARE_TIMEOUT", &config.Client.Timeout)

	// TLS
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	// Server timeouts from environment
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_INSECURE"); v != "" {
		config.Tracing.OtlpInsecure = envBool(v)
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.PublicBaseURL != "" {
		if err := validateHTTPURL(c.PublicBaseURL); err != nil {
			return fmt.Errorf("invalid public_base_url: %w", err)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.backend is s3")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory or s3)", c.Storage.Backend)
	}
	if c.Storage.TTL < 0 {
		return fmt.Errorf("storage.ttl must not be negative")
	}

	switch strings.TrimSpace(c.Encryption.Algorithm) {
	case "", "AES-GCM", "ChaCha20-Poly1305":
	default:
		return fmt.Errorf("invalid encryption.algorithm: %s", c.Encryption.Algorithm)
	}
	if c.Encryption.Iterations != 0 && c.Encryption.Iterations < 10000 {
		return fmt.Errorf("encryption.iterations must be at least 10000, got %d", c.Encryption.Iterations)
	}

	if c.Compression.Enabled {
		switch c.Compression.Algorithm {
		case "gzip", "zstd":
		default:
			return fmt.Errorf("invalid compression.algorithm: %s (must be gzip or zstd)", c.Compression.Algorithm)
		}
	}

	if c.Offload.Workers < 0 || c.Offload.QueueSize < 0 {
		return fmt.Errorf("offload.workers and offload.queue_size must not be negative")
	}

	if c.Client.ServerURL != "" {
		if err := validateHTTPURL(c.Client.ServerURL); err != nil {
			return fmt.Errorf("invalid client.server_url: %w", err)
		}
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	if c.Logging.RedactHeaders != nil {
		cp.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	}
	if c.Compression.ContentTypes != nil {
		cp.Compression.ContentTypes = append([]string(nil), c.Compression.ContentTypes...)
	}
	return &cp
}
