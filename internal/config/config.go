// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for both the downloader and the proxy.
type Config struct {
	// Proxy
	ListenAddr  string
	MetricsAddr string
	Repos       string

	// TLS (optional, if both set the proxy uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel  string
	LogFormat string

	// Remote hosts
	DerivativeHost string
	OTGHost        string
	CDNHost        string
	Flavor         string

	// Auth: a static bearer token or two-legged OAuth2
	AccessToken       string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend string
	OutputDir      string
	S3Endpoint     string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string

	// Mirror index ("sqlite" or "postgres"); empty DSN disables it
	IndexDriver string
	IndexDSN    string

	// Existing files: "trust", "verify" or "refetch"
	ExistingFilePolicy string

	// Concurrency
	ResolveConcurrency  int
	DownloadConcurrency int
	FetchConcurrency    int

	// Log per-file progress events during downloads
	Progress bool

	// Relay
	FlushInterval    time.Duration
	ReapInterval     time.Duration
	IdleTimeout      time.Duration
	MaxSessionErrors int
	ShardCacheSize   int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":7125"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		Repos:               envOr("REPOS", ""),
		TLSCertFile:         envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:          envOr("TLS_KEY_FILE", ""),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		DerivativeHost:      envOr("DERIVATIVE_HOST", "https://developer.api.autodesk.com"),
		OTGHost:             envOr("OTG_HOST", ""),
		CDNHost:             envOr("CDN_HOST", ""),
		Flavor:              envOr("FLAVOR", "otg"),
		AccessToken:         envOr("ACCESS_TOKEN", ""),
		OAuthClientID:       envOr("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret:   envOr("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:       envOr("OAUTH_TOKEN_URL", "https://developer.api.autodesk.com/authentication/v2/token"),
		OAuthScopes:         envList("OAUTH_SCOPES", []string{"data:read", "viewables:read"}),
		StorageBackend:      envOr("STORAGE_BACKEND", "local"),
		OutputDir:           envOr("OUTPUT_DIR", "."),
		S3Endpoint:          envOr("S3_ENDPOINT", ""),
		S3Bucket:            envOr("S3_BUCKET", ""),
		S3Prefix:            envOr("S3_PREFIX", ""),
		S3AccessKey:         envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOr("S3_SECRET_KEY", ""),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		IndexDriver:         envOr("INDEX_DRIVER", "sqlite"),
		IndexDSN:            envOr("INDEX_DSN", ""),
		ExistingFilePolicy:  envOr("EXISTING_FILE_POLICY", "trust"),
		ResolveConcurrency:  envInt("RESOLVE_CONCURRENCY", 6),
		DownloadConcurrency: envInt("DOWNLOAD_CONCURRENCY", 10),
		FetchConcurrency:    envInt("FETCH_CONCURRENCY", 10),
		Progress:            envBool("PROGRESS", true),
		FlushInterval:       envDuration("FLUSH_INTERVAL", 100*time.Millisecond),
		ReapInterval:        envDuration("REAP_INTERVAL", time.Minute),
		IdleTimeout:         envDuration("IDLE_TIMEOUT", time.Minute),
		MaxSessionErrors:    envInt("MAX_SESSION_ERRORS", 100),
		ShardCacheSize:      envInt("SHARD_CACHE_SIZE", 1024),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component accepts. Callers that override
// fields after Load should validate again.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local":
		if c.OutputDir == "" {
			return fmt.Errorf("OUTPUT_DIR is required for local storage")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.IndexDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown INDEX_DRIVER %q", c.IndexDriver)
	}

	switch c.ExistingFilePolicy {
	case "trust", "verify", "refetch":
	default:
		return fmt.Errorf("unknown EXISTING_FILE_POLICY %q", c.ExistingFilePolicy)
	}

	switch strings.ToLower(c.Flavor) {
	case "otg", "svf2":
	default:
		return fmt.Errorf("unknown FLAVOR %q", c.Flavor)
	}

	if c.ResolveConcurrency < 1 || c.DownloadConcurrency < 1 || c.FetchConcurrency < 1 {
		return fmt.Errorf("concurrency limits must be positive")
	}
	return nil
}

// HasOAuth reports whether client credentials are configured.
func (c *Config) HasOAuth() bool {
	return c.OAuthClientID != "" && c.OAuthClientSecret != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList splits a comma or space separated value.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
}
