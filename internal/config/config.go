// Package config loads the optional YAML file that seeds the server flags.
// Flags and MUSIVE_* environment variables override anything set here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File mirrors the layout of musive.yaml.
type File struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Provision ProvisionConfig `yaml:"provision"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	TLSCertFile        string        `yaml:"tls_cert_file"`
	TLSKeyFile         string        `yaml:"tls_key_file"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins        []string      `yaml:"cors_origins"`
	CollaboratorOrigin string        `yaml:"collaborator_origin"`
}

type StorageConfig struct {
	// Driver is "postgres" or "json".
	Driver            string        `yaml:"driver"`
	DataDir           string        `yaml:"data_dir"`
	PostgresSSLMode   string        `yaml:"postgres_sslmode"`
	MaintenanceDB     string        `yaml:"maintenance_db"`
	MaxConns          int           `yaml:"max_conns"`
	MinConns          int           `yaml:"min_conns"`
	// AcquireTimeout bounds dialing a new pooled connection.
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

type ProvisionConfig struct {
	Policy      string        `yaml:"policy"`
	Timeout     time.Duration `yaml:"timeout"`
	Service     string        `yaml:"pg_service"`
	ServiceFile string        `yaml:"pg_service_file"`
	PassFile    string        `yaml:"pg_passfile"`
	OnStart     bool          `yaml:"on_start"`
}

type CatalogConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type CacheConfig struct {
	RedisAddrs    []string      `yaml:"redis_addrs"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	GlobalRPS             float64       `yaml:"global_rps"`
	GlobalBurst           int           `yaml:"global_burst"`
	MutationLimit         int           `yaml:"mutation_limit"`
	MutationWindow        time.Duration `yaml:"mutation_window"`
	TrustForwardedHeaders bool          `yaml:"trust_forwarded_headers"`
	TrustedProxies        []string      `yaml:"trusted_proxies"`
	RedisAddrs            []string      `yaml:"redis_addrs"`
	RedisPassword         string        `yaml:"redis_password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path. An empty path returns the zero File so callers fall back
// to their own defaults.
func Load(path string) (File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and rejects unknown keys.
func Parse(data []byte) (File, error) {
	var cfg File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks values that have a fixed set of choices.
func (f File) Validate() error {
	switch strings.ToLower(strings.TrimSpace(f.Storage.Driver)) {
	case "", "postgres", "json":
	default:
		return fmt.Errorf("storage.driver must be postgres or json, got %q", f.Storage.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(f.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", f.Logging.Format)
	}
	if (f.Server.TLSCertFile == "") != (f.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if f.RateLimit.GlobalRPS < 0 || f.RateLimit.MutationLimit < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if f.Storage.AcquireTimeout < 0 || f.Storage.MaxConnLifetime < 0 || f.Storage.MaxConnIdleTime < 0 || f.Storage.HealthCheckPeriod < 0 {
		return fmt.Errorf("storage pool durations must not be negative")
	}
	return nil
}
