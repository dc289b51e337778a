// Command server starts the musive catalog API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"musive/internal/api"
	"musive/internal/cache"
	"musive/internal/catalog"
	"musive/internal/config"
	"musive/internal/observability/logging"
	"musive/internal/observability/metrics"
	"musive/internal/provision"
	"musive/internal/server"
	"musive/internal/serverutil"
	"musive/internal/storage"
)

type options struct {
	configPath         string
	addr               string
	tlsCert            string
	tlsKey             string
	shutdownTimeout    time.Duration
	corsOrigins        string
	collaboratorOrigin string

	driver          string
	dataDir         string
	postgresSSLMode string
	maintenanceDB   string
	maxConns        int
	minConns        int
	acquireTimeout  time.Duration
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	healthCheck     time.Duration

	provisionPolicy  string
	provisionTimeout time.Duration
	pgService        string
	pgServiceFile    string
	pgPassfile       string
	provisionOnStart bool
	operationTimeout time.Duration

	cacheRedisAddrs    string
	cacheRedisPassword string
	cacheRedisDB       int
	cacheTTL           time.Duration

	globalRPS      float64
	globalBurst    int
	mutationLimit  int
	mutationWindow time.Duration
	trustForwarded bool
	trustedProxies string
	rateRedisAddrs string
	rateRedisPass  string

	logLevel  string
	logFormat string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&opts.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&opts.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown deadline")
	fs.StringVar(&opts.corsOrigins, "cors-origins", "", "comma separated browser origins allowed to call the API")
	fs.StringVar(&opts.collaboratorOrigin, "collaborator-origin", "", "URL of the service owning /api/auth, /api/collections and /api/liked")

	fs.StringVar(&opts.driver, "driver", "", "datastore driver (postgres or json)")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory for JSON datastores")
	fs.StringVar(&opts.postgresSSLMode, "postgres-sslmode", "", "sslmode used for provisioned Postgres connections")
	fs.StringVar(&opts.maintenanceDB, "postgres-maintenance-db", "", "database used to issue CREATE DATABASE")
	fs.IntVar(&opts.maxConns, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	fs.IntVar(&opts.minConns, "postgres-min-conns", 0, "minimum idle connections kept by the Postgres pool")
	fs.DurationVar(&opts.acquireTimeout, "postgres-acquire-timeout", 0, "deadline for dialing a new Postgres connection")
	fs.DurationVar(&opts.maxConnLifetime, "postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled Postgres connection")
	fs.DurationVar(&opts.maxConnIdle, "postgres-max-conn-idle", 0, "maximum idle time of a pooled Postgres connection")
	fs.DurationVar(&opts.healthCheck, "postgres-health-check-period", 0, "interval between Postgres pool health checks")

	fs.StringVar(&opts.provisionPolicy, "provision-policy", "", "what to do when a different database is supplied (first-wins or reconfigure)")
	fs.DurationVar(&opts.provisionTimeout, "provision-timeout", 0, "deadline for a single initialize attempt")
	fs.StringVar(&opts.pgService, "pg-service", "", "libpq service name holding the server-side connection profile")
	fs.StringVar(&opts.pgServiceFile, "pg-service-file", "", "path to the libpq service file")
	fs.StringVar(&opts.pgPassfile, "pg-passfile", "", "path to a .pgpass file used when the service has no password")
	fs.BoolVar(&opts.provisionOnStart, "provision-on-start", false, "initialize the store from -pg-service before serving")
	fs.DurationVar(&opts.operationTimeout, "operation-timeout", 0, "deadline for a single catalog operation")

	fs.StringVar(&opts.cacheRedisAddrs, "cache-redis-addrs", "", "comma separated Redis addresses for the lookup cache")
	fs.StringVar(&opts.cacheRedisPassword, "cache-redis-password", "", "Redis password for the lookup cache")
	fs.IntVar(&opts.cacheRedisDB, "cache-redis-db", 0, "Redis database index for the lookup cache")
	fs.DurationVar(&opts.cacheTTL, "cache-ttl", 0, "lifetime of cached artists and tracks")

	fs.Float64Var(&opts.globalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	fs.IntVar(&opts.globalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	fs.IntVar(&opts.mutationLimit, "rate-mutation-limit", 0, "maximum POST and PUT requests per client within the window")
	fs.DurationVar(&opts.mutationWindow, "rate-mutation-window", 0, "window for counting mutations")
	fs.BoolVar(&opts.trustForwarded, "rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	fs.StringVar(&opts.trustedProxies, "rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	fs.StringVar(&opts.rateRedisAddrs, "rate-redis-addrs", "", "comma separated Redis addresses for shared mutation counters")
	fs.StringVar(&opts.rateRedisPass, "rate-redis-password", "", "Redis password for shared mutation counters")

	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json or text)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// settings is the effective configuration after layering flags, MUSIVE_*
// environment variables, the config file and defaults.
type settings struct {
	logging   logging.Config
	server    server.Config
	shutdown  time.Duration
	driver    string
	dataDir   string
	backend   provision.Backend
	provision provision.Config
	profile   profileSettings
	catalog   time.Duration
	cache     cache.Config
}

type profileSettings struct {
	service     string
	serviceFile string
	passFile    string
	onStart     bool
}

func resolveSettings(opts options, file config.File) (settings, error) {
	var s settings

	s.logging = logging.Config{
		Level:  firstNonEmpty(opts.logLevel, os.Getenv("MUSIVE_LOG_LEVEL"), file.Logging.Level, "info"),
		Format: firstNonEmpty(opts.logFormat, os.Getenv("MUSIVE_LOG_FORMAT"), file.Logging.Format, string(logging.FormatJSON)),
	}

	collaborator, err := resolveCollaboratorOrigin(firstNonEmpty(opts.collaboratorOrigin, os.Getenv("MUSIVE_COLLABORATOR_ORIGIN"), file.Server.CollaboratorOrigin))
	if err != nil {
		return settings{}, err
	}
	corsOrigins := splitAndTrim(firstNonEmpty(opts.corsOrigins, os.Getenv("MUSIVE_CORS_ORIGINS")))
	if len(corsOrigins) == 0 {
		corsOrigins = file.Server.CORSOrigins
	}
	trustedProxies := splitAndTrim(firstNonEmpty(opts.trustedProxies, os.Getenv("MUSIVE_RATE_TRUSTED_PROXIES")))
	if len(trustedProxies) == 0 {
		trustedProxies = file.RateLimit.TrustedProxies
	}
	rateRedis := splitAndTrim(firstNonEmpty(opts.rateRedisAddrs, os.Getenv("MUSIVE_RATE_REDIS_ADDRS")))
	if len(rateRedis) == 0 {
		rateRedis = file.RateLimit.RedisAddrs
	}

	s.server = server.Config{
		Addr: firstNonEmpty(opts.addr, os.Getenv("MUSIVE_ADDR"), file.Server.Addr, ":8080"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(opts.tlsCert, os.Getenv("MUSIVE_TLS_CERT"), file.Server.TLSCertFile),
			KeyFile:  firstNonEmpty(opts.tlsKey, os.Getenv("MUSIVE_TLS_KEY"), file.Server.TLSKeyFile),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             resolveFloat(opts.globalRPS, "MUSIVE_RATE_GLOBAL_RPS", file.RateLimit.GlobalRPS),
			GlobalBurst:           resolveInt(opts.globalBurst, "MUSIVE_RATE_GLOBAL_BURST", file.RateLimit.GlobalBurst),
			MutationLimit:         resolveInt(opts.mutationLimit, "MUSIVE_RATE_MUTATION_LIMIT", file.RateLimit.MutationLimit),
			MutationWindow:        resolveDuration(opts.mutationWindow, "MUSIVE_RATE_MUTATION_WINDOW", file.RateLimit.MutationWindow, time.Minute),
			TrustForwardedHeaders: resolveBool(opts.trustForwarded, "MUSIVE_RATE_TRUST_FORWARDED_HEADERS", file.RateLimit.TrustForwardedHeaders),
			TrustedProxies:        trustedProxies,
			RedisAddrs:            rateRedis,
			RedisPassword:         firstNonEmpty(opts.rateRedisPass, os.Getenv("MUSIVE_RATE_REDIS_PASSWORD"), file.RateLimit.RedisPassword),
		},
		CORS:               server.CORSConfig{AllowedOrigins: corsOrigins},
		CollaboratorOrigin: collaborator,
	}
	if (s.server.TLS.CertFile == "") != (s.server.TLS.KeyFile == "") {
		return settings{}, fmt.Errorf("both -tls-cert and -tls-key must be provided")
	}
	s.shutdown = resolveDuration(opts.shutdownTimeout, "MUSIVE_SHUTDOWN_TIMEOUT", file.Server.ShutdownTimeout, serverutil.DefaultShutdownTimeout)

	s.driver = strings.ToLower(firstNonEmpty(opts.driver, os.Getenv("MUSIVE_DRIVER"), file.Storage.Driver, "postgres"))
	switch s.driver {
	case "postgres":
		storageOpts := []storage.Option{storage.WithPostgresApplicationName("musive")}
		maxConns := resolveInt(opts.maxConns, "MUSIVE_POSTGRES_MAX_CONNS", file.Storage.MaxConns)
		minConns := resolveInt(opts.minConns, "MUSIVE_POSTGRES_MIN_CONNS", file.Storage.MinConns)
		if maxConns > 0 || minConns > 0 {
			storageOpts = append(storageOpts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		if acquire := resolveDuration(opts.acquireTimeout, "MUSIVE_POSTGRES_ACQUIRE_TIMEOUT", file.Storage.AcquireTimeout, 0); acquire > 0 {
			storageOpts = append(storageOpts, storage.WithPostgresAcquireTimeout(acquire))
		}
		lifetime := resolveDuration(opts.maxConnLifetime, "MUSIVE_POSTGRES_MAX_CONN_LIFETIME", file.Storage.MaxConnLifetime, 0)
		idle := resolveDuration(opts.maxConnIdle, "MUSIVE_POSTGRES_MAX_CONN_IDLE", file.Storage.MaxConnIdleTime, 0)
		healthCheck := resolveDuration(opts.healthCheck, "MUSIVE_POSTGRES_HEALTH_CHECK_PERIOD", file.Storage.HealthCheckPeriod, 0)
		if lifetime > 0 || idle > 0 || healthCheck > 0 {
			storageOpts = append(storageOpts, storage.WithPostgresPoolDurations(lifetime, idle, healthCheck))
		}
		s.backend = provision.PostgresBackend{
			SSLMode:       firstNonEmpty(opts.postgresSSLMode, os.Getenv("MUSIVE_POSTGRES_SSLMODE"), file.Storage.PostgresSSLMode),
			MaintenanceDB: firstNonEmpty(opts.maintenanceDB, os.Getenv("MUSIVE_POSTGRES_MAINTENANCE_DB"), file.Storage.MaintenanceDB),
			Options:       storageOpts,
		}
	case "json":
		s.dataDir = firstNonEmpty(opts.dataDir, os.Getenv("MUSIVE_DATA_DIR"), file.Storage.DataDir, "data")
		s.backend = provision.JSONBackend{Dir: filepath.Clean(s.dataDir)}
	default:
		return settings{}, fmt.Errorf("unsupported datastore driver %q", s.driver)
	}

	policy, err := provision.ParsePolicy(firstNonEmpty(opts.provisionPolicy, os.Getenv("MUSIVE_PROVISION_POLICY"), file.Provision.Policy))
	if err != nil {
		return settings{}, err
	}
	s.provision = provision.Config{
		Backend: s.backend,
		Policy:  policy,
		Timeout: resolveDuration(opts.provisionTimeout, "MUSIVE_PROVISION_TIMEOUT", file.Provision.Timeout, 10*time.Second),
	}
	s.profile = profileSettings{
		service:     firstNonEmpty(opts.pgService, os.Getenv("MUSIVE_PG_SERVICE"), file.Provision.Service),
		serviceFile: firstNonEmpty(opts.pgServiceFile, os.Getenv("PGSERVICEFILE"), file.Provision.ServiceFile, defaultServiceFile()),
		passFile:    firstNonEmpty(opts.pgPassfile, os.Getenv("PGPASSFILE"), file.Provision.PassFile),
		onStart:     resolveBool(opts.provisionOnStart, "MUSIVE_PROVISION_ON_START", file.Provision.OnStart),
	}
	if s.profile.onStart && s.profile.service == "" {
		return settings{}, fmt.Errorf("-provision-on-start requires -pg-service")
	}
	s.catalog = resolveDuration(opts.operationTimeout, "MUSIVE_OPERATION_TIMEOUT", file.Catalog.OperationTimeout, 5*time.Second)

	cacheAddrs := splitAndTrim(firstNonEmpty(opts.cacheRedisAddrs, os.Getenv("MUSIVE_CACHE_REDIS_ADDRS")))
	if len(cacheAddrs) == 0 {
		cacheAddrs = file.Cache.RedisAddrs
	}
	s.cache = cache.Config{
		Addrs:    cacheAddrs,
		Password: firstNonEmpty(opts.cacheRedisPassword, os.Getenv("MUSIVE_CACHE_REDIS_PASSWORD"), file.Cache.RedisPassword),
		DB:       resolveInt(opts.cacheRedisDB, "MUSIVE_CACHE_REDIS_DB", file.Cache.RedisDB),
		TTL:      resolveDuration(opts.cacheTTL, "MUSIVE_CACHE_TTL", file.Cache.TTL, cache.DefaultTTL),
	}
	return s, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	file, err := config.Load(firstNonEmpty(opts.configPath, os.Getenv("MUSIVE_CONFIG")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := resolveSettings(opts, file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.logging)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run wires every component and serves until ctx is cancelled. onListen, when
// set, receives the bound address.
func run(ctx context.Context, cfg settings, logger *slog.Logger, onListen func(net.Addr)) error {
	recorder := metrics.Default()

	provCfg := cfg.provision
	provCfg.Logger = logger
	provCfg.Metrics = recorder
	provisioner, err := provision.New(provCfg)
	if err != nil {
		return fmt.Errorf("configure provisioner: %w", err)
	}
	hooks := []serverutil.Hook{{Name: "provisioner", Close: provisioner.Close}}

	if cfg.profile.service != "" {
		profile, err := provision.LoadServiceProfile(cfg.profile.serviceFile, cfg.profile.service, cfg.profile.passFile)
		if err != nil {
			return fmt.Errorf("load connection profile: %w", err)
		}
		if cfg.profile.onStart {
			result, err := provisioner.Initialize(ctx, profile)
			if err != nil {
				return fmt.Errorf("initialize %s: %w", profile, err)
			}
			logger.Info("store provisioned at startup", "target", result.Target, "created", result.CreatedObjects, "reused", result.Reused)
		} else {
			logger.Info("connection profile loaded", "service", cfg.profile.service, "target", profile.Target())
		}
	}

	checks := make(map[string]api.Pinger)
	var lookupCache cache.Cache = cache.Noop{}
	if len(cfg.cache.Addrs) > 0 {
		redisCache, err := cache.NewRedis(cfg.cache)
		if err != nil {
			return fmt.Errorf("configure cache: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisCache.Ping(pingCtx); err != nil {
			logger.Warn("lookup cache unreachable, continuing without warm cache", "error", err)
		}
		cancel()
		lookupCache = redisCache
		checks["cache"] = redisCache
		hooks = append(hooks, serverutil.Hook{Name: "cache", Close: func(context.Context) error { return redisCache.Close() }})
	}

	service, err := catalog.New(catalog.Config{
		Provider:         provisioner,
		Cache:            lookupCache,
		OperationTimeout: cfg.catalog,
		Logger:           logger,
		Metrics:          recorder,
	})
	if err != nil {
		return fmt.Errorf("configure catalog: %w", err)
	}

	handler := api.NewHandler(provisioner, service)
	handler.Checks = checks
	handler.Logger = logger

	srvCfg := cfg.server
	srvCfg.Logger = logger
	srvCfg.Metrics = recorder
	srv, err := server.New(handler, srvCfg)
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}
	if limiter := srv.RateLimiterHealth(); limiter != nil {
		checks["rate_limit"] = limiter
	}
	hooks = append(hooks, serverutil.Hook{Name: "rate limiter", Close: func(context.Context) error { return srv.Close() }})

	logger.Info("musive API starting",
		"addr", srvCfg.Addr,
		"driver", cfg.driver,
		"policy", provisioner.Policy(),
		"cache", len(cfg.cache.Addrs) > 0,
		"collaborator", srvCfg.CollaboratorOrigin != nil,
	)

	tls := srv.TLS()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: tls.CertFile, KeyFile: tls.KeyFile},
		ShutdownTimeout: cfg.shutdown,
		Logger:          logger,
		OnListen:        onListen,
		Hooks:           hooks,
	})
}

func resolveCollaboratorOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse collaborator origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("collaborator origin must include scheme and host")
	}
	return parsed, nil
}

func defaultServiceFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pg_service.conf")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string, fileValue float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return fileValue
}

func resolveInt(flagValue int, envKey string, fileValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fileValue
}

func resolveDuration(flagValue time.Duration, envKey string, fileValue, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fileValue > 0 {
		return fileValue
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string, fileValue bool) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fileValue
}
