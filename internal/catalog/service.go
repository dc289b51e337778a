// Package catalog implements the artist and track operations on top of a
// provisioned repository.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"musive/internal/apperr"
	"musive/internal/cache"
	"musive/internal/observability/logging"
	"musive/internal/observability/metrics"
	"musive/internal/provision"
	"musive/internal/storage"
)

const defaultOperationTimeout = 5 * time.Second

const (
	resourceArtist = "artist"
	resourceTrack  = "track"
)

// Provider hands out the store a request should use, along with the target
// it was opened for.
type Provider interface {
	ForRequest(ctx context.Context, cfg *provision.ConnectionConfig) (provision.Store, error)
}

// Config wires a Service. Only Provider is required.
type Config struct {
	Provider         Provider
	Cache            cache.Cache
	OperationTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// Service validates and normalizes catalog input before it reaches the store,
// and reads records through the cache.
type Service struct {
	provider Provider
	cache    cache.Cache
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New builds a Service, falling back to a Noop cache, the default operation
// timeout and the default recorder.
func New(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("catalog provider required")
	}
	c := cfg.Cache
	if c == nil {
		c = cache.Noop{}
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Service{
		provider: cfg.Provider,
		cache:    c,
		timeout:  timeout,
		logger:   logging.WithComponent(logger, "catalog"),
		metrics:  recorder,
	}, nil
}

// store resolves the store for a request and derives the per-operation
// deadline.
func (s *Service) store(ctx context.Context, cfg *provision.ConnectionConfig) (provision.Store, context.Context, context.CancelFunc, error) {
	store, err := s.provider.ForRequest(ctx, cfg)
	if err != nil {
		return provision.Store{}, nil, nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return store, opCtx, cancel, nil
}

func (s *Service) observe(ctx context.Context, resource, operation, key string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	s.metrics.ObserveMutation(resource, operation, outcome)

	logger := logging.FromContext(ctx, s.logger).With("resource", resource, "operation", operation, "key", key)
	switch apperr.KindOf(err) {
	case "":
		logger.Debug("catalog operation completed")
	case apperr.KindStorage, apperr.KindTimeout, apperr.KindProvisioning:
		logger.Error("catalog operation failed", "kind", apperr.KindOf(err), "error", err)
	default:
		logger.Info("catalog operation rejected", "kind", apperr.KindOf(err), "error", err)
	}
}

// translate maps repository failures onto the error taxonomy.
func translate(err error, resource string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	var conflict *storage.ConflictError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout(resource+" operation timed out", err)
	case errors.As(err, &conflict):
		return apperr.Conflict(fmt.Sprintf("%s with this %s already exists", resource, conflict.Field), err)
	case errors.Is(err, storage.ErrConflict):
		return apperr.Conflict(resource+" already exists", err)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(resource + " not found")
	case errors.Is(err, storage.ErrPostgresUnavailable):
		return apperr.Provisioning(apperr.ReasonUnreachable, "database unreachable", err)
	default:
		return apperr.Storage("internal storage error", err)
	}
}

func (s *Service) cacheGet(ctx context.Context, key string, dest any) bool {
	err := s.cache.Get(ctx, key, dest)
	switch {
	case err == nil:
		s.metrics.ObserveCache("hit")
		return true
	case errors.Is(err, cache.ErrMiss):
		s.metrics.ObserveCache("miss")
	default:
		s.metrics.ObserveCache("error")
		logging.FromContext(ctx, s.logger).Warn("cache read failed", "key", key, "error", err)
	}
	return false
}

// cacheVersion reports false when the cache cannot say which version a fill
// would be checked against, in which case the read skips the fill.
func (s *Service) cacheVersion(ctx context.Context, key string) (int64, bool) {
	version, err := s.cache.Version(ctx, key)
	if err != nil {
		s.metrics.ObserveCache("error")
		logging.FromContext(ctx, s.logger).Warn("cache version read failed", "key", key, "error", err)
		return 0, false
	}
	return version, true
}

func (s *Service) cacheFill(ctx context.Context, key string, version int64, value any) {
	err := s.cache.Fill(ctx, key, version, value)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStale):
		s.metrics.ObserveCache("stale")
	default:
		s.metrics.ObserveCache("error")
		logging.FromContext(ctx, s.logger).Warn("cache write failed", "key", key, "error", err)
	}
}

// invalidate runs after every successful store write.
func (s *Service) invalidate(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.metrics.ObserveCache("error")
		logging.FromContext(ctx, s.logger).Warn("cache invalidation failed", "key", key, "error", err)
	}
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validationf(field, "%s is required", field)
	}
	return nil
}
