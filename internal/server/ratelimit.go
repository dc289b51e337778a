package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"musive/internal/apperr"
	"musive/internal/observability/metrics"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to every
// request; MutationLimit caps POST and PUT per client within MutationWindow.
// With RedisAddrs set the mutation counters are shared through Redis.
type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	MutationLimit         int
	MutationWindow        time.Duration
	TrustForwardedHeaders bool
	TrustedProxies        []string
	RedisAddrs            []string
	RedisPassword         string
	RedisTimeout          time.Duration
}

type rateLimiter struct {
	global         *tokenBucket
	mutationLimit  int
	mutationWindow time.Duration
	mu             sync.Mutex
	clients        map[string]*clientLimiter
	store          tokenStore
	resolver       *clientIPResolver
}

type clientLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	resolver, err := newClientIPResolver(cfg)
	if err != nil {
		return nil, err
	}
	rl := &rateLimiter{
		mutationLimit:  cfg.MutationLimit,
		mutationWindow: cfg.MutationWindow,
		clients:        make(map[string]*clientLimiter),
		resolver:       resolver,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.mutationLimit < 0 {
		rl.mutationLimit = 0
	}
	if rl.mutationWindow <= 0 {
		rl.mutationWindow = time.Minute
	}
	if len(cfg.RedisAddrs) > 0 && rl.mutationLimit > 0 {
		store, err := newRedisStore(RedisStoreConfig{Addrs: cfg.RedisAddrs, Password: cfg.RedisPassword, Timeout: cfg.RedisTimeout})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowMutation(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.mutationLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "musive:ratelimit:"+key, r.mutationLimit, r.mutationWindow)
	}

	r.mu.Lock()
	client, exists := r.clients[key]
	if !exists {
		rate := float64(r.mutationLimit) / r.mutationWindow.Seconds()
		client = &clientLimiter{bucket: newTokenBucket(rate, r.mutationLimit)}
		r.clients[key] = client
	}
	client.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if client.bucket.Allow() {
		return true, 0, nil
	}
	return false, client.bucket.retryAfter(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.mutationWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func isMutation(r *http.Request) bool {
	return r.Method == http.MethodPost || r.Method == http.MethodPut
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.ObserveRateLimited("global")
			writeMiddlewareError(w, r, apperr.KindRateLimited, "global rate limit exceeded")
			return
		}
		if isMutation(r) {
			ip, _ := rl.resolver.ClientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowMutation(r.Context(), ip)
			if err != nil {
				// Counter store failures let the request through.
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				}
				recorder.ObserveRateLimited("mutation")
				writeMiddlewareError(w, r, apperr.KindRateLimited, fmt.Sprintf("too many writes from %s", ip))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// retryAfter estimates how long until the next token is available.
func (tb *tokenBucket) retryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}
