// Package provision turns caller-supplied connection parameters into a shared
// repository handle. The first successful Initialize installs the handle for
// the whole process; later calls either reuse it or, under the reconfigure
// policy, swap it.
package provision

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"musive/internal/apperr"
	"musive/internal/observability/logging"
	"musive/internal/observability/metrics"
	"musive/internal/storage"
)

// Policy decides what happens when a different target is supplied after a
// store is already held.
type Policy string

const (
	// PolicyFirstWins keeps the first provisioned store for the process.
	PolicyFirstWins Policy = "first-wins"
	// PolicyReconfigure replaces the store whenever a different target is
	// supplied. Requests in flight may still hold the previous handle.
	PolicyReconfigure Policy = "reconfigure"
)

const (
	defaultTimeout = 10 * time.Second
	closeTimeout   = 5 * time.Second
	statusOK       = "ok"
)

// ParsePolicy accepts "first-wins" (default) or "reconfigure".
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(PolicyFirstWins), "first_wins", "firstwins":
		return PolicyFirstWins, nil
	case string(PolicyReconfigure):
		return PolicyReconfigure, nil
	default:
		return "", fmt.Errorf("unknown provision policy %q", value)
	}
}

// Config wires a Provisioner.
type Config struct {
	Backend Backend
	Policy  Policy
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Result is reported by Initialize.
type Result struct {
	Status          string   `json:"status"`
	Target          string   `json:"target"`
	Backend         string   `json:"backend"`
	Policy          Policy   `json:"policy"`
	Reused          bool     `json:"reused"`
	CreatedObjects  []string `json:"created_objects"`
	ExistingObjects []string `json:"existing_objects"`
}

type handle struct {
	repo        storage.Repository
	fingerprint []byte
	target      string
}

type Provisioner struct {
	backend Backend
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
	fp      fingerprinter
	group   singleflight.Group

	mu      sync.RWMutex
	current *handle
}

// New builds a Provisioner. A backend is required.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("provision backend required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyFirstWins
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	fp, err := newFingerprinter()
	if err != nil {
		return nil, err
	}
	return &Provisioner{
		backend: cfg.Backend,
		policy:  policy,
		timeout: timeout,
		logger:  logging.WithComponent(logger, "provision"),
		metrics: recorder,
		fp:      fp,
	}, nil
}

// Policy reports the configured policy.
func (p *Provisioner) Policy() Policy {
	return p.policy
}

// Initialize validates cfg, connects, creates the database when missing and
// ensures the schema. Concurrent calls for the same target share one attempt.
func (p *Provisioner) Initialize(ctx context.Context, cfg ConnectionConfig) (Result, error) {
	resolved := cfg.Resolve()
	if err := resolved.Validate(); err != nil {
		p.metrics.ObserveProvision("error", string(apperr.KindValidation))
		return Result{}, err
	}
	fingerprint := p.fp.sum(resolved)

	value, err, _ := p.group.Do(hex.EncodeToString(fingerprint), func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.initialize(attemptCtx, resolved, fingerprint)
	})
	logger := logging.FromContext(ctx, p.logger).With("target", resolved.Target(), "backend", p.backend.Name())
	if err != nil {
		reason := string(apperr.KindOf(err))
		if classified, ok := apperr.As(err); ok && classified.Reason != "" {
			reason = classified.Reason
		}
		p.metrics.ObserveProvision("error", reason)
		logger.Warn("database initialization failed", "kind", apperr.KindOf(err), "reason", reason, "error", err)
		return Result{}, err
	}

	result := value.(Result)
	result.CreatedObjects = append([]string{}, result.CreatedObjects...)
	result.ExistingObjects = append([]string{}, result.ExistingObjects...)
	p.metrics.ObserveProvision("ok", "")
	p.metrics.SetProvisioned(true)
	logger.Info("database initialized", "reused", result.Reused, "created", result.CreatedObjects, "existing", result.ExistingObjects)
	return result, nil
}

func (p *Provisioner) initialize(ctx context.Context, cfg ConnectionConfig, fingerprint []byte) (Result, error) {
	result := Result{
		Status:  statusOK,
		Target:  cfg.Target(),
		Backend: p.backend.Name(),
		Policy:  p.policy,
	}

	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()

	if current != nil {
		if sameFingerprint(current.fingerprint, fingerprint) {
			report, err := current.repo.EnsureSchema(ctx)
			if err != nil {
				return Result{}, classify(err, apperr.ReasonSchema)
			}
			result.Reused = true
			result.CreatedObjects = report.Created
			result.ExistingObjects = report.Existing
			return result, nil
		}
		if p.policy == PolicyFirstWins {
			return Result{}, apperr.Conflict("store already provisioned for a different target", nil)
		}
	}

	repo, created, err := p.open(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	report, err := repo.EnsureSchema(ctx)
	if err != nil {
		p.closeRepo(repo)
		return Result{}, classify(err, apperr.ReasonSchema)
	}
	result.CreatedObjects = append(created, report.Created...)
	result.ExistingObjects = report.Existing

	next := &handle{repo: repo, fingerprint: fingerprint, target: cfg.Target()}
	p.mu.Lock()
	previous := p.current
	if previous != nil && p.policy == PolicyFirstWins && !sameFingerprint(previous.fingerprint, fingerprint) {
		p.mu.Unlock()
		p.closeRepo(repo)
		return Result{}, apperr.Conflict("store already provisioned for a different target", nil)
	}
	p.current = next
	p.mu.Unlock()

	if previous != nil {
		p.logger.Info("replacing provisioned store", "previous_target", previous.target, "target", next.target)
		p.closeRepo(previous.repo)
	}
	return result, nil
}

// open connects to cfg, creating the database when the server reports it
// missing.
func (p *Provisioner) open(ctx context.Context, cfg ConnectionConfig) (storage.Repository, []string, error) {
	repo, err := p.backend.Open(ctx, cfg)
	if err == nil {
		return repo, nil, nil
	}
	if !isMissingDatabase(err) {
		return nil, nil, classify(err, apperr.ReasonUnknown)
	}

	if err := p.backend.CreateDatabase(ctx, cfg); err != nil {
		return nil, nil, classify(err, apperr.ReasonPrivileges)
	}
	p.logger.Info("created database", "target", cfg.Target())

	repo, err = p.backend.Open(ctx, cfg)
	if err != nil {
		return nil, nil, classify(err, apperr.ReasonUnknown)
	}
	return repo, []string{"database:" + cfg.DBName}, nil
}

// Store is a repository together with the target it was opened for.
type Store struct {
	Repo   storage.Repository
	Target string
}

// ForRequest returns the store a resource operation should use. A held
// store always wins under first-wins; cfg only matters when nothing is held
// yet, or under reconfigure when it names a different target.
func (p *Provisioner) ForRequest(ctx context.Context, cfg *ConnectionConfig) (Store, error) {
	current := p.held()

	if cfg == nil || cfg.IsZero() {
		if current == nil {
			return Store{}, apperr.Provisioning(apperr.ReasonNotInitialized, "database not initialized; call /initialize or include config", nil)
		}
		return current.store(), nil
	}

	resolved := cfg.Resolve()
	if current != nil {
		if resolved.Validate() == nil && !p.holds(current, resolved) {
			if p.policy == PolicyFirstWins {
				logging.FromContext(ctx, p.logger).Warn("ignoring request config for a different target", "held_target", current.target, "requested_target", resolved.Target())
				return current.store(), nil
			}
			if _, err := p.Initialize(ctx, resolved); err != nil {
				return Store{}, err
			}
			return p.Store()
		}
		return current.store(), nil
	}

	if _, err := p.Initialize(ctx, resolved); err != nil {
		return Store{}, err
	}
	return p.Store()
}

// holds reports whether h was opened for cfg. The password is only stretched
// when the target already matches.
func (p *Provisioner) holds(h *handle, cfg ConnectionConfig) bool {
	if h.target != cfg.Target() {
		return false
	}
	return sameFingerprint(h.fingerprint, p.fp.sum(cfg))
}

func (p *Provisioner) held() *handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (h *handle) store() Store {
	return Store{Repo: h.repo, Target: h.target}
}

// Store returns the held store.
func (p *Provisioner) Store() (Store, error) {
	current := p.held()
	if current == nil {
		return Store{}, apperr.Provisioning(apperr.ReasonNotInitialized, "database not initialized", nil)
	}
	return current.store(), nil
}

// Ready reports whether a store is held.
func (p *Provisioner) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current != nil
}

// Target describes the held store, or "" when none.
func (p *Provisioner) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return ""
	}
	return p.current.target
}

// Ping checks the held store.
func (p *Provisioner) Ping(ctx context.Context) error {
	current, err := p.Store()
	if err != nil {
		return err
	}
	return current.Repo.Ping(ctx)
}

// Close releases the held store.
func (p *Provisioner) Close(ctx context.Context) error {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()
	p.metrics.SetProvisioned(false)
	if current == nil {
		return nil
	}
	return current.repo.Close(ctx)
}

func (p *Provisioner) closeRepo(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := repo.Close(ctx); err != nil {
		p.logger.Warn("failed to close store", "error", err)
	}
}
