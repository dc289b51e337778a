package provision

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"musive/internal/apperr"
	"musive/internal/observability/metrics"
	"musive/internal/storage"
)

type fakeBackend struct {
	dir string

	mu       sync.Mutex
	opens    int
	creates  int
	missing  map[string]bool
	openErr  error
	entered  chan struct{}
	release  chan struct{}
	repos    []*storage.Storage
	createFn func(ConnectionConfig) error
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return &fakeBackend{dir: t.TempDir(), missing: make(map[string]bool)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(ctx context.Context, cfg ConnectionConfig) (storage.Repository, error) {
	b.mu.Lock()
	b.opens++
	entered, release := b.entered, b.release
	b.entered = nil
	missing := b.missing[cfg.DBName]
	openErr := b.openErr
	b.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	if missing {
		return nil, &pgconn.PgError{Code: "3D000", Message: "database \"" + cfg.DBName + "\" does not exist"}
	}
	store, err := storage.NewStorage(filepath.Join(b.dir, cfg.Host+"-"+cfg.DBName+".json"))
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.repos = append(b.repos, store)
	b.mu.Unlock()
	return store, nil
}

func (b *fakeBackend) CreateDatabase(_ context.Context, cfg ConnectionConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	if b.createFn != nil {
		if err := b.createFn(cfg); err != nil {
			return err
		}
	}
	delete(b.missing, cfg.DBName)
	return nil
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func testConfig(host string) ConnectionConfig {
	return ConnectionConfig{Host: host, Username: "postgres", Password: "pw", DBName: "musive", Port: 5432}
}

func newTestProvisioner(t *testing.T, backend Backend, policy Policy) (*Provisioner, *metrics.Recorder) {
	t.Helper()
	recorder := metrics.New()
	p, err := New(Config{Backend: backend, Policy: policy, Timeout: 2 * time.Second, Metrics: recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, recorder
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without backend")
	}
}

func TestParsePolicy(t *testing.T) {
	for input, want := range map[string]Policy{"": PolicyFirstWins, "first-wins": PolicyFirstWins, "Reconfigure": PolicyReconfigure} {
		got, err := ParsePolicy(input)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected unknown policy to fail")
	}
}

func TestInitializeCreatesSchemaThenReuses(t *testing.T) {
	backend := newFakeBackend(t)
	p, recorder := newTestProvisioner(t, backend, PolicyFirstWins)
	ctx := context.Background()

	first, err := p.Initialize(ctx, testConfig("localhost"))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if first.Status != "ok" || first.Reused {
		t.Fatalf("unexpected first result %+v", first)
	}
	if len(first.CreatedObjects) != 2 || len(first.ExistingObjects) != 0 {
		t.Fatalf("expected both tables created, got %+v", first)
	}
	if !p.Ready() || p.Target() != "postgres@localhost:5432/musive" {
		t.Fatalf("expected provisioner to hold the store, target %q", p.Target())
	}

	second, err := p.Initialize(ctx, testConfig("localhost"))
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if !second.Reused || len(second.CreatedObjects) != 0 || len(second.ExistingObjects) != 2 {
		t.Fatalf("expected reuse with existing tables, got %+v", second)
	}
	if backend.openCount() != 1 {
		t.Fatalf("expected a single open, got %d", backend.openCount())
	}
	if got := recorder.ProvisionCounts()[metrics.ProvisionLabel{Outcome: "ok", Reason: "none"}]; got != 2 {
		t.Fatalf("expected two successful provisions recorded, got %d", got)
	}
	if !recorder.Provisioned() {
		t.Fatalf("expected provisioned gauge to be set")
	}
}

func TestInitializeValidationError(t *testing.T) {
	backend := newFakeBackend(t)
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)

	cfg := testConfig("localhost")
	cfg.Password = ""
	_, err := p.Initialize(context.Background(), cfg)
	classified, ok := apperr.As(err)
	if !ok || classified.Kind != apperr.KindValidation || classified.Field != "password" {
		t.Fatalf("expected password validation error, got %v", err)
	}
	if backend.openCount() != 0 {
		t.Fatalf("expected no connection attempt")
	}
	if p.Ready() {
		t.Fatalf("expected nothing provisioned")
	}
}

func TestInitializeFirstWinsRejectsDifferentTarget(t *testing.T) {
	backend := newFakeBackend(t)
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)
	ctx := context.Background()

	if _, err := p.Initialize(ctx, testConfig("primary")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := p.Initialize(ctx, testConfig("secondary"))
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperr.HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %d", apperr.HTTPStatus(err))
	}
	if p.Target() != "postgres@primary:5432/musive" {
		t.Fatalf("expected first target to be kept, got %q", p.Target())
	}

	other := testConfig("primary")
	other.Password = "different"
	if _, err := p.Initialize(ctx, other); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected a password change to count as a different target, got %v", err)
	}
}

func TestInitializeReconfigureSwapsStore(t *testing.T) {
	backend := newFakeBackend(t)
	p, _ := newTestProvisioner(t, backend, PolicyReconfigure)
	ctx := context.Background()

	if _, err := p.Initialize(ctx, testConfig("primary")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	previous, _ := p.Store()
	if _, err := p.Initialize(ctx, testConfig("secondary")); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if p.Target() != "postgres@secondary:5432/musive" {
		t.Fatalf("expected swapped target, got %q", p.Target())
	}
	if err := previous.Repo.Ping(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected previous store to be closed, got %v", err)
	}
}

func TestInitializeCreatesMissingDatabase(t *testing.T) {
	backend := newFakeBackend(t)
	backend.missing["musive"] = true
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)

	result, err := p.Initialize(context.Background(), testConfig("localhost"))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if backend.creates != 1 || backend.openCount() != 2 {
		t.Fatalf("expected create then reopen, creates=%d opens=%d", backend.creates, backend.openCount())
	}
	if len(result.CreatedObjects) == 0 || result.CreatedObjects[0] != "database:musive" {
		t.Fatalf("expected database to be reported as created, got %v", result.CreatedObjects)
	}
}

func TestInitializeCreateDatabaseDenied(t *testing.T) {
	backend := newFakeBackend(t)
	backend.missing["musive"] = true
	backend.createFn = func(ConnectionConfig) error {
		return &pgconn.PgError{Code: "42501", Message: "permission denied to create database"}
	}
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)

	_, err := p.Initialize(context.Background(), testConfig("localhost"))
	classified, ok := apperr.As(err)
	if !ok || classified.Kind != apperr.KindProvisioning || classified.Reason != apperr.ReasonPrivileges {
		t.Fatalf("expected privileges failure, got %v", err)
	}
	if apperr.HTTPStatus(err) != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", apperr.HTTPStatus(err))
	}
}

func TestInitializeAuthenticationFailure(t *testing.T) {
	backend := newFakeBackend(t)
	backend.openErr = &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	p, recorder := newTestProvisioner(t, backend, PolicyFirstWins)

	_, err := p.Initialize(context.Background(), testConfig("localhost"))
	classified, ok := apperr.As(err)
	if !ok || classified.Reason != apperr.ReasonAuthentication {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if p.Ready() {
		t.Fatalf("expected nothing provisioned after failure")
	}
	if got := recorder.ProvisionCounts()[metrics.ProvisionLabel{Outcome: "error", Reason: apperr.ReasonAuthentication}]; got != 1 {
		t.Fatalf("expected failure to be recorded, got %d", got)
	}
}

func TestInitializeTimeout(t *testing.T) {
	backend := newFakeBackend(t)
	backend.release = make(chan struct{})
	recorder := metrics.New()
	p, err := New(Config{Backend: backend, Timeout: 20 * time.Millisecond, Metrics: recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Initialize(context.Background(), testConfig("localhost"))
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if apperr.HTTPStatus(err) != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", apperr.HTTPStatus(err))
	}
}

func TestInitializeConcurrentCallsShareOneAttempt(t *testing.T) {
	backend := newFakeBackend(t)
	backend.entered = make(chan struct{})
	backend.release = make(chan struct{})
	entered, release := backend.entered, backend.release
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Initialize(context.Background(), testConfig("localhost"))
			errs <- err
		}()
	}

	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	if backend.openCount() != 1 {
		t.Fatalf("expected one connection attempt, got %d", backend.openCount())
	}
}

func TestForRequestWithoutStore(t *testing.T) {
	p, _ := newTestProvisioner(t, newFakeBackend(t), PolicyFirstWins)

	_, err := p.ForRequest(context.Background(), nil)
	classified, ok := apperr.As(err)
	if !ok || classified.Reason != apperr.ReasonNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if apperr.HTTPStatus(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", apperr.HTTPStatus(err))
	}
	if _, err := p.ForRequest(context.Background(), &ConnectionConfig{}); err == nil {
		t.Fatalf("expected empty config to behave like no config")
	}
}

func TestForRequestInitializesLazily(t *testing.T) {
	backend := newFakeBackend(t)
	p, _ := newTestProvisioner(t, backend, PolicyFirstWins)
	ctx := context.Background()

	cfg := testConfig("localhost")
	held, err := p.ForRequest(ctx, &cfg)
	if err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if held.Repo == nil || !p.Ready() {
		t.Fatalf("expected lazily provisioned store")
	}
	if held.Target != "postgres@localhost:5432/musive" {
		t.Fatalf("expected store target to be reported, got %q", held.Target)
	}

	again, err := p.ForRequest(ctx, nil)
	if err != nil || again != held {
		t.Fatalf("expected held store without config, got %v", err)
	}

	other := testConfig("elsewhere")
	ignored, err := p.ForRequest(ctx, &other)
	if err != nil || ignored != held {
		t.Fatalf("expected different target to be ignored under first-wins, got %v", err)
	}
	if backend.openCount() != 1 {
		t.Fatalf("expected one open, got %d", backend.openCount())
	}
}

func TestForRequestReconfigures(t *testing.T) {
	backend := newFakeBackend(t)
	p, _ := newTestProvisioner(t, backend, PolicyReconfigure)
	ctx := context.Background()

	first := testConfig("primary")
	if _, err := p.ForRequest(ctx, &first); err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	second := testConfig("secondary")
	swapped, err := p.ForRequest(ctx, &second)
	if err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if p.Target() != "postgres@secondary:5432/musive" || swapped.Target != p.Target() {
		t.Fatalf("expected reconfigured target, got %q and %q", p.Target(), swapped.Target)
	}
}

func TestForRequestStretchesPasswordOnlyForHeldTarget(t *testing.T) {
	p, _ := newTestProvisioner(t, newFakeBackend(t), PolicyFirstWins)
	ctx := context.Background()
	cfg := testConfig("primary")
	if _, err := p.Initialize(ctx, cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var derivations int
	derive := p.fp.derive
	p.fp.derive = func(password, salt []byte) []byte {
		derivations++
		return derive(password, salt)
	}

	other := testConfig("secondary")
	for i := 0; i < 3; i++ {
		if _, err := p.ForRequest(ctx, &other); err != nil {
			t.Fatalf("ForRequest: %v", err)
		}
	}
	if derivations != 0 {
		t.Fatalf("expected no key derivation for a different target, got %d", derivations)
	}

	if _, err := p.ForRequest(ctx, &cfg); err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if derivations != 1 {
		t.Fatalf("expected one key derivation for the held target, got %d", derivations)
	}
}

func TestForRequestInvalidConfigWithoutStore(t *testing.T) {
	p, _ := newTestProvisioner(t, newFakeBackend(t), PolicyFirstWins)
	cfg := testConfig("localhost")
	cfg.Port = 0
	cfg.Host = "localhost"
	_, err := p.ForRequest(context.Background(), &cfg)
	classified, ok := apperr.As(err)
	if !ok || classified.Field != "port" {
		t.Fatalf("expected port validation error, got %v", err)
	}
}

func TestJSONBackend(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestProvisioner(t, JSONBackend{Dir: dir}, PolicyFirstWins)

	result, err := p.Initialize(context.Background(), testConfig("localhost"))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.Backend != "json" {
		t.Fatalf("expected json backend, got %q", result.Backend)
	}
	held, err := p.Store()
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	store, ok := held.Repo.(*storage.Storage)
	if !ok || store.Path() != filepath.Join(dir, "musive.json") {
		t.Fatalf("unexpected store %T", held.Repo)
	}

	bad := testConfig("localhost")
	bad.DBName = "../escape"
	if _, err := (JSONBackend{Dir: dir}).Open(context.Background(), bad); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected db_name to be rejected, got %v", err)
	}
}

func TestCloseReleasesStore(t *testing.T) {
	backend := newFakeBackend(t)
	p, recorder := newTestProvisioner(t, backend, PolicyFirstWins)
	ctx := context.Background()
	if _, err := p.Initialize(ctx, testConfig("localhost")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Ready() || recorder.Provisioned() {
		t.Fatalf("expected store to be released")
	}
	if err := p.Ping(ctx); apperr.KindOf(err) != apperr.KindProvisioning {
		t.Fatalf("expected not initialized after close, got %v", err)
	}
}
