package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"musive/internal/api"
	"musive/internal/apperr"
	"musive/internal/observability/logging"
	"musive/internal/observability/metrics"
	"musive/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// CollaboratorOrigin receives the auth, collections and liked routes.
	// Without it those routes answer 404.
	CollaboratorOrigin *url.URL
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// collaboratorRoutes are owned by other services and only proxied.
var collaboratorRoutes = []string{"/api/auth/", "/api/collections/", "/api/liked", "/api/liked/"}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", handler.Welcome)
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/initialize", handler.Initialize)
	mux.HandleFunc("/artists", handler.Artists)
	mux.HandleFunc("/artists/{username}", handler.ArtistByUsername)
	mux.HandleFunc("/tracks", handler.Tracks)
	mux.HandleFunc("/tracks/{track_name}", handler.TrackByName)

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	if _, err := fs.Stat(staticFS, "index.html"); err != nil {
		return nil, fmt.Errorf("read admin index: %w", err)
	}
	mux.Handle("/admin/", http.StripPrefix("/admin/", adminHandler(staticFS)))
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))

	if cfg.CollaboratorOrigin != nil {
		proxy := collaboratorProxy(cfg.CollaboratorOrigin, logger)
		for _, route := range collaboratorRoutes {
			mux.Handle(route, proxy)
		}
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, r, apperr.KindNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
	})

	cors, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, recorder, handlerChain)
	handlerChain = corsMiddleware(cors, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := rl.resolver.ClientIPFromRequest(r)
			return []any{"client_ip", ip, "ip_source", source}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// TLS reports the certificate and key configured for the listener.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

// RateLimiterHealth returns the shared counter store when one is configured.
func (s *Server) RateLimiterHealth() api.Pinger {
	if s.rateLimiter == nil || s.rateLimiter.store == nil {
		return nil
	}
	if pinger, ok := s.rateLimiter.store.(api.Pinger); ok {
		return pinger
	}
	return nil
}

// Close releases the rate limiter's connections. Call it after shutdown.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func collaboratorProxy(origin *url.URL, logger *slog.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.FromContext(r.Context(), logger).Error("collaborator proxy error", "error", err, "path", r.URL.Path)
		writeMiddlewareError(w, r, apperr.KindProvisioning, "collaborator service unavailable")
	}
	return proxy
}

// adminHandler serves the embedded admin tool, falling back to index.html
// for paths that are not files.
func adminHandler(staticFS fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(staticFS))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeMiddlewareError(w, r, apperr.KindMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}
		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			if info, err := fs.Stat(staticFS, requested); err != nil || info.IsDir() {
				r = r.Clone(r.Context())
				r.URL.Path = "/"
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}
