package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key served by the listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Hook releases a resource once the HTTP server has stopped accepting work.
type Hook struct {
	Name  string
	Close func(context.Context) error
}

// Config controls how Run serves and drains the API.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// OnListen receives the bound address before requests are served.
	OnListen func(net.Addr)
	// Hooks run in order after shutdown, sharing the shutdown deadline.
	Hooks []Hook
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until it fails or ctx is cancelled. On cancellation
// in-flight requests drain within ShutdownTimeout and the hooks run after.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	logger.Info("listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		hookErr := runHooks(context.Background(), cfg.Hooks, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return hookErr
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", timeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && shutdownErr == nil {
			shutdownErr = err
		}
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			shutdownErr = shutdownCtx.Err()
		}
	}

	if hookErr := runHooks(shutdownCtx, cfg.Hooks, logger); shutdownErr == nil {
		shutdownErr = hookErr
	}
	return shutdownErr
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// runHooks calls every hook and returns the first failure.
func runHooks(ctx context.Context, hooks []Hook, logger *slog.Logger) error {
	var first error
	for _, hook := range hooks {
		if hook.Close == nil {
			continue
		}
		if err := hook.Close(ctx); err != nil {
			logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			if first == nil {
				first = fmt.Errorf("%s: %w", hook.Name, err)
			}
		}
	}
	return first
}
