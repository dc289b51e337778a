package server

import "net/http"

// SecurityConfig overrides the hardening headers. Empty fields use the
// defaults below.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
}

const (
	defaultContentSecurityPolicy = "default-src 'self'; connect-src 'self'; img-src 'self' data: https:; " +
		"script-src 'self'; style-src 'self'; object-src 'none'; base-uri 'self'; " +
		"frame-ancestors 'none'; form-action 'self'"
	defaultFrameOptions      = "DENY"
	defaultReferrerPolicy    = "no-referrer"
	defaultPermissionsPolicy = "camera=(), microphone=(), geolocation=()"
)

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		header.Set("Permissions-Policy", effective.PermissionsPolicy)
		next.ServeHTTP(w, r)
	})
}
