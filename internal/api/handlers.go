package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"musive/internal/apperr"
	"musive/internal/catalog"
	"musive/internal/provision"
)

const welcomeMessage = "welcome to the api"

// Handler serves the provisioning and catalog endpoints.
type Handler struct {
	Provisioner *provision.Provisioner
	Catalog     *catalog.Service
	// Checks are extra dependencies reported by Health, keyed by component
	// name.
	Checks map[string]Pinger
	// Logger receives failures that are not shown to callers. It defaults
	// to slog.Default.
	Logger *slog.Logger
}

func NewHandler(provisioner *provision.Provisioner, service *catalog.Service) *Handler {
	return &Handler{Provisioner: provisioner, Catalog: service}
}

func sortedCheckNames(checks map[string]Pinger) []string {
	names := make([]string, 0, len(checks))
	for name, check := range checks {
		if check != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, welcomeMessage)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	payload := map[string]interface{}{
		"status":     status,
		"components": components,
	}
	if h.Provisioner != nil {
		payload["policy"] = h.Provisioner.Policy()
	}
	writeJSON(w, code, payload)
}

// Initialize provisions the store described by the body.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.Provisioner == nil {
		writeError(w, r, apperr.Provisioning(apperr.ReasonNotInitialized, "provisioning is not configured", nil))
		return
	}

	var cfg provision.ConnectionConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Provisioner.Initialize(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
