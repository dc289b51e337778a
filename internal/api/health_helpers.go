package api

import (
	"context"
	"net/http"

	"musive/internal/observability/logging"
)

// Pinger is a dependency reported by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
}

// componentHealth logs dependency failures; the response only carries the
// status of each component.

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		if err != nil {
			status = "degraded"
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
			logging.FromContext(ctx, h.Logger).Warn("health check failed", "component", component, "error", err)
		}
		return componentStatus{Component: component, Status: status}
	}

	components := make([]componentStatus, 0, 1+len(h.Checks))
	if h.Provisioner != nil {
		if h.Provisioner.Ready() {
			components = append(components, recordComponent("datastore", h.Provisioner.Ping(ctx)))
		} else {
			components = append(components, componentStatus{Component: "datastore", Status: "not_initialized"})
		}
	}

	for _, name := range sortedCheckNames(h.Checks) {
		components = append(components, recordComponent(name, h.Checks[name].Ping(ctx)))
	}

	return components, overallStatus, statusCode
}
