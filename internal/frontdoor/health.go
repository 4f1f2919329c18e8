package frontdoor

import (
	"context"
	"net/http"
)

type HealthHandler struct {
	checks map[string]func(context.Context) error
}

func NewHealthHandler(checks map[string]func(context.Context) error) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HandleHealth answers {"status":"ok"}, or 503 with the failing checks.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
