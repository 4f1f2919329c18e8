// Package frontdoor exposes the gateway's HTTP API: the chat stream, the
// scan-and-admit upload path, document extraction, presigned uploads,
// verification codes, and health.
//
// Handlers are described as HandlerRegistration values and mounted on a chi
// router by Mount, which applies each registration's timeout to its route.
package frontdoor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/server"
	"github.com/tjfontaine/intake-gateway/internal/storage"
)

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler http.HandlerFunc
	// Timeout bounds the request context; zero leaves it unbounded.
	Timeout time.Duration
}

// Timeouts are the per-route-group request budgets.
type Timeouts struct {
	Request time.Duration
	Scan    time.Duration
	Stream  time.Duration
}

// Config wires handlers to their collaborators. A nil collaborator leaves
// its routes unregistered, except Presigner and the extractor which answer
// 501 so that clients can tell "disabled" from "unknown route".
type Config struct {
	Chat      ChatStreamer
	Intake    Intake
	Scans     storage.ScanStore
	Documents storage.DocumentStore
	Presigner Presigner
	Verifier  Verifier

	// Checks are readiness probes reported by /healthz.
	Checks map[string]func(context.Context) error

	MaxUploadBytes int64
	Timeouts       Timeouts
	Logger         *slog.Logger
}

// Routes returns every registration enabled by cfg.
func Routes(cfg Config) []HandlerRegistration {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	regs := []HandlerRegistration{
		{Path: "/healthz", Method: http.MethodGet, Handler: NewHealthHandler(cfg.Checks).HandleHealth, Timeout: cfg.Timeouts.Request},
	}

	if cfg.Chat != nil {
		chat := NewChatHandler(cfg.Chat, logger)
		regs = append(regs, HandlerRegistration{
			Path: "/api/chat/stream", Method: http.MethodPost, Handler: chat.HandleStream, Timeout: cfg.Timeouts.Stream,
		})
	}

	if cfg.Intake != nil {
		uploads := NewUploadsHandler(cfg.Intake, cfg.Scans, cfg.Presigner, cfg.MaxUploadBytes, logger)
		regs = append(regs,
			HandlerRegistration{Path: "/api/uploads/scan", Method: http.MethodPost, Handler: uploads.HandleScan, Timeout: cfg.Timeouts.Scan},
			HandlerRegistration{Path: "/api/uploads/presign", Method: http.MethodPost, Handler: uploads.HandlePresign, Timeout: cfg.Timeouts.Request},
		)
		if cfg.Scans != nil {
			regs = append(regs,
				HandlerRegistration{Path: "/api/uploads/scans", Method: http.MethodGet, Handler: uploads.HandleListScans, Timeout: cfg.Timeouts.Request},
				HandlerRegistration{Path: "/api/uploads/scans/{id}", Method: http.MethodGet, Handler: uploads.HandleGetScan, Timeout: cfg.Timeouts.Request},
			)
		}

		docs := NewDocumentsHandler(cfg.Intake, cfg.Documents, cfg.MaxUploadBytes, logger)
		regs = append(regs, HandlerRegistration{
			Path: "/api/documents/extract", Method: http.MethodPost, Handler: docs.HandleExtract, Timeout: cfg.Timeouts.Request,
		})
		if cfg.Documents != nil {
			regs = append(regs, HandlerRegistration{
				Path: "/api/documents/{id}", Method: http.MethodGet, Handler: docs.HandleGet, Timeout: cfg.Timeouts.Request,
			})
		}
	}

	if cfg.Verifier != nil {
		v := NewVerificationHandler(cfg.Verifier, logger)
		regs = append(regs,
			HandlerRegistration{Path: "/api/verification/request", Method: http.MethodPost, Handler: v.HandleRequest, Timeout: cfg.Timeouts.Request},
			HandlerRegistration{Path: "/api/verification/verify", Method: http.MethodPost, Handler: v.HandleVerify, Timeout: cfg.Timeouts.Request},
		)
	}

	return regs
}

// Mount registers regs on r.
func Mount(r chi.Router, regs []HandlerRegistration) {
	for _, reg := range regs {
		r.With(server.TimeoutMiddleware(reg.Timeout)).Method(reg.Method, reg.Path, reg.Handler)
	}
}

type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error":{...}} with the status its type maps to.
// Server faults hide the underlying message from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	apiErr := domain.ToAPIError(err)
	status := apiErr.HTTPStatusCode()
	if status == http.StatusInternalServerError && apiErr.Type == domain.ErrorTypeServer {
		apiErr = domain.ErrServer("internal error")
	}
	writeJSON(w, status, errorResponse{Error: apiErr})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
