package frontdoor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/verification"
)

// Verifier issues and checks email verification codes.
type Verifier interface {
	Request(ctx context.Context, email string) (time.Time, error)
	Verify(ctx context.Context, email, code string) error
}

type verificationRequest struct {
	Email string `json:"email"`
	Code  string `json:"code,omitempty"`
}

type VerificationHandler struct {
	verifier Verifier
	logger   *slog.Logger
}

func NewVerificationHandler(verifier Verifier, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{verifier: verifier, logger: logger}
}

func (h *VerificationHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	expiresAt, err := h.verifier.Request(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, verification.ErrInvalidEmail) {
			writeError(w, r, domain.ErrInvalidRequest(err.Error()).WithParam("email"))
			return
		}
		h.logger.Error("verification request failed", slog.String("error", err.Error()))
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "expires_at": expiresAt})
}

func (h *VerificationHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	err := h.verifier.Verify(r.Context(), req.Email, req.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
	case errors.Is(err, verification.ErrInvalidEmail):
		writeError(w, r, domain.ErrInvalidRequest(err.Error()).WithParam("email"))
	case errors.Is(err, verification.ErrInvalidCode):
		writeError(w, r, domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeInvalidCode).WithParam("code"))
	default:
		h.logger.Error("verification check failed", slog.String("error", err.Error()))
		writeError(w, r, err)
	}
}
