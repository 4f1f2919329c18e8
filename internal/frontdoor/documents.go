package frontdoor

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/lifecycle"
	"github.com/tjfontaine/intake-gateway/internal/server"
	"github.com/tjfontaine/intake-gateway/internal/staging"
	"github.com/tjfontaine/intake-gateway/internal/storage"
)

type DocumentsHandler struct {
	intake   Intake
	docs     storage.DocumentStore
	maxBytes int64
	logger   *slog.Logger
}

func NewDocumentsHandler(intake Intake, docs storage.DocumentStore, maxBytes int64, logger *slog.Logger) *DocumentsHandler {
	return &DocumentsHandler{intake: intake, docs: docs, maxBytes: maxBytes, logger: logger}
}

// HandleExtract stages the uploaded file, extracts its text, and returns the
// stored document's id and text.
func (h *DocumentsHandler) HandleExtract(w http.ResponseWriter, r *http.Request) {
	up, err := fileUpload(w, r, h.maxBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := h.intake.ExtractAndRelease(r.Context(), up)
	switch {
	case err == nil:
	case errors.Is(err, staging.ErrTooLarge):
		writeError(w, r, tooLarge())
		return
	case errors.Is(err, lifecycle.ErrNoExtractor):
		writeError(w, r, domain.ErrServer(err.Error()).WithStatusCode(http.StatusNotImplemented))
		return
	default:
		h.logger.Error("document extraction failed",
			slog.String("file", up.OriginalName),
			slog.String("error", err.Error()),
		)
		writeError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "document_id", doc.ID)
	writeJSON(w, http.StatusOK, map[string]string{"id": doc.ID, "text": doc.Text})
}

// HandleGet returns a stored document.
func (h *DocumentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, storeError(err, "document"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
