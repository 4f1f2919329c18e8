package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/lifecycle"
	"github.com/tjfontaine/intake-gateway/internal/objectstore"
	"github.com/tjfontaine/intake-gateway/internal/scan"
	"github.com/tjfontaine/intake-gateway/internal/server"
	"github.com/tjfontaine/intake-gateway/internal/staging"
	"github.com/tjfontaine/intake-gateway/internal/storage"
)

const defaultListLimit = 50

// Intake is the staging lifecycle behind the upload and document routes.
type Intake interface {
	ScanAndAdmit(ctx context.Context, up staging.Upload) (scan.Outcome, *lifecycle.Admission, error)
	ExtractAndRelease(ctx context.Context, up staging.Upload) (*storage.Document, error)
}

// Presigner issues direct-upload URLs.
type Presigner interface {
	PresignUpload(ctx context.Context, filename, contentType string) (*objectstore.PresignedUpload, error)
}

type scanResponse struct {
	Success    bool            `json:"success"`
	ID         string          `json:"id,omitempty"`
	Status     scan.Status     `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	ArchiveKey string          `json:"archive_key,omitempty"`
}

type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type UploadsHandler struct {
	intake    Intake
	scans     storage.ScanStore
	presigner Presigner
	maxBytes  int64
	logger    *slog.Logger
}

func NewUploadsHandler(intake Intake, scans storage.ScanStore, presigner Presigner, maxBytes int64, logger *slog.Logger) *UploadsHandler {
	return &UploadsHandler{
		intake:    intake,
		scans:     scans,
		presigner: presigner,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// HandleScan stages the uploaded file, scans it, and answers 200 only for a
// clean verdict. Blocked and indeterminate outcomes are 400 with the outcome;
// an oversized body is 413; anything else is 500.
func (h *UploadsHandler) HandleScan(w http.ResponseWriter, r *http.Request) {
	up, err := fileUpload(w, r, h.maxBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome, admission, err := h.intake.ScanAndAdmit(r.Context(), up)
	if err != nil {
		if errors.Is(err, staging.ErrTooLarge) {
			writeError(w, r, tooLarge())
			return
		}
		h.logger.Error("scan and admit failed",
			slog.String("file", up.OriginalName),
			slog.String("error", err.Error()),
		)
		writeError(w, r, err)
		return
	}

	resp := scanResponse{
		Success: outcome.IsClean(),
		Status:  outcome.Status,
		Reason:  outcome.Reason,
		Kind:    string(outcome.Kind),
		Detail:  outcome.Detail,
	}
	if admission != nil && admission.Record != nil {
		resp.ID = admission.Record.ID
		resp.ArchiveKey = admission.ArchiveKey
	}

	server.AddLogField(r.Context(), "scan_status", string(outcome.Status))
	server.AddLogField(r.Context(), "scan_id", resp.ID)

	if !outcome.IsClean() {
		resp.Message = outcomeMessage(outcome)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func outcomeMessage(o scan.Outcome) string {
	if o.Status == scan.StatusBlocked {
		return "content rejected"
	}
	return "could not verify content"
}

// HandleGetScan returns one scan audit record.
func (h *UploadsHandler) HandleGetScan(w http.ResponseWriter, r *http.Request) {
	rec, err := h.scans.GetScan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, storeError(err, "scan"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleListScans returns recent scan records, newest first.
// Query parameters: status, limit, offset.
func (h *UploadsHandler) HandleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Status: q.Get("status"),
		Limit:  defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, domain.ErrInvalidRequest("limit must be a positive integer").WithParam("limit"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, domain.ErrInvalidRequest("offset must be a non-negative integer").WithParam("offset"))
			return
		}
		opts.Offset = n
	}

	recs, err := h.scans.ListScans(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*storage.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

// HandlePresign returns a presigned PUT URL for a direct upload.
func (h *UploadsHandler) HandlePresign(w http.ResponseWriter, r *http.Request) {
	if h.presigner == nil {
		writeError(w, r, domain.ErrServer("object storage is not configured").WithStatusCode(http.StatusNotImplemented))
		return
	}

	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, r, domain.ErrInvalidRequest("filename is required").WithParam("filename"))
		return
	}

	upload, err := h.presigner.PresignUpload(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		h.logger.Error("presign failed", slog.String("error", err.Error()))
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, upload)
}

func storeError(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound(what + " not found")
	}
	return err
}
