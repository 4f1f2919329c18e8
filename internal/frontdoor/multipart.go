package frontdoor

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/staging"
)

const (
	fileField = "file"
	// multipartOverhead allows for boundaries and part headers on top of the
	// file limit when capping the request body.
	multipartOverhead = 1 << 20
)

var errMissingFile = domain.ErrInvalidRequest("multipart field \"file\" is required").
	WithCode(domain.ErrorCodeMissingFile).
	WithParam(fileField)

// fileUpload streams the "file" part of a multipart request without
// buffering it; the caller stages it and must read it before returning.
func fileUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (staging.Upload, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return staging.Upload{}, domain.ErrInvalidRequest("expected multipart/form-data: " + err.Error())
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return staging.Upload{}, errMissingFile
		}
		if err != nil {
			return staging.Upload{}, uploadReadError(err)
		}
		if part.FormName() != fileField {
			_ = part.Close()
			continue
		}
		return staging.Upload{
			Reader:       &bodyLimitReader{part: part},
			OriginalName: part.FileName(),
			DeclaredType: part.Header.Get("Content-Type"),
		}, nil
	}
}

// bodyLimitReader reports an exceeded request body cap as staging.ErrTooLarge.
type bodyLimitReader struct {
	part *multipart.Part
}

func (b *bodyLimitReader) Read(p []byte) (int, error) {
	n, err := b.part.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return n, staging.ErrTooLarge
	}
	return n, err
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || errors.Is(err, staging.ErrTooLarge) {
		return tooLarge()
	}
	return domain.ErrInvalidRequest("malformed multipart body: " + err.Error())
}

func tooLarge() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypePayloadTooLarge, "upload exceeds maximum size").
		WithCode(domain.ErrorCodeUploadTooLarge)
}
