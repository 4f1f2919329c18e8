// Package lifecycle sequences stage, act and release for one uploaded file.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/extract"
	"github.com/tjfontaine/intake-gateway/internal/objectstore"
	"github.com/tjfontaine/intake-gateway/internal/scan"
	"github.com/tjfontaine/intake-gateway/internal/staging"
	"github.com/tjfontaine/intake-gateway/internal/storage"
)

// Scanner resolves a staged file to an outcome.
type Scanner interface {
	Scan(ctx context.Context, f *staging.StagedFile) scan.Outcome
}

// Extractor turns file content into text.
type Extractor interface {
	Extract(ctx context.Context, src extract.Source) (string, error)
}

// Archiver keeps a copy of admitted content.
type Archiver interface {
	Archive(ctx context.Context, obj objectstore.Object) (string, error)
}

// Admission is what ScanAndAdmit records for a request.
type Admission struct {
	Record     *storage.ScanRecord
	ArchiveKey string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchiver archives clean files before they are released.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) {
		c.archiver = a
	}
}

// WithExtractor enables ExtractAndRelease.
func WithExtractor(e Extractor) Option {
	return func(c *Coordinator) {
		c.extractor = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// DefaultRecordTimeout bounds archiving and the audit write after a scan.
const DefaultRecordTimeout = 30 * time.Second

// WithRecordTimeout bounds archiving and the audit write after a scan.
func WithRecordTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.recordTimeout = d
		}
	}
}

// ErrNoExtractor is returned by ExtractAndRelease when no extractor is configured.
var ErrNoExtractor = errors.New("document extraction is not configured")

// Coordinator owns the stage → act → release sequence.
type Coordinator struct {
	stager    *staging.Stager
	scanner   Scanner
	store     storage.Store
	archiver  Archiver
	extractor Extractor
	logger    *slog.Logger
	now       func() time.Time

	recordTimeout time.Duration
}

// New creates a Coordinator.
func New(stager *staging.Stager, scanner Scanner, store storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		stager:  stager,
		scanner: scanner,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,

		recordTimeout: DefaultRecordTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScanAndAdmit stages the upload, scans it, archives it when clean and an
// archiver is set, and records the outcome. The staged file is released
// before return on every path. An error means the upload could not be
// staged; the outcome is then zero. Once the scanner has produced an
// outcome it is always returned, and the Admission is nil only when the
// audit record could not be saved.
func (c *Coordinator) ScanAndAdmit(ctx context.Context, up staging.Upload) (scan.Outcome, *Admission, error) {
	var (
		outcome   scan.Outcome
		admission *Admission
	)

	err := c.stager.WithStaged(ctx, up, func(ctx context.Context, f *staging.StagedFile) error {
		start := c.now()
		outcome = c.scanner.Scan(ctx, f)

		// The scanner outlives the caller's deadline, so the steps that
		// follow it do too.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.recordTimeout)
		defer cancel()

		rec := &storage.ScanRecord{
			ID:           uuid.New().String(),
			FileName:     f.OriginalName,
			DeclaredType: f.DeclaredType,
			Size:         f.Size,
			Status:       string(outcome.Status),
			Reason:       outcome.Reason,
			FailureKind:  string(outcome.Kind),
			TicketID:     outcome.TicketID,
			Attempts:     outcome.Attempts,
			Detail:       outcome.Detail,
			CreatedAt:    start,
		}

		if outcome.IsClean() && c.archiver != nil {
			rec.ArchiveKey = c.archive(ctx, f)
		}
		rec.DurationMS = c.now().Sub(start).Milliseconds()

		if err := c.store.SaveScan(ctx, rec); err != nil {
			c.logger.Error("failed to save scan record",
				slog.String("file", f.OriginalName),
				slog.String("status", rec.Status),
				slog.String("error", err.Error()),
			)
			return nil
		}

		admission = &Admission{Record: rec, ArchiveKey: rec.ArchiveKey}
		return nil
	})
	if err != nil {
		return scan.Outcome{}, nil, err
	}

	return outcome, admission, nil
}

// archive copies a clean file to object storage. Failure is logged and
// leaves the key empty; it never changes the outcome.
func (c *Coordinator) archive(ctx context.Context, f *staging.StagedFile) string {
	file, err := f.Open()
	if err != nil {
		c.logger.Error("failed to open staged file for archive",
			slog.String("file", f.OriginalName),
			slog.String("error", err.Error()),
		)
		return ""
	}
	defer file.Close()

	key, err := c.archiver.Archive(ctx, objectstore.Object{
		Body:        file,
		Size:        f.Size,
		Name:        f.OriginalName,
		ContentType: f.DeclaredType,
	})
	if err != nil {
		c.logger.Error("failed to archive admitted file",
			slog.String("file", f.OriginalName),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return key
}

// ExtractAndRelease stages the upload, extracts its text, and stores the
// resulting document. The staged file is released before return.
func (c *Coordinator) ExtractAndRelease(ctx context.Context, up staging.Upload) (*storage.Document, error) {
	if c.extractor == nil {
		return nil, ErrNoExtractor
	}

	var doc *storage.Document
	err := c.stager.WithStaged(ctx, up, func(ctx context.Context, f *staging.StagedFile) error {
		file, err := f.Open()
		if err != nil {
			return fmt.Errorf("open staged file: %w", err)
		}
		defer file.Close()

		text, err := c.extractor.Extract(ctx, extract.Source{
			Body:        file,
			Name:        f.OriginalName,
			ContentType: f.DeclaredType,
		})
		if err != nil {
			return err
		}

		doc = &storage.Document{
			ID:          uuid.New().String(),
			Name:        f.OriginalName,
			ContentType: f.DeclaredType,
			Size:        f.Size,
			Text:        text,
			CreatedAt:   c.now(),
		}
		if err := c.store.SaveDocument(ctx, doc); err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		return nil
	})
	if err != nil {
		if kind := domain.KindOf(err); kind != "" {
			c.logger.Warn("document extraction failed",
				slog.String("file", up.OriginalName),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	c.logger.Info("document extracted",
		slog.String("id", doc.ID),
		slog.String("file", doc.Name),
		slog.Int("chars", len(doc.Text)),
	)
	return doc, nil
}
