// Package staging writes uploaded files to a private transient location and
// guarantees their removal once the owning request is done with them.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

// ErrTooLarge is returned by Stage when the payload exceeds the configured limit.
var ErrTooLarge = errors.New("upload exceeds maximum size")

// Upload is an inbound file as received from the HTTP layer.
type Upload struct {
	Reader       io.Reader
	OriginalName string
	DeclaredType string
}

// StagedFile is a request-scoped transient copy of an uploaded file.
// It must be released exactly once; Release is safe to call again.
type StagedFile struct {
	LocalPath    string
	OriginalName string
	DeclaredType string
	Size         int64
	StagedAt     time.Time

	once     sync.Once
	released bool
	mu       sync.Mutex
}

// Open opens the staged file for reading. It fails once the file is released.
func (f *StagedFile) Open() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil, fmt.Errorf("staged file %s already released", f.OriginalName)
	}
	return os.Open(f.LocalPath)
}

// Released reports whether the staged file has been removed.
func (f *StagedFile) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Stager owns the transient upload area.
type Stager struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Stager.
type Option func(*Stager)

// WithMaxBytes limits the size of a single staged file. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(s *Stager) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger used for cleanup reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stager) {
		s.logger = logger
	}
}

// New creates a Stager rooted at a private subdirectory of baseDir.
func New(baseDir string, opts ...Option) (*Stager, error) {
	dir := filepath.Join(baseDir, "intake-staging")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	s := &Stager{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding staged files.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies the upload to a uniquely named private file. Content is not validated.
func (s *Stager) Stage(ctx context.Context, up Upload) (*StagedFile, error) {
	if up.Reader == nil {
		return nil, errors.New("upload has no content")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), safeExt(up.OriginalName))
	path := filepath.Join(s.dir, name)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	src := up.Reader
	if s.maxBytes > 0 {
		src = io.LimitReader(up.Reader, s.maxBytes+1)
	}

	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()

	if copyErr == nil && s.maxBytes > 0 && n > s.maxBytes {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logCleanupFailure(path, rmErr)
		}
		if errors.Is(copyErr, ErrTooLarge) {
			return nil, copyErr
		}
		return nil, fmt.Errorf("write staged file: %w", copyErr)
	}

	return &StagedFile{
		LocalPath:    path,
		OriginalName: up.OriginalName,
		DeclaredType: up.DeclaredType,
		Size:         n,
		StagedAt:     time.Now(),
	}, nil
}

// Release removes the staged file. A missing file or a repeated call is
// logged and otherwise ignored; removal errors never propagate.
func (s *Stager) Release(f *StagedFile) {
	if f == nil {
		return
	}

	first := false
	f.once.Do(func() {
		first = true
		f.mu.Lock()
		f.released = true
		f.mu.Unlock()

		err := os.Remove(f.LocalPath)
		switch {
		case err == nil:
			s.logger.Debug("staged file released", slog.String("path", f.LocalPath))
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("staged file already absent", slog.String("path", f.LocalPath))
		default:
			s.logCleanupFailure(f.LocalPath, err)
		}
	})

	if !first {
		s.logger.Debug("staged file release repeated", slog.String("path", f.LocalPath))
	}
}

// WithStaged stages up, runs fn, and releases the staged file on every exit
// path, including a panic inside fn.
func (s *Stager) WithStaged(ctx context.Context, up Upload, fn func(context.Context, *StagedFile) error) error {
	f, err := s.Stage(ctx, up)
	if err != nil {
		return err
	}
	defer s.Release(f)

	return fn(ctx, f)
}

func (s *Stager) logCleanupFailure(path string, err error) {
	failure := domain.NewFailure(domain.FailureCleanup, "release", err)
	s.logger.Error("failed to remove staged file",
		slog.String("path", path),
		slog.String("error", failure.Error()),
	)
}

// safeExt keeps a short extension from the client name so that downstream
// services can sniff type from it; everything else in the name is dropped.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 10 {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
