package staging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func newTestStager(t *testing.T, opts ...Option) *Stager {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staged file %s still exists (stat err = %v)", path, err)
	}
}

func TestStage_WritesPrivateFile(t *testing.T) {
	s := newTestStager(t)

	f, err := s.Stage(context.Background(), Upload{
		Reader:       strings.NewReader("hello"),
		OriginalName: "report.PDF",
		DeclaredType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	defer s.Release(f)

	info, err := os.Stat(f.LocalPath)
	if err != nil {
		t.Fatalf("stat staged file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	if f.Size != 5 {
		t.Errorf("Size = %d, want 5", f.Size)
	}
	if !strings.HasSuffix(f.LocalPath, ".pdf") {
		t.Errorf("LocalPath = %s, want .pdf suffix", f.LocalPath)
	}
	if f.OriginalName != "report.PDF" || f.DeclaredType != "application/pdf" {
		t.Errorf("metadata not preserved: %+v", f)
	}

	data, err := os.ReadFile(f.LocalPath)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", data)
	}
}

func TestStage_UniquePaths(t *testing.T) {
	s := newTestStager(t)

	a, err := s.Stage(context.Background(), Upload{Reader: strings.NewReader("a"), OriginalName: "same.txt"})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	defer s.Release(a)
	b, err := s.Stage(context.Background(), Upload{Reader: strings.NewReader("b"), OriginalName: "same.txt"})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	defer s.Release(b)

	if a.LocalPath == b.LocalPath {
		t.Fatalf("expected distinct paths, both %s", a.LocalPath)
	}
}

func TestStage_TooLarge(t *testing.T) {
	s := newTestStager(t, WithMaxBytes(4))

	_, err := s.Stage(context.Background(), Upload{Reader: strings.NewReader("12345"), OriginalName: "big.bin"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Stage() error = %v, want ErrTooLarge", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir has %d entries after rejected upload, want 0", len(entries))
	}
}

func TestRelease_Idempotent(t *testing.T) {
	s := newTestStager(t)

	f, err := s.Stage(context.Background(), Upload{Reader: strings.NewReader("x"), OriginalName: "x.txt"})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	s.Release(f)
	assertGone(t, f.LocalPath)
	if !f.Released() {
		t.Error("Released() = false after Release")
	}

	// Second release and release of an already-removed file must not panic.
	s.Release(f)
	s.Release(nil)

	if _, err := f.Open(); err == nil {
		t.Error("Open() after release should fail")
	}
}

func TestRelease_AlreadyAbsent(t *testing.T) {
	s := newTestStager(t)

	f, err := s.Stage(context.Background(), Upload{Reader: strings.NewReader("x"), OriginalName: "x.txt"})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := os.Remove(f.LocalPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	s.Release(f)
	if !f.Released() {
		t.Error("Released() = false")
	}
}

func TestWithStaged_ReleasesOnEveryPath(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		fn      func(context.Context, *StagedFile) error
		wantErr error
		panics  bool
	}{
		{
			name: "success",
			fn:   func(context.Context, *StagedFile) error { return nil },
		},
		{
			name:    "error",
			fn:      func(context.Context, *StagedFile) error { return errBoom },
			wantErr: errBoom,
		},
		{
			name:   "panic",
			fn:     func(context.Context, *StagedFile) error { panic("kaboom") },
			panics: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStager(t)

			var seen string
			wrapped := func(ctx context.Context, f *StagedFile) error {
				seen = f.LocalPath
				if _, err := os.Stat(f.LocalPath); err != nil {
					t.Errorf("staged file missing inside fn: %v", err)
				}
				return tt.fn(ctx, f)
			}

			var err error
			func() {
				defer func() {
					r := recover()
					if tt.panics && r == nil {
						t.Error("expected panic to propagate")
					}
					if !tt.panics && r != nil {
						t.Errorf("unexpected panic: %v", r)
					}
				}()
				err = s.WithStaged(context.Background(), Upload{Reader: strings.NewReader("data"), OriginalName: "f.txt"}, wrapped)
			}()

			if !tt.panics && !errors.Is(err, tt.wantErr) {
				t.Errorf("WithStaged() error = %v, want %v", err, tt.wantErr)
			}
			if seen == "" {
				t.Fatal("fn was not called")
			}
			assertGone(t, seen)
		})
	}
}

func TestSafeExt(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"doc.pdf", ".pdf"},
		{"archive.TAR", ".tar"},
		{"noext", ""},
		{"../../etc/passwd", ""},
		{"weird.p$f", ""},
		{"long.abcdefghijkl", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safeExt(tt.name); got != tt.want {
				t.Errorf("safeExt(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
