package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

func TestClient_Submit(t *testing.T) {
	srv := newFakeVerdictServer(t)
	client := NewClient("secret", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))

	ticket, err := client.Submit(context.Background(), strings.NewReader("file body"), "my report.pdf", 9)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ticket.ExternalID != "ticket-1" {
		t.Errorf("ExternalID = %q, want ticket-1", ticket.ExternalID)
	}
	if ticket.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lastBody != "file body" {
		t.Errorf("body = %q, want file body", srv.lastBody)
	}
	if srv.lastFilename != "my%20report.pdf" {
		t.Errorf("filename header = %q", srv.lastFilename)
	}
	if srv.lastAPIKey != "secret" {
		t.Errorf("apikey header = %q, want secret", srv.lastAPIKey)
	}
}

func TestClient_SubmitNoTicket(t *testing.T) {
	srv := newFakeVerdictServer(t)
	srv.dataID = ""
	client := NewClient("", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	_, err := client.Submit(context.Background(), strings.NewReader("x"), "x", -1)
	if !errors.Is(err, ErrNoTicket) {
		t.Fatalf("Submit() error = %v, want ErrNoTicket", err)
	}
}

// slowReader hands out body in pieces, pausing before each one.
type slowReader struct {
	body  []byte
	piece int
	pause time.Duration
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.body) == 0 {
		return 0, io.EOF
	}
	time.Sleep(r.pause)
	n := copy(p, r.body[:min(r.piece, len(r.body))])
	r.body = r.body[n:]
	return n, nil
}

func TestClient_SubmitSlowUpload(t *testing.T) {
	srv := newFakeVerdictServer(t)
	client := NewClient("", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRequestTimeout(50*time.Millisecond))

	const size = 256 << 10
	body := &slowReader{body: bytes.Repeat([]byte("a"), size), piece: 32 << 10, pause: 20 * time.Millisecond}

	ticket, err := client.Submit(context.Background(), body, "big.bin", size)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ticket.ExternalID != "ticket-1" {
		t.Errorf("ExternalID = %q", ticket.ExternalID)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.lastBody) != size {
		t.Errorf("server received %d bytes, want %d", len(srv.lastBody), size)
	}
}

func TestClient_SubmitTimeoutGrowsWithSize(t *testing.T) {
	client := NewClient("", WithRequestTimeout(time.Second))

	if got := client.submitTimeout(-1); got != time.Second {
		t.Errorf("unknown size timeout = %v, want 1s", got)
	}
	if got := client.submitTimeout(10 * minUploadRate); got != 11*time.Second {
		t.Errorf("timeout = %v, want 11s", got)
	}
}

func TestClient_QueryTimeout(t *testing.T) {
	srv := newFakeVerdictServer(t, DefaultCleanResult)
	srv.queryDelay = time.Second
	client := NewClient("", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRequestTimeout(50*time.Millisecond))

	_, err := client.Query(context.Background(), "ticket-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Query() error = %v, want deadline exceeded", err)
	}
	if got := domain.KindOf(err); got != domain.FailureTransport {
		t.Errorf("kind = %q, want transport", got)
	}
}

func TestClient_Query(t *testing.T) {
	tests := []struct {
		name       string
		result     string
		wantResult *string
		wantKind   domain.FailureKind
	}{
		{name: "clean", result: DefaultCleanResult, wantResult: ptr(DefaultCleanResult)},
		{name: "in progress", result: DefaultInProgressResult, wantResult: ptr(DefaultInProgressResult)},
		{name: "absent", result: ""},
		{name: "malformed", result: "<malformed>", wantKind: domain.FailureDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeVerdictServer(t, tt.result)
			client := NewClient("", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

			report, err := client.Query(context.Background(), "ticket-1")
			if tt.wantKind != "" {
				if got := domain.KindOf(err); got != tt.wantKind {
					t.Fatalf("Query() kind = %q (err %v), want %q", got, err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(report.Raw) == 0 {
				t.Error("Raw is empty")
			}
			switch {
			case tt.wantResult == nil && report.Result != nil:
				t.Errorf("Result = %q, want nil", *report.Result)
			case tt.wantResult != nil && (report.Result == nil || *report.Result != *tt.wantResult):
				t.Errorf("Result = %v, want %q", report.Result, *tt.wantResult)
			}
		})
	}
}

func ptr(s string) *string { return &s }
