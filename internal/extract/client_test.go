package extract

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

func TestClient_Extract(t *testing.T) {
	var gotName, gotType, gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		b, _ := io.ReadAll(file)
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"extracted words"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithHTTPClient(srv.Client()), WithAPIKey("k"))
	text, err := c.Extract(context.Background(), Source{
		Body:        strings.NewReader("%PDF-1.7 body"),
		Name:        "resume.pdf",
		ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "extracted words" {
		t.Errorf("text = %q", text)
	}
	if gotName != "resume.pdf" || gotType != "application/pdf" || gotBody != "%PDF-1.7 body" {
		t.Errorf("server saw name=%q type=%q body=%q", gotName, gotType, gotBody)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestClient_ExtractFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind domain.FailureKind
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `boom`, wantKind: domain.FailureTransport},
		{name: "malformed json", status: http.StatusOK, body: `{"text":`, wantKind: domain.FailureDecode},
		{name: "missing text", status: http.StatusOK, body: `{"pages":2}`, wantKind: domain.FailureDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
			_, err := c.Extract(context.Background(), Source{Body: strings.NewReader("x"), Name: "x.txt"})
			if got := domain.KindOf(err); got != tt.wantKind {
				t.Fatalf("Extract() kind = %q (err %v), want %q", got, err, tt.wantKind)
			}
		})
	}
}

func TestClient_ExtractNotConfigured(t *testing.T) {
	c := NewClient("")
	if _, err := c.Extract(context.Background(), Source{Body: strings.NewReader("x")}); err == nil {
		t.Fatal("Extract() error = nil, want configuration error")
	}
}
