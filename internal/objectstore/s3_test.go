package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	*httptest.Server

	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()
	f := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.Close)
	return f
}

func newTestClient(endpoint string) *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})
}

func TestStore_PresignUpload(t *testing.T) {
	cfg := Config{Bucket: "intake", Prefix: "/tenant-a/", PresignTTL: 5 * time.Minute}
	store := NewWithClient(newTestClient("https://s3.example.test"), cfg)
	fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	up, err := store.PresignUpload(context.Background(), "../My Resume.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("PresignUpload() error = %v", err)
	}

	if up.Method != http.MethodPut {
		t.Errorf("Method = %s, want PUT", up.Method)
	}
	if !strings.HasPrefix(up.Key, "tenant-a/uploads/2026/03/04/") || !strings.HasSuffix(up.Key, "-My_Resume.pdf") {
		t.Errorf("Key = %s", up.Key)
	}
	if !up.ExpiresAt.Equal(fixed.Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", up.ExpiresAt)
	}

	u, err := url.Parse(up.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	if !strings.HasPrefix(u.Path, "/intake/"+up.Key) {
		t.Errorf("URL path = %s, want bucket and key", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "300" {
		t.Errorf("X-Amz-Expires = %q, want 300", q.Get("X-Amz-Expires"))
	}
	if q.Get("X-Amz-Signature") == "" {
		t.Error("URL is not signed")
	}
}

func TestStore_Archive(t *testing.T) {
	srv := newFakeS3(t)
	store := NewWithClient(newTestClient(srv.URL), Config{Bucket: "intake"})

	key, err := store.Archive(context.Background(), Object{
		Body:        strings.NewReader("clean bytes"),
		Size:        11,
		Name:        "report.txt",
		ContentType: "text/plain",
		Metadata:    map[string]string{"scan_id": "s1"},
	})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(key, "admitted/") || !strings.HasSuffix(key, "-report.txt") {
		t.Errorf("key = %s", key)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if got := srv.objects["/intake/"+key]; got != "clean bytes" {
		t.Errorf("stored object = %q, want clean bytes (objects: %v)", got, srv.objects)
	}
	if got := srv.types["/intake/"+key]; got != "text/plain" {
		t.Errorf("content type = %q", got)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if !errors.Is(err, ErrBucketRequired) {
		t.Fatalf("New() error = %v, want ErrBucketRequired", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"plain.txt":          "plain.txt",
		"with space.pdf":     "with_space.pdf",
		"../../etc/passwd":   "passwd",
		`C:\Users\me\cv.doc`: "cv.doc",
		"":                   "file",
		"naïve.md":           "na_ve.md",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
