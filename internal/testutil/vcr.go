// Package testutil replays recorded upstream HTTP exchanges in tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// secretHeaders never reach a cassette on disk.
var secretHeaders = []string{"Authorization", "Apikey", "Openai-Organization", "Set-Cookie"}

// NewRecorder replays testdata/fixtures/<name>.yaml. With VCR_MODE=record it
// records against the live service instead, dropping credentials before the
// cassette is saved. The recorder stops when the test ends.
func NewRecorder(t *testing.T, name string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Streams are matched on method and URL; request bodies carry sampling
	// parameters that change between recordings.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	r.AddSaveFilter(func(i *cassette.Interaction) error {
		for _, h := range secretHeaders {
			delete(i.Request.Headers, h)
			delete(i.Response.Headers, h)
		}
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// HTTPClient returns a client whose transport is r.
func HTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}
