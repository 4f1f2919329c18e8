package frontdoor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/relay"
)

type stubStreamer struct {
	events []relay.Event
	header http.Header
	err    error
	got    string
}

func (s *stubStreamer) Stream(ctx context.Context, message string) (*relay.Session, error) {
	s.got = message
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan relay.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return &relay.Session{Events: ch, Header: s.header}, nil
}

func postChat(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body)))
	return rec
}

func TestHandleStream_Frames(t *testing.T) {
	header := http.Header{}
	header.Set("x-ratelimit-limit-tokens", "1000")
	header.Set("x-ratelimit-remaining-tokens", "990")
	streamer := &stubStreamer{
		events: []relay.Event{relay.Token("Hel"), relay.Token("lo \"you\""), relay.Done()},
		header: header,
	}
	h := newRouter(Config{Chat: streamer})

	rec := postChat(h, `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "data: {\"content\":\"Hel\"}\n\n" +
		"data: {\"content\":\"lo \\\"you\\\"\"}\n\n" +
		"data: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if streamer.got != "hi" {
		t.Errorf("message = %q", streamer.got)
	}
	if got := rec.Header().Get("x-ratelimit-remaining-tokens"); got != "990" {
		t.Errorf("x-ratelimit-remaining-tokens = %q, want 990", got)
	}
}

func TestHandleStream_ErrorFrame(t *testing.T) {
	streamer := &stubStreamer{events: []relay.Event{relay.Token("a"), relay.Error("upstream stream interrupted")}}
	rec := postChat(newRouter(Config{Chat: streamer}), `{"message":"hi"}`)

	want := "data: {\"content\":\"a\"}\n\n" +
		"data: {\"error\":\"upstream stream interrupted\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestHandleStream_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{"message":`, nil, http.StatusBadRequest},
		{"empty message", `{"message":""}`, domain.ErrInvalidRequest("message is required"), http.StatusBadRequest},
		{"over budget", `{"message":"long"}`, domain.ErrContextLength("too long"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(newRouter(Config{Chat: &stubStreamer{err: tt.err}}), tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHandleStream_ThroughRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-limit-requests", "60")
		w.Header().Set("x-ratelimit-remaining-requests", "59")
		flusher := w.(http.Flusher)
		// The first token is split across two writes.
		for _, chunk := range []string{
			`data: {"choices":[{"delta":{"content":"Hel`,
			`lo"}}]}` + "\n",
			"data: not json\n",
			`data: {"choices":[{"delta":{"content":" world"}}]}` + "\n",
			"data: [DONE]\n",
			`data: {"choices":[{"delta":{"content":"ignored"}}]}` + "\n",
		} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
			time.Sleep(time.Millisecond)
		}
	}))
	defer upstream.Close()

	client := relay.NewClient("key", relay.WithBaseURL(upstream.URL), relay.WithHTTPClient(upstream.Client()))
	rl := relay.New(client, relay.Config{Model: "gpt-4o-mini", MaxTokens: 16}, relay.WithLogger(quietLogger()))

	gateway := httptest.NewServer(newRouter(Config{Chat: rl}))
	defer gateway.Close()

	resp, err := http.Post(gateway.URL+"/api/chat/stream", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := "data: {\"content\":\"Hello\"}\n\n" +
		"data: {\"content\":\" world\"}\n\n" +
		"data: [DONE]\n\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if got := resp.Header.Get("x-ratelimit-remaining-requests"); got != "59" {
		t.Errorf("x-ratelimit-remaining-requests = %q, want 59", got)
	}
}

func TestHandleStream_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer upstream.Close()

	client := relay.NewClient("key", relay.WithBaseURL(upstream.URL), relay.WithHTTPClient(upstream.Client()))
	rl := relay.New(client, relay.Config{Model: "gpt-4o-mini"}, relay.WithLogger(quietLogger()))

	rec := postChat(newRouter(Config{Chat: rl}), `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if want := "data: {\"error\":\"upstream request failed\"}\n\n"; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}
