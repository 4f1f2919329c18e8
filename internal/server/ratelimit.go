package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
)

type rateLimitContextKey struct{}

// RateLimitInfo is the upstream token backend's rate-limit state, forwarded
// to clients as x-ratelimit-* headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
	TokensLimit       int
	TokensRemaining   int
	TokensReset       string
}

// rateLimitHolder is installed by the middleware so that a handler deeper in
// the chain can fill it in; a value stored on a derived context would never
// be seen by the middleware.
type rateLimitHolder struct {
	mu   sync.Mutex
	info *RateLimitInfo
}

// SetRateLimits records rl for the current request. It is a no-op when
// RateLimitNormalizingMiddleware is not installed or rl is nil. Headers are
// emitted only if this is called before the response header is written.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) {
	if rl == nil {
		return
	}
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok {
		h.mu.Lock()
		h.info = rl
		h.mu.Unlock()
	}
}

// GetRateLimits returns the info recorded for the current request, or nil.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.info
	}
	return nil
}

// ParseRateLimits reads OpenAI-style x-ratelimit-* headers. It returns nil
// when none are present.
func ParseRateLimits(h http.Header) *RateLimitInfo {
	rl := &RateLimitInfo{
		RequestsLimit:     headerInt(h, "x-ratelimit-limit-requests"),
		RequestsRemaining: headerInt(h, "x-ratelimit-remaining-requests"),
		RequestsReset:     h.Get("x-ratelimit-reset-requests"),
		TokensLimit:       headerInt(h, "x-ratelimit-limit-tokens"),
		TokensRemaining:   headerInt(h, "x-ratelimit-remaining-tokens"),
		TokensReset:       h.Get("x-ratelimit-reset-tokens"),
	}
	if *rl == (RateLimitInfo{}) {
		return nil
	}
	return rl
}

func headerInt(h http.Header, key string) int {
	n, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// RateLimitNormalizingMiddleware writes the recorded rate limits as
// normalized x-ratelimit-{limit|remaining|reset}-{requests|tokens} headers
// just before the response header goes out.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &rateLimitHolder{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, holder)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, holder: holder}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	holder       *rateLimitHolder
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rw.holder.mu.Lock()
	rl := rw.holder.info
	rw.holder.mu.Unlock()
	if rl == nil {
		return
	}

	h := rw.Header()
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
	}
	// 0 remaining is meaningful once a limit is known.
	if rl.RequestsLimit > 0 || rl.RequestsRemaining > 0 {
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}

	if rl.TokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", strconv.Itoa(rl.TokensLimit))
	}
	if rl.TokensLimit > 0 || rl.TokensRemaining > 0 {
		h.Set("x-ratelimit-remaining-tokens", strconv.Itoa(rl.TokensRemaining))
	}
	if rl.TokensReset != "" {
		h.Set("x-ratelimit-reset-tokens", rl.TokensReset)
	}
}

// Flush keeps SSE responses streaming through the wrapper.
func (rw *rateLimitResponseWriter) Flush() {
	rw.writeRateLimitHeaders()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
