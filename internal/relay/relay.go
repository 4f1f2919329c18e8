// Package relay streams chat completions from a token-streaming backend and
// re-emits them as a normalized, ordered event sequence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/tokens"
)

const defaultReadSize = 4096

// Client-facing messages for terminal Error events. Upstream details are logged.
const (
	msgOpenFailed  = "upstream request failed"
	msgInterrupted = "upstream stream interrupted"
)

var tracer = otel.Tracer("github.com/tjfontaine/intake-gateway/internal/relay")

// Upstream opens a streaming completion.
type Upstream interface {
	OpenStream(ctx context.Context, req *ChatCompletionRequest) (*UpstreamStream, error)
}

// Config holds the per-request parameters sent upstream.
type Config struct {
	Model          string
	SystemPrompt   string
	MaxTokens      int
	Temperature    float32
	MaxInputTokens int
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithCounter sets the token counter used for the prompt budget.
func WithCounter(counter *tokens.Counter) Option {
	return func(r *Relay) {
		r.counter = counter
	}
}

// WithReadSize sets the size of each upstream read.
func WithReadSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.readSize = n
		}
	}
}

// Relay bridges one upstream stream per call to an event channel.
type Relay struct {
	upstream Upstream
	cfg      Config
	counter  *tokens.Counter
	readSize int
	logger   *slog.Logger
}

// New creates a Relay.
func New(upstream Upstream, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		upstream: upstream,
		cfg:      cfg,
		readSize: defaultReadSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil && r.cfg.MaxInputTokens > 0 {
		r.counter = tokens.NewCounter()
	}
	return r
}

// Session is one relayed stream.
type Session struct {
	// Events yields tokens in upstream order and ends with exactly one Done
	// or Error, unless the caller's context is cancelled first.
	Events <-chan Event
	// Header holds the upstream response headers, nil if the stream never opened.
	Header http.Header
	// PromptTokens is the counted size of the request, 0 when not counted.
	PromptTokens int
}

// BuildRequest validates message and returns the upstream request.
func (r *Relay) BuildRequest(message string) (*ChatCompletionRequest, int, error) {
	if strings.TrimSpace(message) == "" {
		return nil, 0, domain.ErrInvalidRequest("message is required").WithParam("message")
	}

	messages := make([]ChatCompletionMessage, 0, 2)
	if r.cfg.SystemPrompt != "" {
		messages = append(messages, ChatCompletionMessage{Role: "system", Content: r.cfg.SystemPrompt})
	}
	messages = append(messages, ChatCompletionMessage{Role: "user", Content: message})

	promptTokens := 0
	if r.cfg.MaxInputTokens > 0 {
		counted := make([]tokens.Message, len(messages))
		for i, m := range messages {
			counted[i] = tokens.Message{Role: m.Role, Content: m.Content}
		}
		promptTokens, _ = r.counter.CountMessages(r.cfg.Model, counted)
		if promptTokens > r.cfg.MaxInputTokens {
			return nil, promptTokens, domain.ErrContextLength(
				fmt.Sprintf("message is %d tokens, limit is %d", promptTokens, r.cfg.MaxInputTokens)).WithParam("message")
		}
	}

	req := &ChatCompletionRequest{
		Model:     r.cfg.Model,
		Messages:  messages,
		MaxTokens: r.cfg.MaxTokens,
		Stream:    true,
	}
	if r.cfg.Temperature != 0 {
		t := r.cfg.Temperature
		req.Temperature = &t
	}
	return req, promptTokens, nil
}

// Stream starts relaying message. It returns an error only when the message
// is rejected before any upstream call; every upstream failure is delivered
// as a terminal Error event.
func (r *Relay) Stream(ctx context.Context, message string) (*Session, error) {
	req, promptTokens, err := r.BuildRequest(message)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.prompt_tokens", promptTokens),
	))

	up, err := r.upstream.OpenStream(ctx, req)
	if err != nil {
		r.logger.Error("upstream stream open failed",
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "open")
		span.End()

		out := make(chan Event, 1)
		out <- Error(msgOpenFailed)
		close(out)
		return &Session{Events: out, PromptTokens: promptTokens}, nil
	}

	out := make(chan Event)
	go r.pump(ctx, up.Body, out, span)

	return &Session{Events: out, Header: up.Header, PromptTokens: promptTokens}, nil
}

// pump reads the upstream body until a terminal event, end of stream, a read
// error, or cancellation of ctx. It always closes both body and out.
func (r *Relay) pump(ctx context.Context, body io.ReadCloser, out chan<- Event, span trace.Span) {
	defer span.End()
	defer close(out)
	defer body.Close()

	dec := NewFrameDecoder(r.logger)
	buf := make([]byte, r.readSize)
	emitted := 0

	// emit delivers events in order and reports whether the stream continues.
	emit := func(events []Event) (bool, bool) {
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false, false
			}
			if ev.Kind == KindToken {
				emitted++
			}
			if ev.Terminal() {
				return false, true
			}
		}
		return true, true
	}

	finish := func(reason string) {
		span.SetAttributes(
			attribute.Int("relay.tokens", emitted),
			attribute.Int("relay.skipped_frames", dec.Skipped()),
			attribute.String("relay.end", reason),
		)
		r.logger.Debug("relay finished",
			slog.String("end", reason),
			slog.Int("tokens", emitted),
			slog.Int("skipped_frames", dec.Skipped()),
		)
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			more, delivered := emit(dec.Feed(buf[:n]))
			if !delivered {
				finish("abandoned")
				return
			}
			if !more {
				finish("terminal")
				return
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			more, delivered := emit(dec.Flush())
			if !delivered {
				finish("abandoned")
				return
			}
			if more {
				emit([]Event{Done()})
			}
			finish("eof")
			return
		case ctx.Err() != nil:
			finish("abandoned")
			return
		default:
			r.logger.Warn("upstream stream read failed",
				slog.String("error", err.Error()),
				slog.Int("tokens", emitted),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "read")
			emit([]Event{Error(msgInterrupted)})
			finish("error")
			return
		}
	}
}
