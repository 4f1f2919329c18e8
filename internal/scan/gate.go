// Package scan submits staged files to an asynchronous verdict service and
// polls it to a terminal outcome.
package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/staging"
)

const (
	DefaultMaxAttempts      = 20
	DefaultPollInterval     = 3 * time.Second
	DefaultCleanResult      = "No Threat Detected"
	DefaultInProgressResult = "In Progress"

	// queryGrace lets the final query finish after the last wait.
	queryGrace = 15 * time.Second
)

var tracer = otel.Tracer("github.com/tjfontaine/intake-gateway/internal/scan")

// VerdictService is the external scanner the Gate polls.
type VerdictService interface {
	Submit(ctx context.Context, body io.Reader, filename string, size int64) (Ticket, error)
	Query(ctx context.Context, id string) (*Report, error)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithMaxAttempts sets the number of verdict queries before giving up.
func WithMaxAttempts(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithPollInterval sets the fixed delay before each verdict query.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d >= 0 {
			g.interval = d
		}
	}
}

// WithSentinels overrides the clean and in-progress result strings.
func WithSentinels(clean, inProgress string) GateOption {
	return func(g *Gate) {
		if clean != "" {
			g.cleanResult = clean
		}
		if inProgress != "" {
			g.inProgressResult = inProgress
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// Gate turns one staged file into exactly one Outcome.
type Gate struct {
	service          VerdictService
	maxAttempts      int
	interval         time.Duration
	cleanResult      string
	inProgressResult string
	logger           *slog.Logger
}

// NewGate creates a Gate with the fixed-interval polling policy.
func NewGate(service VerdictService, opts ...GateOption) *Gate {
	g := &Gate{
		service:          service,
		maxAttempts:      DefaultMaxAttempts,
		interval:         DefaultPollInterval,
		cleanResult:      DefaultCleanResult,
		inProgressResult: DefaultInProgressResult,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ceiling is the polling budget: attempts times the fixed delay.
func (g *Gate) Ceiling() time.Duration {
	return time.Duration(g.maxAttempts) * g.interval
}

// Scan submits f and polls for a verdict. It never returns an error: every
// transport or decode failure resolves to an Indeterminate outcome. Caller
// cancellation is ignored so that the outcome is always delivered; the
// polling ceiling bounds the call instead.
func (g *Gate) Scan(ctx context.Context, f *staging.StagedFile) Outcome {
	ctx = context.WithoutCancel(ctx)

	ticket, err := g.submit(ctx, f)
	if err != nil {
		g.logger.Warn("scan submission failed",
			slog.String("file", f.OriginalName),
			slog.String("error", err.Error()),
		)
		kind := domain.KindOf(err)
		if kind == "" {
			kind = domain.FailureTransport
		}
		return Indeterminate(ReasonSubmissionFailed, kind)
	}

	outcome := g.poll(ctx, ticket)
	outcome.TicketID = ticket.ExternalID

	g.logger.Info("scan completed",
		slog.String("file", f.OriginalName),
		slog.String("ticket", ticket.ExternalID),
		slog.String("status", string(outcome.Status)),
		slog.Int("attempts", outcome.Attempts),
	)
	return outcome
}

func (g *Gate) submit(ctx context.Context, f *staging.StagedFile) (Ticket, error) {
	ctx, span := tracer.Start(ctx, "scan.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("file.name", f.OriginalName),
		attribute.Int64("file.size", f.Size),
	)

	file, err := f.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open staged file")
		return Ticket{}, err
	}
	defer file.Close()

	ticket, err := g.service.Submit(ctx, file, f.OriginalName, f.Size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		return Ticket{}, err
	}
	if ticket.ExternalID == "" {
		span.SetStatus(codes.Error, "no ticket")
		return Ticket{}, ErrNoTicket
	}

	span.SetAttributes(attribute.String("scan.ticket", ticket.ExternalID))
	return ticket, nil
}

func (g *Gate) poll(ctx context.Context, ticket Ticket) Outcome {
	ctx, cancel := context.WithTimeout(ctx, g.Ceiling()+queryGrace)
	defer cancel()

	ctx, span := tracer.Start(ctx, "scan.poll")
	defer span.End()
	span.SetAttributes(attribute.String("scan.ticket", ticket.ExternalID))

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		timer.Reset(g.interval)
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "deadline")
			return g.finish(span, Indeterminate(ReasonTimeout, domain.FailureTimeout), attempt-1)
		case <-timer.C:
		}

		report, err := g.service.Query(ctx, ticket.ExternalID)
		if err != nil {
			g.logger.Warn("verdict query failed",
				slog.String("ticket", ticket.ExternalID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "query")
			if errors.Is(err, context.DeadlineExceeded) {
				return g.finish(span, Indeterminate(ReasonTimeout, domain.FailureTimeout), attempt)
			}
			kind := domain.KindOf(err)
			if kind == "" {
				kind = domain.FailureTransport
			}
			return g.finish(span, Indeterminate(ReasonQueryFailed, kind), attempt)
		}

		if report.Result == nil {
			continue
		}
		switch *report.Result {
		case g.inProgressResult:
			continue
		case g.cleanResult:
			return g.finish(span, Clean(), attempt)
		default:
			return g.finish(span, Blocked(report.Raw), attempt)
		}
	}

	return g.finish(span, Indeterminate(ReasonTimeout, domain.FailureTimeout), g.maxAttempts)
}

func (g *Gate) finish(span trace.Span, o Outcome, attempts int) Outcome {
	o.Attempts = attempts
	span.SetAttributes(
		attribute.String("scan.status", string(o.Status)),
		attribute.Int("scan.attempts", attempts),
	)
	return o
}
