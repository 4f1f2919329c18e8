// Package verification issues and checks single-use email verification codes.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

const DefaultTTL = 10 * time.Minute

var (
	// ErrInvalidCode is returned for a wrong, expired, or already used code.
	ErrInvalidCode = errors.New("invalid or expired verification code")
	// ErrInvalidEmail is returned for an unparseable address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrNoCode is returned by a Store when nothing is held for the key.
	ErrNoCode = errors.New("no verification code")
)

// Entry is what a Store keeps per address.
type Entry struct {
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store keeps at most one pending entry per address.
type Store interface {
	// Put replaces any entry for key; it expires after ttl.
	Put(ctx context.Context, key string, e Entry, ttl time.Duration) error
	// Take removes and returns the entry for key, or ErrNoCode.
	Take(ctx context.Context, key string) (*Entry, error)
}

// Sender delivers a code to its recipient.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// LogSender writes codes to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, email, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("verification code issued",
		slog.String("email", email),
		slog.String("code", code),
	)
	return nil
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long a code stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer sets the issuer recorded in generated keys.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service issues HOTP codes from a fresh secret per request.
type Service struct {
	store  Store
	sender Sender
	ttl    time.Duration
	issuer string
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a verification service.
func NewService(store Store, sender Sender, opts ...Option) *Service {
	s := &Service{
		store:  store,
		sender: sender,
		ttl:    DefaultTTL,
		issuer: "intake-gateway",
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request issues a new code for email, replacing any pending one, and
// returns its expiry.
func (s *Service) Request(ctx context.Context, email string) (time.Time, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return time.Time{}, err
	}

	key, err := hotp.Generate(hotp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: addr,
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("generate secret: %w", err)
	}

	code, err := hotp.GenerateCode(key.Secret(), 0)
	if err != nil {
		return time.Time{}, fmt.Errorf("generate code: %w", err)
	}

	expiresAt := s.now().Add(s.ttl)
	if err := s.store.Put(ctx, addr, Entry{Secret: key.Secret(), ExpiresAt: expiresAt}, s.ttl); err != nil {
		return time.Time{}, fmt.Errorf("store code: %w", err)
	}

	if err := s.sender.Send(ctx, addr, code); err != nil {
		return time.Time{}, fmt.Errorf("send code: %w", err)
	}

	return expiresAt, nil
}

// Verify consumes the pending code for email. Any attempt, right or wrong,
// uses it up.
func (s *Service) Verify(ctx context.Context, email, code string) error {
	addr, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	entry, err := s.store.Take(ctx, addr)
	if errors.Is(err, ErrNoCode) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	if !s.now().Before(entry.ExpiresAt) {
		return ErrInvalidCode
	}
	if !hotp.Validate(strings.TrimSpace(code), 0, entry.Secret) {
		s.logger.Info("verification code mismatch", slog.String("email", addr))
		return ErrInvalidCode
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || parsed.Name != "" {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}
