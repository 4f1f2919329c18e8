package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/intake-gateway/internal/config"
	"github.com/tjfontaine/intake-gateway/internal/extract"
	"github.com/tjfontaine/intake-gateway/internal/frontdoor"
	"github.com/tjfontaine/intake-gateway/internal/lifecycle"
	"github.com/tjfontaine/intake-gateway/internal/objectstore"
	"github.com/tjfontaine/intake-gateway/internal/relay"
	"github.com/tjfontaine/intake-gateway/internal/scan"
	"github.com/tjfontaine/intake-gateway/internal/staging"
	"github.com/tjfontaine/intake-gateway/internal/storage"
	"github.com/tjfontaine/intake-gateway/internal/storage/memory"
	"github.com/tjfontaine/intake-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/intake-gateway/internal/verification"
)

// components is everything the HTTP surface needs, built from config.
type components struct {
	store    storage.Store
	stager   *staging.Stager
	gate     *scan.Gate
	coord    *lifecycle.Coordinator
	relay    *relay.Relay
	verifier *verification.Service
	objects  *objectstore.Store
	checks   map[string]func(context.Context) error
	closers  []func() error
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newStager(cfg config.StagingConfig, logger *slog.Logger) (*staging.Stager, error) {
	return staging.New(cfg.Dir,
		staging.WithMaxBytes(cfg.MaxUploadBytes),
		staging.WithLogger(logger),
	)
}

func newGate(cfg config.ScannerConfig, logger *slog.Logger) *scan.Gate {
	client := scan.NewClient(cfg.APIKey,
		scan.WithBaseURL(cfg.BaseURL),
		scan.WithRequestTimeout(cfg.RequestTimeout),
	)
	return scan.NewGate(client,
		scan.WithMaxAttempts(cfg.MaxAttempts),
		scan.WithPollInterval(cfg.PollInterval),
		scan.WithSentinels(cfg.CleanResult, cfg.InProgressResult),
		scan.WithGateLogger(logger),
	)
}

func newRelay(cfg config.LLMConfig, logger *slog.Logger) *relay.Relay {
	client := relay.NewClient(cfg.APIKey, relay.WithBaseURL(cfg.BaseURL))
	return relay.New(client, relay.Config{
		Model:          cfg.Model,
		SystemPrompt:   cfg.SystemPrompt,
		MaxTokens:      cfg.MaxTokens,
		Temperature:    cfg.Temperature,
		MaxInputTokens: cfg.MaxInputTokens,
	}, relay.WithLogger(logger))
}

// newVerificationStore returns the code store and, for redis, a health check.
// The memory store's sweeper runs until ctx is done.
func newVerificationStore(ctx context.Context, cfg config.VerificationConfig) (verification.Store, func(context.Context) error, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		store := verification.NewMemoryStore()
		if cfg.SweepInterval > 0 {
			go store.RunSweeper(ctx, cfg.SweepInterval)
		}
		return store, nil, nil, nil
	case "redis":
		store, err := verification.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.Ping, store.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown verification backend %q", cfg.Backend)
	}
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{checks: map[string]func(context.Context) error{}}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := newStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	if c.stager, err = newStager(cfg.Staging, logger); err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}

	c.gate = newGate(cfg.Scanner, logger)
	if budget := c.gate.Ceiling(); cfg.Server.ScanTimeout > 0 && cfg.Server.ScanTimeout <= budget {
		logger.Warn("scan route timeout does not exceed the polling ceiling",
			slog.Duration("scan_timeout", cfg.Server.ScanTimeout),
			slog.Duration("ceiling", budget),
		)
	}

	var coordOpts []lifecycle.Option
	coordOpts = append(coordOpts, lifecycle.WithLogger(logger))

	if cfg.Extractor.BaseURL != "" {
		coordOpts = append(coordOpts, lifecycle.WithExtractor(extract.NewClient(cfg.Extractor.BaseURL,
			extract.WithAPIKey(cfg.Extractor.APIKey),
			extract.WithHTTPClient(&http.Client{
				Timeout:   cfg.Extractor.Timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}),
		)))
	}

	if cfg.ObjectStore.Bucket != "" {
		objects, err := objectstore.New(ctx, objectstore.Config{
			Bucket:          cfg.ObjectStore.Bucket,
			Prefix:          cfg.ObjectStore.Prefix,
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			UsePathStyle:    cfg.ObjectStore.UsePathStyle,
			PresignTTL:      cfg.ObjectStore.PresignTTL,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		c.objects = objects
		if cfg.ObjectStore.Archive {
			coordOpts = append(coordOpts, lifecycle.WithArchiver(objects))
		}
	}

	c.coord = lifecycle.New(c.stager, c.gate, c.store, coordOpts...)

	if cfg.LLM.APIKey == "" {
		logger.Warn("llm.api_key is empty; upstream requests will be unauthenticated")
	}
	c.relay = newRelay(cfg.LLM, logger)

	codes, check, closer, err := newVerificationStore(ctx, cfg.Verification)
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}
	if check != nil {
		c.checks["verification_store"] = check
	}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}
	c.verifier = verification.NewService(codes, verification.LogSender{Logger: logger},
		verification.WithTTL(cfg.Verification.TTL),
		verification.WithIssuer(cfg.Verification.Issuer),
		verification.WithLogger(logger),
	)

	ok = true
	return c, nil
}

func (c *components) frontdoorConfig(cfg *config.Config, logger *slog.Logger) frontdoor.Config {
	fc := frontdoor.Config{
		Chat:           c.relay,
		Intake:         c.coord,
		Scans:          c.store,
		Documents:      c.store,
		Verifier:       c.verifier,
		Checks:         c.checks,
		MaxUploadBytes: cfg.Staging.MaxUploadBytes,
		Timeouts: frontdoor.Timeouts{
			Request: cfg.Server.RequestTimeout,
			Scan:    cfg.Server.ScanTimeout,
			Stream:  cfg.Server.StreamTimeout,
		},
		Logger: logger,
	}
	// Presigner must stay a nil interface when object storage is disabled.
	if c.objects != nil {
		fc.Presigner = c.objects
	}
	return fc
}

// Close releases resources in reverse order of acquisition.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
