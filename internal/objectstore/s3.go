// Package objectstore issues presigned upload URLs and archives admitted
// files in an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const defaultPresignTTL = 15 * time.Minute

// ErrBucketRequired is returned when no bucket is configured.
var ErrBucketRequired = errors.New("S3 bucket is required")

// Config holds configuration for the S3 backend.
type Config struct {
	Bucket string
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. MinIO). Empty uses the default AWS endpoint.
	Endpoint     string
	UsePathStyle bool
	PresignTTL   time.Duration

	AccessKeyID     string
	SecretAccessKey string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	return nil
}

// PresignedUpload is a URL a client may PUT one object to.
type PresignedUpload struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Object describes a file to archive.
type Object struct {
	Body        io.Reader
	Size        int64
	Name        string
	ContentType string
	Metadata    map[string]string
}

type putAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store wraps an S3 client for one bucket and key prefix.
type Store struct {
	client     putAPI
	presigner  *s3.PresignClient
	bucket     string
	prefix     string
	presignTTL time.Duration
	now        func() time.Time
}

// New creates a Store, loading AWS configuration from the default chain
// unless static credentials are given.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewWithClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg), nil
}

// NewWithClient creates a Store around an existing S3 client.
func NewWithClient(client *s3.Client, cfg Config) *Store {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	return &Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		presignTTL: ttl,
		now:        time.Now,
	}
}

// PresignUpload returns a URL for a direct client upload of filename.
func (s *Store) PresignUpload(ctx context.Context, filename, contentType string) (*PresignedUpload, error) {
	key := s.keyFor("uploads", filename)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	return &PresignedUpload{
		URL:       req.URL,
		Method:    req.Method,
		Key:       key,
		ExpiresAt: s.now().Add(s.presignTTL).UTC(),
	}, nil
}

// Archive stores obj under the admitted/ prefix and returns its key.
func (s *Store) Archive(ctx context.Context, obj Object) (string, error) {
	key := s.keyFor("admitted", obj.Name)

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        obj.Body,
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String(contentType),
		Metadata:    obj.Metadata,
	}
	if obj.Size >= 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", obj.Name, err)
	}
	return key, nil
}

// keyFor builds <prefix>/<area>/<yyyy>/<mm>/<dd>/<uuid>-<name>.
func (s *Store) keyFor(area, filename string) string {
	day := s.now().UTC().Format("2006/01/02")
	name := uuid.NewString() + "-" + sanitizeName(filename)
	if s.prefix == "" {
		return path.Join(area, day, name)
	}
	return path.Join(s.prefix, area, day, name)
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
