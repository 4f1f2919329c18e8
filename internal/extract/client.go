// Package extract is a client for the external text-extraction service.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

const defaultTimeout = 60 * time.Second

// Source is a file to extract text from.
type Source struct {
	Body        io.Reader
	Name        string
	ContentType string
}

type extractResponse struct {
	Text *string `json:"text"`
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the bearer token sent to the service.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client posts files to {base}/extract as multipart/form-data.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an extraction client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract streams src to the service and returns the extracted text.
func (c *Client) Extract(ctx context.Context, src Source) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("extractor base URL is not configured")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, src))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return "", domain.NewFailure(domain.FailureTransport, "extract", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.NewFailure(domain.FailureTransport, "extract", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", domain.NewFailure(domain.FailureTransport, "extract",
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var result extractResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", domain.NewFailure(domain.FailureDecode, "extract", err)
	}
	if result.Text == nil {
		return "", domain.NewFailure(domain.FailureDecode, "extract", errors.New("response has no text field"))
	}

	return *result.Text, nil
}

func writeForm(mw *multipart.Writer, src Source) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, src.Name))
	contentType := src.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src.Body); err != nil {
		return err
	}
	return mw.Close()
}
