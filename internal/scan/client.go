package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

const (
	defaultBaseURL = "https://api.metadefender.com/v4"
	defaultTimeout = 15 * time.Second

	// minUploadRate is the slowest upload, in bytes per second, that Submit
	// still waits for on top of the request timeout.
	minUploadRate = 256 << 10
)

// ErrNoTicket is returned when the verdict service accepts a submission but
// does not hand back an identifier to poll.
var ErrNoTicket = errors.New("verdict service returned no data_id")

// Ticket identifies one submission to the verdict service.
type Ticket struct {
	ExternalID  string
	SubmittedAt time.Time
}

// Report is one answer from the verdict service.
type Report struct {
	// Result is scan_results.scan_all_result_a, nil when the field is absent.
	Result *string
	// Raw is the full response body.
	Raw json.RawMessage
}

type submitResponse struct {
	DataID string `json:"data_id"`
}

type queryResponse struct {
	ScanResults *struct {
		ScanAllResultA *string `json:"scan_all_result_a"`
	} `json:"scan_results"`
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRequestTimeout bounds one query, and a submission apart from the time
// spent sending its body.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client talks to a MetaDefender-style file scanning API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a verdict service client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit streams body to the verdict service and returns the ticket to poll.
// size may be -1 when unknown. The deadline grows with size.
func (c *Client) Submit(ctx context.Context, body io.Reader, filename string, size int64) (Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout(size))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file", body)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to create request: %w", err)
	}
	if size >= 0 {
		httpReq.ContentLength = size
	}

	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if filename != "" {
		httpReq.Header.Set("filename", url.PathEscape(filename))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Ticket{}, domain.NewFailure(domain.FailureTransport, "scan.submit", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ticket{}, domain.NewFailure(domain.FailureTransport, "scan.submit", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ticket{}, domain.NewFailure(domain.FailureTransport, "scan.submit",
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var result submitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Ticket{}, domain.NewFailure(domain.FailureDecode, "scan.submit", err)
	}
	if result.DataID == "" {
		return Ticket{}, ErrNoTicket
	}

	return Ticket{ExternalID: result.DataID, SubmittedAt: time.Now()}, nil
}

func (c *Client) submitTimeout(size int64) time.Duration {
	if size <= 0 {
		return c.timeout
	}
	return c.timeout + time.Duration(size)*time.Second/minUploadRate
}

// Query fetches the current verdict for a ticket.
func (c *Client) Query(ctx context.Context, id string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureTransport, "scan.query", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureTransport, "scan.query", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewFailure(domain.FailureTransport, "scan.query",
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var result queryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.NewFailure(domain.FailureDecode, "scan.query", err)
	}

	report := &Report{Raw: json.RawMessage(respBody)}
	if result.ScanResults != nil {
		report.Result = result.ScanResults.ScanAllResultA
	}
	return report, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "intake-gateway/1.0")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
}
