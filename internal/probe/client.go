// Package probe talks to an OpenAI-compatible API: listing models and
// issuing one minimal request per model to verify it answers. Responses are
// interpreted into the normalized (success, error kind, excerpt) triple;
// the core never sees raw HTTP.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelprobe/modelprobe/internal/failure"
)

const maxResponseBody = 1 << 20 // 1MB

// connection pooling limits; the pool is owned by the run that created the
// Client and torn down by Close.
const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	maxConnsPerHost     = 20
	idleConnTimeout     = 60 * time.Second
)

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// Target couples a model ID with its classified type tag.
type Target struct {
	ID   string
	Type string
}

// Result is a successful probe: how long the model took and an excerpt of
// what it said.
type Result struct {
	Latency time.Duration
	Excerpt string
}

// Client issues probe requests against one API base URL.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	message    string
	httpClient *http.Client
}

// NewClient creates a Client with its own pooled transport. Callers own
// the lifecycle: construct at run start, Close at run end.
func NewClient(apiKey, baseURL string, timeout time.Duration, message string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if message == "" {
		message = "hello"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		message: message,
		httpClient: &http.Client{
			// Per-request timeouts via context, not a global client timeout.
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// ValidateCredentials checks the API key against GET /v1/models before any
// probing starts. A failure here aborts the whole run.
func (c *Client) ValidateCredentials(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, _, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		if failure.KindOf(err) == "http_401" {
			return 0, fmt.Errorf("API authentication failed: %w", err)
		}
		return 0, fmt.Errorf("credential check: %w", err)
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return 0, fmt.Errorf("credential check: decoding model list: %w", err)
	}
	return len(list.Data), nil
}

type modelList struct {
	Data []Model `json:"data"`
}

// ListModels returns every model the endpoint exposes.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	return list.Data, nil
}

// errorEnvelope mirrors the OpenAI error response shape. The error field is
// usually an object but some gateways return a bare string.
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// do sends one request and maps every failure mode onto the error
// taxonomy. On success it returns the body (capped at 1MB) and latency.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, failure.New(failure.KindRequestFailed, "encoding payload: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, failure.New(failure.KindRequestFailed, "creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, c.timeout, failure.New(failure.KindTimeout, "no response within %s", c.timeout)
		}
		return nil, latency, failure.New(failure.KindConnection, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	latency = time.Since(start)
	if err != nil {
		return nil, latency, failure.New(failure.KindRequestFailed, "reading response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, latency, httpError(resp, body)
	}
	return body, latency, nil
}

// httpError builds a classified error from a non-2xx response, carrying the
// Retry-After hint on 429s.
func httpError(resp *http.Response, body []byte) error {
	pe := &failure.ProbeError{
		Kind: failure.HTTPKind(resp.StatusCode),
		Msg:  excerpt(errorMessage(body)),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return pe
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error) > 0 {
		var detail errorDetail
		if err := json.Unmarshal(env.Error, &detail); err == nil && detail.Message != "" {
			return detail.Message
		}
		var msg string
		if err := json.Unmarshal(env.Error, &msg); err == nil {
			return msg
		}
	}
	return string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// excerpt trims and bounds response text for storage and display.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
