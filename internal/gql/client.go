// Package gql is the transport of the sync core: GraphQL over HTTP, a few
// REST helpers, and graphql-transport-ws subscriptions.
package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/christopherjohns/guildsync/internal/auth"
)

const defaultTimeout = 20 * time.Second

// Operation is a GraphQL request body.
type Operation struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL response body.
type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors,omitempty"`
}

// Error is a single GraphQL error.
type Error struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Client talks to the backend. Each request fetches the bearer token from
// the credential provider so renewed tokens take effect immediately.
type Client struct {
	baseURL    string
	creds      auth.Provider
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials sets the provider used for the Authorization header.
func WithCredentials(p auth.Provider) Option {
	return func(c *Client) {
		c.creds = p
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient constructs a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    normalized,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeBaseURL normalizes a backend base URL and ensures it has a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("endpoint must use http or https")
	}
	return strings.TrimRight(value, "/"), nil
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes op and decodes its data into out. GraphQL errors in a
// successful HTTP response are returned as an *APIError.
func (c *Client) Do(ctx context.Context, op Operation, out any) error {
	var resp Response
	if err := c.doJSON(ctx, http.MethodPost, "/graphql", op, &resp, true); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return graphQLError(resp.Errors)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op.OperationName, err)
	}
	return nil
}

func graphQLError(errs []Error) *APIError {
	apiErr := &APIError{Status: http.StatusOK, Message: errs[0].Message}
	if code, ok := errs[0].Extensions["code"].(string); ok {
		apiErr.Code = code
	}
	switch apiErr.Code {
	case "UNAUTHENTICATED", "UNAUTHORIZED":
		apiErr.Status = http.StatusUnauthorized
	case "RATE_LIMITED":
		apiErr.Status = http.StatusTooManyRequests
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any, authed bool) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		if err := c.authorize(ctx, req.Header); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		c.logger.Debug("gql: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

// authorize sets the bearer header. A missing credential is not an error
// here; the backend decides whether the call needs one.
func (c *Client) authorize(ctx context.Context, h http.Header) error {
	if c.creds == nil {
		return nil
	}
	tok, err := c.creds.Token(ctx)
	if errors.Is(err, auth.ErrNoCredential) {
		return nil
	}
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+tok.Value)
	return nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	h := http.Header{}
	if err := c.authorize(ctx, h); err != nil {
		return "", err
	}
	return h.Get("Authorization"), nil
}
