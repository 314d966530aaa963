package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the orchestrator API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:4100"
	// APIKey is sent as a bearer token when set, for deployments that put
	// the internal API behind an authenticating proxy.
	APIKey  string
	Timeout time.Duration
}

// Client is a pure HTTP client for the orchestrator's internal API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client. Reconciliation runs synchronously, so the
// default timeout is generous.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Message != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			}
			if apiErr.Error != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
			}
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Summary returns the 24h dashboard summary.
func (c *Client) Summary(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/summary", nil)
}

// ListPayments lists payments, optionally filtered by status.
func (c *Client) ListPayments(ctx context.Context, status string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/payments", q)
}

// GetPayment returns one payment.
func (c *Client) GetPayment(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/payments/"+url.PathEscape(hash), nil)
}

// PaymentEvents returns the event history of one payment.
func (c *Client) PaymentEvents(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/payments/"+url.PathEscape(hash)+"/events", nil)
}

// ListRuns lists reconciliation runs.
func (c *Client) ListRuns(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/reconciliation", q)
}

// GetAccount returns the reconciled balances of one address.
func (c *Client) GetAccount(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/internal/dashboard/accounts/"+url.PathEscape(address), nil)
}

// RunReconciliation triggers a synchronous reconciliation run.
func (c *Client) RunReconciliation(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/internal/reconciliation/run", nil)
}
