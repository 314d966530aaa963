// Package bank is the client for the off-chain bank ledger's hold, settle
// and balance contract.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/mbd888/ledgersync/internal/circuitbreaker"
)

var (
	// ErrCircuitOpen is returned without contacting the bank while the
	// breaker for that operation is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen
	// ErrUnavailable covers transport failures, timeouts and 5xx replies.
	ErrUnavailable = errors.New("bank ledger unavailable")
	// ErrRejected is returned when the bank answered but refused the call.
	ErrRejected = errors.New("bank ledger rejected request")
	// ErrBadResponse is returned for a reply body that cannot be decoded.
	ErrBadResponse = errors.New("bank ledger returned malformed response")
)

// Operation names, used as breaker keys and metric labels.
const (
	OpHold    = "hold"
	OpSettle  = "settle"
	OpBalance = "balance"
)

// Ledger is the contract the listener and the reconciliation engine
// depend on. Settlement against the bank is driven outside this service.
type Ledger interface {
	Hold(ctx context.Context, req HoldRequest) error
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// HoldRequest reserves funds for a payment pending settlement.
type HoldRequest struct {
	PaymentID string
	Payer     string
	Payee     string
	Amount    *big.Int
}

// SettleRequest converts a hold into a transfer.
type SettleRequest struct {
	PaymentID string
	Payer     string
	Payee     string
}

// Config configures the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// BreakerThreshold consecutive failures open an operation's circuit for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client talks to the bank ledger over HTTP. Every call is bounded by the
// configured timeout and guarded by a per-operation circuit breaker; calls
// are never retried.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a bank ledger client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Breaker exposes the circuit state for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

type holdBody struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Amount    string `json:"amount"`
}

type statusReply struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Hold places a hold. Success requires a 2xx reply with status "ok".
func (c *Client) Hold(ctx context.Context, req HoldRequest) error {
	body := holdBody{
		PaymentID: req.PaymentID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    amount.String(req.Amount),
	}
	return c.call(ctx, OpHold, func(ctx context.Context) error {
		return c.postStatus(ctx, "/hold", body)
	})
}

// Settle completes a previously placed hold. Nothing in this service
// settles; the method completes the client for the bank mock contract.
func (c *Client) Settle(ctx context.Context, req SettleRequest) error {
	body := map[string]string{
		"paymentId": req.PaymentID,
		"payer":     req.Payer,
		"payee":     req.Payee,
	}
	return c.call(ctx, OpSettle, func(ctx context.Context) error {
		return c.postStatus(ctx, "/settle", body)
	})
}

// Balance returns the bank's balance for address. An absent or null
// balance is zero and fractional values are floored.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var out *big.Int
	err := c.call(ctx, OpBalance, func(ctx context.Context) error {
		raw, err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(address)+"/balance", nil)
		if err != nil {
			return err
		}
		out, err = decodeBalance(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the bank answers GET /health. It bypasses the breaker
// and is not counted in request metrics.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.do(ctx, http.MethodGet, "/health", nil); err != nil {
		return err
	}
	if open := c.breaker.OpenKeys(); len(open) > 0 {
		return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
	}
	return nil
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.breaker.Execute(op, countsAsFailure, func() error { return fn(ctx) })
	bankRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	bankRequests.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("bank %s: %w", op, err)
	}
	return nil
}

// countsAsFailure keeps caller errors from opening the circuit.
func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrRejected)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

func (c *Client) postStatus(ctx context.Context, path string, body any) error {
	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	var reply statusReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrRejected, reply.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var reply statusReply
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &reply) == nil {
			if reply.Error != "" {
				msg = reply.Error
			}
			if reply.Message != "" {
				msg = reply.Message
			}
		}
		return nil, fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, msg)
	}
	return respBody, nil
}

func decodeBalance(raw []byte) (*big.Int, error) {
	var reply struct {
		Balance json.RawMessage `json:"balance"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	lit := strings.TrimSpace(string(reply.Balance))
	if lit == "" || lit == "null" {
		return amount.Zero(), nil
	}
	if strings.HasPrefix(lit, `"`) {
		var s string
		if err := json.Unmarshal(reply.Balance, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		lit = strings.TrimSpace(s)
		if lit == "" {
			return amount.Zero(), nil
		}
	}

	v, ok := amount.ParseLoose(lit)
	if !ok {
		return nil, fmt.Errorf("%w: balance %q", ErrBadResponse, lit)
	}
	return v, nil
}

// Compile-time check.
var _ Ledger = (*Client)(nil)
