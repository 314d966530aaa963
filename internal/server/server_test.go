package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/config"
	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockLedger implements bank.Ledger and the health pinger.
type mockLedger struct {
	pingErr error
}

func (m *mockLedger) Hold(context.Context, bank.HoldRequest) error { return nil }
func (m *mockLedger) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (m *mockLedger) Ping(context.Context) error { return m.pingErr }

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		EventStream:             "payments-test",
		EventStreamMaxLen:       1000,
		ChainID:                 280,
		BankTimeout:             time.Second,
		ReconLookback:           24 * time.Hour,
		ReconBalanceConcurrency: 2,
		ListenerWorkers:         1,
		ListenerQueueSize:       1,
		USDPerWei:               "0.01",
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithLedger(&mockLedger{})}, opts...)
	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	s.drainDelay = 0
	return s
}

func get(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := get(t, s, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	// The listener is not configured, which degrades but does not fail.
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}

	services, _ := resp["services"].([]any)
	keys := map[string]string{}
	for _, svc := range services {
		m := svc.(map[string]any)
		keys[m["key"].(string)] = m["status"].(string)
	}
	want := map[string]string{
		"database":     "healthy",
		"event_stream": "healthy",
		"listener":     "degraded",
		"bank":         "healthy",
	}
	for k, v := range want {
		if keys[k] != v {
			t.Errorf("service %s = %q, want %q", k, keys[k], v)
		}
	}
}

func TestHealthEndpoint_BankDown(t *testing.T) {
	s := newTestServer(t, WithLedger(&mockLedger{pingErr: bank.ErrUnavailable}))

	w, resp := get(t, s, "GET", "/internal/dashboard/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 while only degraded, got %d", w.Code)
	}
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := get(t, s, "GET", "/health/live")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := get(t, s, "GET", "/health/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}

	s.ready.Store(true)
	w, _ = get(t, s, "GET", "/health/ready")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := []string{
		"/internal/dashboard/summary",
		"/internal/dashboard/payments",
		"/internal/dashboard/events",
		"/internal/dashboard/reconciliation",
		"/internal/dashboard/accounts",
		"/metrics",
	}
	for _, path := range routes {
		w, _ := get(t, s, "GET", path)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestParamValidation(t *testing.T) {
	s := newTestServer(t)

	w, resp := get(t, s, "GET", "/internal/dashboard/accounts/0x123")
	if w.Code != http.StatusBadRequest || resp["error"] != "invalid_address" {
		t.Errorf("Expected invalid_address 400, got %d %v", w.Code, resp)
	}

	w, resp = get(t, s, "GET", "/internal/dashboard/payments/not-a-hash")
	if w.Code != http.StatusBadRequest || resp["error"] != "invalid_payment_hash" {
		t.Errorf("Expected invalid_payment_hash 400, got %d %v", w.Code, resp)
	}

	w, _ = get(t, s, "GET", "/internal/dashboard/payments/0xabc")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown payment, got %d", w.Code)
	}
}

func TestReconciliationRunEndpoint(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	err := s.stores.Payments.InsertPayment(ctx, &payments.Payment{
		PaymentHash:  "0xabc",
		PayerAddress: "0xa11ce00000000000000000000000000000000001",
		PayeeAddress: "0xb0b0000000000000000000000000000000000042",
		Amount:       big.NewInt(500),
		Status:       payments.StatusSettled,
	})
	if err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}

	w, resp := get(t, s, "POST", "/internal/reconciliation/run")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	run := resp["run"].(map[string]any)
	if run["totalTx"] != float64(1) {
		t.Errorf("totalTx = %v, want 1", run["totalTx"])
	}
	if run["mismatchedTx"] != float64(2) {
		t.Errorf("mismatchedTx = %v, want 2", run["mismatchedTx"])
	}

	w, resp = get(t, s, "GET", "/internal/dashboard/accounts/0xA11CE00000000000000000000000000000000001")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for normalized address, got %d", w.Code)
	}
	if resp["discrepancyUsd"] != "-5.00" {
		t.Errorf("discrepancyUsd = %v, want -5.00", resp["discrepancyUsd"])
	}
}

func TestReconciliationRunIsRateLimited(t *testing.T) {
	s := newTestServer(t)
	defer s.limiter.Stop()

	for i := 0; i < 2; i++ {
		if w, _ := get(t, s, "POST", "/internal/reconciliation/run"); w.Code != http.StatusOK {
			t.Fatalf("run %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w, resp := get(t, s, "POST", "/internal/reconciliation/run")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if resp["error"] != "rate_limit_exceeded" {
		t.Errorf("error = %v, want rate_limit_exceeded", resp["error"])
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	// Queries are not throttled.
	if w, _ := get(t, s, "GET", "/internal/dashboard/reconciliation"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for query, got %d", w.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w, _ := get(t, s, "GET", "/health/live")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on every response")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated X-Request-ID")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w, _ := get(t, s, "GET", "/nonexistent")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Wiring tests
// ---------------------------------------------------------------------------

func TestNew_UsesRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	s, err := New(cfg, WithLogger(logging.Discard()), WithLedger(&mockLedger{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.stores.Close() }()

	if _, ok := s.stores.Stream.(*eventstore.RedisStore); !ok {
		t.Fatalf("Expected a Redis stream, got %T", s.stores.Stream)
	}
	if _, err := s.stores.Stream.Append(context.Background(), eventstore.Entry{PaymentID: "0xabc", Type: string(payments.EventInitiated)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !mr.Exists("payments-test") {
		t.Error("Expected the stream key in redis")
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1"

	if _, err := New(cfg, WithLogger(logging.Discard()), WithLedger(&mockLedger{})); err == nil {
		t.Fatal("Expected an error for an unreachable redis")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:s3cret@db:5432/ledger?sslmode=disable")
	if strings.Contains(masked, "s3cret") {
		t.Errorf("password leaked: %s", masked)
	}
	if !strings.Contains(masked, "db:5432") {
		t.Errorf("host dropped: %s", masked)
	}
	if got := maskDSN("redis://cache:6379"); got != "redis://cache:6379" {
		t.Errorf("maskDSN without password = %s", got)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-7f3a9c")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "lb-7f3a9c" {
		t.Errorf("X-Request-ID = %q, want upstream id", got)
	}

	req = httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got == "" || got == "bad id\nwith newline" {
		t.Errorf("X-Request-ID = %q, want a generated id", got)
	}
}
