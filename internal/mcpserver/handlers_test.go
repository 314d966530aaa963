package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "secret123"})
	_, err := client.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret123", gotAuth.Load())
}

func TestClient_DoRequest_NoAuthHeaderWithoutKey(t *testing.T) {
	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", gotAuth.Load())
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "run_in_progress",
			"message": "a reconciliation run is already in progress",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).RunReconciliation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already in progress")
}

func TestClient_DoRequest_HTTPError_ErrorCodeOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Summary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal_error")
}

func TestClient_DoRequest_HTTPError_PlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Summary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_ListPayments_Query(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/dashboard/payments", r.URL.Path)
		assert.Equal(t, "settled", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListPayments(context.Background(), "settled", 5, "abc")
	require.NoError(t, err)
}

func TestClient_RunReconciliation_UsesPost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/reconciliation/run", r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).RunReconciliation(context.Background())
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetSummary(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats": map[string]any{
				"totalPayments24h":            4,
				"settledPayments24h":          2,
				"pendingPayments24h":          1,
				"failedPayments24h":           1,
				"settlementSuccessRate":       0.5,
				"avgSettlementLatencyMs":      3000,
				"p95SettlementLatencyMs":      5200,
				"ledgerDiscrepancies":         3,
				"ledgerDiscrepanciesOver1Usd": 2,
			},
			"services": []map[string]any{
				{"name": "Database", "key": "database", "status": "healthy"},
				{"name": "Bank ledger", "key": "bank", "status": "down", "detail": "connection refused"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "4 total, 2 settled, 1 pending, 1 failed")
	assert.Contains(t, text, "50.0%")
	assert.Contains(t, text, "avg 3000 ms, p95 5200 ms")
	assert.Contains(t, text, "3 accounts (2 over $1)")
	assert.Contains(t, text, "Bank ledger: down (connection refused)")
}

func TestHandleGetSummary_UnexpectedShapeFallsBackToJSON(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"other":1}`))
	}))
	defer cleanup()

	result, err := h.HandleGetSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"other": 1`)
}

func TestHandleListPayments(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{
					"paymentHash":  "0x9c42ab0aaafe",
					"payerAddress": "0xa11ce",
					"payeeAddress": "0xb0b",
					"amount":       "1200000000000000000000",
					"currency":     "fbUSD",
					"status":       "pending",
					"latencyMs":    nil,
				},
			},
			"pagination": map[string]any{"limit": 1, "nextCursor": "next-page"},
		})
	}))
	defer cleanup()

	result, err := h.HandleListPayments(context.Background(), makeRequest(map[string]any{
		"status": "pending",
		"limit":  float64(1),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 payment(s)")
	assert.Contains(t, text, "0x9c42ab0aaafe [pending]")
	assert.Contains(t, text, "1200000000000000000000 fbUSD")
	assert.NotContains(t, text, "Settled in")
	assert.Contains(t, text, "Next cursor: next-page")
}

func TestHandleListPayments_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}, "pagination": map[string]any{"nextCursor": nil}})
	}))
	defer cleanup()

	result, err := h.HandleListPayments(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No payments found.", resultText(t, result))
}

func TestHandleListPayments_InvalidStatus(t *testing.T) {
	var called atomic.Bool
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer cleanup()

	result, err := h.HandleListPayments(context.Background(), makeRequest(map[string]any{"status": "refunded"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.False(t, called.Load())
}

func TestHandleGetPayment(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/dashboard/payments/0x7de199c0ffee":
			writeJSON(w, http.StatusOK, map[string]any{"payment": map[string]any{
				"paymentHash":  "0x7de199c0ffee",
				"payerAddress": "0xa11ce",
				"payeeAddress": "0xb0b",
				"amount":       "75500000000000000000",
				"currency":     "fbUSD",
				"status":       "failed",
				"offchainRef":  "ACH-REF-003",
			}})
		case "/internal/dashboard/payments/0x7de199c0ffee/events":
			writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
				{"time": "2026-03-01T12:00:00Z", "type": "PaymentInitiated", "description": "Payment initiated"},
				{"time": "2026-03-01T12:00:05Z", "type": "PaymentFailed", "description": "Payment failed: Insufficient escrow"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer cleanup()

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_hash": "0x7DE199C0FFEE"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Status: failed")
	assert.Contains(t, text, "Offchain ref: ACH-REF-003")
	assert.NotContains(t, text, "Tx:")
	assert.Contains(t, text, "PaymentFailed: Payment failed: Insufficient escrow")
}

func TestHandleGetPayment_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetPayment(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payment_hash is required")

	result, err = h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_hash": "not-a-hash"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetPayment_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "payment not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_hash": "0xabc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payment not found")
}

func TestHandleListReconciliationRuns(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
			{
				"runId":               "run-1",
				"totalTx":             4,
				"mismatchedTx":        2,
				"totalDiscrepancyUsd": "12.5",
				"aiSummary":           "Two accounts disagree.",
				"createdAt":           "2026-03-01T12:00:00Z",
			},
		}})
	}))
	defer cleanup()

	result, err := h.HandleListReconciliationRuns(context.Background(), makeRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "4 transactions, 2 mismatched accounts, total discrepancy $12.5")
	assert.Contains(t, text, "Two accounts disagree.")
}

func TestHandleListReconciliationRuns_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleListReconciliationRuns(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No reconciliation runs yet.", resultText(t, result))
}

func TestHandleGetAccount(t *testing.T) {
	addr := "0xa11ce00000000000000000000000000000000001"
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/dashboard/accounts/"+addr, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"account": map[string]any{
				"address":        addr,
				"balanceOnchain": "-250",
				"balanceBank":    "0",
				"discrepancy":    "-250",
				"lastReconRunId": "run-7",
			},
			"discrepancyUsd": "-125.00",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetAccount(context.Background(), makeRequest(map[string]any{
		"address": "0xA11CE00000000000000000000000000000000001",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "On-chain balance: -250")
	assert.Contains(t, text, "Discrepancy: -250 ($-125.00)")
	assert.Contains(t, text, "Last run: run-7")
}

func TestHandleGetAccount_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetAccount(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "address: is required")

	result, err = h.HandleGetAccount(context.Background(), makeRequest(map[string]any{"address": "0x123"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "valid Ethereum address")
}

func TestHandleRunReconciliation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"run": map[string]any{
				"runId":               "run-9",
				"totalTx":             4,
				"mismatchedTx":        1,
				"totalDiscrepancyUsd": "3.5",
				"aiSummary":           "One account is off by $3.50.",
			},
			"accounts":    3,
			"unverified":  []string{"0xdead"},
			"topAccounts": []map[string]any{{"Address": "0xa11ce", "Discrepancy": "3.5"}},
			"durationMs":  42,
		})
	}))
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "run-9 completed in 42 ms")
	assert.Contains(t, text, "Accounts reconciled: 3")
	assert.Contains(t, text, "Unverified (bank unavailable): 0xdead")
	assert.Contains(t, text, "0xa11ce: $3.5")
	assert.Contains(t, text, "One account is off by $3.50.")
}

func TestHandleRunReconciliation_InProgress(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "run_in_progress",
			"message": "a reconciliation run is already in progress",
		})
	}))
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already in progress")
}

// ============================================================
// Helper tests
// ============================================================

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"Address": "0x1", "count": float64(3)}
	assert.Equal(t, "0x1", getString(m, "address", "Address"))
	assert.Equal(t, "3", getString(m, "count"))
	assert.Equal(t, "", getString(m, "missing"))
}

func TestGetFloat_NonNumeric(t *testing.T) {
	m := map[string]any{"rate": "high"}
	_, ok := getFloat(m, "rate")
	assert.False(t, ok)
}

func TestFormatJSON_Invalid(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:4100"}, "test")
	require.NotNil(t, s)
}
