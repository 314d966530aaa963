package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/ledgersync/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSummary reports the 24h dashboard summary.
func (h *Handlers) HandleGetSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get summary: %v", err)), nil
	}

	text, err := formatSummary(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPayments lists recent payments.
func (h *Handlers) HandleListPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	switch status {
	case "", "pending", "settled", "failed":
	default:
		return mcp.NewToolResultError("status must be pending, settled or failed"), nil
	}
	limit := req.GetInt("limit", 0)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListPayments(ctx, status, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	text, err := formatPaymentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPayment returns one payment plus its event history.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hash := strings.ToLower(strings.TrimSpace(req.GetString("payment_hash", "")))
	if hash == "" {
		return mcp.NewToolResultError("payment_hash is required"), nil
	}
	if !validation.IsValidPaymentHash(hash) {
		return mcp.NewToolResultError("payment_hash must be 0x-prefixed hex"), nil
	}

	raw, err := h.client.GetPayment(ctx, hash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	eventsRaw, err := h.client.PaymentEvents(ctx, hash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment events: %v", err)), nil
	}

	text, err := formatPayment(raw, eventsRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListReconciliationRuns lists recent reconciliation runs.
func (h *Handlers) HandleListReconciliationRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list reconciliation runs: %v", err)), nil
	}

	text, err := formatRunList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation runs: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAccount returns the reconciled balances of one address.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if errs := validation.Validate(
		validation.Required("address", address),
		validation.ValidAddress("address", address),
	); len(errs) > 0 {
		return mcp.NewToolResultError(errs.Error()), nil
	}

	raw, err := h.client.GetAccount(ctx, validation.NormalizeAddress(address))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunReconciliation triggers one reconciliation pass.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatRunResult(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatSummary(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats    map[string]any   `json:"stats"`
		Services []map[string]any `json:"services"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Stats == nil {
		return "", fmt.Errorf("unexpected summary response format")
	}

	s := resp.Stats
	var sb strings.Builder
	sb.WriteString("Last 24 hours:\n")
	sb.WriteString(fmt.Sprintf("  Payments: %s total, %s settled, %s pending, %s failed\n",
		getString(s, "totalPayments24h"), getString(s, "settledPayments24h"),
		getString(s, "pendingPayments24h"), getString(s, "failedPayments24h")))
	if rate, ok := getFloat(s, "settlementSuccessRate"); ok {
		sb.WriteString(fmt.Sprintf("  Settlement success rate: %.1f%%\n", rate*100))
	}
	avg, _ := getFloat(s, "avgSettlementLatencyMs")
	p95, _ := getFloat(s, "p95SettlementLatencyMs")
	sb.WriteString(fmt.Sprintf("  Settlement latency: avg %.0f ms, p95 %.0f ms\n", avg, p95))
	sb.WriteString(fmt.Sprintf("  Ledger discrepancies: %s accounts (%s over $1)\n",
		getString(s, "ledgerDiscrepancies"), getString(s, "ledgerDiscrepanciesOver1Usd")))

	if len(resp.Services) > 0 {
		sb.WriteString("\nServices:\n")
		for _, svc := range resp.Services {
			line := fmt.Sprintf("  %s: %s", getString(svc, "name", "key"), getString(svc, "status"))
			if d := getString(svc, "detail"); d != "" {
				line += " (" + d + ")"
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String(), nil
}

func formatPaymentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Items      []map[string]any `json:"items"`
		Pagination map[string]any   `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected payments response format")
	}

	if len(resp.Items) == 0 {
		return "No payments found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d payment(s):\n\n", len(resp.Items)))
	for i, p := range resp.Items {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(p, "paymentHash"), getString(p, "status")))
		sb.WriteString(fmt.Sprintf("   %s -> %s\n", getString(p, "payerAddress"), getString(p, "payeeAddress")))
		sb.WriteString(fmt.Sprintf("   Amount: %s %s\n", getString(p, "amount"), getString(p, "currency")))
		if ms, ok := getFloat(p, "latencyMs"); ok {
			sb.WriteString(fmt.Sprintf("   Settled in %.0f ms\n", ms))
		}
	}
	if next := getString(resp.Pagination, "nextCursor"); next != "" {
		sb.WriteString(fmt.Sprintf("\nMore results available. Next cursor: %s\n", next))
	}
	return sb.String(), nil
}

func formatPayment(raw, eventsRaw json.RawMessage) (string, error) {
	var resp struct {
		Payment map[string]any `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Payment == nil {
		return "", fmt.Errorf("unexpected payment response format")
	}
	var events struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(eventsRaw, &events); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}

	p := resp.Payment
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Payment %s\n", getString(p, "paymentHash")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(p, "status")))
	sb.WriteString(fmt.Sprintf("  Payer: %s\n", getString(p, "payerAddress")))
	sb.WriteString(fmt.Sprintf("  Payee: %s\n", getString(p, "payeeAddress")))
	sb.WriteString(fmt.Sprintf("  Amount: %s %s\n", getString(p, "amount"), getString(p, "currency")))
	if ref := getString(p, "offchainRef"); ref != "" {
		sb.WriteString(fmt.Sprintf("  Offchain ref: %s\n", ref))
	}
	if tx := getString(p, "txHash"); tx != "" {
		sb.WriteString(fmt.Sprintf("  Tx: %s\n", tx))
	}

	if len(events.Items) == 0 {
		sb.WriteString("\nNo events recorded.\n")
		return sb.String(), nil
	}
	sb.WriteString("\nEvents:\n")
	for _, e := range events.Items {
		sb.WriteString(fmt.Sprintf("  %s %s: %s\n", getString(e, "time"), getString(e, "type"), getString(e, "description")))
	}
	return sb.String(), nil
}

func formatRunList(raw json.RawMessage) (string, error) {
	var resp struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected runs response format")
	}

	if len(resp.Items) == 0 {
		return "No reconciliation runs yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d reconciliation run(s):\n\n", len(resp.Items)))
	for i, r := range resp.Items {
		sb.WriteString(fmt.Sprintf("%d. %s at %s\n", i+1, getString(r, "runId"), getString(r, "createdAt")))
		sb.WriteString(fmt.Sprintf("   %s transactions, %s mismatched accounts, total discrepancy $%s\n",
			getString(r, "totalTx"), getString(r, "mismatchedTx"), getString(r, "totalDiscrepancyUsd")))
		if s := getString(r, "aiSummary"); s != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", s))
		}
	}
	return sb.String(), nil
}

func formatAccount(raw json.RawMessage) (string, error) {
	var resp struct {
		Account        map[string]any `json:"account"`
		DiscrepancyUSD string         `json:"discrepancyUsd"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Account == nil {
		return "", fmt.Errorf("unexpected account response format")
	}

	a := resp.Account
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Account %s\n", getString(a, "address")))
	sb.WriteString(fmt.Sprintf("  On-chain balance: %s\n", getString(a, "balanceOnchain")))
	sb.WriteString(fmt.Sprintf("  Bank balance: %s\n", getString(a, "balanceBank")))
	sb.WriteString(fmt.Sprintf("  Discrepancy: %s ($%s)\n", getString(a, "discrepancy"), resp.DiscrepancyUSD))
	sb.WriteString(fmt.Sprintf("  Last run: %s\n", getString(a, "lastReconRunId")))
	return sb.String(), nil
}

func formatRunResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Run         map[string]any   `json:"run"`
		Accounts    int              `json:"accounts"`
		Unverified  []string         `json:"unverified"`
		TopAccounts []map[string]any `json:"topAccounts"`
		DurationMs  int64            `json:"durationMs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Run == nil {
		return "", fmt.Errorf("unexpected reconciliation response format")
	}

	r := resp.Run
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Reconciliation run %s completed in %d ms.\n", getString(r, "runId"), resp.DurationMs))
	sb.WriteString(fmt.Sprintf("  Transactions in window: %s\n", getString(r, "totalTx")))
	sb.WriteString(fmt.Sprintf("  Accounts reconciled: %d\n", resp.Accounts))
	sb.WriteString(fmt.Sprintf("  Mismatched accounts: %s\n", getString(r, "mismatchedTx")))
	sb.WriteString(fmt.Sprintf("  Total discrepancy: $%s\n", getString(r, "totalDiscrepancyUsd")))
	if len(resp.Unverified) > 0 {
		sb.WriteString(fmt.Sprintf("  Unverified (bank unavailable): %s\n", strings.Join(resp.Unverified, ", ")))
	}
	if len(resp.TopAccounts) > 0 {
		sb.WriteString("\nLargest discrepancies:\n")
		for _, a := range resp.TopAccounts {
			sb.WriteString(fmt.Sprintf("  %s: $%s\n", getString(a, "Address", "address"), getString(a, "Discrepancy", "discrepancy")))
		}
	}
	if s := getString(r, "aiSummary"); s != "" {
		sb.WriteString("\n" + s + "\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
