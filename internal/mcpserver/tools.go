package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the ledgersync MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSummary = mcp.NewTool("get_summary",
	mcp.WithDescription(
		"Get the payment dashboard summary for the last 24 hours: payment counts, "+
			"settlement success rate, settlement latency, ledger discrepancy counts and service health."),
)

var ToolListPayments = mcp.NewTool("list_payments",
	mcp.WithDescription(
		"List recent payments, newest first. Amounts are integer base units of the settlement token. "+
			"Use the returned cursor to fetch the next page."),
	mcp.WithString("status",
		mcp.Description("Only return payments in this status"),
		mcp.Enum("pending", "settled", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20, max 100)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_payments result")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Get one payment by its payment hash, together with its event history "+
			"(initiated, settled, failed) in the order the events were observed."),
	mcp.WithString("payment_hash",
		mcp.Required(),
		mcp.Description("The payment hash (e.g. '0x3ab1e7fabc123')")),
)

var ToolListReconciliationRuns = mcp.NewTool("list_reconciliation_runs",
	mcp.WithDescription(
		"List recent reconciliation runs, newest first, with their transaction counts, "+
			"mismatched account counts, total discrepancy and plain-language summary."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of runs to return (default 10, max 100)")),
)

var ToolGetAccount = mcp.NewTool("get_account",
	mcp.WithDescription(
		"Get the latest reconciled balances for an address: the on-chain net flow, the bank ledger "+
			"balance and their discrepancy (on-chain minus bank)."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account address (e.g. '0xa11ce00000000000000000000000000000000001')")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Run one reconciliation pass now and return its result. Fails if a run is already in progress. "+
			"Accounts whose bank balance could not be fetched are listed as unverified."),
)
