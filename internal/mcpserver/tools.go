package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paylink operator console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetInvoiceState = mcp.NewTool("get_invoice_state",
	mcp.WithDescription(
		"Compare a stored invoice with its escrow contract record and report the "+
			"consistency class (CONSISTENT, LAGGING, SUSPICIOUS_FUNDED, ...). "+
			"Read-only apart from identifier repairs the server may schedule."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID (e.g. 'inv_123')")),
)

var ToolResolvePayLink = mcp.NewTool("resolve_pay_link",
	mcp.WithDescription(
		"Look up the invoice behind a pay-link token and reconcile it. "+
			"Use this when a payer reports a problem with a specific link."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Pay-link token from the payment URL")),
)

var ToolListUserInvoices = mcp.NewTool("list_user_invoices",
	mcp.WithDescription("List a payee user's invoices, newest first, with stored status and amounts."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Payee user ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of invoices to return (default 50, max 200)")),
)

var ToolSyncInvoice = mcp.NewTool("sync_invoice",
	mcp.WithDescription(
		"Copy on-chain escrow state into the stored invoice. "+
			"Use this for LAGGING invoices. Never moves funds."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID to synchronize")),
)

var ToolFixInvoiceID = mcp.NewTool("fix_invoice_id",
	mcp.WithDescription(
		"Rewrite an invoice's stored on-chain identifier to the derived key. "+
			"Idempotent. Use this when get_invoice_state reports a key mismatch."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID to repair")),
)

var ToolFixAllInvoiceIDs = mcp.NewTool("fix_all_invoice_ids",
	mcp.WithDescription(
		"Scan every stored invoice and rewrite mismatched on-chain identifiers. "+
			"Returns fixed, total and failed counts."),
)

var ToolVerifyTransfer = mcp.NewTool("verify_transfer",
	mcp.WithDescription(
		"Sum token transfers received by an address and check them against an "+
			"expected amount. Use this to confirm a payee was paid outside escrow."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (0x...)")),
	mcp.WithString("expected",
		mcp.Description("Expected amount in token units (e.g. '12.50')")),
	mcp.WithNumber("from_block",
		mcp.Description("First block to scan (defaults to the server's configured start)")),
)

// Money-moving tools require confirm=true so a model cannot trigger them by
// guessing arguments.

var ToolForceFund = mcp.NewTool("force_fund",
	mcp.WithDescription(
		"Fund an invoice's escrow from the operator wallet with no precondition "+
			"checks. Use only when the classification cannot be trusted. Moves real funds."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID to fund")),
	mcp.WithBoolean("confirm",
		mcp.Required(),
		mcp.Description("Must be true to send the transaction")),
)

var ToolForceRelease = mcp.NewTool("force_release",
	mcp.WithDescription(
		"Release an invoice's escrow to the payee with no precondition "+
			"checks. Moves real funds."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID to release")),
	mcp.WithBoolean("confirm",
		mcp.Required(),
		mcp.Description("Must be true to send the transaction")),
)

var ToolDirectTransfer = mcp.NewTool("direct_transfer",
	mcp.WithDescription(
		"Pay the invoice's payee straight from the operator wallet, bypassing "+
			"escrow, then mark the invoice paid. Use only when escrow cannot be "+
			"released. Moves real funds."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID to settle")),
	mcp.WithBoolean("confirm",
		mcp.Required(),
		mcp.Description("Must be true to send the transaction")),
)

var ToolListUserWebhooks = mcp.NewTool("list_user_webhooks",
	mcp.WithDescription(
		"List a user's webhook subscriptions with their delivery health "+
			"(last success, last error, consecutive failures, active flag)."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("User ID that owns the webhooks")),
)

var ToolGetRPCBreaker = mcp.NewTool("get_rpc_breaker",
	mcp.WithDescription(
		"Show the chain RPC circuit breaker per method. An open circuit means "+
			"reconciliation is failing fast because the node stopped answering."),
)
