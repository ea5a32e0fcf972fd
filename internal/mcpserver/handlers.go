package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PaylinkClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PaylinkClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetInvoiceState reconciles one invoice.
func (h *Handlers) HandleGetInvoiceState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.GetState(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get invoice state: %v", err)), nil
	}
	return stateResult(raw)
}

// HandleResolvePayLink reconciles the invoice behind a pay-link.
func (h *Handlers) HandleResolvePayLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	if token == "" {
		return mcp.NewToolResultError("token is required"), nil
	}

	raw, err := h.client.ResolvePayLink(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve pay link: %v", err)), nil
	}
	return stateResult(raw)
}

// HandleListUserInvoices lists a user's invoices.
func (h *Handlers) HandleListUserInvoices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListUserInvoices(ctx, userID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list invoices: %v", err)), nil
	}

	text, err := formatInvoiceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoices: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSyncInvoice copies chain state into the store.
func (h *Handlers) HandleSyncInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.Sync(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sync failed: %v", err)), nil
	}
	return stateResult(raw)
}

// HandleFixInvoiceID repairs one stored identifier.
func (h *Handlers) HandleFixInvoiceID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.FixID(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Fix failed: %v", err)), nil
	}

	var resp struct {
		Fixed bool `json:"fixed"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Fixed {
		return mcp.NewToolResultText(fmt.Sprintf("Invoice %s: stored identifier rewritten.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Invoice %s: identifier already correct, nothing written.", id)), nil
}

// HandleFixAllInvoiceIDs repairs every stored identifier.
func (h *Handlers) HandleFixAllInvoiceIDs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FixAllIDs(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Bulk fix failed: %v", err)), nil
	}

	var report struct {
		Fixed  int `json:"fixedCount"`
		Total  int `json:"totalCount"`
		Failed int `json:"failedCount"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Scanned %d invoices: %d fixed, %d failed.", report.Total, report.Fixed, report.Failed)), nil
}

// HandleVerifyTransfer checks received token transfers.
func (h *Handlers) HandleVerifyTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	expected := req.GetString("expected", "")
	fromBlock := req.GetInt("from_block", 0)
	if fromBlock < 0 {
		return mcp.NewToolResultError("from_block must not be negative"), nil
	}

	raw, err := h.client.VerifyTransfer(ctx, recipient, expected, uint64(fromBlock))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	var v struct {
		Recipient   string `json:"recipient"`
		Expected    string `json:"expected"`
		Received    string `json:"received"`
		Transfers   int    `json:"transfers"`
		Transferred bool   `json:"transferred"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recipient: %s\n", v.Recipient)
	fmt.Fprintf(&sb, "Received: %s USDC in %d transfer(s)\n", v.Received, v.Transfers)
	if expected != "" {
		fmt.Fprintf(&sb, "Expected: %s USDC\n", v.Expected)
	}
	if v.Transferred {
		sb.WriteString("Result: payment confirmed")
	} else {
		sb.WriteString("Result: not enough received")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleForceFund funds escrow despite a record mismatch.
func (h *Handlers) HandleForceFund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := confirmedInvoice(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.ForceFund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Force fund failed: %v", err)), nil
	}
	return writeResult("Funded", raw)
}

// HandleForceRelease releases escrow regardless of stored status.
func (h *Handlers) HandleForceRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := confirmedInvoice(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.ForceRelease(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Force release failed: %v", err)), nil
	}
	return writeResult("Released", raw)
}

// HandleDirectTransfer settles an invoice outside escrow.
func (h *Handlers) HandleDirectTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := confirmedInvoice(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.DirectTransfer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Direct transfer failed: %v", err)), nil
	}
	return writeResult("Paid directly", raw)
}

// HandleListUserWebhooks shows a user's webhook subscriptions.
func (h *Handlers) HandleListUserWebhooks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListWebhooks(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list webhooks: %v", err)), nil
	}

	var resp struct {
		Webhooks []struct {
			ID                  string   `json:"id"`
			URL                 string   `json:"url"`
			Events              []string `json:"events"`
			Active              bool     `json:"active"`
			LastError           string   `json:"lastError"`
			ConsecutiveFailures int      `json:"consecutiveFailures"`
		} `json:"webhooks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse webhooks: %v", err)), nil
	}
	if len(resp.Webhooks) == 0 {
		return mcp.NewToolResultText("No webhooks registered."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d webhook(s):\n", len(resp.Webhooks))
	for _, wh := range resp.Webhooks {
		state := "active"
		if !wh.Active {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "- %s  %s  %s  [%s]", wh.ID, wh.URL, state, strings.Join(wh.Events, ","))
		if wh.ConsecutiveFailures > 0 {
			fmt.Fprintf(&sb, "  %d failure(s), last: %s", wh.ConsecutiveFailures, wh.LastError)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

// HandleGetRPCBreaker reports which RPC methods are failing fast.
func (h *Handlers) HandleGetRPCBreaker(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RPCBreaker(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read breaker: %v", err)), nil
	}

	var resp struct {
		Circuits []struct {
			Key      string `json:"key"`
			State    string `json:"state"`
			Failures int    `json:"failures"`
		} `json:"circuits"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breaker: %v", err)), nil
	}
	if len(resp.Circuits) == 0 {
		return mcp.NewToolResultText("All RPC circuits closed; no failures recorded."), nil
	}

	var sb strings.Builder
	for _, c := range resp.Circuits {
		fmt.Fprintf(&sb, "%s: %s (%d consecutive failure(s))\n", c.Key, c.State, c.Failures)
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

func confirmedInvoice(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return "", mcp.NewToolResultError("invoice_id is required")
	}
	if !req.GetBool("confirm", false) {
		return "", mcp.NewToolResultError("confirm must be true; this tool moves funds")
	}
	return id, nil
}

// --- Formatting helpers ---

type stateView struct {
	Invoice struct {
		ID     string  `json:"invoiceId"`
		UserID string  `json:"userId"`
		Amount float64 `json:"amount"`
		Status string  `json:"status"`
	} `json:"invoice"`
	Classification  string `json:"classification"`
	KeyMismatch     bool   `json:"keyMismatch"`
	RepairScheduled bool   `json:"repairScheduled"`
	CanFund         bool   `json:"canFund"`
	CanRelease      bool   `json:"canRelease"`
	Onchain         *struct {
		State        string `json:"state"`
		Payer        string `json:"payer"`
		Payee        string `json:"payee"`
		TotalDisplay string `json:"totalDisplay"`
	} `json:"onchain"`
}

func stateResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatState(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse state: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func formatState(raw json.RawMessage) (string, error) {
	var v stateView
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice: %s (user %s)\n", v.Invoice.ID, v.Invoice.UserID)
	fmt.Fprintf(&sb, "Stored: %s, %.2f USD\n", v.Invoice.Status, v.Invoice.Amount)
	fmt.Fprintf(&sb, "Classification: %s\n", v.Classification)
	if v.Onchain != nil {
		fmt.Fprintf(&sb, "On-chain: %s, %s USDC to %s\n", v.Onchain.State, v.Onchain.TotalDisplay, v.Onchain.Payee)
		if v.Onchain.Payer != "" {
			fmt.Fprintf(&sb, "Payer: %s\n", v.Onchain.Payer)
		}
	} else {
		sb.WriteString("On-chain: not created\n")
	}
	if v.KeyMismatch {
		if v.RepairScheduled {
			sb.WriteString("Identifier: mismatch, repair scheduled\n")
		} else {
			sb.WriteString("Identifier: mismatch, run fix_invoice_id\n")
		}
	}
	fmt.Fprintf(&sb, "Can fund: %t, can release: %t", v.CanFund, v.CanRelease)
	return sb.String(), nil
}

func formatInvoiceList(raw json.RawMessage) (string, error) {
	var resp struct {
		Invoices []struct {
			ID        string  `json:"invoiceId"`
			Amount    float64 `json:"amount"`
			Currency  string  `json:"currency"`
			Status    string  `json:"status"`
			CreatedAt string  `json:"createdAt"`
		} `json:"invoices"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Invoices) == 0 {
		return "No invoices found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d invoice(s):\n", resp.Count)
	for _, inv := range resp.Invoices {
		fmt.Fprintf(&sb, "- %s  %.2f %s  %s  %s\n", inv.ID, inv.Amount, inv.Currency, inv.Status, inv.CreatedAt)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// writeResult summarizes a fund, release or direct-transfer response. All
// three carry the updated invoice and whichever tx hashes were sent.
func writeResult(verb string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var res struct {
		Invoice struct {
			ID     string `json:"invoiceId"`
			Status string `json:"status"`
		} `json:"invoice"`
		CreateTx         string `json:"createTx"`
		ApproveTx        string `json:"approveTx"`
		FundTx           string `json:"fundTx"`
		ReleaseTx        string `json:"releaseTx"`
		DirectTransferTx string `json:"directTransferTx"`
		AlreadyReleased  bool   `json:"alreadyReleased"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: invoice %s is now %s\n", verb, res.Invoice.ID, res.Invoice.Status)
	for _, tx := range []struct{ label, hash string }{
		{"Create tx", res.CreateTx},
		{"Approve tx", res.ApproveTx},
		{"Fund tx", res.FundTx},
		{"Release tx", res.ReleaseTx},
		{"Transfer tx", res.DirectTransferTx},
	} {
		if tx.hash != "" {
			fmt.Fprintf(&sb, "%s: %s\n", tx.label, tx.hash)
		}
	}
	if res.AlreadyReleased {
		sb.WriteString("Escrow was already released; payee transfer verified instead.\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}
