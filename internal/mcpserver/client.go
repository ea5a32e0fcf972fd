package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponse caps how much of a server response is read.
const maxResponse = 4 << 20

// Config points the tools at a running paylink server.
type Config struct {
	APIURL      string // e.g. "http://localhost:8080"
	AdminSecret string // sent as X-Admin-Secret on every call
}

// PaylinkClient calls the paylink operator API. It holds no state beyond
// its configuration.
type PaylinkClient struct {
	base   string
	secret string
	http   *http.Client
}

func NewPaylinkClient(cfg Config) *PaylinkClient {
	return &PaylinkClient{
		base:   strings.TrimRight(cfg.APIURL, "/"),
		secret: cfg.AdminSecret,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

func decodeAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
		return &APIError{Status: status, Code: envelope.Error, Message: envelope.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

func (c *PaylinkClient) call(ctx context.Context, method, path string, query url.Values, in any) (json.RawMessage, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set("X-Admin-Secret", c.secret)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, out)
	}
	return out, nil
}

func (c *PaylinkClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, path, query, nil)
}

func (c *PaylinkClient) post(ctx context.Context, path string, in any) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, path, nil, in)
}

func invoicePath(invoiceID, action string) string {
	return "/v1/admin/invoices/" + url.PathEscape(invoiceID) + "/" + action
}

// GetState reconciles an invoice without repairing anything.
func (c *PaylinkClient) GetState(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/invoices/"+url.PathEscape(invoiceID)+"/state", nil)
}

// ResolvePayLink reconciles the invoice behind a pay-link token.
func (c *PaylinkClient) ResolvePayLink(ctx context.Context, token string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/pay/"+url.PathEscape(token), nil)
}

// ListUserInvoices lists a payee user's invoices, newest first.
func (c *PaylinkClient) ListUserInvoices(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return c.get(ctx, "/v1/admin/users/"+url.PathEscape(userID)+"/invoices", q)
}

// Sync copies on-chain state into the stored invoice.
func (c *PaylinkClient) Sync(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.post(ctx, invoicePath(invoiceID, "sync"), nil)
}

// FixID rewrites one invoice's stored identifier.
func (c *PaylinkClient) FixID(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.post(ctx, invoicePath(invoiceID, "fix-id"), nil)
}

func (c *PaylinkClient) FixAllIDs(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/v1/admin/invoices/fix-ids", nil)
}

// VerifyTransfer sums token transfers received by recipient.
func (c *PaylinkClient) VerifyTransfer(ctx context.Context, recipient, expected string, fromBlock uint64) (json.RawMessage, error) {
	return c.post(ctx, "/v1/admin/transfers/verify", map[string]any{
		"recipient": recipient,
		"expected":  expected,
		"fromBlock": fromBlock,
	})
}

func (c *PaylinkClient) ForceFund(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.post(ctx, invoicePath(invoiceID, "force-fund"), nil)
}

func (c *PaylinkClient) ForceRelease(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.post(ctx, invoicePath(invoiceID, "force-release"), nil)
}

// DirectTransfer pays the payee from the operator wallet, bypassing escrow.
func (c *PaylinkClient) DirectTransfer(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.post(ctx, invoicePath(invoiceID, "direct-transfer"), nil)
}

// ListWebhooks lists a user's webhook subscriptions. Secrets are never
// returned.
func (c *PaylinkClient) ListWebhooks(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/admin/users/"+url.PathEscape(userID)+"/webhooks", nil)
}

// RPCBreaker reports the chain RPC circuit states.
func (c *PaylinkClient) RPCBreaker(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/admin/rpc-breaker", nil)
}
