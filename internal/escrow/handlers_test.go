package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/wallet"
)

func setupTestRouter(t *testing.T, session wallet.Session) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	if session == nil {
		session = f.payer
	}
	handler := NewHandler(f.svc, session)
	handler.readDelay = time.Millisecond

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, f
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type stateResp struct {
	Classification string `json:"classification"`
	CanFund        bool   `json:"canFund"`
	CanRelease     bool   `json:"canRelease"`
	KeyMismatch    bool   `json:"keyMismatch"`
	Onchain        *struct {
		State string `json:"state"`
		Payer string `json:"payer"`
	} `json:"onchain"`
}

func TestHandler_ResolvePayLink(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h1", 100, invoice.StatusSent)

	w := doJSON(router, "GET", "/v1/pay/tok_inv_h1?address="+payerAddr.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp stateResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Classification != "NOT_CREATED_ONCHAIN" || !resp.CanFund || resp.CanRelease {
		t.Errorf("unexpected state %+v", resp)
	}
	if resp.Onchain != nil {
		t.Error("expected no onchain view before creation")
	}

	w = doJSON(router, "GET", "/v1/pay/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	w = doJSON(router, "GET", "/v1/pay/tok_inv_h1?address=0x123", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad address, got %d", w.Code)
	}
}

func TestHandler_GetState(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h2", 10, invoice.StatusSent)
	f.chain.put("inv_h2", chain.StateFunded, common.Address{}, units(10))

	w := doJSON(router, "GET", "/v1/invoices/inv_h2/state?address="+payeeAddr.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp stateResp
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Classification != "SUSPICIOUS_FUNDED" || resp.CanRelease {
		t.Errorf("unexpected state %+v", resp)
	}
	if resp.Onchain == nil || resp.Onchain.State != "Funded" || resp.Onchain.Payer != "" {
		t.Errorf("unexpected onchain view %+v", resp.Onchain)
	}
}

func TestHandler_GetState_RetriesThenUnavailable(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h3", 10, invoice.StatusSent)
	f.chain.readErr = errors.New("connection refused")

	w := doJSON(router, "GET", "/v1/invoices/inv_h3/state", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if f.chain.reads != 3 {
		t.Errorf("expected 3 read attempts, got %d", f.chain.reads)
	}
}

func TestHandler_FundAndRelease(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h4", 20, invoice.StatusSent)
	f.chain.fundWallet(payerAddr, units(20))

	w := doJSON(router, "POST", "/v1/invoices/inv_h4/fund", gin.H{"amount": 20})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fundResp struct {
		FundTx  string `json:"fundTx"`
		Invoice struct {
			Status string `json:"status"`
		} `json:"invoice"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &fundResp)
	if fundResp.FundTx == "" || fundResp.Invoice.Status != "funded" {
		t.Errorf("unexpected fund response %s", w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/invoices/inv_h4/release", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := f.get(t, "inv_h4").Status; got != invoice.StatusPaid {
		t.Errorf("expected paid, got %s", got)
	}
}

func TestHandler_PublicRoutesCannotSign(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.seed(t, "inv_h9", 20, invoice.StatusSent)
	f.chain.fundWallet(payerAddr, units(20))

	r := gin.New()
	NewHandler(f.svc, f.payer).RegisterRoutes(r.Group("/v1"))

	for _, path := range []string{"/v1/invoices/inv_h9/fund", "/v1/invoices/inv_h9/release"} {
		if w := doJSON(r, "POST", path, gin.H{"amount": 20}); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404 on the public group, got %d", path, w.Code)
		}
	}
	if calls := f.payer.methods(); len(calls) != 0 {
		t.Errorf("public routes must never sign, got %v", calls)
	}
}

func TestHandler_FundErrors(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h5", 20, invoice.StatusSent)

	tests := []struct {
		name string
		path string
		body any
		code int
		kind string
	}{
		{"missing amount", "/v1/invoices/inv_h5/fund", gin.H{}, http.StatusBadRequest, "invalid_request"},
		{"negative", "/v1/invoices/inv_h5/fund", gin.H{"amount": -1}, http.StatusBadRequest, "validation_error"},
		{"mismatch", "/v1/invoices/inv_h5/fund", gin.H{"amount": 19}, http.StatusConflict, "validation"},
		{"not found", "/v1/invoices/missing/fund", gin.H{"amount": 1}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, "POST", tt.path, tt.body)
			if w.Code != tt.code {
				t.Fatalf("Expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			var resp map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.kind {
				t.Errorf("expected error %q, got %v", tt.kind, resp["error"])
			}
			if msg, _ := resp["message"].(string); msg == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestHandler_ReleaseRejectedAndUnauthorized(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.seed(t, "inv_h6", 10, invoice.StatusFunded)
	f.chain.put("inv_h6", chain.StateFunded, payerAddr, units(10))
	f.payer.sendErr["release"] = rpcError{code: 4001, msg: "User rejected the request."}

	w := doJSON(router, "POST", "/v1/invoices/inv_h6/release", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != string(KindUserRejected) || resp["message"] != msgUserRejected {
		t.Errorf("unexpected response %v", resp)
	}

	gin.SetMode(gin.TestMode)
	stranger := gin.New()
	NewHandler(f.svc, f.other).RegisterRoutes(stranger.Group("/v1"))
	w = doJSON(stranger, "POST", "/v1/invoices/inv_h6/release", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a stranger, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_NoSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.seed(t, "inv_h7", 10, invoice.StatusSent)
	handler := NewHandler(f.svc, nil)
	r := gin.New()
	handler.RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, "POST", "/v1/invoices/inv_h7/fund", gin.H{"amount": 10})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(r, "GET", "/v1/invoices/inv_h7/state", nil)
	if w.Code != http.StatusOK {
		t.Errorf("reads must work without a session, got %d", w.Code)
	}
}

func TestHandler_Issue(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(router, "POST", "/v1/invoices", IssueRequest{UserID: "user_1", Amount: 42.5, Payee: payeeAddr.Hex()})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Invoice struct {
			ID      string `json:"invoiceId"`
			Status  string `json:"status"`
			Onchain struct {
				Amount string `json:"amount"`
			} `json:"onchain"`
		} `json:"invoice"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Invoice.ID == "" || resp.Invoice.Status != "sent" || resp.Invoice.Onchain.Amount != "42500000" {
		t.Errorf("unexpected response %s", w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/invoices", IssueRequest{UserID: "user_1", Amount: 1, Payee: "0xnope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/admin/users/user_1/invoices?limit=500", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected 1 invoice, got %d", list.Count)
	}
}

func TestHandler_AdminRecovery(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	inv := f.seed(t, "inv_h8", 10, invoice.StatusSent)
	inv.Onchain.IDHex = ""
	if err := f.store.Store.Update(t.Context(), inv); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, "POST", "/v1/admin/invoices/inv_h8/fix-id", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"fixed":true`)) {
		t.Errorf("unexpected fix-id response %d %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/admin/invoices/fix-ids", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"fixedCount":0`)) {
		t.Errorf("unexpected fix-ids response %d %s", w.Code, w.Body.String())
	}

	f.chain.put("inv_h8", chain.StateFunded, payerAddr, units(10))
	w = doJSON(router, "POST", "/v1/admin/invoices/inv_h8/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := f.get(t, "inv_h8").Status; got != invoice.StatusFunded {
		t.Errorf("expected funded after sync, got %s", got)
	}

	f.chain.fundWallet(payerAddr, units(10))
	w = doJSON(router, "POST", "/v1/admin/invoices/inv_h8/direct-transfer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(router, "POST", "/v1/admin/invoices/inv_h8/direct-transfer", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second direct transfer, got %d", w.Code)
	}
}

func TestHandler_VerifyTransfer(t *testing.T) {
	router, f := setupTestRouter(t, nil)
	f.chain.transfers = []chain.Transfer{
		{To: payeeAddr, Value: units(4)},
		{To: payeeAddr, Value: units(6)},
	}

	w := doJSON(router, "POST", "/v1/admin/transfers/verify", gin.H{"recipient": payeeAddr.Hex(), "expected": "10"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Received    string `json:"received"`
		Transfers   int    `json:"transfers"`
		Transferred bool   `json:"transferred"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Transferred || resp.Transfers != 2 || resp.Received != "10.000000" {
		t.Errorf("unexpected response %s", w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/admin/transfers/verify", gin.H{"recipient": "bad"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandler_Faucet(t *testing.T) {
	router, f := setupTestRouter(t, nil)

	w := doJSON(router, "POST", "/v1/admin/faucet", gin.H{"amount": "25"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bal, _ := f.chain.BalanceOf(t.Context(), payerAddr)
	if bal.Cmp(units(25)) != 0 {
		t.Errorf("expected 25 minted, got %s", bal)
	}

	f.svc.cfg.FaucetEnabled = false
	w = doJSON(router, "POST", "/v1/admin/faucet", gin.H{"amount": "25"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when disabled, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{validationError("x", ErrUnauthorized, "m"), http.StatusForbidden},
		{validationError("x", ErrAmountMismatch, "m"), http.StatusConflict},
		{validationError("x", ErrInvalidRequest, "m"), http.StatusBadRequest},
		{&Error{Kind: KindNetwork}, http.StatusServiceUnavailable},
		{&Error{Kind: KindTimeout}, http.StatusGatewayTimeout},
		{&Error{Kind: KindRevertKnown}, http.StatusUnprocessableEntity},
		{&Error{Kind: KindDataIntegrity, TxHash: "0x1"}, http.StatusInternalServerError},
		{&Error{Kind: KindDataIntegrity}, http.StatusConflict},
		{&Error{Kind: KindUnknown}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("%s/%v: expected %d, got %d", tt.err.Kind, tt.err.Err, tt.want, got)
		}
	}
}
