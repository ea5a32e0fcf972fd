package escrow

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/retry"
	"github.com/mbd888/paylink/internal/usdc"
	"github.com/mbd888/paylink/internal/validation"
	"github.com/mbd888/paylink/internal/wallet"
)

// Handler provides HTTP endpoints for the payment page and operators.
type Handler struct {
	service *Service
	session wallet.Session

	readAttempts int
	readDelay    time.Duration
}

// NewHandler creates a handler. Transitions are signed by session; a nil
// session leaves the read endpoints working and rejects the rest.
func NewHandler(service *Service, session wallet.Session) *Handler {
	return &Handler{
		service:      service,
		session:      session,
		readAttempts: 3,
		readDelay:    250 * time.Millisecond,
	}
}

// RegisterRoutes sets up the public read-only payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pay/:token", h.ResolvePayLink)
	r.GET("/invoices/:id/state", h.GetState)
}

// RegisterAdminRoutes sets up operator routes. Callers wrap r in auth. Fund
// and release live here because they sign with the server-held wallet.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.Issue)
	r.POST("/invoices/:id/fund", h.Fund)
	r.POST("/invoices/:id/release", h.Release)
	r.GET("/admin/users/:userId/invoices", h.ListByUser)
	r.POST("/admin/invoices/fix-ids", h.FixAllIDs)
	r.POST("/admin/invoices/:id/sync", h.Sync)
	r.POST("/admin/invoices/:id/fix-id", h.FixID)
	r.POST("/admin/invoices/:id/force-fund", h.ForceFund)
	r.POST("/admin/invoices/:id/force-release", h.ForceRelease)
	r.POST("/admin/invoices/:id/direct-transfer", h.DirectTransfer)
	r.POST("/admin/transfers/verify", h.VerifyTransfer)
	r.POST("/admin/faucet", h.Faucet)
}

// StateView is the JSON shape of a reconciled invoice.
type StateView struct {
	Invoice         *invoice.Invoice `json:"invoice"`
	Classification  Classification   `json:"classification"`
	CanonicalKey    string           `json:"canonicalKey"`
	StoredKey       string           `json:"storedKey"`
	KeyMismatch     bool             `json:"keyMismatch"`
	RepairScheduled bool             `json:"repairScheduled"`
	CanFund         bool             `json:"canFund"`
	CanRelease      bool             `json:"canRelease"`
	Onchain         *OnchainView     `json:"onchain,omitempty"`
}

// OnchainView is the decoded on-chain invoice.
type OnchainView struct {
	State         string    `json:"state"`
	RawState      uint8     `json:"rawState"`
	Payer         string    `json:"payer,omitempty"`
	Payee         string    `json:"payee"`
	Token         string    `json:"token"`
	Total         string    `json:"total"`
	TotalDisplay  string    `json:"totalDisplay"`
	Funded        string    `json:"funded"`
	AutoReleaseAt time.Time `json:"autoReleaseAt"`
	Disputed      bool      `json:"disputed"`
}

func newStateView(rec *Reconciled) *StateView {
	v := &StateView{
		Invoice:         rec.Invoice,
		Classification:  rec.Classification,
		CanonicalKey:    rec.CanonicalKey.Hex(),
		StoredKey:       rec.StoredKey,
		KeyMismatch:     rec.KeyMismatch,
		RepairScheduled: rec.RepairScheduled,
		CanFund:         rec.CanFund,
		CanRelease:      rec.CanRelease,
	}
	if o := rec.Onchain; o != nil {
		v.Onchain = &OnchainView{
			State:         o.State.String(),
			RawState:      o.RawState,
			Payee:         o.Payee.Hex(),
			Token:         o.Token.Hex(),
			Total:         o.Total.String(),
			TotalDisplay:  usdc.FormatDisplay(o.Total),
			Funded:        o.Funded.String(),
			AutoReleaseAt: o.AutoReleaseAt,
			Disputed:      o.Disputed,
		}
		if o.HasPayer() {
			v.Onchain.Payer = o.Payer.Hex()
		}
	}
	return v
}

// ResolvePayLink handles GET /v1/pay/:token
func (h *Handler) ResolvePayLink(c *gin.Context) {
	requester, ok := optionalAddress(c, c.Query("address"))
	if !ok {
		return
	}
	token := c.Param("token")

	var rec *Reconciled
	err := h.read(c.Request.Context(), func(ctx context.Context) (err error) {
		rec, err = h.service.ResolvePayLink(ctx, token, requester)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateView(rec))
}

// GetState handles GET /v1/invoices/:id/state
func (h *Handler) GetState(c *gin.Context) {
	requester, ok := optionalAddress(c, c.Query("address"))
	if !ok {
		return
	}
	req := ReconcileRequest{
		InvoiceID: c.Param("id"),
		StoredKey: c.Query("storedKey"),
		Requester: requester,
	}

	var rec *Reconciled
	err := h.read(c.Request.Context(), func(ctx context.Context) (err error) {
		rec, err = h.service.Reconcile(ctx, req)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateView(rec))
}

type fundBody struct {
	Amount float64 `json:"amount" binding:"required"`
}

// Fund handles POST /v1/invoices/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var body fundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include a positive amount",
		})
		return
	}
	if body.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount: must be positive",
		})
		return
	}

	res, err := h.service.Fund(c.Request.Context(), h.session, FundRequest{
		InvoiceID:  c.Param("id"),
		AmountFiat: body.Amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/invoices/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.service.Release(c.Request.Context(), h.session, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Issue handles POST /v1/invoices
func (h *Handler) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("payee", req.Payee),
		validation.ValidAddress("payee", req.Payee),
		validation.ValidAddress("payer", req.Payer),
		validation.MaxLength("metaURI", req.MetaURI, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	inv, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// ListByUser handles GET /v1/admin/users/:userId/invoices
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	invoices, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// Sync handles POST /v1/admin/invoices/:id/sync
func (h *Handler) Sync(c *gin.Context) {
	var rec *Reconciled
	err := h.read(c.Request.Context(), func(ctx context.Context) (err error) {
		rec, err = h.service.Sync(ctx, c.Param("id"))
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateView(rec))
}

// FixID handles POST /v1/admin/invoices/:id/fix-id
func (h *Handler) FixID(c *gin.Context) {
	fixed, err := h.service.FixInvoiceID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fixed})
}

// FixAllIDs handles POST /v1/admin/invoices/fix-ids
func (h *Handler) FixAllIDs(c *gin.Context) {
	report, err := h.service.FixAllInvoiceIDs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ForceFund handles POST /v1/admin/invoices/:id/force-fund
func (h *Handler) ForceFund(c *gin.Context) {
	res, err := h.service.ForceFund(c.Request.Context(), h.session, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ForceRelease handles POST /v1/admin/invoices/:id/force-release
func (h *Handler) ForceRelease(c *gin.Context) {
	res, err := h.service.ForceRelease(c.Request.Context(), h.session, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DirectTransfer handles POST /v1/admin/invoices/:id/direct-transfer
func (h *Handler) DirectTransfer(c *gin.Context) {
	res, err := h.service.DirectTransfer(c.Request.Context(), h.session, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type verifyBody struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`   // optional; only transfers from this address count
	Expected  string `json:"expected"` // decimal token amount, e.g. "12.50"
	FromBlock uint64 `json:"fromBlock"`
}

// VerifyTransfer handles POST /v1/admin/transfers/verify
func (h *Handler) VerifyTransfer(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("recipient", body.Recipient),
		validation.ValidAddress("recipient", body.Recipient),
		validation.ValidAddress("sender", body.Sender),
		validation.ValidAmount("expected", body.Expected),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	expected := new(big.Int)
	if body.Expected != "" {
		v, ok := usdc.Parse(body.Expected)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "expected: invalid amount format",
			})
			return
		}
		expected = v
	}

	var v *TransferVerification
	err := h.read(c.Request.Context(), func(ctx context.Context) (err error) {
		v, err = h.service.VerifyFundTransfer(ctx, VerifyRequest{
			Recipient: common.HexToAddress(body.Recipient),
			Sender:    common.HexToAddress(body.Sender),
			Expected:  expected,
			FromBlock: body.FromBlock,
		})
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recipient":       v.Recipient.Hex(),
		"expected":        usdc.Format(v.Expected),
		"received":        usdc.Format(v.Received),
		"transfers":       v.Transfers,
		"transferred":     v.Transferred,
		"receivedDisplay": usdc.FormatDisplay(v.Received),
	})
}

type faucetBody struct {
	Amount string `json:"amount"`
}

// Faucet handles POST /v1/admin/faucet
func (h *Handler) Faucet(c *gin.Context) {
	var body faucetBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Amount == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include an amount",
		})
		return
	}
	amount, ok := usdc.Parse(body.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount: invalid amount format",
		})
		return
	}
	tx, err := h.service.Faucet(c.Request.Context(), h.session, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx": tx})
}

// read retries a chain read on network failures only.
func (h *Handler) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, h.readAttempts, h.readDelay, retry.Only(IsRetryable, func() error {
		return fn(ctx)
	}))
}

func optionalAddress(c *gin.Context, s string) (common.Address, bool) {
	if s == "" {
		return common.Address{}, true
	}
	if !validation.IsValidEthAddress(s) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// writeError maps coordinator errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, invoice.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Invoice not found",
		})
		return
	}
	if errors.Is(err, invoice.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": "Invoice already exists",
		})
		return
	}

	var e *Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	body := gin.H{
		"error":   string(e.Kind),
		"message": e.UserMessage(),
	}
	if e.TxHash != "" {
		body["txHash"] = e.TxHash
	}
	c.JSON(statusFor(e), body)
}

func statusFor(e *Error) int {
	switch e.Kind {
	case KindValidation:
		switch {
		case errors.Is(e, ErrUnauthorized):
			return http.StatusForbidden
		case errors.Is(e, ErrWrongState), errors.Is(e, ErrNotReleasable),
			errors.Is(e, ErrAlreadySettled), errors.Is(e, ErrAmountMismatch):
			return http.StatusConflict
		case errors.Is(e, ErrNoSession):
			return http.StatusServiceUnavailable
		case errors.Is(e, ErrFaucetDisabled):
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindUserRejected, KindInsufficientFunds, KindInsufficientAllowance:
		return http.StatusBadRequest
	case KindRevertKnown, KindRevertUnknown:
		return http.StatusUnprocessableEntity
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindDataIntegrity:
		if e.TxHash != "" {
			return http.StatusInternalServerError
		}
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
