package escrow

import (
	"context"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/idgen"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/invoicekey"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/usdc"
)

// IssueRequest creates an off-chain invoice. The on-chain invoice is created
// lazily on the first fund.
type IssueRequest struct {
	UserID     string  `json:"userId"`
	ClientID   string  `json:"clientId,omitempty"`
	ContractID string  `json:"contractId,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Payee      string  `json:"payee"`
	Payer      string  `json:"payer,omitempty"`
	MetaURI    string  `json:"metaURI,omitempty"`
}

// Issue stores a new invoice in status sent with its derived key, token
// amount, and payment link token.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*invoice.Invoice, error) {
	const op = "issue"
	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationError(op, ErrInvalidRequest, "userId is required.")
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return nil, validationError(op, ErrInvalidRequest, "Amount must be a positive number.")
	}
	units := usdc.FromFiat(req.Amount)
	if units.Sign() <= 0 {
		return nil, validationError(op, ErrInvalidRequest, "Amount is below the token's smallest unit.")
	}
	if !common.IsHexAddress(req.Payee) || common.HexToAddress(req.Payee) == (common.Address{}) {
		return nil, validationError(op, ErrInvalidRequest, "Payee must be a valid address.")
	}
	if req.Payer != "" && !common.IsHexAddress(req.Payer) {
		return nil, validationError(op, ErrInvalidRequest, "Payer must be a valid address.")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.now()
	id := idgen.InvoiceID()
	inv := &invoice.Invoice{
		ID:           id,
		UserID:       req.UserID,
		ClientID:     req.ClientID,
		ContractID:   req.ContractID,
		PayLinkToken: idgen.PayLinkToken(),
		Amount:       req.Amount,
		Currency:     currency,
		Status:       invoice.StatusSent,
		MetaURI:      req.MetaURI,
		Onchain: invoice.OnchainRecord{
			IDHex:  invoicekey.Hex(id),
			Token:  s.cfg.TokenAddress.Hex(),
			Amount: units.String(),
			Payee:  common.HexToAddress(req.Payee).Hex(),
		},
		CreatedAt: now,
	}
	if req.Payer != "" {
		inv.Onchain.Payer = common.HexToAddress(req.Payer).Hex()
	}
	inv.Record(invoice.ActionCreated, map[string]any{
		"amount":   units.String(),
		"currency": currency,
		"payee":    inv.Onchain.Payee,
	}, now)

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, err
	}
	logging.L(logging.WithInvoiceID(ctx, id)).Info("invoice issued",
		"user_id", req.UserID, "amount", usdc.Format(units), "payee", inv.Onchain.Payee)
	s.notify(inv, ClassNotCreatedOnchain)
	return inv, nil
}
