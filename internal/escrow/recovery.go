package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/invoicekey"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/metrics"
	"github.com/mbd888/paylink/internal/traces"
	"github.com/mbd888/paylink/internal/usdc"
	"github.com/mbd888/paylink/internal/wallet"
)

// FixReport summarizes a bulk key repair.
type FixReport struct {
	Fixed  int `json:"fixedCount"`
	Total  int `json:"totalCount"`
	Failed int `json:"failedCount"`
}

// FixInvoiceID rewrites onchain.idHex to the derived key. It is idempotent:
// a record that already matches is not written. On-chain data is never
// touched.
func (s *Service) FixInvoiceID(ctx context.Context, invoiceID string) (bool, error) {
	ctx = logging.WithInvoiceID(ctx, invoiceID)
	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	defer unlock()

	inv, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	if invoicekey.Matches(inv.Onchain.IDHex, inv.ID) {
		return false, nil
	}

	old := inv.Onchain.IDHex
	inv.Onchain.IDHex = invoicekey.Hex(inv.ID)
	inv.Record(invoice.ActionIDFixed, map[string]any{
		"from": old,
		"to":   inv.Onchain.IDHex,
	}, s.now())
	if err := s.store.Update(ctx, inv); err != nil {
		return false, err
	}

	metrics.RepairsTotal.WithLabelValues("fix_id").Inc()
	logging.L(ctx).Info("invoice key repaired", "from", old, "to", inv.Onchain.IDHex)
	return true, nil
}

// FixAllInvoiceIDs runs FixInvoiceID over every record. Individual failures
// are counted and logged; the sweep continues.
func (s *Service) FixAllInvoiceIDs(ctx context.Context) (FixReport, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return FixReport{}, err
	}

	report := FixReport{Total: len(all)}
	for _, inv := range all {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		fixed, err := s.FixInvoiceID(ctx, inv.ID)
		if err != nil {
			report.Failed++
			logging.L(logging.WithInvoiceID(ctx, inv.ID)).Warn("failed to repair invoice key", "error", err)
			continue
		}
		if fixed {
			report.Fixed++
		}
	}
	return report, nil
}

// ForceFund submits fund() with no precondition checks. The allowance is
// still topped up. Operator escape hatch for states the classifier cannot
// be trusted on.
func (s *Service) ForceFund(ctx context.Context, session wallet.Session, invoiceID string) (*FundResult, error) {
	const op = "force_fund"
	if session == nil {
		return nil, validationError(op, ErrNoSession, "Connect a wallet before funding this invoice.")
	}
	ctx = logging.WithInvoiceID(ctx, invoiceID)
	ctx, span := traces.StartSpan(ctx, "escrow.ForceFund", traces.InvoiceID(invoiceID), traces.Forced(true))
	defer span.End()

	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	total, err := s.invoiceTotal(inv)
	if err != nil {
		return nil, validationError(op, err, "Invoice amount is invalid: %v", err)
	}
	key := invoicekey.Derive(inv.ID)

	logging.L(ctx).Error("forced fund bypassing preconditions",
		"forced", true, "by", session.Address().Hex(), "amount", usdc.Format(total))

	result := &FundResult{}
	if result.ApproveTx, err = s.ensureAllowance(ctx, op, session, total); err != nil {
		return nil, err
	}
	fundTx, receipt, err := s.sendAndConfirm(ctx, op, session, s.cfg.EscrowAddress, func() ([]byte, error) {
		return chain.PackFund(key)
	})
	if err != nil {
		return nil, err
	}
	result.FundTx = fundTx.Hex()

	inv.Status = invoice.StatusFunded
	inv.Onchain.State = invoice.OnchainFunded
	if inv.Onchain.Payer == "" {
		inv.Onchain.Payer = session.Address().Hex()
	}
	inv.Onchain.FundTx = result.FundTx
	inv.Onchain.FundBlock = receiptBlock(receipt)
	inv.Record(invoice.ActionForceFunded, map[string]any{
		"forced": true,
		"tx":     result.FundTx,
		"by":     session.Address().Hex(),
		"amount": total.String(),
	}, s.now())
	if err := s.persistAfterTransfer(ctx, op, inv, result.FundTx); err != nil {
		return nil, err
	}

	metrics.RepairsTotal.WithLabelValues(op).Inc()
	s.notify(inv, ClassConsistent)
	result.Invoice = inv
	return result, nil
}

// ForceRelease submits release() with no precondition checks.
func (s *Service) ForceRelease(ctx context.Context, session wallet.Session, invoiceID string) (*ReleaseResult, error) {
	const op = "force_release"
	if session == nil {
		return nil, validationError(op, ErrNoSession, "Connect a wallet before releasing this invoice.")
	}
	ctx = logging.WithInvoiceID(ctx, invoiceID)
	ctx, span := traces.StartSpan(ctx, "escrow.ForceRelease", traces.InvoiceID(invoiceID), traces.Forced(true))
	defer span.End()

	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	key := invoicekey.Derive(inv.ID)

	logging.L(ctx).Error("forced release bypassing preconditions",
		"forced", true, "by", session.Address().Hex(), "status", string(inv.Status))

	txHash, err := s.sendAndWait(ctx, op, session, s.cfg.EscrowAddress, func() ([]byte, error) {
		return chain.PackRelease(key, 0)
	})
	if err != nil {
		return nil, err
	}

	inv.Status = invoice.StatusPaid
	inv.Onchain.State = invoice.OnchainPaid
	inv.Onchain.ReleaseTx = txHash.Hex()
	inv.Record(invoice.ActionForceReleased, map[string]any{
		"forced": true,
		"tx":     txHash.Hex(),
		"by":     session.Address().Hex(),
	}, s.now())
	if err := s.persistAfterTransfer(ctx, op, inv, txHash.Hex()); err != nil {
		return nil, err
	}

	metrics.RepairsTotal.WithLabelValues(op).Inc()
	s.notify(inv, ClassConsistent)
	return &ReleaseResult{Invoice: inv, ReleaseTx: txHash.Hex()}, nil
}

// VerifyRequest names the recipient and amount to look for. A non-zero
// Sender counts only transfers from that address.
type VerifyRequest struct {
	Recipient common.Address `json:"recipient"`
	Sender    common.Address `json:"sender,omitempty"`
	Expected  *big.Int       `json:"expected"`
	FromBlock uint64         `json:"fromBlock"`
}

// TransferVerification is the summed result of matching Transfer events.
type TransferVerification struct {
	Recipient   common.Address `json:"recipient"`
	Expected    *big.Int       `json:"expected"`
	Received    *big.Int       `json:"received"`
	Transfers   int            `json:"transfers"`
	Transferred bool           `json:"transferred"`
}

// VerifyFundTransfer sums token Transfer events to the recipient from
// FromBlock onward, optionally restricted to one sender. Transferred is true
// when the sum is at least Expected.
func (s *Service) VerifyFundTransfer(ctx context.Context, req VerifyRequest) (*TransferVerification, error) {
	const op = "verify_transfer"
	if req.Recipient == (common.Address{}) {
		return nil, validationError(op, ErrInvalidRequest, "Recipient address is required.")
	}
	expected := req.Expected
	if expected == nil {
		expected = new(big.Int)
	}

	transfers, err := s.token.TransfersTo(ctx, req.Recipient, max(req.FromBlock, s.cfg.TransferScanFromBlock))
	if err != nil {
		return nil, networkError(op, err)
	}

	received := new(big.Int)
	matched := 0
	for _, t := range transfers {
		if req.Sender != (common.Address{}) && t.From != req.Sender {
			continue
		}
		received.Add(received, t.Value)
		matched++
	}

	return &TransferVerification{
		Recipient:   req.Recipient,
		Expected:    expected,
		Received:    received,
		Transfers:   matched,
		Transferred: received.Cmp(expected) >= 0,
	}, nil
}

// DirectTransferResult reports an escrow-bypassing payment.
type DirectTransferResult struct {
	Invoice          *invoice.Invoice `json:"invoice"`
	DirectTransferTx string           `json:"directTransferTx"`
}

// DirectTransfer pays the recorded payee the recorded amount straight from
// the session's wallet, bypassing escrow. The invoice is marked paid and
// further escrow releases are refused.
func (s *Service) DirectTransfer(ctx context.Context, session wallet.Session, invoiceID string) (*DirectTransferResult, error) {
	res, err := s.directTransfer(ctx, session, invoiceID)
	metrics.TransitionsTotal.WithLabelValues("direct_transfer", outcome(err)).Inc()
	return res, err
}

func (s *Service) directTransfer(ctx context.Context, session wallet.Session, invoiceID string) (*DirectTransferResult, error) {
	const op = "direct_transfer"
	if session == nil {
		return nil, validationError(op, ErrNoSession, "Connect a wallet before sending a direct transfer.")
	}
	ctx = logging.WithInvoiceID(ctx, invoiceID)
	ctx, span := traces.StartSpan(ctx, "escrow.DirectTransfer", traces.InvoiceID(invoiceID), traces.Forced(true))
	defer span.End()

	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Onchain.DirectTransferTx != "" {
		return nil, validationError(op, ErrAlreadySettled, "Invoice was already settled by direct transfer %s.", inv.Onchain.DirectTransferTx)
	}
	if inv.Status == invoice.StatusPaid {
		return nil, validationError(op, ErrAlreadySettled, "Invoice is already paid.")
	}
	if !common.IsHexAddress(inv.Onchain.Payee) {
		return nil, validationError(op, ErrWrongState, "Invoice has no valid payee address.")
	}
	payee := common.HexToAddress(inv.Onchain.Payee)
	amount, err := s.invoiceTotal(inv)
	if err != nil {
		return nil, validationError(op, err, "Invoice amount is invalid: %v", err)
	}

	from := session.Address()
	balance, err := s.token.BalanceOf(ctx, from)
	if err != nil {
		return nil, networkError(op, err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, &Error{
			Kind: KindInsufficientFunds,
			Op:   op,
			Message: fmt.Sprintf("Insufficient token balance: have %s, need %s.",
				usdc.FormatDisplay(balance), usdc.FormatDisplay(amount)),
		}
	}

	logging.L(ctx).Warn("direct transfer bypassing escrow",
		"from", from.Hex(), "payee", payee.Hex(), "amount", usdc.Format(amount))

	txHash, err := s.sendAndWait(ctx, op, session, s.cfg.TokenAddress, func() ([]byte, error) {
		return chain.PackTransfer(payee, amount)
	})
	if err != nil {
		return nil, err
	}

	inv.Status = invoice.StatusPaid
	inv.Onchain.DirectTransferTx = txHash.Hex()
	inv.Record(invoice.ActionDirectTransfer, map[string]any{
		"tx":     txHash.Hex(),
		"from":   from.Hex(),
		"payee":  payee.Hex(),
		"amount": amount.String(),
	}, s.now())
	if err := s.persistAfterTransfer(ctx, op, inv, txHash.Hex()); err != nil {
		return nil, err
	}

	metrics.RepairsTotal.WithLabelValues(op).Inc()
	s.notify(inv, ClassConsistent)
	return &DirectTransferResult{Invoice: inv, DirectTransferTx: txHash.Hex()}, nil
}

// Faucet mints test tokens to the session's wallet. Test networks only.
func (s *Service) Faucet(ctx context.Context, session wallet.Session, amount *big.Int) (string, error) {
	const op = "faucet"
	if !s.cfg.FaucetEnabled {
		return "", validationError(op, ErrFaucetDisabled, "The token faucet is disabled on this network.")
	}
	if session == nil {
		return "", validationError(op, ErrNoSession, "Connect a wallet to use the faucet.")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", validationError(op, ErrInvalidRequest, "Faucet amount must be positive.")
	}
	txHash, err := s.sendAndWait(ctx, op, session, s.cfg.TokenAddress, func() ([]byte, error) {
		return chain.PackFaucet(amount)
	})
	if err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}
