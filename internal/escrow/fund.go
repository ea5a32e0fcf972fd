package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/metrics"
	"github.com/mbd888/paylink/internal/traces"
	"github.com/mbd888/paylink/internal/usdc"
	"github.com/mbd888/paylink/internal/wallet"
)

// FundRequest asks to fund an invoice for a fiat amount.
type FundRequest struct {
	InvoiceID  string  `json:"invoiceId"`
	AmountFiat float64 `json:"amount"`
}

// FundResult reports the transactions a fund submitted.
type FundResult struct {
	Invoice   *invoice.Invoice `json:"invoice"`
	CreateTx  string           `json:"createTx,omitempty"`
	ApproveTx string           `json:"approveTx,omitempty"`
	FundTx    string           `json:"fundTx"`
}

// Fund moves the invoice total from the session's wallet into escrow.
// Preconditions are checked in order and the first failure wins; no
// transaction is sent for a failed precondition.
func (s *Service) Fund(ctx context.Context, session wallet.Session, req FundRequest) (*FundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.InvoiceID(req.InvoiceID))
	defer span.End()

	res, err := s.fund(ctx, session, req)
	traces.Fail(span, err)
	metrics.TransitionsTotal.WithLabelValues("fund", outcome(err)).Inc()
	return res, err
}

func (s *Service) fund(ctx context.Context, session wallet.Session, req FundRequest) (*FundResult, error) {
	const op = "fund"
	if session == nil {
		return nil, validationError(op, ErrNoSession, "Connect a wallet before funding this invoice.")
	}
	requester := session.Address()

	ctx = logging.WithInvoiceID(ctx, req.InvoiceID)
	traces.Annotate(ctx, traces.Requester(requester.Hex()))

	unlock, err := s.lock(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.Reconcile(ctx, ReconcileRequest{InvoiceID: req.InvoiceID, Requester: requester})
	if err != nil {
		return nil, err
	}

	expected := usdc.FromFiat(req.AmountFiat)
	result := &FundResult{}

	created := false
	if rec.Classification == ClassNotCreatedOnchain {
		// Checked before createInvoice so a wrong amount sends nothing.
		total, err := s.invoiceTotal(rec.Invoice)
		if err != nil {
			return nil, validationError(op, err, "Invoice amount is invalid: %v", err)
		}
		if total.Cmp(expected) != 0 {
			return nil, amountMismatch(op, total, expected)
		}
		if payer := rec.Payer(); payer != (common.Address{}) && payer != requester {
			return nil, validationError(op, ErrUnauthorized, "Only the designated payer %s can fund this invoice.", payer.Hex())
		}

		txHash, err := s.createOnchain(ctx, session, rec, total)
		if err != nil {
			return nil, err
		}
		result.CreateTx = txHash.Hex()
		created = true

		rec, err = s.Reconcile(ctx, ReconcileRequest{InvoiceID: req.InvoiceID, Requester: requester})
		if err != nil {
			return nil, err
		}
		if rec.Classification == ClassNotCreatedOnchain {
			return nil, &Error{
				Kind:    KindDataIntegrity,
				Op:      op,
				TxHash:  result.CreateTx,
				Message: "Invoice creation was confirmed but the contract still reports no invoice.",
				Err:     ErrWrongState,
			}
		}
	}

	switch {
	case rec.Onchain.State == chain.StateCreated && fundable(rec):
	case rec.Classification == ClassSuspiciousFunded && created:
		// Tolerated right after our own createInvoice: some deployments
		// report Funded with no payer until fund() lands.
		logging.L(ctx).Warn("proceeding from SUSPICIOUS_FUNDED after on-chain creation")
	default:
		return nil, validationError(op, ErrWrongState,
			"Invoice cannot be funded: on-chain state is %s (%s).", rec.Onchain.State, rec.Classification)
	}

	total := rec.Onchain.Total
	if total.Cmp(expected) != 0 {
		return nil, amountMismatch(op, total, expected)
	}

	if payer := rec.Payer(); payer != (common.Address{}) && payer != requester {
		return nil, validationError(op, ErrUnauthorized, "Only the designated payer %s can fund this invoice.", payer.Hex())
	}

	balance, err := s.token.BalanceOf(ctx, requester)
	if err != nil {
		return nil, networkError(op, err)
	}
	if balance.Cmp(total) < 0 {
		return nil, &Error{
			Kind: KindInsufficientFunds,
			Op:   op,
			Message: fmt.Sprintf("Insufficient token balance: have %s, need %s.",
				usdc.FormatDisplay(balance), usdc.FormatDisplay(total)),
		}
	}

	approveTx, err := s.ensureAllowance(ctx, op, session, total)
	if err != nil {
		return nil, err
	}
	result.ApproveTx = approveTx

	fundTx, receipt, err := s.sendAndConfirm(ctx, op, session, s.cfg.EscrowAddress, func() ([]byte, error) {
		return chain.PackFund(rec.CanonicalKey)
	})
	if err != nil {
		return nil, err
	}
	result.FundTx = fundTx.Hex()
	traces.Annotate(ctx, traces.TxHash(result.FundTx))

	inv := rec.Invoice
	inv.Status = invoice.StatusFunded
	inv.Onchain.State = invoice.OnchainFunded
	if inv.Onchain.Payer == "" {
		inv.Onchain.Payer = requester.Hex()
	}
	inv.Onchain.FundTx = result.FundTx
	inv.Onchain.FundBlock = receiptBlock(receipt)
	inv.Record(invoice.ActionFunded, map[string]any{
		"tx":        result.FundTx,
		"payer":     requester.Hex(),
		"amount":    total.String(),
		"approveTx": result.ApproveTx,
	}, s.now())

	if err := s.persistAfterTransfer(ctx, op, inv, result.FundTx); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("invoice funded", "tx", result.FundTx, "payer", requester.Hex(), "amount", usdc.Format(total))
	s.notify(inv, ClassConsistent)
	result.Invoice = inv
	return result, nil
}

// invoiceTotal is the token amount the invoice should escrow: the stored
// onchain.amount, else the converted fiat amount.
func (s *Service) invoiceTotal(inv *invoice.Invoice) (*big.Int, error) {
	if inv.Onchain.Amount != "" {
		v, ok := usdc.ParseUnits(inv.Onchain.Amount)
		if !ok || v.Sign() <= 0 {
			return nil, fmt.Errorf("stored token amount %q is not a positive integer", inv.Onchain.Amount)
		}
		return v, nil
	}
	v := usdc.FromFiat(inv.Amount)
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return v, nil
}

// createOnchain submits createInvoice with the record's payee and a single
// milestone for the whole total, then records the creation.
func (s *Service) createOnchain(ctx context.Context, session wallet.Session, rec *Reconciled, total *big.Int) (common.Hash, error) {
	const op = "create_invoice"
	inv := rec.Invoice

	if inv.Onchain.Token != "" && !sameAddress(inv.Onchain.Token, s.cfg.TokenAddress.Hex()) {
		return common.Hash{}, validationError(op, ErrUnsupportedToken,
			"Invoice token %s is not the configured payment token.", inv.Onchain.Token)
	}
	if !common.IsHexAddress(inv.Onchain.Payee) || common.HexToAddress(inv.Onchain.Payee) == (common.Address{}) {
		return common.Hash{}, validationError(op, ErrWrongState, "Invoice has no valid payee address.")
	}
	payee := common.HexToAddress(inv.Onchain.Payee)
	autoReleaseAt := s.now().Add(s.cfg.AutoReleaseOffset).Unix()

	txHash, err := s.sendAndWait(ctx, op, session, s.cfg.EscrowAddress, func() ([]byte, error) {
		return chain.PackCreateInvoice(rec.CanonicalKey, payee, s.cfg.TokenAddress,
			uint64(autoReleaseAt), inv.MetaURI, []*big.Int{total}) //nolint:gosec // future unix time is positive
	})
	if err != nil {
		return common.Hash{}, err
	}

	inv.Onchain.IDHex = rec.CanonicalKey.Hex()
	inv.Onchain.State = invoice.OnchainCreated
	inv.Onchain.Token = s.cfg.TokenAddress.Hex()
	inv.Onchain.Amount = total.String()
	inv.Record(invoice.ActionOnchainCreated, map[string]any{
		"tx":            txHash.Hex(),
		"autoReleaseAt": autoReleaseAt,
	}, s.now())
	if err := s.store.Update(ctx, inv); err != nil {
		// No money moved; a later reconcile reads the chain regardless.
		logging.L(ctx).Warn("failed to record on-chain creation", "tx", txHash.Hex(), "error", err)
	}
	logging.L(ctx).Info("invoice created on-chain", "tx", txHash.Hex(), "key", rec.CanonicalKey.Hex())
	return txHash, nil
}

// ensureAllowance approves the escrow contract for amount when the current
// allowance is short, waits for the approval within the configured bound,
// then re-checks. Returns the approval tx hash, or "" if none was needed.
func (s *Service) ensureAllowance(ctx context.Context, op string, session wallet.Session, amount *big.Int) (string, error) {
	owner := session.Address()
	allowance, err := s.token.Allowance(ctx, owner, s.cfg.EscrowAddress)
	if err != nil {
		return "", networkError(op, err)
	}
	if allowance.Cmp(amount) >= 0 {
		return "", nil
	}

	data, err := chain.PackApprove(s.cfg.EscrowAddress, amount)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	txHash, err := session.Send(ctx, s.cfg.TokenAddress, data)
	if err != nil {
		return "", Normalize(op, err)
	}

	start := time.Now()
	_, err = session.WaitForReceipt(ctx, txHash, s.cfg.ApprovalPoll)
	metrics.ApprovalWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, wallet.ErrTimeout) {
			return "", &Error{
				Kind:   KindTimeout,
				Op:     op,
				TxHash: txHash.Hex(),
				Message: fmt.Sprintf("Token approval was not confirmed after %d attempts. Retry once it confirms.",
					s.cfg.ApprovalPoll.Attempts),
				Err: err,
			}
		}
		return "", Normalize(op, err)
	}

	allowance, err = s.token.Allowance(ctx, owner, s.cfg.EscrowAddress)
	if err != nil {
		return "", networkError(op, err)
	}
	if allowance.Cmp(amount) < 0 {
		return "", &Error{
			Kind:   KindInsufficientAllowance,
			Op:     op,
			TxHash: txHash.Hex(),
			Message: fmt.Sprintf("Token allowance is %s after approval, need %s.",
				usdc.FormatDisplay(allowance), usdc.FormatDisplay(amount)),
		}
	}
	return txHash.Hex(), nil
}

// sendAndWait packs, sends, and waits for one escrow or token call.
func (s *Service) sendAndWait(ctx context.Context, op string, session wallet.Session, to common.Address, pack func() ([]byte, error)) (common.Hash, error) {
	txHash, _, err := s.sendAndConfirm(ctx, op, session, to, pack)
	return txHash, err
}

// sendAndConfirm is sendAndWait that also returns the mined receipt.
func (s *Service) sendAndConfirm(ctx context.Context, op string, session wallet.Session, to common.Address, pack func() ([]byte, error)) (common.Hash, *types.Receipt, error) {
	data, err := pack()
	if err != nil {
		return common.Hash{}, nil, &Error{Kind: KindUnknown, Op: op, Message: "Could not encode the transaction.", Err: err}
	}
	txHash, err := session.Send(ctx, to, data)
	if err != nil {
		return common.Hash{}, nil, Normalize(op, err)
	}
	method := "unknown"
	if call, derr := chain.DecodeCall(data); derr == nil {
		method = call.Method
	}
	receipt, err := session.WaitForReceipt(ctx, txHash, s.cfg.ReceiptPoll)
	if err != nil {
		nerr := Normalize(op, err)
		var e *Error
		if errors.As(nerr, &e) && e.TxHash == "" {
			e.TxHash = txHash.Hex()
		}
		logging.L(ctx).Warn("transaction not confirmed", "op", op, "method", method, "tx", txHash.Hex(), "error", err)
		return txHash, nil, nerr
	}
	logging.L(ctx).Debug("transaction confirmed", "op", op, "method", method, "tx", txHash.Hex())
	return txHash, receipt, nil
}

func receiptBlock(r *types.Receipt) uint64 {
	if r == nil || r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

// persistAfterTransfer writes a record whose money has already moved. It
// retries once; a second failure is logged CRITICAL and surfaced with the
// tx hash so nobody re-submits.
func (s *Service) persistAfterTransfer(ctx context.Context, op string, inv *invoice.Invoice, txHash string) error {
	err := s.store.Update(ctx, inv)
	if err == nil {
		return nil
	}
	retryErr := s.store.Update(ctx, inv)
	if retryErr == nil {
		return nil
	}
	metrics.CriticalPersistFailures.Inc()
	logging.L(ctx).Error("CRITICAL: on-chain transfer succeeded but invoice update failed",
		"op", op, "tx", txHash, "status", string(inv.Status), "error", retryErr)
	return &Error{
		Kind:    KindDataIntegrity,
		Op:      op,
		TxHash:  txHash,
		Message: "The transaction succeeded but the invoice record could not be updated. Do not retry; an operator will sync it.",
		Err:     retryErr,
	}
}

func amountMismatch(op string, total, expected *big.Int) *Error {
	return validationError(op, ErrAmountMismatch,
		"Amount mismatch: on-chain total is %s (%s units) but the requested amount is %s (%s units).",
		usdc.Format(total), total.String(), usdc.Format(expected), expected.String())
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
