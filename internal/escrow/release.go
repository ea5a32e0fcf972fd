package escrow

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/metrics"
	"github.com/mbd888/paylink/internal/traces"
	"github.com/mbd888/paylink/internal/usdc"
	"github.com/mbd888/paylink/internal/wallet"
)

// ReleaseResult reports how a release settled.
type ReleaseResult struct {
	Invoice   *invoice.Invoice `json:"invoice"`
	ReleaseTx string           `json:"releaseTx,omitempty"`
	// AlreadyReleased is set when the contract reverted with "already
	// released" and the payee transfer was verified instead.
	AlreadyReleased bool                  `json:"alreadyReleased"`
	Verification    *TransferVerification `json:"verification,omitempty"`
}

// Release pays the escrowed total to the payee and marks the invoice paid.
// It is permitted from Funded, and from SuspiciousReleased as a fresh
// release whose receipt can be checked.
func (s *Service) Release(ctx context.Context, session wallet.Session, invoiceID string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.InvoiceID(invoiceID))
	defer span.End()

	res, err := s.release(ctx, session, invoiceID)
	traces.Fail(span, err)
	metrics.TransitionsTotal.WithLabelValues("release", outcome(err)).Inc()
	return res, err
}

func (s *Service) release(ctx context.Context, session wallet.Session, invoiceID string) (*ReleaseResult, error) {
	const op = "release"
	if session == nil {
		return nil, validationError(op, ErrNoSession, "Connect a wallet before releasing this invoice.")
	}
	requester := session.Address()

	ctx = logging.WithInvoiceID(ctx, invoiceID)
	traces.Annotate(ctx, traces.Requester(requester.Hex()))

	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.Reconcile(ctx, ReconcileRequest{InvoiceID: invoiceID, Requester: requester})
	if err != nil {
		return nil, err
	}

	if !releasable(rec) {
		switch {
		case rec.Invoice.Onchain.DirectTransferTx != "":
			return nil, validationError(op, ErrAlreadySettled,
				"Invoice was settled by direct transfer %s; escrow release is disabled.", rec.Invoice.Onchain.DirectTransferTx)
		case rec.Classification == ClassSuspiciousFunded:
			return nil, validationError(op, ErrNotReleasable,
				"On-chain invoice is Funded but records no payer; release is blocked until an operator verifies the funding.")
		case rec.Classification == ClassNotCreatedOnchain:
			return nil, validationError(op, ErrNotReleasable, "Invoice has not been created on-chain yet.")
		default:
			return nil, validationError(op, ErrNotReleasable,
				"Invoice cannot be released: on-chain state is %s (%s).", rec.Onchain.State, rec.Classification)
		}
	}
	if requester != rec.Payer() && requester != rec.Payee() {
		return nil, validationError(op, ErrUnauthorized, "Only the payer or payee can release this invoice.")
	}

	result := &ReleaseResult{}
	var revertedTx string
	txHash, err := s.sendAndWait(ctx, op, session, s.cfg.EscrowAddress, func() ([]byte, error) {
		return chain.PackRelease(rec.CanonicalKey, 0)
	})
	switch {
	case err == nil:
		result.ReleaseTx = txHash.Hex()
	case isAlreadyCompleted(errorCause(err)):
		// Treated as success only once token logs show the escrow paid the
		// payee after this invoice was funded.
		fundBlock := rec.Invoice.Onchain.FundBlock
		if fundBlock == 0 {
			return nil, &Error{
				Kind: KindDataIntegrity,
				Op:   op,
				Message: "The contract reports this invoice as released, but no funding block is recorded to verify " +
					"the payout against. Verify the transfer manually and force the release.",
				Err: ErrTransferUnverified,
			}
		}
		v, verr := s.VerifyFundTransfer(ctx, VerifyRequest{
			Recipient: rec.Payee(),
			Sender:    s.cfg.EscrowAddress,
			Expected:  rec.Onchain.Total,
			FromBlock: fundBlock,
		})
		if verr != nil {
			return nil, verr
		}
		result.Verification = v
		if !v.Transferred {
			return nil, &Error{
				Kind: KindDataIntegrity,
				Op:   op,
				Message: "The contract reports this invoice as released, but only " + usdc.FormatDisplay(v.Received) +
					" of " + usdc.FormatDisplay(v.Expected) + " reached the payee. Use a direct transfer to settle.",
				Err: ErrTransferUnverified,
			}
		}
		result.AlreadyReleased = true
		if txHash != (common.Hash{}) {
			revertedTx = txHash.Hex()
		}
		logging.L(ctx).Warn("release reverted as already completed, payee transfer verified",
			"received", v.Received.String(), "expected", v.Expected.String())
	default:
		return nil, err
	}

	inv := rec.Invoice
	inv.Status = invoice.StatusPaid
	inv.Onchain.State = invoice.OnchainPaid
	if result.ReleaseTx != "" {
		inv.Onchain.ReleaseTx = result.ReleaseTx
	}
	details := map[string]any{
		"tx":             result.ReleaseTx,
		"by":             requester.Hex(),
		"classification": rec.Classification.String(),
	}
	if result.AlreadyReleased {
		details["alreadyReleased"] = true
		details["verifiedAmount"] = result.Verification.Received.String()
		details["revertedTx"] = revertedTx
	}
	inv.Record(invoice.ActionPaid, details, s.now())

	if err := s.persistAfterTransfer(ctx, op, inv, result.ReleaseTx); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("invoice released", "tx", result.ReleaseTx, "by", requester.Hex(),
		"from_classification", rec.Classification.String())
	s.notify(inv, ClassConsistent)
	result.Invoice = inv
	return result, nil
}

// errorCause unwraps a normalized *Error to the raw wallet/RPC error.
func errorCause(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}
