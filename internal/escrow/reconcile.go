package escrow

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/invoicekey"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/metrics"
	"github.com/mbd888/paylink/internal/traces"
)

// ReconcileRequest identifies an invoice and, optionally, the caller.
type ReconcileRequest struct {
	InvoiceID string
	// StoredKey overrides the record's onchain.idHex as the key to check.
	StoredKey string
	// Requester gates CanFund/CanRelease. Zero means anonymous.
	Requester common.Address
}

// Reconciled is one consistent view of both records.
type Reconciled struct {
	Invoice         *invoice.Invoice
	CanonicalKey    common.Hash
	StoredKey       string
	KeyMismatch     bool
	RepairScheduled bool
	Onchain         *chain.Invoice // nil when not created on-chain
	Classification  Classification
	CanFund         bool
	CanRelease      bool
}

// Payer returns the designated payer: the on-chain payer, then the
// off-chain payer. Zero when none is designated.
func (r *Reconciled) Payer() common.Address {
	if r.Onchain != nil && r.Onchain.HasPayer() {
		return r.Onchain.Payer
	}
	if common.IsHexAddress(r.Invoice.Onchain.Payer) {
		return common.HexToAddress(r.Invoice.Onchain.Payer)
	}
	return common.Address{}
}

// Payee returns the recipient, preferring the on-chain record.
func (r *Reconciled) Payee() common.Address {
	if r.Onchain != nil && r.Onchain.Payee != (common.Address{}) {
		return r.Onchain.Payee
	}
	return common.HexToAddress(r.Invoice.Onchain.Payee)
}

// Reconcile loads the off-chain record, reads the chain at the canonical
// key, and classifies the pair. It never writes. A stale stored key is
// reported and its repair handed to the background runner. An unreadable
// chain returns a KindNetwork error; callers retry.
func (s *Service) Reconcile(ctx context.Context, req ReconcileRequest) (*Reconciled, error) {
	inv, err := s.store.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	return s.reconcileInvoice(ctx, inv, req.StoredKey, req.Requester)
}

// ResolvePayLink reconciles the invoice behind a public payment link.
func (s *Service) ResolvePayLink(ctx context.Context, token string, requester common.Address) (*Reconciled, error) {
	if token == "" {
		return nil, invoice.ErrNotFound
	}
	inv, err := s.store.GetByPayLinkToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.reconcileInvoice(ctx, inv, "", requester)
}

func (s *Service) reconcileInvoice(ctx context.Context, inv *invoice.Invoice, storedKey string, requester common.Address) (*Reconciled, error) {
	ctx = logging.WithInvoiceID(ctx, inv.ID)
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile", traces.InvoiceID(inv.ID))
	defer span.End()

	canonical := invoicekey.Derive(inv.ID)
	if storedKey == "" {
		storedKey = inv.Onchain.IDHex
	}

	rec := &Reconciled{
		Invoice:      inv,
		CanonicalKey: canonical,
		StoredKey:    storedKey,
	}

	// A caller-supplied key is only reported back; the record's own key is
	// the one that gets counted and repaired.
	rec.KeyMismatch = !invoicekey.Matches(storedKey, inv.ID)
	if !invoicekey.Matches(inv.Onchain.IDHex, inv.ID) {
		metrics.KeyMismatchTotal.Inc()
		logging.L(ctx).Warn("stored invoice key differs from derived key, reading canonical",
			"stored", inv.Onchain.IDHex, "canonical", canonical.Hex())
		s.scheduleKeyRepair(inv.ID)
		rec.RepairScheduled = true
	}

	onchain, err := s.escrow.Invoice(ctx, canonical)
	switch {
	case errors.Is(err, chain.ErrInvoiceNotFound):
		onchain = nil
	case err != nil:
		traces.Fail(span, err)
		return nil, networkError("reconcile", err)
	}
	rec.Onchain = onchain

	rec.Classification = Classify(onchain, inv.Status)
	rec.CanFund = canFund(rec, requester)
	rec.CanRelease = canRelease(rec, requester)

	span.SetAttributes(traces.Classification(rec.Classification.String()))
	metrics.ReconcileTotal.WithLabelValues(rec.Classification.String()).Inc()
	if rec.Classification.Suspicious() {
		logging.L(ctx).Warn("suspicious on-chain state",
			"classification", rec.Classification.String(),
			"onchain_state", onchain.State.String(),
			"raw_state", onchain.RawState,
			"payer", onchain.Payer.Hex(),
			"status", string(inv.Status))
	}
	return rec, nil
}

func (s *Service) scheduleKeyRepair(invoiceID string) {
	s.tasks.Submit("fix_invoice_id", func(ctx context.Context) error {
		_, err := s.FixInvoiceID(ctx, invoiceID)
		return err
	})
}

// fundable reports whether the chain permits fund(), ignoring the requester.
func fundable(rec *Reconciled) bool {
	switch rec.Classification {
	case ClassNotCreatedOnchain:
		return true
	case ClassConsistent, ClassOffchainAhead:
		return rec.Onchain.State == chain.StateCreated
	}
	return false
}

// releasable reports whether release() may be attempted, ignoring the
// requester. SuspiciousFunded is never releasable. SuspiciousReleased is the
// defensive re-release path. A direct transfer disables escrow release.
func releasable(rec *Reconciled) bool {
	if rec.Invoice.Onchain.DirectTransferTx != "" {
		return false
	}
	switch rec.Classification {
	case ClassSuspiciousReleased:
		return true
	case ClassConsistent, ClassLagging, ClassOffchainAhead:
		return rec.Onchain.State == chain.StateFunded && rec.Onchain.HasPayer()
	}
	return false
}

func canFund(rec *Reconciled, requester common.Address) bool {
	if !fundable(rec) {
		return false
	}
	payer := rec.Payer()
	return payer == (common.Address{}) || payer == requester
}

func canRelease(rec *Reconciled, requester common.Address) bool {
	if !releasable(rec) || requester == (common.Address{}) {
		return false
	}
	return requester == rec.Payer() || requester == rec.Payee()
}

// Sync advances a lagging off-chain record to the on-chain state. Every
// other classification is returned unchanged, and nothing is written:
// suspicious shapes wait for an explicit action.
func (s *Service) Sync(ctx context.Context, invoiceID string) (*Reconciled, error) {
	ctx = logging.WithInvoiceID(ctx, invoiceID)
	unlock, err := s.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.Reconcile(ctx, ReconcileRequest{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	if rec.Classification != ClassLagging {
		return rec, nil
	}

	status, mirror, ok := mirrorState(rec.Onchain.State)
	if !ok || status == invoice.StatusPaid {
		// Released always classifies as suspicious or consistent first;
		// paid is never written from contract state alone.
		return rec, nil
	}

	inv := rec.Invoice
	from := inv.Status
	inv.Status = status
	inv.Onchain.State = mirror
	if inv.Onchain.Payer == "" && rec.Onchain.HasPayer() {
		inv.Onchain.Payer = rec.Onchain.Payer.Hex()
	}
	inv.Record(invoice.ActionSynced, map[string]any{
		"from":         string(from),
		"to":           string(status),
		"onchainState": rec.Onchain.State.String(),
	}, s.now())

	if err := s.store.Update(ctx, inv); err != nil {
		return nil, err
	}

	rec.Classification = Classify(rec.Onchain, inv.Status)
	rec.CanFund = canFund(rec, common.Address{})
	rec.CanRelease = false
	metrics.RepairsTotal.WithLabelValues("sync").Inc()
	logging.L(ctx).Info("synced lagging invoice", "from", string(from), "to", string(status))
	s.notify(inv, rec.Classification)
	return rec, nil
}

func sameAddress(a, b string) bool { return strings.EqualFold(a, b) }
