// Package escrow coordinates off-chain invoices with the on-chain escrow
// contract.
//
// Flow:
//  1. Reconcile reads both records and classifies them.
//  2. Fund creates the on-chain invoice on first use, tops up the token
//     allowance, and calls fund().
//  3. Release calls release() and marks the invoice paid.
//  4. Recovery operations repair stored keys, bypass preconditions, verify
//     token transfers, or pay the payee directly.
//
// The chain is authoritative for money movement. The off-chain record is a
// mirror that may lag; it is never advanced to paid from a contract state
// alone.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/syncutil"
	"github.com/mbd888/paylink/internal/wallet"
)

var (
	ErrNoSession          = errors.New("no wallet session")
	ErrAmountMismatch     = errors.New("on-chain total does not match requested amount")
	ErrWrongState         = errors.New("invalid invoice state for this operation")
	ErrNotReleasable      = errors.New("invoice is not releasable")
	ErrUnauthorized       = errors.New("not authorized for this invoice operation")
	ErrUnsupportedToken   = errors.New("invoice token is not the configured payment token")
	ErrTransferUnverified = errors.New("release reported but payee transfer not verified")
	ErrAlreadySettled     = errors.New("invoice already settled")
	ErrFaucetDisabled     = errors.New("faucet is disabled on this network")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Defaults applied by NewService when a Config field is zero.
const (
	DefaultAutoReleaseOffset = 7 * 24 * time.Hour
	DefaultApprovalAttempts  = 30
	DefaultApprovalInterval  = time.Second
)

// Config holds contract addresses and timing for the coordinator.
type Config struct {
	EscrowAddress     common.Address
	TokenAddress      common.Address
	AutoReleaseOffset time.Duration
	// ApprovalPoll bounds the wait for an approve() receipt.
	ApprovalPoll wallet.Poll
	// ReceiptPoll bounds the wait for createInvoice/fund/release/transfer.
	ReceiptPoll wallet.Poll
	// TransferScanFromBlock is the earliest block any transfer scan reads.
	TransferScanFromBlock uint64
	// FaucetEnabled allows the test-token faucet. Never set in production.
	FaucetEnabled bool
}

// Notifier receives invoice state changes for live subscribers.
type Notifier interface {
	InvoiceChanged(inv *invoice.Invoice, class Classification)
}

// Notifiers fans one change out to several notifiers in order.
type Notifiers []Notifier

// InvoiceChanged implements Notifier.
func (ns Notifiers) InvoiceChanged(inv *invoice.Invoice, class Classification) {
	for _, n := range ns {
		if n != nil {
			n.InvoiceChanged(inv, class)
		}
	}
}

// Service implements the escrow invoice coordinator.
type Service struct {
	store    invoice.Store
	escrow   chain.Reader
	token    chain.TokenReader
	cfg      Config
	tasks    Tasks
	notifier Notifier
	logger   *slog.Logger
	locks    *syncutil.KeyMutex // one in-flight mutation per invoice
	now      func() time.Time
}

// NewService creates a coordinator over the given store and chain readers.
func NewService(store invoice.Store, escrow chain.Reader, token chain.TokenReader, cfg Config) *Service {
	if cfg.AutoReleaseOffset <= 0 {
		cfg.AutoReleaseOffset = DefaultAutoReleaseOffset
	}
	if cfg.ApprovalPoll.Attempts <= 0 {
		cfg.ApprovalPoll.Attempts = DefaultApprovalAttempts
	}
	if cfg.ApprovalPoll.Interval <= 0 {
		cfg.ApprovalPoll.Interval = DefaultApprovalInterval
	}
	if cfg.ReceiptPoll.Attempts <= 0 {
		cfg.ReceiptPoll = wallet.DefaultPoll
	}
	logger := slog.Default()
	return &Service{
		store:  store,
		escrow: escrow,
		token:  token,
		cfg:    cfg,
		tasks:  NewTaskRunner(logger, DefaultTaskTimeout),
		logger: logger,
		locks:  syncutil.NewKeyMutex(),
		now:    time.Now,
	}
}

// WithTasks sets the background task runner used for async repairs.
func (s *Service) WithTasks(t Tasks) *Service {
	s.tasks = t
	return s
}

// WithNotifier adds a live-update notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Get returns an invoice record.
func (s *Service) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's invoices, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*invoice.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) lock(ctx context.Context, invoiceID string) (func(), error) {
	unlock, err := s.locks.LockContext(ctx, invoiceID)
	if err != nil {
		return nil, &Error{Kind: KindTimeout, Op: "lock", Message: "Another operation on this invoice is still in progress.", Err: err}
	}
	return unlock, nil
}

// Busy reports whether a mutation currently holds the invoice lock.
func (s *Service) Busy(invoiceID string) bool {
	unlock, ok := s.locks.TryLock(invoiceID)
	if ok {
		unlock()
		return false
	}
	return true
}

func (s *Service) notify(inv *invoice.Invoice, class Classification) {
	if s.notifier != nil {
		s.notifier.InvoiceChanged(inv.Clone(), class)
	}
}
