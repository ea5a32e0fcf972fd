package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvoiceNotFound means the contract has no invoice at the key: the
	// getter reverted, returned nothing, or returned zero payer and payee.
	ErrInvoiceNotFound = errors.New("chain: invoice not created on-chain")
)

// State is the escrow contract's invoice state.
type State uint8

const (
	StateCreated  State = 0
	StateFunded   State = 1
	StateReleased State = 2
	StateUnknown  State = 255
)

// StateFromRaw maps the contract's uint8. Anything outside the three known
// values is StateUnknown.
func StateFromRaw(v uint8) State {
	switch State(v) {
	case StateCreated, StateFunded, StateReleased:
		return State(v)
	}
	return StateUnknown
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateFunded:
		return "Funded"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Invoice is the authoritative on-chain record.
type Invoice struct {
	Key           common.Hash
	Payer         common.Address
	Payee         common.Address
	Token         common.Address
	Total         *big.Int
	Funded        *big.Int
	CreatedAt     time.Time
	FundedAt      time.Time
	AutoReleaseAt time.Time
	RawState      uint8
	State         State
	Disputed      bool
	MetaURI       string
}

// HasPayer reports whether funding recorded a payer.
func (inv *Invoice) HasPayer() bool {
	return inv.Payer != (common.Address{})
}

// invoiceTuple matches the invoices() outputs for UnpackIntoInterface.
type invoiceTuple struct {
	Payer         common.Address
	Payee         common.Address
	Token         common.Address
	Total         *big.Int
	Funded        *big.Int
	CreatedAt     uint64
	FundedAt      uint64
	AutoReleaseAt uint64
	State         uint8
	Disputed      bool
	MetaURI       string
}

// Reader reads escrow invoices.
type Reader interface {
	Invoice(ctx context.Context, key common.Hash) (*Invoice, error)
}

// Escrow is the escrow contract binding.
type Escrow struct {
	caller  Caller
	address common.Address
}

var _ Reader = (*Escrow)(nil)

// NewEscrow binds the escrow contract at address.
func NewEscrow(caller Caller, address common.Address) *Escrow {
	return &Escrow{caller: caller, address: address}
}

// Address returns the contract address.
func (e *Escrow) Address() common.Address { return e.address }

// Invoice reads invoices(key). A revert, an empty result, or an all-zero
// payer/payee pair yields ErrInvoiceNotFound. Transport failures are returned
// as they are so callers can retry them.
func (e *Escrow) Invoice(ctx context.Context, key common.Hash) (*Invoice, error) {
	data, err := escrowABI.Pack("invoices", key)
	if err != nil {
		return nil, fmt.Errorf("chain: pack invoices call: %w", err)
	}

	out, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &e.address, Data: data}, nil)
	if err != nil {
		if IsRevert(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvoiceNotFound, err)
		}
		return nil, fmt.Errorf("chain: call invoices: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrInvoiceNotFound
	}

	var t invoiceTuple
	if err := escrowABI.UnpackIntoInterface(&t, "invoices", out); err != nil {
		return nil, fmt.Errorf("chain: decode invoices result: %w", err)
	}
	if t.Payer == (common.Address{}) && t.Payee == (common.Address{}) {
		return nil, ErrInvoiceNotFound
	}

	return &Invoice{
		Key:           key,
		Payer:         t.Payer,
		Payee:         t.Payee,
		Token:         t.Token,
		Total:         nonNil(t.Total),
		Funded:        nonNil(t.Funded),
		CreatedAt:     unixOrZero(t.CreatedAt),
		FundedAt:      unixOrZero(t.FundedAt),
		AutoReleaseAt: unixOrZero(t.AutoReleaseAt),
		RawState:      t.State,
		State:         StateFromRaw(t.State),
		Disputed:      t.Disputed,
		MetaURI:       t.MetaURI,
	}, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func unixOrZero(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0).UTC() //nolint:gosec // contract timestamps fit in int64
}
