// Package invoice holds the off-chain invoice record a client pays against.
//
// The record mirrors the on-chain escrow invoice but is never authoritative
// for money movement: the escrow coordinator reconciles it against the chain
// before every transition. Updates use overwrite semantics (last writer wins).
package invoice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("invoice not found")
	ErrAlreadyExists = errors.New("invoice already exists")
)

// Status is the off-chain lifecycle projection.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFunded Status = "funded"
	StatusPaid   Status = "paid"
)

// Rank orders statuses along the happy path. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusFunded:
		return 1
	case StatusPaid:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// OnchainState mirrors the escrow contract state on the off-chain record.
type OnchainState string

const (
	OnchainCreated OnchainState = "created"
	OnchainFunded  OnchainState = "funded"
	OnchainPaid    OnchainState = "paid"
)

// OnchainRecord is the embedded on-chain sub-record.
type OnchainRecord struct {
	IDHex            string       `json:"idHex"`
	Token            string       `json:"token"`
	Amount           string       `json:"amount"` // token smallest units, base 10
	State            OnchainState `json:"state,omitempty"`
	Payee            string       `json:"payee"`
	Payer            string       `json:"payer,omitempty"`
	FundTx           string       `json:"fundTx,omitempty"`
	FundBlock        uint64       `json:"fundBlock,omitempty"` // block of the confirmed fund call
	ReleaseTx        string       `json:"releaseTx,omitempty"`
	DirectTransferTx string       `json:"directTransferTx,omitempty"`
}

// AuditEntry is one append-only forensic record.
type AuditEntry struct {
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Audit actions.
const (
	ActionCreated        = "invoice_created"
	ActionFunded         = "invoice_funded"
	ActionPaid           = "invoice_paid"
	ActionSynced         = "invoice_synced"
	ActionIDFixed        = "invoice_id_fixed"
	ActionForceFunded    = "invoice_force_funded"
	ActionForceReleased  = "invoice_force_released"
	ActionDirectTransfer = "invoice_direct_transfer"
	ActionOnchainCreated = "invoice_onchain_created"
)

// Invoice is the off-chain ledger entry.
type Invoice struct {
	ID           string        `json:"invoiceId"`
	UserID       string        `json:"userId"`
	ClientID     string        `json:"clientId,omitempty"`
	ContractID   string        `json:"contractId,omitempty"`
	PayLinkToken string        `json:"payLinkToken"`
	Amount       float64       `json:"amount"`
	Currency     string        `json:"currency"`
	Status       Status        `json:"status"`
	MetaURI      string        `json:"metaURI,omitempty"`
	Onchain      OnchainRecord `json:"onchain"`
	Audit        []AuditEntry  `json:"audit"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Record appends exactly one audit entry and bumps UpdatedAt.
func (inv *Invoice) Record(action string, details map[string]any, now time.Time) {
	inv.Audit = append(inv.Audit, AuditEntry{
		Action:    action,
		Timestamp: now,
		Details:   details,
	})
	inv.UpdatedAt = now
}

// LastAudit returns the most recent audit entry, or nil.
func (inv *Invoice) LastAudit() *AuditEntry {
	if len(inv.Audit) == 0 {
		return nil
	}
	return &inv.Audit[len(inv.Audit)-1]
}

// Clone returns a deep copy. The audit slice and its details maps are copied
// so a caller appending to the clone never mutates the original.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	if inv.Audit != nil {
		cp.Audit = make([]AuditEntry, len(inv.Audit))
		for i, e := range inv.Audit {
			cp.Audit[i] = e
			if e.Details != nil {
				d := make(map[string]any, len(e.Details))
				for k, v := range e.Details {
					d[k] = v
				}
				cp.Audit[i].Details = d
			}
		}
	}
	return &cp
}

// Store persists invoice records.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByPayLinkToken(ctx context.Context, token string) (*Invoice, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error)
	ListAll(ctx context.Context) ([]*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
}
