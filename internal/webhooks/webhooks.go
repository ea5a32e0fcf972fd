// Package webhooks delivers signed invoice lifecycle callbacks to payees.
//
// A payee user registers one or more URLs. When the escrow coordinator
// records a transition the Dispatcher posts an Event to every active
// subscription of the invoice's user that asked for that event type. Bodies
// are signed with HMAC-SHA256 over the raw JSON using the secret returned once
// at registration.
package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/paylink/internal/escrow"
	"github.com/mbd888/paylink/internal/invoice"
)

var ErrNotFound = errors.New("webhook not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventInvoiceCreated EventType = "invoice.created"
	EventInvoiceFunded  EventType = "invoice.funded"
	EventInvoicePaid    EventType = "invoice.paid"
)

// AllEvents lists every event a subscription may ask for.
var AllEvents = []EventType{EventInvoiceCreated, EventInvoiceFunded, EventInvoicePaid}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// Event is the JSON body posted to a subscriber.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      InvoiceData `json:"data"`
}

// InvoiceData is the invoice snapshot carried by an event. Audit history and
// the pay-link token are never sent.
type InvoiceData struct {
	InvoiceID      string         `json:"invoiceId"`
	UserID         string         `json:"userId"`
	ClientID       string         `json:"clientId,omitempty"`
	Amount         float64        `json:"amount"`
	Currency       string         `json:"currency"`
	Status         invoice.Status `json:"status"`
	Classification string         `json:"classification"`
	IDHex          string         `json:"idHex,omitempty"`
	Payer          string         `json:"payer,omitempty"`
	FundTx         string         `json:"fundTx,omitempty"`
	ReleaseTx      string         `json:"releaseTx,omitempty"`
	DirectTx       string         `json:"directTransferTx,omitempty"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and asked for t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// EventTypeFor maps the transition just recorded on inv to an event type.
// It returns false for bookkeeping changes (identifier fixes, on-chain
// creation) that payees are not told about.
func EventTypeFor(inv *invoice.Invoice) (EventType, bool) {
	last := inv.LastAudit()
	if last == nil {
		return "", false
	}
	switch last.Action {
	case invoice.ActionCreated:
		return EventInvoiceCreated, true
	case invoice.ActionFunded, invoice.ActionForceFunded:
		return EventInvoiceFunded, true
	case invoice.ActionPaid, invoice.ActionForceReleased, invoice.ActionDirectTransfer:
		return EventInvoicePaid, true
	case invoice.ActionSynced:
		switch inv.Status {
		case invoice.StatusFunded:
			return EventInvoiceFunded, true
		case invoice.StatusPaid:
			return EventInvoicePaid, true
		}
	}
	return "", false
}

func newInvoiceData(inv *invoice.Invoice, class escrow.Classification) InvoiceData {
	return InvoiceData{
		InvoiceID:      inv.ID,
		UserID:         inv.UserID,
		ClientID:       inv.ClientID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Status:         inv.Status,
		Classification: class.String(),
		IDHex:          inv.Onchain.IDHex,
		Payer:          inv.Onchain.Payer,
		FundTx:         inv.Onchain.FundTx,
		ReleaseTx:      inv.Onchain.ReleaseTx,
		DirectTx:       inv.Onchain.DirectTransferTx,
	}
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(sub *Subscription) *Subscription {
	cp := *sub
	cp.Events = append([]EventType(nil), sub.Events...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

// ListByUser returns the user's subscriptions, newest first.
func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, clone(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
