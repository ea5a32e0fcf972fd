package invoice

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory invoice store for demo/development mode.
type MemoryStore struct {
	invoices map[string]*Invoice
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; ok {
		return ErrAlreadyExists
	}
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) GetByPayLinkToken(ctx context.Context, token string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.PayLinkToken != "" && inv.PayLinkToken == token {
			return inv.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			result = append(result, inv.Clone())
		}
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAll(ctx context.Context) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		result = append(result, inv.Clone())
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; !ok {
		return ErrNotFound
	}
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func sortNewestFirst(list []*Invoice) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
