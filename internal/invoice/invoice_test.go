package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoice(id string, createdAt time.Time) *Invoice {
	return &Invoice{
		ID:           id,
		UserID:       "user_1",
		PayLinkToken: "tok_" + id,
		Amount:       100,
		Currency:     "USD",
		Status:       StatusSent,
		Onchain: OnchainRecord{
			IDHex:  "0xabc",
			Token:  "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
			Amount: "100000000",
			Payee:  "0xbbbb000000000000000000000000000000000002",
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStatus_Rank(t *testing.T) {
	assert.Equal(t, 0, StatusSent.Rank())
	assert.Equal(t, 1, StatusFunded.Rank())
	assert.Equal(t, 2, StatusPaid.Rank())
	assert.Equal(t, -1, Status("refunded").Rank())
	assert.False(t, Status("").Valid())
}

func TestInvoice_RecordAppendsOneEntry(t *testing.T) {
	now := time.Now()
	inv := newTestInvoice("inv_1", now.Add(-time.Hour))

	inv.Record(ActionFunded, map[string]any{"tx": "0x1"}, now)
	inv.Record(ActionPaid, nil, now.Add(time.Second))

	require.Len(t, inv.Audit, 2)
	assert.Equal(t, ActionFunded, inv.Audit[0].Action)
	assert.Equal(t, ActionPaid, inv.LastAudit().Action)
	assert.Equal(t, now.Add(time.Second), inv.UpdatedAt)
}

func TestInvoice_CloneIsDeep(t *testing.T) {
	inv := newTestInvoice("inv_1", time.Now())
	inv.Record(ActionCreated, map[string]any{"k": "v"}, time.Now())

	cp := inv.Clone()
	cp.Audit[0].Details["k"] = "changed"
	cp.Record(ActionFunded, nil, time.Now())

	assert.Equal(t, "v", inv.Audit[0].Details["k"])
	assert.Len(t, inv.Audit, 1)
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inv := newTestInvoice("inv_1", time.Now())

	require.NoError(t, store.Create(ctx, inv))
	assert.ErrorIs(t, store.Create(ctx, inv), ErrAlreadyExists)

	got, err := store.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, inv.Onchain, got.Onchain)

	got.Status = StatusFunded
	got.Record(ActionFunded, nil, time.Now())
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, again.Status)
	assert.Len(t, again.Audit, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, newTestInvoice("missing", time.Now())), ErrNotFound)
}

func TestMemoryStore_ReturnedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestInvoice("inv_1", time.Now())))

	got, _ := store.Get(ctx, "inv_1")
	got.Status = StatusPaid
	got.Record(ActionPaid, nil, time.Now())

	fresh, _ := store.Get(ctx, "inv_1")
	assert.Equal(t, StatusSent, fresh.Status)
	assert.Empty(t, fresh.Audit)
}

func TestMemoryStore_Lookups(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"inv_a", "inv_b", "inv_c"} {
		require.NoError(t, store.Create(ctx, newTestInvoice(id, base.Add(time.Duration(i)*time.Minute))))
	}
	other := newTestInvoice("inv_other", base)
	other.UserID = "user_2"
	require.NoError(t, store.Create(ctx, other))

	byToken, err := store.GetByPayLinkToken(ctx, "tok_inv_b")
	require.NoError(t, err)
	assert.Equal(t, "inv_b", byToken.ID)

	_, err = store.GetByPayLinkToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListByUser(ctx, "user_1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "inv_c", list[0].ID, "newest first")

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
