package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLiteDB(":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEntry(userID string) *models.InvoiceEntry {
	now := time.Now().UTC()
	return &models.InvoiceEntry{
		ID:             uuid.NewString(),
		RequestID:      uuid.NewString(),
		Nonce:          uuid.NewString(),
		Type:           models.InvoiceInfer,
		UserID:         userID,
		AmountRequired: decimal.RequireFromString("0.00105"),
		ModelOrNode:    "model-a",
		TokensOrCalls:  1,
		Status:         models.StatusPendingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
		Meta:           map[string]interface{}{"description": "test", "node_index": 2},
	}
}

func TestCreateAndGetEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entry := newEntry("wallet:abc")
	require.NoError(t, store.CreateEntry(ctx, entry))

	got, err := store.GetEntryByRequestID(ctx, entry.RequestID)
	require.NoError(t, err)
	assert.Equal(t, entry.Nonce, got.Nonce)
	assert.True(t, got.AmountRequired.Equal(entry.AmountRequired), "amount %s", got.AmountRequired)
	assert.Equal(t, "test", got.MetaString("description"))
	idx, ok := got.MetaInt("node_index")
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, err = store.GetEntryByRequestID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateEntryRejectsDuplicateNonce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newEntry("u")
	require.NoError(t, store.CreateEntry(ctx, first))

	second := newEntry("u")
	second.Nonce = first.Nonce
	assert.ErrorIs(t, store.CreateEntry(ctx, second), ErrDuplicate)
}

func TestTransitionEntryIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entry := newEntry("u")
	require.NoError(t, store.CreateEntry(ctx, entry))

	paidAt := time.Now().UTC()
	paid, err := store.TransitionEntry(ctx, entry.RequestID,
		[]models.InvoiceStatus{models.StatusPendingPayment},
		models.EntryPatch{Status: models.StatusPaid, TxReference: "tx-A", PaidAt: &paidAt})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, paid.Status)
	assert.Equal(t, "tx-A", paid.TxReference)
	require.NotNil(t, paid.PaidAt)

	// Already paid: a second pending->paid loses.
	_, err = store.TransitionEntry(ctx, entry.RequestID,
		[]models.InvoiceStatus{models.StatusPendingPayment},
		models.EntryPatch{Status: models.StatusPaid, TxReference: "tx-A"})
	assert.ErrorIs(t, err, ErrStaleTransition)

	// A different reference is never written over the recorded one.
	_, err = store.TransitionEntry(ctx, entry.RequestID,
		[]models.InvoiceStatus{models.StatusPaid},
		models.EntryPatch{Status: models.StatusCompleted, TxReference: "tx-B"})
	assert.ErrorIs(t, err, ErrStaleTransition)

	done, err := store.TransitionEntry(ctx, entry.RequestID,
		[]models.InvoiceStatus{models.StatusPaid},
		models.EntryPatch{
			Status:         models.StatusCompleted,
			Meta:           map[string]interface{}{"result": map[string]interface{}{"output": "hi"}},
			ResponseStatus: 200,
			ResponseBody:   []byte(`{"status":"ok"}`),
		})
	require.NoError(t, err)
	assert.Equal(t, "tx-A", done.TxReference)
	assert.Equal(t, 200, done.ResponseStatus)
	assert.JSONEq(t, `{"status":"ok"}`, string(done.ResponseBody))

	_, err = store.TransitionEntry(ctx, "missing",
		[]models.InvoiceStatus{models.StatusPaid}, models.EntryPatch{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionEntryConcurrentWinnerIsUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entry := newEntry("u")
	require.NoError(t, store.CreateEntry(ctx, entry))

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionEntry(ctx, entry.RequestID,
				[]models.InvoiceStatus{models.StatusPendingPayment},
				models.EntryPatch{Status: models.StatusPaid, TxReference: "tx-A"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSettledReferencePaysOneEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first, second := newEntry("u"), newEntry("u")
	require.NoError(t, store.CreateEntry(ctx, first))
	require.NoError(t, store.CreateEntry(ctx, second))

	pay := models.EntryPatch{Status: models.StatusPaid, TxReference: "tx-A", SettledReference: "tx-A"}
	_, err := store.TransitionEntry(ctx, first.RequestID, []models.InvoiceStatus{models.StatusPendingPayment}, pay)
	require.NoError(t, err)

	_, err = store.TransitionEntry(ctx, second.RequestID, []models.InvoiceStatus{models.StatusPendingPayment}, pay)
	assert.ErrorIs(t, err, ErrDuplicate)

	owner, err := store.GetEntryBySettledReference(ctx, "tx-A")
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, owner.RequestID)

	left, err := store.GetEntryByRequestID(ctx, second.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPayment, left.Status)
	assert.Empty(t, left.TxReference)

	_, err = store.GetEntryBySettledReference(ctx, "tx-B")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceProgressIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entry := newEntry("u")
	require.NoError(t, store.CreateEntry(ctx, entry))

	got, err := store.AdvanceProgress(ctx, entry.RequestID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Progress)

	_, err = store.AdvanceProgress(ctx, entry.RequestID, 0)
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err = store.AdvanceProgress(ctx, entry.RequestID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress)

	_, err = store.AdvanceProgress(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := "0xabc:2026-10-15"

	first := newEntry("u")
	first.ClaimKey = &key
	require.NoError(t, store.CreateEntry(ctx, first))

	second := newEntry("u")
	second.ClaimKey = &key
	assert.ErrorIs(t, store.CreateEntry(ctx, second), ErrDuplicate)

	got, err := store.GetEntryByClaimKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, got.RequestID)

	// Entries without a claim key never collide.
	require.NoError(t, store.CreateEntry(ctx, newEntry("u")))
	require.NoError(t, store.CreateEntry(ctx, newEntry("u")))
}

func TestListEntriesByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	older := newEntry("alice")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := newEntry("alice")
	require.NoError(t, store.CreateEntry(ctx, older))
	require.NoError(t, store.CreateEntry(ctx, newer))
	require.NoError(t, store.CreateEntry(ctx, newEntry("bob")))

	entries, err := store.ListEntriesByUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer.RequestID, entries[0].RequestID)
}

func TestFindCompletedPrepay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entry := newEntry("u")
	entry.Type = models.InvoiceWorkflowPrepay
	entry.SessionID = "sess-1"
	require.NoError(t, store.CreateEntry(ctx, entry))

	_, err := store.FindCompletedPrepay(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.TransitionEntry(ctx, entry.RequestID,
		[]models.InvoiceStatus{models.StatusPendingPayment},
		models.EntryPatch{Status: models.StatusCompleted, TxReference: "tx"})
	require.NoError(t, err)

	got, err := store.FindCompletedPrepay(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, entry.RequestID, got.RequestID)
}

func TestHoldings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := &models.Holding{
		Wallet:     "0xabc",
		UserID:     "wallet:0xabc",
		ShareID:    "model-a",
		Kind:       models.HoldingShare,
		Quantity:   1,
		AmountPaid: decimal.NewFromInt(5),
		RequestID:  "req-1",
	}
	require.NoError(t, store.AddHolding(ctx, h))
	dup := *h
	dup.ID = 0
	assert.ErrorIs(t, store.AddHolding(ctx, &dup), ErrDuplicate)

	list, err := store.ListHoldings(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "model-a", list[0].ShareID)
}
