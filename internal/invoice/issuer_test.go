package invoice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/pkg/logger"
)

func newTestIssuer(t *testing.T) (*Issuer, *repository.Store) {
	t.Helper()
	store, err := repository.NewSQLiteDB(":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := models.PaymentConfig{
		Network:         "solana-devnet",
		Currency:        "USDC",
		Recipient:       "Recipient1111111111111111111111111111111111",
		Mint:            "Mint111111111111111111111111111111111111111",
		Decimals:        6,
		RPCURL:          "https://api.devnet.solana.com",
		ExplorerBaseURL: "https://explorer.solana.com/tx",
	}
	return NewIssuer(store, cfg, logger.NewNop()), store
}

func TestCreateInvoice(t *testing.T) {
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	issuer.SetClock(func() time.Time { return now })

	entry, err := issuer.CreateInvoice(ctx, Params{
		Type:        models.InvoiceInfer,
		UserID:      "wallet:abc",
		Target:      "model-a",
		Amount:      decimal.RequireFromString("0.0010500004"),
		Description: "Model call",
		Units:       1,
		Meta:        map[string]interface{}{"prompt": "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, "0.00105", entry.AmountRequired.String())
	assert.Equal(t, models.StatusPendingPayment, entry.Status)
	assert.Equal(t, now.Add(DefaultTTL), entry.ExpiresAt)
	assert.NotEqual(t, entry.RequestID, entry.Nonce)
	assert.Equal(t, "hello", entry.MetaString("prompt"))
	assert.Equal(t, "Model call", entry.MetaString("description"))

	stored, err := store.GetEntryByRequestID(ctx, entry.RequestID)
	require.NoError(t, err)
	assert.Equal(t, entry.Nonce, stored.Nonce)

	other, err := issuer.CreateInvoice(ctx, Params{Type: models.InvoiceInfer, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.NotEqual(t, entry.RequestID, other.RequestID)
	assert.NotEqual(t, entry.Nonce, other.Nonce)
}

func TestReissueKeepsTargetWithFreshIdentity(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	orig, err := issuer.CreateInvoice(ctx, Params{
		Type: models.InvoiceWorkflow, UserID: "u", Target: "node-a", Units: 3,
		Amount: decimal.RequireFromString("0.00315"), Description: "node", SessionID: "s-1",
		Meta: map[string]interface{}{"node_index": 1},
	})
	require.NoError(t, err)

	fresh, err := issuer.Reissue(ctx, orig)
	require.NoError(t, err)
	assert.NotEqual(t, orig.RequestID, fresh.RequestID)
	assert.NotEqual(t, orig.Nonce, fresh.Nonce)
	assert.True(t, orig.AmountRequired.Equal(fresh.AmountRequired))
	assert.Equal(t, orig.ModelOrNode, fresh.ModelOrNode)
	assert.Equal(t, "s-1", fresh.SessionID)
	assert.Equal(t, orig.RequestID, fresh.MetaString("replaces_request_id"))
	idx, _ := fresh.MetaInt("node_index")
	assert.Equal(t, 1, idx)
}

func TestBuildInvoiceResponse(t *testing.T) {
	entry := &models.InvoiceEntry{
		RequestID:      "req-1",
		Nonce:          "nonce-1",
		AmountRequired: decimal.RequireFromString("0.00105"),
		ExpiresAt:      time.Date(2026, 10, 15, 12, 5, 0, 0, time.UTC),
		Meta:           map[string]interface{}{"description": "Model call"},
	}
	cfg := models.PaymentConfig{Network: "solana-devnet", Currency: "USDC", Decimals: 6}

	body := BuildInvoiceResponse(entry, map[string]interface{}{"auto_router": map[string]string{"model": "m"}}, cfg)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "payment_required", got["status"])
	assert.Equal(t, "req-1", got["memo"])
	assert.Equal(t, 0.00105, got["amount_usdc"])
	assert.Equal(t, "2026-10-15T12:05:00Z", got["expires_at"])
	assert.Equal(t, "Model call", got["description"])
	assert.Contains(t, got, "auto_router")
	assert.Contains(t, got, "failure_modes")
	assert.NotContains(t, got, "payment_url")
	assert.NotContains(t, got, "faucet_url")

	cfg.PaymentURL = "https://pay.example"
	raw, err = json.Marshal(BuildInvoiceResponse(entry, nil, cfg))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payment_url":"https://pay.example"`)
}
