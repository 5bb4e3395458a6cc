package blockchain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
	}{
		{"0.00105", 6, "1050"},
		{"1", 6, "1000000"},
		{"0.0000019", 6, "1"},
		{"20", 18, "20000000000000000000"},
		{"0", 6, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals).String())
		})
	}
	assert.Equal(t, "0.00105", FromBaseUnits(big.NewInt(1050), 6).String())
}

func TestResolveStopsOnFirstHit(t *testing.T) {
	calls := 0
	tiers := []Tier{{Name: "a", Attempts: 3}, {Name: "b", Attempts: 3}}
	v, found, err := resolve(context.Background(), tiers, func(_ context.Context, tier Tier) (string, bool, error) {
		calls++
		if calls == 1 {
			return "", false, errors.New("rpc down")
		}
		return tier.Name, tier.Name == "b", nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", v)
	assert.Equal(t, 4, calls)
}

func TestResolveReportsLastError(t *testing.T) {
	_, found, err := resolve(context.Background(), []Tier{{Name: "a", Attempts: 2}}, func(context.Context, Tier) (int, bool, error) {
		return 0, false, errors.New("rpc down")
	})
	assert.False(t, found)
	assert.EqualError(t, err, "rpc down")
}

func TestExplorerURL(t *testing.T) {
	tests := []struct {
		name, base, network, ref, want string
	}{
		{"path append", "https://explorer.solana.com/tx/", "solana", "abc", "https://explorer.solana.com/tx/abc"},
		{"devnet cluster", "https://explorer.solana.com/tx", "solana-devnet", "abc", "https://explorer.solana.com/tx/abc?cluster=devnet"},
		{"template", "https://scan.example/{tx}?ref=1", "solana-devnet", "abc", "https://scan.example/abc?ref=1&cluster=devnet"},
		{"cluster already present", "https://explorer.solana.com/tx/{tx}?cluster=custom", "solana-devnet", "abc", "https://explorer.solana.com/tx/abc?cluster=custom"},
		{"evm has no cluster", "https://sepolia.basescan.org/tx", "base-testnet", "0x1", "https://sepolia.basescan.org/tx/0x1"},
		{"no base", "", "solana", "abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExplorerURL(tt.base, tt.network, tt.ref))
		})
	}
}

func TestRegistry(t *testing.T) {
	sol := NewSignedTransferVerifier(models.PaymentConfig{Network: "solana"}, logger.NewNop())
	evm := NewSignedTransferVerifier(models.PaymentConfig{Network: "base"}, logger.NewNop())
	r := NewRegistry("solana")
	r.Register(sol, "solana", "solana-devnet")
	r.Register(evm, "base")

	got, err := r.For("base")
	require.NoError(t, err)
	assert.Same(t, evm, got)

	got, err = r.For("")
	require.NoError(t, err)
	assert.Same(t, sol, got)

	_, err = r.For("bitcoin")
	assert.Error(t, err)
}
