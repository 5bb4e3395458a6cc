package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/x402"
)

func TestPromptSettler(t *testing.T) {
	inv := &x402.Invoice{RequestID: "req-1", Network: "solana-devnet", AmountUSDC: 0.00105, Currency: "USDC", Memo: "req-1"}

	var out bytes.Buffer
	s := promptSettler{in: bufio.NewReader(strings.NewReader("  5xSig  \n")), out: &out}
	proof, err := s.Settle(context.Background(), inv)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, "5xSig", proof.TxReference)
	assert.Equal(t, "solana-devnet", proof.Network)
	assert.Contains(t, out.String(), "0.001050 USDC")

	s = promptSettler{in: bufio.NewReader(strings.NewReader("\n")), out: &out}
	proof, err = s.Settle(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, proof)
}

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{Payments: models.PaymentConfig{Chain: "linera", Network: "linera-testnet"}}
	registry, closeFn, err := newRegistry(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer closeFn()

	primary, err := registry.For("linera-testnet")
	require.NoError(t, err)
	signed, err := registry.For(string(x402.ProofSignedTransfer))
	require.NoError(t, err)
	assert.Same(t, primary, signed)

	cfg.Payments.Chain = "bitcoin"
	_, _, err = newRegistry(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}
