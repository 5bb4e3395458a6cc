package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/x402"
)

// Tier is one staleness level of transaction lookup: a read state and the
// number of attempts made against it.
type Tier struct {
	Name     string
	Attempts int
	Delay    time.Duration
}

// resolve polls fetch tier by tier until it reports found. Lookup errors
// count as "not visible yet"; the last one is returned if nothing is found.
func resolve[T any](ctx context.Context, tiers []Tier, fetch func(ctx context.Context, tier Tier) (T, bool, error)) (T, bool, error) {
	var (
		zero    T
		lastErr error
	)
	for _, tier := range tiers {
		for attempt := 0; attempt < tier.Attempts; attempt++ {
			v, found, err := fetch(ctx, tier)
			if err == nil && found {
				return v, true, nil
			}
			if err != nil {
				lastErr = err
			}
			if tier.Delay > 0 {
				timer := time.NewTimer(tier.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, false, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
	return zero, false, lastErr
}

// ToBaseUnits converts a decimal amount into the asset's smallest unit,
// truncating digits beyond the asset precision.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts a smallest-unit amount back into a decimal.
func FromBaseUnits(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}

func failure(code, message string, details map[string]interface{}) *models.Verification {
	return &models.Verification{OK: false, Code: code, Message: message, Details: details}
}

func notFound(ref, rpcURL, network, explorer string, lastErr error) *models.Verification {
	details := map[string]interface{}{
		"signature":    ref,
		"rpcUrl":       rpcURL,
		"network":      network,
		"explorerLink": explorer,
		"note":         "Transaction not visible on RPC yet. Confirm on the explorer and retry.",
	}
	if lastErr != nil {
		details["lastError"] = lastErr.Error()
	}
	v := failure(x402.CodeTxNotFound, "Transaction not found on chain yet", details)
	v.Retryable = true
	return v
}

func insufficient(expected, received *big.Int) *models.Verification {
	return failure(x402.CodeInsufficientAmount, "Transferred amount is below the invoice amount", map[string]interface{}{
		"expected": expected.String(),
		"received": received.String(),
	})
}

func memoResult(expected string, found []string) *bool {
	if expected == "" {
		return nil
	}
	matched := false
	for _, m := range found {
		if m == expected {
			matched = true
			break
		}
	}
	return &matched
}

// Registry picks a verifier by network name.
type Registry struct {
	verifiers map[string]models.PaymentVerifier
	fallback  string
}

func NewRegistry(defaultNetwork string) *Registry {
	return &Registry{verifiers: make(map[string]models.PaymentVerifier), fallback: defaultNetwork}
}

// Register binds a verifier to one or more network names.
func (r *Registry) Register(v models.PaymentVerifier, networks ...string) {
	for _, n := range networks {
		r.verifiers[n] = v
	}
}

// For returns the verifier for network, falling back to the default network.
func (r *Registry) For(network string) (models.PaymentVerifier, error) {
	if v, ok := r.verifiers[network]; ok {
		return v, nil
	}
	if network == "" {
		if v, ok := r.verifiers[r.fallback]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no verifier registered for network %q", network)
}

// Default returns the verifier of the default network.
func (r *Registry) Default() (models.PaymentVerifier, error) {
	return r.For(r.fallback)
}
