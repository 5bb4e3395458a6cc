package validation

import (
	"encoding/hex"
	"fmt"
	"strings"

	gocommon "github.com/core-coin/go-core/v2/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// Chain families whose wallet addresses can be validated.
const (
	ChainSolana = "solana"
	ChainEVM    = "evm"
	ChainCore   = "core"
	ChainLinera = "linera"
)

// ValidateAddress validates a wallet address for the given chain family.
func ValidateAddress(chain, addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch chain {
	case ChainSolana:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return fmt.Errorf("invalid solana address: %w", err)
		}
	case ChainEVM, ChainLinera:
		if !ethcommon.IsHexAddress(addr) {
			return fmt.Errorf("invalid hex address %q", addr)
		}
	case ChainCore:
		// Core addresses are 22 bytes: 44 hex characters without prefix.
		normalized := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
		if len(normalized) != 44 {
			return fmt.Errorf("invalid address length: expected 44 characters (without 0x), got %d", len(normalized))
		}
		if _, err := hex.DecodeString(normalized); err != nil {
			return fmt.Errorf("invalid hex address: %w", err)
		}
		if _, err := gocommon.HexToAddress(normalized); err != nil {
			return fmt.Errorf("invalid core address: %w", err)
		}
	default:
		return fmt.Errorf("unsupported chain %q", chain)
	}
	return nil
}

// NormalizeAddress returns the canonical comparison form of an address.
// Base58 is case sensitive and left untouched; hex forms are lowercased,
// with 0x kept for EVM and dropped for Core.
func NormalizeAddress(chain, addr string) string {
	addr = strings.TrimSpace(addr)
	switch chain {
	case ChainSolana:
		return addr
	case ChainCore:
		addr = strings.TrimPrefix(addr, "0x")
		addr = strings.TrimPrefix(addr, "0X")
		return strings.ToLower(addr)
	default:
		return strings.ToLower(addr)
	}
}

// SameAddress compares two addresses in their normalized form.
func SameAddress(chain, a, b string) bool {
	return NormalizeAddress(chain, a) == NormalizeAddress(chain, b)
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(chain, addr string) (string, error) {
	if err := ValidateAddress(chain, addr); err != nil {
		return "", err
	}
	return NormalizeAddress(chain, addr), nil
}
