package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentConfig describes where and how invoices are settled.
type PaymentConfig struct {
	// Chain selects the verifier family: solana, evm, core or linera.
	Chain string `validate:"oneof=solana evm core linera"`
	// Network is the value advertised in invoices and expected in proofs.
	Network  string `validate:"required"`
	Currency string `validate:"required"`
	// Recipient receives settlements. For SPL tokens it is the owner, not the token account.
	Recipient string `validate:"required"`
	// Mint is the token mint or ERC-20 contract of the settlement asset.
	Mint     string
	Decimals int32  `validate:"min=0,max=18"`
	RPCURL   string `validate:"required_unless=Chain linera"`

	ExplorerBaseURL  string
	PaymentURL       string
	NetworkName      string
	FaucetURL        string
	RecipientChainID string

	// EVMChainID is used to recover EVM senders.
	EVMChainID int64
	// CoreNetworkID is used to recover Core senders.
	CoreNetworkID int64

	InvoiceTTL time.Duration `validate:"min=1s"`
	// EnforceMemo turns a memo mismatch into a fatal verification error.
	EnforceMemo bool
}

// Pricing holds the price list used for quoting.
type Pricing struct {
	PricePerCall   decimal.Decimal
	GasPerCall     decimal.Decimal
	ShareMin       decimal.Decimal
	ShareMax       decimal.Decimal
	TokenMin       decimal.Decimal
	TokenMax       decimal.Decimal
	TokenUnitPrice decimal.Decimal
	CheckinReward  decimal.Decimal
}

// DefaultPricing is the price list applied when nothing is configured.
func DefaultPricing() Pricing {
	return Pricing{
		PricePerCall:   decimal.RequireFromString("0.0008"),
		GasPerCall:     decimal.RequireFromString("0.00025"),
		ShareMin:       decimal.NewFromInt(1),
		ShareMax:       decimal.NewFromInt(20),
		TokenMin:       decimal.RequireFromString("0.000001"),
		TokenMax:       decimal.NewFromInt(100),
		TokenUnitPrice: decimal.RequireFromString("0.00006"),
		CheckinReward:  decimal.RequireFromString("0.01"),
	}
}
