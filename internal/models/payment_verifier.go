package models

//go:generate mockgen -source=payment_verifier.go -destination=mocks/payment_verifier.go -package=mocks

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TransferRequest is everything a verifier needs to check one settlement.
type TransferRequest struct {
	TxReference string
	Amount      decimal.Decimal
	Currency    string
	// Mint is the asset identifier: SPL mint, ERC-20 or CBC-20 contract.
	Mint      string
	Recipient string
	Decimals  int32
	// Memo is the expected memo, the invoice request id by convention.
	Memo string
	// ExpectedPayer is optional; when set the transaction signer must match.
	ExpectedPayer string
	Network       string
	EnforceMemo   bool

	// Signed transfer fields, only used by the signed-message verifier.
	Nonce         string
	Signature     string
	Message       string
	SenderAddress string
	SenderChainID string
}

// Verification is the outcome of checking a transfer. A failed verification
// is not a Go error: OK is false and Code says why.
type Verification struct {
	OK bool `json:"ok"`

	Payer       string    `json:"payer,omitempty"`
	AmountRaw   *big.Int  `json:"amount_raw,omitempty"`
	ExplorerURL string    `json:"explorer_url,omitempty"`
	MemoMatched *bool     `json:"memo_matched,omitempty"`
	Slot        uint64    `json:"slot,omitempty"`
	BlockTime   time.Time `json:"block_time,omitempty"`
	Method      string    `json:"method,omitempty"`

	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	// Retryable marks failures caused by propagation lag rather than a bad payment.
	Retryable bool `json:"retryable,omitempty"`
}

// Meta renders the verification for storage in an invoice's meta bag.
func (v *Verification) Meta() map[string]interface{} {
	m := map[string]interface{}{"ok": v.OK}
	if v.Payer != "" {
		m["payer"] = v.Payer
	}
	if v.AmountRaw != nil {
		m["amount_raw"] = v.AmountRaw.String()
	}
	if v.ExplorerURL != "" {
		m["explorer_url"] = v.ExplorerURL
	}
	if v.MemoMatched != nil {
		m["memo_matched"] = *v.MemoMatched
	}
	if v.Slot != 0 {
		m["slot"] = v.Slot
	}
	if !v.BlockTime.IsZero() {
		m["block_time"] = v.BlockTime.UTC().Format(time.RFC3339)
	}
	if v.Method != "" {
		m["method"] = v.Method
	}
	return m
}

// PaymentVerifier confirms that a transfer settles an invoice. One
// implementation exists per settlement network family.
type PaymentVerifier interface {
	VerifyTransfer(ctx context.Context, req TransferRequest) (*Verification, error)
	// ExplorerURL renders a block-explorer link for a transaction reference.
	ExplorerURL(txReference string) string
}
