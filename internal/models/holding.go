package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldingKind tells share ownership apart from prepaid call credit.
type HoldingKind string

const (
	HoldingShare HoldingKind = "share"
	HoldingToken HoldingKind = "token"
)

// Holding records an asset granted by a settled share or token purchase.
type Holding struct {
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// Wallet is the buyer's wallet address, lowercased.
	Wallet  string      `json:"wallet" gorm:"column:wallet;size:128;index"`
	UserID  string      `json:"user_id" gorm:"column:user_id;size:128;index"`
	ShareID string      `json:"share_id" gorm:"column:share_id;size:255;not null"`
	Kind    HoldingKind `json:"kind" gorm:"column:kind;size:16;not null"`
	// Quantity is shares for share purchases and calls for token purchases.
	Quantity   int64           `json:"quantity" gorm:"column:quantity"`
	AmountPaid decimal.Decimal `json:"amount_usdc" gorm:"column:amount_usdc;type:decimal(20,6)"`
	// RequestID is the invoice that paid for the holding; one holding per invoice.
	RequestID string    `json:"request_id" gorm:"column:request_id;size:64;uniqueIndex"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Holding) TableName() string {
	return "holdings"
}
