package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceType names what an invoice charges for.
type InvoiceType string

const (
	InvoiceInfer          InvoiceType = "infer"
	InvoiceWorkflow       InvoiceType = "workflow"
	InvoiceWorkflowPrepay InvoiceType = "workflow_prepay"
	InvoiceShare          InvoiceType = "share"
	InvoiceToken          InvoiceType = "token"
	InvoiceCheckin        InvoiceType = "checkin"
	InvoiceOrphanPayment  InvoiceType = "orphan_payment"
)

// InvoiceStatus is the billing state of an entry.
//
//	pending_payment -> paid -> completed
//	pending_payment -> expired
//	(sibling entry)    flagged_orphan
type InvoiceStatus string

const (
	StatusPendingPayment InvoiceStatus = "pending_payment"
	StatusPaid           InvoiceStatus = "paid"
	StatusCompleted      InvoiceStatus = "completed"
	StatusExpired        InvoiceStatus = "expired"
	StatusFlaggedOrphan  InvoiceStatus = "flagged_orphan"
)

// InvoiceEntry is one row of the append-only billing ledger.
type InvoiceEntry struct {
	// ID is the internal identifier, never shown to clients as a correlation id.
	ID string `json:"id" gorm:"column:id;primaryKey;size:36"`
	// RequestID is the externally visible correlation id the client attaches proofs to.
	RequestID string `json:"request_id" gorm:"column:request_id;size:64;uniqueIndex;not null"`
	// Nonce binds a proof to exactly this invoice.
	Nonce string      `json:"nonce" gorm:"column:nonce;size:64;uniqueIndex;not null"`
	Type  InvoiceType `json:"type" gorm:"column:type;size:32;index;not null"`
	// UserID is a wallet-derived identity or the anonymous bucket.
	UserID string `json:"user_id" gorm:"column:user_id;size:128;index"`
	// AmountRequired is fixed at issuance, rounded to 6 fractional digits.
	AmountRequired decimal.Decimal `json:"amount_usdc" gorm:"column:amount_usdc;type:decimal(20,6);not null"`
	// ModelOrNode references the billable resource.
	ModelOrNode   string        `json:"model_or_node" gorm:"column:model_or_node;size:255"`
	TokensOrCalls int64         `json:"tokens_or_calls" gorm:"column:tokens_or_calls"`
	Status        InvoiceStatus `json:"status" gorm:"column:status;size:32;index;not null"`
	// TxReference is empty until a proof is accepted and never changes afterwards.
	TxReference string `json:"tx_signature,omitempty" gorm:"column:tx_reference;size:255;index"`
	// SessionID links workflow invoices to their session.
	SessionID string `json:"session_id,omitempty" gorm:"column:session_id;size:64;index"`
	// ClaimKey is unique when set; check-ins use wallet:day.
	ClaimKey *string `json:"-" gorm:"column:claim_key;size:255;uniqueIndex"`
	// SettledReference is the on-chain reference that paid this entry. It is
	// unique, so a transaction settles at most one invoice.
	SettledReference *string `json:"-" gorm:"column:settled_reference;size:255;uniqueIndex"`
	// Progress counts the nodes of a prepaid workflow already executed.
	Progress int `json:"progress,omitempty" gorm:"column:progress;not null;default:0"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"column:expires_at;index"`
	PaidAt      *time.Time `json:"paid_at,omitempty" gorm:"column:paid_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty" gorm:"column:expired_at"`

	// Meta is an open bag: description, wallet, session linkage, prompt,
	// verification result and the computed business result.
	Meta datatypes.JSONMap `json:"meta" gorm:"column:meta"`

	// ResponseStatus and ResponseBody hold the terminal response exactly as it
	// was first sent so a replay is byte-identical.
	ResponseStatus int            `json:"-" gorm:"column:response_status"`
	ResponseBody   datatypes.JSON `json:"-" gorm:"column:response_body"`
}

// TableName specifies the table name for GORM
func (InvoiceEntry) TableName() string {
	return "invoice_entries"
}

// Expired reports whether the invoice can no longer be paid at t.
func (e *InvoiceEntry) Expired(t time.Time) bool {
	return t.After(e.ExpiresAt)
}

// MetaString returns a string value from Meta, or "".
func (e *InvoiceEntry) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// MetaInt returns an integer value from Meta. JSON round trips turn numbers
// into float64, so both forms are accepted.
func (e *InvoiceEntry) MetaInt(key string) (int, bool) {
	if e.Meta == nil {
		return 0, false
	}
	switch v := e.Meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// CloneMeta returns a shallow copy of Meta that is safe to modify.
func (e *InvoiceEntry) CloneMeta() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Meta)+4)
	for k, v := range e.Meta {
		out[k] = v
	}
	return out
}

// EntryPatch is the set of columns written by a status transition.
type EntryPatch struct {
	Status      InvoiceStatus
	TxReference string
	// SettledReference claims the transaction for this entry.
	SettledReference string
	PaidAt           *time.Time
	CompletedAt      *time.Time
	ExpiredAt        *time.Time
	Meta             map[string]interface{}
	ResponseStatus   int
	ResponseBody     []byte
}
