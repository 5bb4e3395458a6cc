package models

import "context"

// Repository is the durable invoice ledger.
type Repository interface {
	CreateEntry(ctx context.Context, entry *InvoiceEntry) error
	GetEntryByRequestID(ctx context.Context, requestID string) (*InvoiceEntry, error)
	// TransitionEntry moves an entry from one of the given statuses to
	// patch.Status atomically. It fails with ErrStaleTransition when the entry
	// is no longer in an expected status, or when a tx reference is already
	// recorded and differs from patch.TxReference. It fails with ErrDuplicate
	// when patch.SettledReference already settled another entry.
	TransitionEntry(ctx context.Context, requestID string, from []InvoiceStatus, patch EntryPatch) (*InvoiceEntry, error)
	ListEntriesByUser(ctx context.Context, userID string, limit int) ([]*InvoiceEntry, error)
	GetEntryByClaimKey(ctx context.Context, claimKey string) (*InvoiceEntry, error)
	FindCompletedPrepay(ctx context.Context, sessionID string) (*InvoiceEntry, error)
	// GetEntryBySettledReference returns the entry a transaction settled.
	GetEntryBySettledReference(ctx context.Context, ref string) (*InvoiceEntry, error)
	// AdvanceProgress moves Progress from one value to the next. It fails with
	// ErrStaleTransition when Progress is no longer from.
	AdvanceProgress(ctx context.Context, requestID string, from int) (*InvoiceEntry, error)

	AddHolding(ctx context.Context, holding *Holding) error
	ListHoldings(ctx context.Context, wallet string) ([]*Holding, error)

	Close() error
}
