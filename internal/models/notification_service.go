package models

//go:generate mockgen -source=notification_service.go -destination=mocks/notification_service.go -package=mocks

import "context"

// NotificationService alerts operators about ledger events that need a human,
// such as stray payments that may have to be refunded.
type NotificationService interface {
	NotifyOrphanPayment(ctx context.Context, original, orphan *InvoiceEntry)
}
