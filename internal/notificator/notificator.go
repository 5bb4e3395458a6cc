// Package notificator alerts operators about ledger events that need a human.
package notificator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 30 * time.Second

// Sender delivers one alert over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, subject, message string) error
}

// Notificator fans alerts out to every configured sender. Delivery runs in
// the background so a slow channel never delays a payment response.
type Notificator struct {
	logger  *logger.Logger
	senders []Sender

	wg sync.WaitGroup
}

var _ models.NotificationService = (*Notificator)(nil)

func NewNotificator(logger *logger.Logger, senders ...Sender) *Notificator {
	var active []Sender
	for _, s := range senders {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Notificator{logger: logger, senders: active}
}

// safeCall runs a function with panic recovery
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// NotifyOrphanPayment reports a second payment against a settled invoice.
func (n *Notificator) NotifyOrphanPayment(ctx context.Context, original, orphan *models.InvoiceEntry) {
	if len(n.senders) == 0 {
		n.logger.Warn("Orphan payment not delivered, no alert channel configured",
			"request_id", original.RequestID, "orphan_request_id", orphan.RequestID)
		return
	}
	subject := fmt.Sprintf("Duplicate payment on %s", original.RequestID)
	message := OrphanMessage(original, orphan)
	ctx = context.WithoutCancel(ctx)

	for _, s := range n.senders {
		s := s
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.safeCall(func() {
				ctx, cancel := context.WithTimeout(ctx, sendTimeout)
				defer cancel()
				if err := s.Send(ctx, subject, message); err != nil {
					n.logger.Error("Failed to send orphan payment alert", "channel", s.Name(), "request_id", original.RequestID, "error", err)
					return
				}
				n.logger.Debug("Orphan payment alert sent", "channel", s.Name(), "request_id", original.RequestID)
			}, s.Name()+"Notification")
		}()
	}
}

// Wait blocks until every alert in flight has been delivered or dropped.
func (n *Notificator) Wait() {
	n.wg.Wait()
}

// OrphanMessage renders the alert text for a duplicate payment.
func OrphanMessage(original, orphan *models.InvoiceEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Duplicate payment flagged for refund review\n")
	fmt.Fprintf(&b, "Original request: %s (%s)\n", original.RequestID, original.Type)
	fmt.Fprintf(&b, "Original tx: %s\n", original.TxReference)
	fmt.Fprintf(&b, "Orphan request: %s\n", orphan.RequestID)
	fmt.Fprintf(&b, "Orphan tx: %s\n", orphan.TxReference)
	fmt.Fprintf(&b, "Amount: %s USDC\n", orphan.AmountRequired.StringFixed(6))
	if original.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", original.UserID)
	}
	if network := orphan.MetaString("payment_network"); network != "" {
		fmt.Fprintf(&b, "Network: %s\n", network)
	}
	return b.String()
}
