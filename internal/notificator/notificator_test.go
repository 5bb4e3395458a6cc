package notificator

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

type recordingSender struct {
	name  string
	err   error
	panic bool

	mu       sync.Mutex
	subjects []string
	messages []string
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, subject, message string) error {
	if r.panic {
		panic("channel exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.messages = append(r.messages, message)
	return r.err
}

func orphanPair() (*models.InvoiceEntry, *models.InvoiceEntry) {
	original := &models.InvoiceEntry{
		RequestID:   "req-original",
		Type:        models.InvoiceInfer,
		UserID:      "wallet:abc",
		TxReference: "tx-A",
	}
	orphan := &models.InvoiceEntry{
		RequestID:      "req-orphan",
		Type:           models.InvoiceOrphanPayment,
		TxReference:    "tx-B",
		AmountRequired: decimal.RequireFromString("0.00105"),
		Meta:           map[string]interface{}{"payment_network": "solana-devnet"},
	}
	return original, orphan
}

func TestOrphanMessage(t *testing.T) {
	msg := OrphanMessage(orphanPair())
	for _, want := range []string{"req-original", "tx-A", "req-orphan", "tx-B", "0.001050 USDC", "wallet:abc", "solana-devnet"} {
		assert.Contains(t, msg, want)
	}
}

func TestNotifyFansOutAndSurvivesFailures(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	failing := &recordingSender{name: "failing", err: errors.New("smtp down")}
	panicking := &recordingSender{name: "panicking", panic: true}
	n := NewNotificator(logger.NewNop(), ok, nil, failing, panicking)

	ctx, cancel := context.WithCancel(context.Background())
	original, orphan := orphanPair()
	n.NotifyOrphanPayment(ctx, original, orphan)
	cancel()
	n.Wait()

	require.Len(t, ok.subjects, 1)
	assert.Equal(t, "Duplicate payment on req-original", ok.subjects[0])
	assert.Contains(t, ok.messages[0], "req-orphan")
	assert.Len(t, failing.subjects, 1)
}

func TestNotifyWithoutSenders(t *testing.T) {
	n := NewNotificator(logger.NewNop())
	original, orphan := orphanPair()
	assert.NotPanics(t, func() { n.NotifyOrphanPayment(context.Background(), original, orphan) })
	n.Wait()
}

func TestEmailNotificatorSend(t *testing.T) {
	e := NewEmailNotificator(logger.NewNop(), "smtp.example.com", 587, "user", "secret", "alerts@example.com", "ops@example.com")

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.NotNil(t, a)
		assert.Equal(t, "alerts@example.com", from)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), "Duplicate payment", "body text"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.True(t, strings.HasPrefix(gotMsg, "From: alerts@example.com\r\nTo: ops@example.com\r\nSubject: Duplicate payment\r\n"))
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nbody text"))

	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	assert.ErrorContains(t, e.Send(context.Background(), "s", "m"), "failed to send email")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Send(ctx, "s", "m"), context.Canceled)
}
