// Package invoice issues payment requests and renders them as 402 bodies.
package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/x402"
)

// DefaultTTL applies when no positive invoice TTL is configured.
const DefaultTTL = 300 * time.Second

// AmountPrecision is the number of fractional digits kept on invoice amounts.
const AmountPrecision = 6

// Params describes an invoice to issue.
type Params struct {
	Type        models.InvoiceType
	UserID      string
	Target      string
	Amount      decimal.Decimal
	Description string
	Units       int64
	SessionID   string
	Meta        map[string]interface{}
}

type Issuer struct {
	logger   *logger.Logger
	repo     models.Repository
	payments models.PaymentConfig
	now      func() time.Time
}

func NewIssuer(repo models.Repository, payments models.PaymentConfig, logger *logger.Logger) *Issuer {
	if payments.InvoiceTTL <= 0 {
		payments.InvoiceTTL = DefaultTTL
	}
	return &Issuer{
		logger:   logger,
		repo:     repo,
		payments: payments,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Now returns the issuer's current time.
func (i *Issuer) Now() time.Time { return i.now() }

// Payments returns the settlement configuration advertised in invoices.
func (i *Issuer) Payments() models.PaymentConfig { return i.payments }

// CreateInvoice stores a new pending invoice with a fresh request id and nonce.
func (i *Issuer) CreateInvoice(ctx context.Context, p Params) (*models.InvoiceEntry, error) {
	now := i.now()
	meta := make(map[string]interface{}, len(p.Meta)+1)
	for k, v := range p.Meta {
		meta[k] = v
	}
	meta["description"] = p.Description

	entry := &models.InvoiceEntry{
		ID:             uuid.NewString(),
		RequestID:      uuid.NewString(),
		Nonce:          uuid.NewString(),
		Type:           p.Type,
		UserID:         p.UserID,
		AmountRequired: p.Amount.Round(AmountPrecision),
		ModelOrNode:    p.Target,
		TokensOrCalls:  p.Units,
		Status:         models.StatusPendingPayment,
		SessionID:      p.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(i.payments.InvoiceTTL),
		Meta:           meta,
	}
	if err := i.repo.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to issue invoice: %w", err)
	}

	i.logger.Debug("Issued invoice",
		"request_id", entry.RequestID, "type", entry.Type, "amount", entry.AmountRequired.String(), "user", entry.UserID)
	return entry, nil
}

// Reissue replaces an expired invoice with a fresh one for the same target,
// amount and metadata.
func (i *Issuer) Reissue(ctx context.Context, expired *models.InvoiceEntry) (*models.InvoiceEntry, error) {
	meta := expired.CloneMeta()
	meta["replaces_request_id"] = expired.RequestID
	return i.CreateInvoice(ctx, Params{
		Type:        expired.Type,
		UserID:      expired.UserID,
		Target:      expired.ModelOrNode,
		Amount:      expired.AmountRequired,
		Description: expired.MetaString("description"),
		Units:       expired.TokensOrCalls,
		SessionID:   expired.SessionID,
		Meta:        meta,
	})
}

// Response renders entry with the issuer's payment configuration.
func (i *Issuer) Response(entry *models.InvoiceEntry, extras map[string]interface{}) x402.Invoice {
	return BuildInvoiceResponse(entry, extras, i.payments)
}

// BuildInvoiceResponse renders the payment-required body for entry. Optional
// fields left empty in cfg are omitted from the JSON entirely.
func BuildInvoiceResponse(entry *models.InvoiceEntry, extras map[string]interface{}, cfg models.PaymentConfig) x402.Invoice {
	inv := x402.Invoice{
		Status:           x402.StatusPaymentRequired,
		RequestID:        entry.RequestID,
		Nonce:            entry.Nonce,
		AmountUSDC:       entry.AmountRequired.Round(AmountPrecision).InexactFloat64(),
		Currency:         cfg.Currency,
		Recipient:        cfg.Recipient,
		Network:          cfg.Network,
		NetworkName:      cfg.NetworkName,
		Mint:             cfg.Mint,
		ExpiresAt:        entry.ExpiresAt.UTC(),
		Memo:             entry.RequestID,
		Description:      entry.MetaString("description"),
		Decimals:         int(cfg.Decimals),
		RPCEndpoint:      cfg.RPCURL,
		ExplorerBaseURL:  cfg.ExplorerBaseURL,
		PaymentURL:       cfg.PaymentURL,
		FaucetURL:        cfg.FaucetURL,
		RecipientChainID: cfg.RecipientChainID,
		FailureModes:     x402.DefaultFailureModes,
	}
	if len(extras) > 0 {
		inv.Extras = make(map[string]interface{}, len(extras))
		for k, v := range extras {
			inv.Extras[k] = v
		}
	}
	return inv
}
