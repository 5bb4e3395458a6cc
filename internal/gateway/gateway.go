// Package gateway implements the x402 payment protocol in front of paid
// actions: quote, verify, settle, run, and replay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/catalog"
	"github.com/core-coin/tributum/internal/invoice"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/workflow"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

// underpayTolerance absorbs float formatting noise in client-reported amounts.
var underpayTolerance = decimal.New(1, -9)

// Meta keys written by the gateway.
const (
	metaVerification    = "verification"
	metaWallet          = "wallet_address"
	metaNetwork         = "payment_network"
	metaResult          = "result"
	metaResponseHeaders = "response_headers"
	metaPaymentMethod   = "payment_method"
	metaRemainingCalls  = "remaining_calls"
	metaLinkedRequestID = "linked_request_id"
	metaReason          = "reason"
)

// Verifiers resolves the verifier for a settlement network.
type Verifiers interface {
	For(network string) (models.PaymentVerifier, error)
}

// Router picks and prices models.
type Router interface {
	Route(req catalog.RouteRequest) (*models.RoutedModel, error)
	EstimateNodes(req models.WorkflowRequest) []models.WorkflowNode
	Ranked(categories []string) []catalog.Ranked
}

// Request carries the protocol inputs of one HTTP call.
type Request struct {
	Payment   string
	RequestID string
	Network   string
	Wallet    string
	UserID    string
	SessionID string
}

// Response is a fully rendered reply. Body holds the exact bytes to send.
type Response struct {
	Status int
	Body   []byte
	Header map[string]string
}

// Offer is what a call without proof is charged. Issue overrides the
// default issuance from Params.
type Offer struct {
	Params  invoice.Params
	Issue   func(ctx context.Context) (*models.InvoiceEntry, error)
	Extras  gin.H
	Headers map[string]string
}

// Settlement describes a paid invoice handed to an action.
type Settlement struct {
	Entry        *models.InvoiceEntry
	Proof        *x402.Proof
	Verification *models.Verification
	Request      *Request
	SettledAt    time.Time
}

// Payer returns the verified payer, falling back to the stored verification
// and the wallet hint.
func (s *Settlement) Payer() string {
	if s.Verification != nil && s.Verification.Payer != "" {
		return s.Verification.Payer
	}
	if v, ok := s.Entry.Meta[metaVerification].(map[string]interface{}); ok {
		if p, ok := v["payer"].(string); ok && p != "" {
			return p
		}
	}
	if w := s.Entry.MetaString(metaWallet); w != "" {
		return w
	}
	return s.Request.Wallet
}

// ExplorerURL returns the explorer link recorded at verification.
func (s *Settlement) ExplorerURL() string {
	if s.Verification != nil && s.Verification.ExplorerURL != "" {
		return s.Verification.ExplorerURL
	}
	if v, ok := s.Entry.Meta[metaVerification].(map[string]interface{}); ok {
		if u, ok := v["explorer_url"].(string); ok {
			return u
		}
	}
	return ""
}

// Result is an action's response. Meta is merged into the entry on completion.
type Result struct {
	Status  int
	Body    interface{}
	Headers map[string]string
	Meta    map[string]interface{}
}

// Action is the business effect of a paid request. Failures are reported in
// the result; the invoice is completed regardless.
type Action func(ctx context.Context, s *Settlement) Result

// Endpoint binds the protocol to one billable route.
type Endpoint struct {
	Name string
	// Types are the invoice types this endpoint settles.
	Types        []models.InvoiceType
	AllowPrepaid bool
	Quote        func(ctx context.Context) (*Offer, *Response)
	// Check validates an invoice before it is settled.
	Check  func(ctx context.Context, entry *models.InvoiceEntry) *Response
	Action Action
	// Extras renders the 402 extras of a reissued invoice.
	Extras func(entry *models.InvoiceEntry) gin.H
}

func (ep Endpoint) accepts(t models.InvoiceType) bool {
	for _, a := range ep.Types {
		if a == t {
			return true
		}
	}
	return false
}

type Gateway struct {
	logger    *logger.Logger
	repo      models.Repository
	issuer    *invoice.Issuer
	verifiers Verifiers
	router    Router
	backend   models.InferenceBackend
	workflows *workflow.Manager
	notifier  models.NotificationService
	pricing   models.Pricing

	locks *keyLock
}

func New(
	repo models.Repository,
	issuer *invoice.Issuer,
	verifiers Verifiers,
	router Router,
	backend models.InferenceBackend,
	workflows *workflow.Manager,
	notifier models.NotificationService,
	pricing models.Pricing,
	logger *logger.Logger,
) *Gateway {
	return &Gateway{
		logger:    logger,
		repo:      repo,
		issuer:    issuer,
		verifiers: verifiers,
		router:    router,
		backend:   backend,
		workflows: workflows,
		notifier:  notifier,
		pricing:   pricing,
		locks:     newKeyLock(),
	}
}

// Process runs the payment protocol for ep.
func (g *Gateway) Process(ctx context.Context, req *Request, ep Endpoint) Response {
	proof, err := x402.ParseProof(req.Payment)
	if err != nil {
		return errorResponse(http.StatusBadRequest, x402.StatusInvalidProof, err.Error(), nil)
	}
	if proof.IsPrepaid() && !ep.AllowPrepaid {
		return errorResponse(http.StatusBadRequest, x402.StatusInvalidProof, "Prepaid credits are not accepted by this endpoint.", nil)
	}

	if req.RequestID != "" {
		unlock := g.locks.Lock(req.RequestID)
		defer unlock()

		entry, err := g.repo.GetEntryByRequestID(ctx, req.RequestID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			entry = nil
		case err != nil:
			return g.internalError(ep.Name, err)
		}

		if entry != nil && ep.accepts(entry.Type) {
			if resp, ok := replay(entry, proof); ok {
				return resp
			}
		}
		if proof != nil {
			return g.settle(ctx, req, proof, entry, ep)
		}
	}

	if proof != nil {
		return errorResponse(http.StatusBadRequest, x402.StatusMissingRequestID,
			"Include X-Request-Id when submitting payment proof.", nil)
	}
	return g.quote(ctx, ep)
}

// replay returns the stored response of a completed entry. A proof carrying a
// different settlement reference is not a retry and is not replayed.
func replay(entry *models.InvoiceEntry, proof *x402.Proof) (Response, bool) {
	if entry.Status != models.StatusCompleted || len(entry.ResponseBody) == 0 {
		return Response{}, false
	}
	if proof != nil && !proof.IsPrepaid() && entry.TxReference != "" && proof.Reference() != entry.TxReference {
		return Response{}, false
	}

	header := map[string]string{x402.HeaderRequestID: entry.RequestID}
	if entry.SessionID != "" && entry.Type == models.InvoiceWorkflow {
		header[x402.HeaderWorkflowSession] = entry.SessionID
	}
	if stored, ok := entry.Meta[metaResponseHeaders].(map[string]interface{}); ok {
		for k, v := range stored {
			if s, ok := v.(string); ok {
				header[k] = s
			}
		}
	}
	return Response{Status: entry.ResponseStatus, Body: entry.ResponseBody, Header: header}, true
}

func (g *Gateway) quote(ctx context.Context, ep Endpoint) Response {
	offer, rejected := ep.Quote(ctx)
	if rejected != nil {
		return *rejected
	}

	var (
		entry *models.InvoiceEntry
		err   error
	)
	if offer.Issue != nil {
		entry, err = offer.Issue(ctx)
	} else {
		entry, err = g.issuer.CreateInvoice(ctx, offer.Params)
	}
	if err != nil {
		return g.internalError(ep.Name, err)
	}
	return g.paymentRequired(entry, offer.Extras, offer.Headers)
}

func (g *Gateway) paymentRequired(entry *models.InvoiceEntry, extras gin.H, headers map[string]string) Response {
	body, err := json.Marshal(g.issuer.Response(entry, extras))
	if err != nil {
		return g.internalError("invoice", err)
	}
	header := map[string]string{x402.HeaderRequestID: entry.RequestID}
	for k, v := range headers {
		header[k] = v
	}
	return Response{Status: http.StatusPaymentRequired, Body: body, Header: header}
}

func (g *Gateway) settle(ctx context.Context, req *Request, proof *x402.Proof, entry *models.InvoiceEntry, ep Endpoint) Response {
	if entry == nil || !ep.accepts(entry.Type) {
		return errorResponse(http.StatusNotFound, x402.StatusUnknownRequest,
			"Request not recognized; initiate a new invocation.", gin.H{"request_id": req.RequestID})
	}
	if ep.Check != nil {
		if rejected := ep.Check(ctx, entry); rejected != nil {
			return *rejected
		}
	}

	// Once a proof is being settled the client going away must not leave the
	// invoice half-way.
	ctx = context.WithoutCancel(ctx)

	if proof.IsPrepaid() {
		return g.settlePrepaid(ctx, req, proof, entry, ep)
	}

	ref := proof.Reference()
	if entry.TxReference != "" && entry.TxReference != ref {
		return g.duplicate(ctx, req, proof, entry, entry)
	}
	if entry.Status == models.StatusPaid {
		// Same proof again after the action did not finish.
		return g.complete(ctx, req, proof, entry, nil, ep)
	}

	owner, err := g.repo.GetEntryBySettledReference(ctx, ref)
	switch {
	case err == nil && owner.RequestID != entry.RequestID:
		return g.duplicate(ctx, req, proof, owner, entry)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return g.internalError(ep.Name, err)
	}

	if proof.Nonce != entry.Nonce {
		return errorResponse(http.StatusConflict, x402.StatusNonceMismatch,
			"Nonce mismatch; use the nonce from the invoice.", gin.H{"request_id": entry.RequestID})
	}

	now := g.issuer.Now()
	if entry.Status == models.StatusExpired || (entry.Status == models.StatusPendingPayment && entry.Expired(now)) {
		return g.expire(ctx, entry, ep, now)
	}
	if entry.Status != models.StatusPendingPayment {
		return errorResponse(http.StatusConflict, x402.StatusDuplicatePayment,
			"Invoice is no longer payable.", gin.H{"request_id": entry.RequestID, "invoice_status": entry.Status})
	}

	if proof.Amount.Add(underpayTolerance).LessThan(entry.AmountRequired) {
		return errorResponse(http.StatusPaymentRequired, x402.StatusUnderpaid,
			"Payment amount is below the invoice amount.", gin.H{
				"request_id":      entry.RequestID,
				"required_amount": entry.AmountRequired.InexactFloat64(),
				"paid_amount":     proof.Amount.InexactFloat64(),
			})
	}

	network := proof.Network
	if proof.Kind == x402.ProofSignedTransfer {
		network = string(x402.ProofSignedTransfer)
	}
	if network == "" {
		network = req.Network
	}
	verifier, err := g.verifiers.For(network)
	if err != nil {
		return errorResponse(http.StatusPaymentRequired, x402.StatusPaymentVerificationFailed, err.Error(), gin.H{
			"request_id": entry.RequestID,
			"code":       x402.CodeUnsupportedNetwork,
		})
	}

	v, err := verifier.VerifyTransfer(ctx, g.transferRequest(req, proof, entry, network))
	if err != nil {
		return g.internalError(ep.Name, fmt.Errorf("failed to verify payment: %w", err))
	}
	if !v.OK {
		g.logger.Info("Payment verification failed", "request_id", entry.RequestID, "code", v.Code, "retryable", v.Retryable)
		extra := gin.H{"request_id": entry.RequestID, "code": v.Code}
		if len(v.Details) > 0 {
			extra["details"] = v.Details
		}
		if v.Retryable {
			extra["retryable"] = true
		}
		return errorResponse(http.StatusPaymentRequired, x402.StatusPaymentVerificationFailed, v.Message, extra)
	}

	// Verification can outlast the invoice.
	paidAt := g.issuer.Now()
	if entry.Expired(paidAt) {
		g.logger.Info("Invoice expired during verification", "request_id", entry.RequestID, "tx", ref)
		return g.expire(ctx, entry, ep, paidAt)
	}

	meta := entry.CloneMeta()
	meta[metaVerification] = v.Meta()
	meta[metaNetwork] = network
	if req.Wallet != "" && meta[metaWallet] == nil {
		meta[metaWallet] = req.Wallet
	}
	paid, err := g.repo.TransitionEntry(ctx, entry.RequestID, []models.InvoiceStatus{models.StatusPendingPayment}, models.EntryPatch{
		Status:           models.StatusPaid,
		TxReference:      ref,
		SettledReference: ref,
		PaidAt:           &paidAt,
		Meta:             meta,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// Another invoice claimed the transaction first.
		owner, getErr := g.repo.GetEntryBySettledReference(ctx, ref)
		if getErr != nil {
			return g.internalError(ep.Name, getErr)
		}
		return g.duplicate(ctx, req, proof, owner, entry)
	}
	if err != nil {
		return g.transitionFailed(ctx, ep.Name, entry.RequestID, proof, err)
	}
	g.logger.Info("Invoice paid", "request_id", paid.RequestID, "type", paid.Type, "tx", ref, "payer", v.Payer)
	return g.complete(ctx, req, proof, paid, v, ep)
}

func (g *Gateway) transferRequest(req *Request, proof *x402.Proof, entry *models.InvoiceEntry, network string) models.TransferRequest {
	cfg := g.issuer.Payments()
	tr := models.TransferRequest{
		TxReference:   proof.TxReference,
		Amount:        entry.AmountRequired,
		Currency:      cfg.Currency,
		Mint:          cfg.Mint,
		Recipient:     cfg.Recipient,
		Decimals:      cfg.Decimals,
		Memo:          entry.RequestID,
		Network:       network,
		EnforceMemo:   cfg.EnforceMemo,
		Nonce:         entry.Nonce,
		Signature:     proof.Signature,
		Message:       proof.Message,
		SenderAddress: proof.SenderAddress,
		SenderChainID: proof.SenderChainID,
	}
	if tr.TxReference == "" {
		tr.TxReference = proof.Reference()
	}
	// Only a wallet valid on the settlement chain can be held against the payer.
	if w := entry.MetaString(metaWallet); w != "" && validation.ValidateAddress(cfg.Chain, w) == nil {
		tr.ExpectedPayer = w
	}
	return tr
}

func (g *Gateway) settlePrepaid(ctx context.Context, req *Request, proof *x402.Proof, entry *models.InvoiceEntry, ep Endpoint) Response {
	if entry.Status == models.StatusPaid && entry.TxReference == x402.PrepaidReference {
		return g.complete(ctx, req, proof, entry, nil, ep)
	}
	if entry.Status != models.StatusPendingPayment {
		return errorResponse(http.StatusConflict, x402.StatusDuplicatePayment,
			"Invoice is no longer payable.", gin.H{"request_id": entry.RequestID, "invoice_status": entry.Status})
	}

	meta := entry.CloneMeta()
	meta[metaPaymentMethod] = "prepaid_credits"
	meta[metaRemainingCalls] = proof.Remaining
	meta["prepaid_model"] = proof.Model
	if req.Wallet != "" && meta[metaWallet] == nil {
		meta[metaWallet] = req.Wallet
	}
	paidAt := g.issuer.Now()
	paid, err := g.repo.TransitionEntry(ctx, entry.RequestID, []models.InvoiceStatus{models.StatusPendingPayment}, models.EntryPatch{
		Status:      models.StatusPaid,
		TxReference: x402.PrepaidReference,
		PaidAt:      &paidAt,
		Meta:        meta,
	})
	if err != nil {
		return g.transitionFailed(ctx, ep.Name, entry.RequestID, proof, err)
	}
	g.logger.Info("Invoice paid with prepaid credits", "request_id", paid.RequestID, "remaining", proof.Remaining)
	return g.complete(ctx, req, proof, paid, nil, ep)
}

// complete runs the action of a paid entry and stores its response.
func (g *Gateway) complete(ctx context.Context, req *Request, proof *x402.Proof, entry *models.InvoiceEntry, v *models.Verification, ep Endpoint) Response {
	settledAt := g.issuer.Now()
	res := ep.Action(ctx, &Settlement{
		Entry:        entry,
		Proof:        proof,
		Verification: v,
		Request:      req,
		SettledAt:    settledAt,
	})
	if res.Status == 0 {
		res.Status = http.StatusOK
	}

	body, err := json.Marshal(res.Body)
	if err != nil {
		return g.internalError(ep.Name, fmt.Errorf("failed to encode response: %w", err))
	}

	header := map[string]string{x402.HeaderRequestID: entry.RequestID}
	for k, v := range res.Headers {
		header[k] = v
	}

	meta := entry.CloneMeta()
	for k, v := range res.Meta {
		meta[k] = v
	}
	if len(res.Headers) > 0 {
		stored := make(map[string]interface{}, len(res.Headers))
		for k, v := range res.Headers {
			stored[k] = v
		}
		meta[metaResponseHeaders] = stored
	}

	completedAt := g.issuer.Now()
	_, err = g.repo.TransitionEntry(ctx, entry.RequestID, []models.InvoiceStatus{models.StatusPaid}, models.EntryPatch{
		Status:         models.StatusCompleted,
		TxReference:    entry.TxReference,
		CompletedAt:    &completedAt,
		Meta:           meta,
		ResponseStatus: res.Status,
		ResponseBody:   body,
	})
	if err != nil {
		return g.transitionFailed(ctx, ep.Name, entry.RequestID, proof, err)
	}
	g.logger.Info("Invoice completed", "request_id", entry.RequestID, "type", entry.Type, "status", res.Status)
	return Response{Status: res.Status, Body: body, Header: header}
}

// transitionFailed handles a lost compare-and-swap. If another writer
// finished the entry its response is replayed.
func (g *Gateway) transitionFailed(ctx context.Context, name, requestID string, proof *x402.Proof, err error) Response {
	if !errors.Is(err, repository.ErrStaleTransition) {
		return g.internalError(name, err)
	}
	current, getErr := g.repo.GetEntryByRequestID(ctx, requestID)
	if getErr == nil {
		if resp, ok := replay(current, proof); ok {
			return resp
		}
	}
	return errorResponse(http.StatusConflict, x402.StatusDuplicatePayment,
		"Invoice was settled by another payment.", gin.H{"request_id": requestID})
}

// duplicate records a payment that cannot settle attempted as an orphan so
// it can be reconciled or refunded. original is the entry already holding a
// settlement: attempted itself when it was paid by another transaction, or
// the entry the same transaction paid before.
func (g *Gateway) duplicate(ctx context.Context, req *Request, proof *x402.Proof, original, attempted *models.InvoiceEntry) Response {
	now := g.issuer.Now()
	meta := map[string]interface{}{
		metaLinkedRequestID: original.RequestID,
		metaReason:          x402.StatusDuplicatePayment,
		metaNetwork:         proof.Network,
		"proof_nonce":       proof.Nonce,
		metaWallet:          req.Wallet,
	}
	reused := attempted.RequestID != original.RequestID
	if reused {
		meta["attempted_request_id"] = attempted.RequestID
	}
	orphan := &models.InvoiceEntry{
		ID:             uuid.NewString(),
		RequestID:      uuid.NewString(),
		Nonce:          uuid.NewString(),
		Type:           models.InvoiceOrphanPayment,
		UserID:         attempted.UserID,
		AmountRequired: proof.Amount.Round(invoice.AmountPrecision),
		ModelOrNode:    attempted.ModelOrNode,
		TokensOrCalls:  attempted.TokensOrCalls,
		Status:         models.StatusFlaggedOrphan,
		TxReference:    proof.Reference(),
		SessionID:      attempted.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(g.issuer.Payments().InvoiceTTL),
		Meta:           meta,
	}
	if err := g.repo.CreateEntry(ctx, orphan); err != nil {
		return g.internalError("duplicate", err)
	}
	g.logger.Warn("Duplicate payment flagged",
		"request_id", original.RequestID, "attempted_request_id", attempted.RequestID,
		"orphan_request_id", orphan.RequestID, "tx", orphan.TxReference)

	if g.notifier != nil {
		g.notifier.NotifyOrphanPayment(ctx, original, orphan)
	}

	message := "Payment already recorded for this request with a different transaction."
	extra := gin.H{
		"original_request_id": original.RequestID,
		"orphan_request_id":   orphan.RequestID,
		"tx_signature":        original.TxReference,
	}
	if reused {
		message = "Transaction already settled another invoice."
		extra["request_id"] = attempted.RequestID
	}
	return errorResponse(http.StatusConflict, x402.StatusDuplicatePayment, message, extra)
}

// expire closes an unpaid invoice past its deadline and issues its
// replacement.
func (g *Gateway) expire(ctx context.Context, entry *models.InvoiceEntry, ep Endpoint, now time.Time) Response {
	if entry.Status == models.StatusPendingPayment {
		_, err := g.repo.TransitionEntry(ctx, entry.RequestID, []models.InvoiceStatus{models.StatusPendingPayment}, models.EntryPatch{
			Status:    models.StatusExpired,
			ExpiredAt: &now,
		})
		if err != nil && !errors.Is(err, repository.ErrStaleTransition) {
			return g.internalError(ep.Name, err)
		}
	}

	fresh, err := g.issuer.Reissue(ctx, entry)
	if err != nil {
		return g.internalError(ep.Name, err)
	}
	g.logger.Info("Invoice expired, reissued", "request_id", entry.RequestID, "new_request_id", fresh.RequestID)

	extras := gin.H{}
	if ep.Extras != nil {
		for k, v := range ep.Extras(fresh) {
			extras[k] = v
		}
	}
	extras["reason"] = x402.ReasonTimeout
	extras["message"] = "Invoice expired. Issuing a new 402."
	extras["replaces_request_id"] = entry.RequestID

	var headers map[string]string
	if fresh.SessionID != "" && fresh.Type == models.InvoiceWorkflow {
		headers = map[string]string{x402.HeaderWorkflowSession: fresh.SessionID}
	}
	return g.paymentRequired(fresh, extras, headers)
}

func (g *Gateway) internalError(name string, err error) Response {
	g.logger.Error("Gateway request failed", "endpoint", name, "error", err)
	return errorResponse(http.StatusInternalServerError, x402.StatusInternalError, "Internal server error", nil)
}

// JSON renders body with status.
func JSON(status int, body interface{}) Response {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"status":"internal_error","message":"Internal server error"}`)
		status = http.StatusInternalServerError
	}
	return Response{Status: status, Body: data}
}

func errorResponse(status int, code, message string, extra gin.H) Response {
	body := gin.H{"status": code, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	return JSON(status, body)
}
