package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/catalog"
	"github.com/core-coin/tributum/internal/invoice"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/workflow"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

const (
	tokenShareSuffix = "_tokens"
	checkinModel     = "daily_checkin"
	dayLayout        = "2006-01-02"
	metaPrompt       = "prompt"
	metaAutoRouter   = "auto_router"
	metaShareID      = "share_id"
)

// InvokeInput is the body of an inference call.
type InvokeInput struct {
	Model       string              `json:"model"`
	Prompt      string              `json:"prompt"`
	Constraints catalog.Constraints `json:"constraints"`
}

// WorkflowInput is the body of a workflow execution or prepay call.
type WorkflowInput struct {
	models.WorkflowRequest
	Prompt string `json:"prompt"`
	// SessionID continues a pay-per-node session when the header is absent.
	SessionID string `json:"session_id"`
	// PrepaidSessionID executes the next node of a prepaid session.
	PrepaidSessionID string `json:"workflow_session_id"`
}

// ShareInput is the body of a share or token purchase.
type ShareInput struct {
	ShareID  string          `json:"share_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount_usdc"`
	Quantity int64           `json:"quantity"`
}

func settledAt(s *Settlement) string {
	return s.SettledAt.UTC().Format(time.RFC3339)
}

// receipt is the settlement part shared by every terminal success body.
func receipt(s *Settlement) gin.H {
	return gin.H{
		"status":       x402.StatusOK,
		"request_id":   s.Entry.RequestID,
		"amount_usdc":  s.Entry.AmountRequired.InexactFloat64(),
		"tx_signature": s.Entry.TxReference,
		"explorer":     s.ExplorerURL(),
		"payer_wallet": s.Payer(),
		"settled_at":   settledAt(s),
	}
}

func walletMeta(meta map[string]interface{}, wallet string) map[string]interface{} {
	if wallet != "" {
		meta[metaWallet] = wallet
	}
	return meta
}

func rejected(status int, code, message string) *Response {
	r := errorResponse(status, code, message, nil)
	return &r
}

// Invoke runs one paid inference call on an auto-routed model.
func (g *Gateway) Invoke(ctx context.Context, req *Request, in InvokeInput) Response {
	return g.Process(ctx, req, Endpoint{
		Name:         "models.invoke",
		Types:        []models.InvoiceType{models.InvoiceInfer},
		AllowPrepaid: true,
		Quote: func(ctx context.Context) (*Offer, *Response) {
			routed, err := g.router.Route(catalog.RouteRequest{
				Model:       in.Model,
				Prompt:      in.Prompt,
				Constraints: in.Constraints,
			})
			if err != nil {
				r := g.internalError("models.invoke", err)
				return nil, &r
			}
			_, _, total := routed.Pricing.CallCost(1)
			selection := map[string]interface{}{
				"request_id": routed.RequestID,
				"model":      routed.ID,
				"reasoning":  routed.Reasoning,
			}
			return &Offer{
				Params: invoice.Params{
					Type:        models.InvoiceInfer,
					UserID:      req.UserID,
					Target:      routed.ID,
					Amount:      total,
					Description: fmt.Sprintf("Inference call to %s", routed.ID),
					Units:       1,
					Meta: walletMeta(map[string]interface{}{
						metaPrompt:     in.Prompt,
						metaAutoRouter: selection,
					}, req.Wallet),
				},
				Extras: gin.H{metaAutoRouter: selection},
			}, nil
		},
		Extras: func(entry *models.InvoiceEntry) gin.H {
			if sel, ok := entry.Meta[metaAutoRouter]; ok {
				return gin.H{metaAutoRouter: sel}
			}
			return nil
		},
		Action: g.runInference,
	})
}

func (g *Gateway) runInference(ctx context.Context, s *Settlement) Result {
	prompt := s.Entry.MetaString(metaPrompt)
	out := g.backend.Complete(ctx, models.ChatRequest{Model: s.Entry.ModelOrNode, Prompt: prompt})

	body := receipt(s)
	body["model_id"] = s.Entry.ModelOrNode
	body["result"] = out
	if s.Proof.IsPrepaid() {
		body["amount_usdc"] = 0
		body["explorer"] = ""
		body[metaPaymentMethod] = "prepaid_credits"
		body[metaRemainingCalls] = s.Proof.Remaining
	}
	return Result{Body: body, Meta: map[string]interface{}{metaResult: out}}
}

// ExecuteWorkflow charges a workflow one node at a time. Each paid node
// answers with the invoice of the next one until the last node is paid. A
// body naming a prepaid session runs its next node instead.
func (g *Gateway) ExecuteWorkflow(ctx context.Context, req *Request, in WorkflowInput) Response {
	if in.PrepaidSessionID != "" {
		return g.executePrepaid(ctx, req, in)
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = in.SessionID
	}

	var session *models.WorkflowSession
	return g.Process(ctx, req, Endpoint{
		Name:  "workflow.execute",
		Types: []models.InvoiceType{models.InvoiceWorkflow},
		Quote: func(ctx context.Context) (*Offer, *Response) {
			s, ok := g.workflows.Get(sessionID)
			if !ok || s.Done() {
				var err error
				s, err = g.workflows.CreateSession(req.UserID, req.Wallet, in.WorkflowRequest)
				if err != nil {
					return nil, rejected(http.StatusBadRequest, x402.StatusInvalidWorkflow, err.Error())
				}
			}
			node := s.Nodes[s.CurrentIndex]
			return &Offer{
				Issue: func(ctx context.Context) (*models.InvoiceEntry, error) {
					entry, _, err := g.workflows.IssueNextInvoice(ctx, s)
					return entry, err
				},
				Extras:  workflowExtras(s.SessionID, s.Name, s.CurrentIndex, len(s.Nodes), node),
				Headers: map[string]string{x402.HeaderWorkflowSession: s.SessionID},
			}, nil
		},
		Check: func(ctx context.Context, entry *models.InvoiceEntry) *Response {
			open := entry.Status == models.StatusPendingPayment || entry.Status == models.StatusPaid
			if open && sessionID != "" && entry.SessionID != "" && sessionID != entry.SessionID {
				return rejected(http.StatusConflict, x402.StatusSessionMismatch,
					"Invoice belongs to a different workflow session.")
			}
			s, err := g.workflows.Resolve(sessionID, entry, req.UserID, in.WorkflowRequest)
			if err != nil {
				return rejected(http.StatusConflict, x402.StatusSessionMismatch, err.Error())
			}
			session = s
			return nil
		},
		Extras: func(entry *models.InvoiceEntry) gin.H {
			index, _ := entry.MetaInt(workflow.MetaNodeIndex)
			total, _ := entry.MetaInt(workflow.MetaTotalNodes)
			return gin.H{
				"workflow": gin.H{"session_id": entry.SessionID, "name": entry.MetaString(workflow.MetaWorkflowName)},
				"node":     gin.H{"index": index, "name": entry.ModelOrNode, "calls": entry.TokensOrCalls, "total_cost": entry.AmountRequired.InexactFloat64()},
				"progress": gin.H{"completed": index, "total_nodes": total, "status": "awaiting_payment"},
			}
		},
		Action: func(ctx context.Context, s *Settlement) Result {
			return g.advanceWorkflow(ctx, s, session)
		},
	})
}

func (g *Gateway) advanceWorkflow(ctx context.Context, s *Settlement, session *models.WorkflowSession) Result {
	headers := map[string]string{x402.HeaderWorkflowSession: session.SessionID}
	index, _ := s.Entry.MetaInt(workflow.MetaNodeIndex)

	next, err := g.workflows.Advance(session, index)
	if err != nil {
		g.logger.Warn("Workflow node settled out of order", "request_id", s.Entry.RequestID, "session_id", session.SessionID, "error", err)
		return Result{
			Status:  http.StatusConflict,
			Headers: headers,
			Body: gin.H{
				"status":       x402.StatusSessionMismatch,
				"message":      "Workflow session has already moved past this node.",
				"request_id":   s.Entry.RequestID,
				"session_id":   session.SessionID,
				"tx_signature": s.Entry.TxReference,
			},
		}
	}

	node := session.Nodes[index]
	previous := gin.H{
		"index":        index,
		"name":         node.Name,
		"calls":        node.Calls,
		"total_cost":   node.TotalCost.InexactFloat64(),
		"request_id":   s.Entry.RequestID,
		"tx_signature": s.Entry.TxReference,
		"explorer":     s.ExplorerURL(),
		"payer_wallet": s.Payer(),
		"settled_at":   settledAt(s),
	}

	if next.Done() {
		g.workflows.Delete(next.SessionID)
		body := receipt(s)
		body["workflow"] = gin.H{"session_id": next.SessionID, "name": next.Name, "total_nodes": len(next.Nodes)}
		body["final_node"] = previous
		g.logger.Info("Workflow completed", "session_id", next.SessionID, "nodes", len(next.Nodes))
		return Result{Body: body, Headers: headers, Meta: map[string]interface{}{metaResult: previous}}
	}

	entry, nextNode, err := g.workflows.IssueNextInvoice(ctx, next)
	if err != nil {
		g.logger.Error("Failed to issue next workflow invoice", "session_id", next.SessionID, "error", err)
		return Result{
			Status:  http.StatusInternalServerError,
			Headers: headers,
			Body:    gin.H{"status": x402.StatusInternalError, "message": "Internal server error", "previous_node": previous},
		}
	}
	extras := workflowExtras(next.SessionID, next.Name, next.CurrentIndex, len(next.Nodes), nextNode)
	extras["previous_node"] = previous
	headers[x402.HeaderRequestID] = entry.RequestID
	return Result{
		Status:  http.StatusPaymentRequired,
		Body:    g.issuer.Response(entry, extras),
		Headers: headers,
		Meta:    map[string]interface{}{metaResult: previous, "next_request_id": entry.RequestID},
	}
}

func workflowExtras(sessionID, name string, index, total int, node models.WorkflowNode) gin.H {
	return gin.H{
		"workflow": gin.H{"session_id": sessionID, "name": name},
		"node": gin.H{
			"index":      index,
			"name":       node.Name,
			"calls":      node.Calls,
			"total_cost": node.TotalCost.InexactFloat64(),
		},
		"progress": gin.H{"completed": index, "total_nodes": total, "status": "awaiting_payment"},
	}
}

// executePrepaid runs the next node of a workflow settled up front.
func (g *Gateway) executePrepaid(ctx context.Context, req *Request, in WorkflowInput) Response {
	unlock := g.locks.Lock("prepaid:" + in.PrepaidSessionID)
	defer unlock()

	prepay, err := g.repo.FindCompletedPrepay(ctx, in.PrepaidSessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return errorResponse(http.StatusNotFound, x402.StatusUnknownRequest,
			"No settled prepay found for this workflow session.", gin.H{"workflow_session_id": in.PrepaidSessionID})
	}
	if err != nil {
		return g.internalError("workflow.prepaid", err)
	}

	s, err := g.workflows.ResumePrepaid(prepay, req.UserID, in.WorkflowRequest)
	if err != nil {
		return errorResponse(http.StatusBadRequest, x402.StatusInvalidWorkflow, err.Error(), nil)
	}
	header := map[string]string{x402.HeaderWorkflowSession: s.SessionID}
	if s.Done() {
		resp := JSON(http.StatusOK, gin.H{
			"status":              x402.StatusOK,
			"workflow_session_id": s.SessionID,
			"message":             "All prepaid workflow nodes have been executed.",
			"progress":            gin.H{"completed": len(s.Nodes), "total_nodes": len(s.Nodes)},
		})
		resp.Header = header
		return resp
	}

	// The node is claimed on the prepay entry before it runs, so it runs at
	// most once even when the session is lost or another instance serves it.
	index := s.CurrentIndex
	if _, err := g.repo.AdvanceProgress(ctx, prepay.RequestID, index); err != nil {
		g.workflows.Delete(s.SessionID)
		if errors.Is(err, repository.ErrStaleTransition) {
			resp := errorResponse(http.StatusConflict, x402.StatusSessionMismatch,
				"Prepaid workflow node was already executed; retry to continue.", gin.H{"workflow_session_id": s.SessionID})
			resp.Header = header
			return resp
		}
		return g.internalError("workflow.prepaid", err)
	}

	node := s.Nodes[index]
	out := g.backend.Complete(ctx, models.ChatRequest{Model: node.Name, Prompt: in.Prompt})

	next, err := g.workflows.Advance(s, index)
	if err != nil {
		return g.internalError("workflow.prepaid", err)
	}

	body := gin.H{
		"status":              x402.StatusContinue,
		"workflow_session_id": s.SessionID,
		"prepaid_request_id":  prepay.RequestID,
		"node":                gin.H{"index": index, "name": node.Name, "calls": node.Calls},
		"result":              out,
		"progress":            gin.H{"completed": next.CurrentIndex, "total_nodes": len(next.Nodes)},
	}
	if next.Done() {
		body["status"] = x402.StatusOK
		body["final_node"] = body["node"]
	} else {
		n := next.Nodes[next.CurrentIndex]
		body["next_node"] = gin.H{"index": next.CurrentIndex, "name": n.Name, "calls": n.Calls}
	}
	resp := JSON(http.StatusOK, body)
	resp.Header = header
	return resp
}

// PrepayWorkflow charges the whole workflow with a single invoice. Its nodes
// then run through ExecuteWorkflow without further payment.
func (g *Gateway) PrepayWorkflow(ctx context.Context, req *Request, in WorkflowInput) Response {
	return g.Process(ctx, req, Endpoint{
		Name:  "workflow.prepay",
		Types: []models.InvoiceType{models.InvoiceWorkflowPrepay},
		Quote: func(ctx context.Context) (*Offer, *Response) {
			nodes := g.router.EstimateNodes(in.WorkflowRequest)
			if len(nodes) == 0 {
				return nil, rejected(http.StatusBadRequest, x402.StatusInvalidWorkflow, workflow.ErrEmptyWorkflow.Error())
			}
			total := decimal.Zero
			var calls int64
			for _, n := range nodes {
				total = total.Add(n.TotalCost)
				calls += n.Calls
			}
			name := in.Name
			if name == "" {
				name = "Custom workflow"
			}
			sessionID := uuid.NewString()
			return &Offer{
				Params: invoice.Params{
					Type:        models.InvoiceWorkflowPrepay,
					UserID:      req.UserID,
					Target:      name,
					Amount:      total,
					Description: fmt.Sprintf("Prepaid workflow %s (%d nodes)", name, len(nodes)),
					Units:       calls,
					SessionID:   sessionID,
					Meta: walletMeta(map[string]interface{}{
						workflow.MetaSessionID:    sessionID,
						workflow.MetaWorkflowName: name,
						workflow.MetaTotalNodes:   len(nodes),
						workflow.MetaNodes:        workflow.SpecsMeta(nodes),
					}, req.Wallet),
				},
				Extras:  gin.H{"workflow": gin.H{"session_id": sessionID, "name": name, "total_nodes": len(nodes)}},
				Headers: map[string]string{x402.HeaderWorkflowSession: sessionID},
			}, nil
		},
		Extras: func(entry *models.InvoiceEntry) gin.H {
			total, _ := entry.MetaInt(workflow.MetaTotalNodes)
			return gin.H{"workflow": gin.H{
				"session_id":  entry.SessionID,
				"name":        entry.MetaString(workflow.MetaWorkflowName),
				"total_nodes": total,
			}}
		},
		Action: func(ctx context.Context, s *Settlement) Result {
			total, _ := s.Entry.MetaInt(workflow.MetaTotalNodes)
			body := receipt(s)
			body["workflow_session_id"] = s.Entry.SessionID
			body["workflow"] = gin.H{"name": s.Entry.MetaString(workflow.MetaWorkflowName), "total_nodes": total}
			body["message"] = "Workflow prepaid. Execute nodes with workflow_session_id."
			return Result{
				Body:    body,
				Headers: map[string]string{x402.HeaderWorkflowSession: s.Entry.SessionID},
			}
		},
	})
}

// BuyShare sells model shares, or prepaid call credit when the share id ends
// in "_tokens".
func (g *Gateway) BuyShare(ctx context.Context, req *Request, in ShareInput) Response {
	kind, typ := models.HoldingShare, models.InvoiceShare
	if strings.HasSuffix(in.ShareID, tokenShareSuffix) {
		kind, typ = models.HoldingToken, models.InvoiceToken
	}

	return g.Process(ctx, req, Endpoint{
		Name:  "share.buy",
		Types: []models.InvoiceType{typ},
		Quote: func(ctx context.Context) (*Offer, *Response) {
			if strings.TrimSpace(in.ShareID) == "" {
				return nil, rejected(http.StatusBadRequest, x402.StatusMissingShareID, "share_id is required.")
			}
			lo, hi := g.pricing.ShareMin, g.pricing.ShareMax
			if kind == models.HoldingToken {
				lo, hi = g.pricing.TokenMin, g.pricing.TokenMax
			}
			if in.Amount.LessThan(lo) || in.Amount.GreaterThan(hi) {
				r := errorResponse(http.StatusBadRequest, x402.StatusInvalidAmount,
					fmt.Sprintf("Amount must be between %s and %s USDC.", lo, hi), gin.H{
						"min_amount": lo.InexactFloat64(),
						"max_amount": hi.InexactFloat64(),
					})
				return nil, &r
			}

			units := in.Quantity
			description := fmt.Sprintf("Share purchase %s", in.ShareID)
			if kind == models.HoldingToken {
				units = in.Amount.Div(g.pricing.TokenUnitPrice).Round(0).IntPart()
				description = fmt.Sprintf("Token purchase %s (%d calls)", in.ShareID, units)
			}
			if units < 1 {
				units = 1
			}
			return &Offer{
				Params: invoice.Params{
					Type:        typ,
					UserID:      req.UserID,
					Target:      in.ShareID,
					Amount:      in.Amount,
					Description: description,
					Units:       units,
					Meta:        walletMeta(map[string]interface{}{metaShareID: in.ShareID}, req.Wallet),
				},
				Extras: gin.H{metaShareID: in.ShareID, "kind": kind, "quantity": units},
			}, nil
		},
		Action: func(ctx context.Context, s *Settlement) Result {
			chain := g.issuer.Payments().Chain
			wallet := s.Entry.MetaString(metaWallet)
			if wallet == "" {
				wallet = s.Payer()
			}
			holding := &models.Holding{
				Wallet:     validation.NormalizeAddress(chain, wallet),
				UserID:     s.Entry.UserID,
				ShareID:    s.Entry.ModelOrNode,
				Kind:       kind,
				Quantity:   s.Entry.TokensOrCalls,
				AmountPaid: s.Entry.AmountRequired,
				RequestID:  s.Entry.RequestID,
				CreatedAt:  s.SettledAt,
			}

			body := receipt(s)
			body[metaShareID] = holding.ShareID
			body["kind"] = kind
			body["quantity"] = holding.Quantity
			if err := g.repo.AddHolding(ctx, holding); err != nil && !errors.Is(err, repository.ErrDuplicate) {
				g.logger.Error("Failed to record holding", "request_id", s.Entry.RequestID, "error", err)
				body["error"] = "Holding could not be recorded; contact support with the request id."
			}
			return Result{Body: body, Meta: map[string]interface{}{metaResult: gin.H{"kind": kind, "quantity": holding.Quantity}}}
		},
	})
}

// ClaimCheckin grants the daily reward once per wallet and UTC day. It takes
// no payment.
func (g *Gateway) ClaimCheckin(ctx context.Context, req *Request) Response {
	if strings.TrimSpace(req.Wallet) == "" {
		return errorResponse(http.StatusBadRequest, x402.StatusMissingWallet, "wallet_address is required.", nil)
	}
	chain := g.issuer.Payments().Chain
	wallet := validation.NormalizeAddress(chain, req.Wallet)

	now := g.issuer.Now()
	day := now.UTC().Format(dayLayout)
	key := wallet + ":" + day
	nextClaim := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	unlock := g.locks.Lock("checkin:" + key)
	defer unlock()

	existing, err := g.repo.GetEntryByClaimKey(ctx, key)
	switch {
	case err == nil:
		return checkinLimit(existing, nextClaim)
	case !errors.Is(err, repository.ErrNotFound):
		return g.internalError("checkin.claim", err)
	}

	ref := "simulated_tx_" + uuid.NewString()
	entry := &models.InvoiceEntry{
		ID:             uuid.NewString(),
		RequestID:      uuid.NewString(),
		Nonce:          uuid.NewString(),
		Type:           models.InvoiceCheckin,
		UserID:         req.UserID,
		AmountRequired: g.pricing.CheckinReward.Round(invoice.AmountPrecision),
		ModelOrNode:    checkinModel,
		TokensOrCalls:  1,
		Status:         models.StatusCompleted,
		TxReference:    ref,
		ClaimKey:       &key,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      nextClaim,
		PaidAt:         &now,
		CompletedAt:    &now,
		Meta: map[string]interface{}{
			metaWallet:    wallet,
			"day":         day,
			"description": "Daily check-in reward",
		},
	}

	resp := JSON(http.StatusOK, gin.H{
		"status":         x402.StatusOK,
		"request_id":     entry.RequestID,
		"wallet_address": wallet,
		"reward_usdc":    entry.AmountRequired.InexactFloat64(),
		"tx_signature":   ref,
		"claimed_at":     now.UTC().Format(time.RFC3339),
		"next_claim_at":  nextClaim.Format(time.RFC3339),
	})
	entry.ResponseStatus = resp.Status
	entry.ResponseBody = resp.Body

	if err := g.repo.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, getErr := g.repo.GetEntryByClaimKey(ctx, key); getErr == nil {
				return checkinLimit(existing, nextClaim)
			}
		}
		return g.internalError("checkin.claim", err)
	}
	g.logger.Info("Check-in claimed", "wallet", wallet, "day", day, "request_id", entry.RequestID)
	resp.Header = map[string]string{x402.HeaderRequestID: entry.RequestID}
	return resp
}

func checkinLimit(existing *models.InvoiceEntry, nextClaim time.Time) Response {
	last := existing.CreatedAt
	if existing.CompletedAt != nil {
		last = *existing.CompletedAt
	}
	return errorResponse(http.StatusTooManyRequests, x402.StatusCheckinLimit,
		"Daily check-in already claimed.", gin.H{
			"tx_signature":  existing.TxReference,
			"last_claimed":  last.UTC().Format(time.RFC3339),
			"next_claim_at": nextClaim.Format(time.RFC3339),
		})
}

// Ledger returns the newest entries of a user.
func (g *Gateway) Ledger(ctx context.Context, userID string, limit int) ([]*models.InvoiceEntry, error) {
	entries, err := g.repo.ListEntriesByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return entries, nil
}

// Holdings returns the shares and credits bought by a wallet.
func (g *Gateway) Holdings(ctx context.Context, wallet string) ([]*models.Holding, error) {
	holdings, err := g.repo.ListHoldings(ctx, validation.NormalizeAddress(g.issuer.Payments().Chain, wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	return holdings, nil
}

// Models returns the routing catalog, best first.
func (g *Gateway) Models() []catalog.Ranked {
	return g.router.Ranked(nil)
}
