package x402client

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
)

// Gateway endpoints.
const (
	EndpointInvoke          = "/mcp/models.invoke"
	EndpointWorkflowExecute = "/mcp/workflow/execute"
	EndpointWorkflowPrepay  = "/mcp/workflow.prepay"
	EndpointShareBuy        = "/mcp/share/buy"
	EndpointCheckin         = "/mcp/checkin/claim"
	EndpointLedger          = "/mcp/ledger"
)

// WorkflowNode names a model and how many calls of it a workflow makes.
type WorkflowNode struct {
	Name  string `json:"name"`
	Calls int64  `json:"calls,omitempty"`
}

// Workflow is a pay-per-node workflow request.
type Workflow struct {
	Name   string         `json:"name"`
	Nodes  []WorkflowNode `json:"nodes"`
	Prompt string         `json:"prompt,omitempty"`
}

// InvokeModel runs one inference call. An empty model lets the gateway route.
func (c *Client) InvokeModel(ctx context.Context, prompt, model string) (*Outcome, error) {
	return c.Request(ctx, EndpointInvoke, map[string]interface{}{
		"prompt": prompt,
		"model":  model,
	})
}

// ExecuteWorkflow pays every node of wf in turn. Chained invoices and the
// session header are followed by Request.
func (c *Client) ExecuteWorkflow(ctx context.Context, wf Workflow) (*Outcome, error) {
	return c.Request(ctx, EndpointWorkflowExecute, wf)
}

// PrepayWorkflow pays for all nodes of wf at once and returns the prepaid
// session id in the result.
func (c *Client) PrepayWorkflow(ctx context.Context, wf Workflow) (*Outcome, error) {
	return c.Request(ctx, EndpointWorkflowPrepay, wf)
}

// RunPrepaidWorkflow executes the next node of a prepaid session.
func (c *Client) RunPrepaidWorkflow(ctx context.Context, sessionID string, wf Workflow) (*Outcome, error) {
	return c.Request(ctx, EndpointWorkflowExecute, map[string]interface{}{
		"workflow_session_id": sessionID,
		"name":                wf.Name,
		"nodes":               wf.Nodes,
		"prompt":              wf.Prompt,
	})
}

// PurchaseShare buys amount USDC of shareID. Ids ending in _tokens buy call
// credits.
func (c *Client) PurchaseShare(ctx context.Context, shareID string, amount decimal.Decimal) (*Outcome, error) {
	return c.Request(ctx, EndpointShareBuy, map[string]interface{}{
		"share_id":    shareID,
		"amount_usdc": amount,
	})
}

// ClaimCheckin claims the daily reward of the configured wallet.
func (c *Client) ClaimCheckin(ctx context.Context) (*Outcome, error) {
	if c.wallet == "" {
		return nil, c.fail(errors.New("x402client: check-in requires a wallet"))
	}
	return c.Request(ctx, EndpointCheckin, map[string]interface{}{"wallet_address": c.wallet})
}

// Ledger returns the entries recorded for userID, newest first. An empty
// userID resolves to the configured user or wallet.
func (c *Client) Ledger(ctx context.Context, userID string, limit int) ([]map[string]interface{}, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	if err := c.get(ctx, EndpointLedger, q, &body); err != nil {
		return nil, c.fail(err)
	}
	return body.Entries, nil
}
