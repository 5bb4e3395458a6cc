package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkflowNodeSpec is a node as submitted by a client.
type WorkflowNodeSpec struct {
	Name   string `json:"name"`
	Calls  int64  `json:"calls,omitempty"`
	Tokens int64  `json:"tokens,omitempty"`
}

// WorkflowRequest is the payload of a workflow execution or prepay call.
type WorkflowRequest struct {
	Name  string             `json:"name"`
	Nodes []WorkflowNodeSpec `json:"nodes"`
}

// WorkflowNode is a billable step with its precomputed cost.
type WorkflowNode struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Calls       int64           `json:"calls"`
	ComputeCost decimal.Decimal `json:"compute_cost"`
	GasCost     decimal.Decimal `json:"gas_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// WorkflowSession is the continuation state of a pay-per-node pipeline.
type WorkflowSession struct {
	SessionID     string
	UserID        string
	WalletAddress string
	Name          string
	Nodes         []WorkflowNode
	CurrentIndex  int
	// Prepaid sessions were settled up front by a single workflow_prepay invoice.
	Prepaid  bool
	LastSeen time.Time
}

// Done reports whether every node has been paid for.
func (s *WorkflowSession) Done() bool {
	return s.CurrentIndex >= len(s.Nodes)
}

// TotalCost sums the cost of every node.
func (s *WorkflowSession) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, n := range s.Nodes {
		total = total.Add(n.TotalCost)
	}
	return total
}
