// Package workflow keeps the continuation state of pay-per-node workflows.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/tributum/internal/invoice"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

var (
	// ErrEmptyWorkflow is returned for a workflow without nodes.
	ErrEmptyWorkflow = errors.New("workflow request must include at least one node")
	// ErrOutOfOrder is returned when a node is settled that is not the current one.
	ErrOutOfOrder = errors.New("workflow node settled out of order")
	// ErrSessionDone is returned when asking for an invoice past the last node.
	ErrSessionDone = errors.New("workflow session has no remaining nodes")
)

// DefaultTTL is how long an idle session is kept in memory.
const DefaultTTL = 30 * time.Minute

const defaultName = "Custom workflow"

// Meta keys written on workflow invoices.
const (
	MetaSessionID    = "workflow_session_id"
	MetaNodeIndex    = "node_index"
	MetaNodeName     = "node_name"
	MetaTotalNodes   = "total_nodes"
	MetaWorkflowName = "workflow_name"
	MetaNodes        = "workflow_nodes"
	MetaWallet       = "wallet_address"
)

// Estimator prices workflow nodes.
type Estimator interface {
	EstimateNodes(req models.WorkflowRequest) []models.WorkflowNode
}

// Manager holds workflow sessions in memory. Sessions are only a cache: every
// invoice carries enough metadata to rebuild its session after a restart.
type Manager struct {
	logger    *logger.Logger
	estimator Estimator
	issuer    *invoice.Issuer
	ttl       time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.WorkflowSession
}

func NewManager(estimator Estimator, issuer *invoice.Issuer, ttl time.Duration, logger *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		logger:    logger,
		estimator: estimator,
		issuer:    issuer,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*models.WorkflowSession),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateSession prices req and stores a new session positioned at node 0.
func (m *Manager) CreateSession(userID, wallet string, req models.WorkflowRequest) (*models.WorkflowSession, error) {
	return m.create(uuid.NewString(), userID, wallet, req, false, 0)
}

// CreatePrepaidSession stores a session under an existing prepay session id,
// positioned at node start. Its nodes are executed without further invoices.
func (m *Manager) CreatePrepaidSession(sessionID, userID string, req models.WorkflowRequest, start int) (*models.WorkflowSession, error) {
	return m.create(sessionID, userID, "", req, true, start)
}

func (m *Manager) create(sessionID, userID, wallet string, req models.WorkflowRequest, prepaid bool, start int) (*models.WorkflowSession, error) {
	nodes := m.estimator.EstimateNodes(req)
	if len(nodes) == 0 {
		return nil, ErrEmptyWorkflow
	}
	if start > len(nodes) {
		start = len(nodes)
	}
	name := req.Name
	if name == "" {
		name = defaultName
	}
	s := &models.WorkflowSession{
		SessionID:     sessionID,
		UserID:        userID,
		WalletAddress: wallet,
		Name:          name,
		Nodes:         nodes,
		CurrentIndex:  start,
		Prepaid:       prepaid,
		LastSeen:      m.now(),
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()

	m.logger.Debug("Workflow session created", "session_id", s.SessionID, "nodes", len(nodes), "prepaid", prepaid)
	return clone(s), nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (*models.WorkflowSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.LastSeen = m.now()
	return clone(s), true
}

// IssueNextInvoice issues the invoice for the session's current node.
func (m *Manager) IssueNextInvoice(ctx context.Context, s *models.WorkflowSession) (*models.InvoiceEntry, models.WorkflowNode, error) {
	if s.Done() {
		return nil, models.WorkflowNode{}, ErrSessionDone
	}
	node := s.Nodes[s.CurrentIndex]

	entry, err := m.issuer.CreateInvoice(ctx, invoice.Params{
		Type:        models.InvoiceWorkflow,
		UserID:      s.UserID,
		Target:      node.Name,
		Amount:      node.TotalCost,
		Description: fmt.Sprintf("Workflow node %s", node.Name),
		Units:       node.Calls,
		SessionID:   s.SessionID,
		Meta: map[string]interface{}{
			MetaSessionID:    s.SessionID,
			MetaNodeIndex:    s.CurrentIndex,
			MetaNodeName:     node.Name,
			MetaTotalNodes:   len(s.Nodes),
			MetaWorkflowName: s.Name,
			MetaNodes:        SpecsMeta(s.Nodes),
			MetaWallet:       s.WalletAddress,
		},
	})
	if err != nil {
		return nil, models.WorkflowNode{}, err
	}
	return entry, node, nil
}

// ResumePrepaid returns the live session of a settled prepay invoice, or
// recreates it from the nodes stored on the invoice. The session never sits
// behind the invoice's persisted progress.
func (m *Manager) ResumePrepaid(prepay *models.InvoiceEntry, userID string, req models.WorkflowRequest) (*models.WorkflowSession, error) {
	sessionID := prepay.SessionID
	if sessionID == "" {
		sessionID = prepay.MetaString(MetaSessionID)
	}
	if s, ok := m.Get(sessionID); ok {
		if s.CurrentIndex >= prepay.Progress {
			return s, nil
		}
		if moved, ok := m.seek(sessionID, prepay.Progress); ok {
			return moved, nil
		}
	}

	rebuilt := req
	if stored := nodeSpecsFromMeta(prepay.Meta[MetaNodes]); len(stored) > 0 {
		rebuilt.Nodes = stored
	}
	if name := prepay.MetaString(MetaWorkflowName); name != "" {
		rebuilt.Name = name
	}
	if prepay.UserID != "" {
		userID = prepay.UserID
	}
	if prepay.Progress > 0 {
		m.logger.Info("Prepaid workflow session restored", "session_id", sessionID, "progress", prepay.Progress)
	}
	return m.CreatePrepaidSession(sessionID, userID, rebuilt, prepay.Progress)
}

// seek moves a stored session forward to index, capped at its node count.
func (m *Manager) seek(sessionID string, index int) (*models.WorkflowSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if index > len(s.Nodes) {
		index = len(s.Nodes)
	}
	if s.CurrentIndex < index {
		s.CurrentIndex = index
	}
	s.LastSeen = m.now()
	return clone(s), true
}

// Resolve finds the session an invoice belongs to. When the session is no
// longer in memory it is rebuilt from the invoice metadata, falling back to
// the nodes of the current request, and resumed at the invoice's node.
func (m *Manager) Resolve(sessionID string, entry *models.InvoiceEntry, userID string, req models.WorkflowRequest) (*models.WorkflowSession, error) {
	if sessionID == "" {
		sessionID = entry.SessionID
	}
	if sessionID == "" {
		sessionID = entry.MetaString(MetaSessionID)
	}
	if s, ok := m.Get(sessionID); ok {
		return s, nil
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rebuilt := req
	if len(rebuilt.Nodes) == 0 {
		rebuilt.Nodes = nodeSpecsFromMeta(entry.Meta[MetaNodes])
	}
	if rebuilt.Name == "" {
		rebuilt.Name = entry.MetaString(MetaWorkflowName)
	}
	if entry.UserID != "" {
		userID = entry.UserID
	}

	nodes := m.estimator.EstimateNodes(rebuilt)
	if len(nodes) == 0 {
		return nil, ErrEmptyWorkflow
	}
	index, _ := entry.MetaInt(MetaNodeIndex)
	if index < 0 || index >= len(nodes) {
		return nil, fmt.Errorf("node index %d outside workflow of %d nodes: %w", index, len(nodes), ErrOutOfOrder)
	}
	name := rebuilt.Name
	if name == "" {
		name = defaultName
	}

	s := &models.WorkflowSession{
		SessionID:     sessionID,
		UserID:        userID,
		WalletAddress: entry.MetaString(MetaWallet),
		Name:          name,
		Nodes:         nodes,
		CurrentIndex:  index,
		LastSeen:      m.now(),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		s = existing
	} else {
		m.sessions[sessionID] = s
	}
	out := clone(s)
	m.mu.Unlock()

	m.logger.Info("Workflow session reconstructed", "session_id", sessionID, "node_index", index)
	return out, nil
}

// Advance moves the cursor from fromIndex to the next node. It fails when
// the session has moved on or has not reached fromIndex yet.
func (m *Manager) Advance(s *models.WorkflowSession, fromIndex int) (*models.WorkflowSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.SessionID]
	if !ok {
		stored = clone(s)
		m.sessions[s.SessionID] = stored
	}
	if stored.CurrentIndex != fromIndex {
		return clone(stored), fmt.Errorf("session at node %d, settled node %d: %w", stored.CurrentIndex, fromIndex, ErrOutOfOrder)
	}
	stored.CurrentIndex++
	stored.LastSeen = m.now()
	return clone(stored), nil
}

// Delete drops a session.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Len returns the number of sessions in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Evict drops sessions idle for longer than the TTL and returns how many.
func (m *Manager) Evict() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Run evicts idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Evict(); n > 0 {
				m.logger.Info("Evicted idle workflow sessions", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SpecsMeta renders priced nodes in the form stored on invoices.
func SpecsMeta(nodes []models.WorkflowNode) []interface{} {
	specs := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, map[string]interface{}{"name": n.Name, "calls": n.Calls})
	}
	return specs
}

func clone(s *models.WorkflowSession) *models.WorkflowSession {
	out := *s
	return &out
}

// nodeSpecsFromMeta decodes node specs stored on an invoice. After a database
// round trip they arrive as generic JSON values.
func nodeSpecsFromMeta(v interface{}) []models.WorkflowNodeSpec {
	var out []models.WorkflowNodeSpec
	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := obj["name"].(string)
			spec := models.WorkflowNodeSpec{Name: name}
			switch c := obj["calls"].(type) {
			case float64:
				spec.Calls = int64(c)
			case int64:
				spec.Calls = c
			case int:
				spec.Calls = int64(c)
			case json.Number:
				spec.Calls, _ = c.Int64()
			}
			out = append(out, spec)
		}
	case []models.WorkflowNodeSpec:
		out = list
	}
	return out
}
