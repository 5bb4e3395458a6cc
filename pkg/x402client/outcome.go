package x402client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/core-coin/tributum/pkg/x402"
)

// StatusCancelled marks an outcome where the payer declined to pay.
const StatusCancelled = "cancelled"

// Settler pays an invoice and returns the proof to present. A nil proof with
// a nil error means the payer declined.
type Settler interface {
	Settle(ctx context.Context, inv *x402.Invoice) (*x402.Proof, error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, inv *x402.Invoice) (*x402.Proof, error)

func (f SettlerFunc) Settle(ctx context.Context, inv *x402.Invoice) (*x402.Proof, error) {
	return f(ctx, inv)
}

// Hooks observe a request as it moves through the payment cycle. Nil hooks
// are skipped.
type Hooks struct {
	OnInvoice        func(inv *x402.Invoice)
	OnPaymentSettled func(inv *x402.Invoice, proof *x402.Proof)
	OnResult         func(result map[string]interface{})
	OnError          func(err error)
}

// Payment is one invoice paid during a request.
type Payment struct {
	Invoice *x402.Invoice
	Proof   *x402.Proof
}

// Outcome is the final state of a request.
type Outcome struct {
	// Status is the gateway's status string, or StatusCancelled.
	Status     string
	HTTPStatus int
	Result     map[string]interface{}
	Raw        []byte

	// Invoice is the last invoice received.
	Invoice  *x402.Invoice
	Payments []Payment
	// SessionID is the last workflow session announced by the gateway.
	SessionID string

	// Unverified is set when the gateway never confirmed the payment and the
	// outcome relies on the explorer link instead.
	Unverified  bool
	ExplorerURL string
}

// RequestError is a failure the payment cycle cannot resolve by itself.
type RequestError struct {
	HTTPStatus int
	// Status is the gateway's machine-readable status, when it sent one.
	Status  string
	Message string
	Body    map[string]interface{}
	// Hint suggests what the caller can do about it.
	Hint string

	Err error
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != "" {
		msg = e.Status + ": " + msg
	}
	if e.HTTPStatus != 0 {
		msg = fmt.Sprintf("gateway returned %d: %s", e.HTTPStatus, msg)
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

const unreachableHint = "the gateway is not running or not reachable; start it with `tributum serve` and check the base URL"

func transportError(baseURL string, err error) *RequestError {
	re := &RequestError{Message: fmt.Sprintf("request to %s failed", baseURL), Err: err}
	var opErr *net.OpError
	if errors.Is(err, syscall.ECONNREFUSED) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		re.Hint = unreachableHint
	}
	return re
}

func responseError(status int, body map[string]interface{}, raw []byte) *RequestError {
	re := &RequestError{HTTPStatus: status, Body: body}
	if body != nil {
		re.Status, _ = body["status"].(string)
		re.Message, _ = body["message"].(string)
	}
	if re.Message == "" && len(raw) > 0 && body == nil {
		re.Message = string(raw)
	}
	switch status {
	case 502, 503, 504:
		re.Hint = unreachableHint
	}
	return re
}

// CreditStore holds prepaid call credits per model.
type CreditStore interface {
	// Take spends one call for model and returns the calls left after it.
	Take(model string) (remaining int64, ok bool)
	// Refund returns a call the gateway did not accept.
	Refund(model string)
}

// MemoryCredits is an in-process CreditStore.
type MemoryCredits struct {
	mu    sync.Mutex
	calls map[string]int64
}

func NewMemoryCredits() *MemoryCredits {
	return &MemoryCredits{calls: make(map[string]int64)}
}

// Add grants n calls for model.
func (m *MemoryCredits) Add(model string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[model] += n
}

func (m *MemoryCredits) Remaining(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

func (m *MemoryCredits) Take(model string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls[model] <= 0 {
		return 0, false
	}
	m.calls[model]--
	left := m.calls[model]
	if left == 0 {
		delete(m.calls, model)
	}
	return left, true
}

func (m *MemoryCredits) Refund(model string) {
	m.Add(model, 1)
}
