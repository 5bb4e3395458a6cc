package x402client

import (
	"net/http"
	"time"

	"github.com/core-coin/tributum/pkg/logger"
)

const (
	defaultMaxVerifyRetries = 20
	defaultTimeout          = 2 * time.Minute
)

// Option configures a Client.
type Option func(*Client)

// DefaultRetryDelay waits 2s per attempt, capped at 5s.
func DefaultRetryDelay(attempt int) time.Duration {
	return min(2*time.Second*time.Duration(attempt), 5*time.Second)
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSettler sets the capability that pays invoices.
func WithSettler(s Settler) Option {
	return func(c *Client) { c.settler = s }
}

// WithWallet sends the paying wallet with every request.
func WithWallet(address string) Option {
	return func(c *Client) { c.wallet = address }
}

// WithUserID sends an explicit user id with every request.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithHooks registers lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithMaxVerifyRetries bounds resubmissions of a proof the gateway could not
// verify yet.
func WithMaxVerifyRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxVerifyRetries = n
		}
	}
}

// WithRetryDelay sets the wait before verification retry n (1-based).
func WithRetryDelay(fn func(attempt int) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.retryDelay = fn
		}
	}
}

// WithExplorerFallback controls whether a payment that never verifies but
// has an explorer link is reported as an unverified success.
func WithExplorerFallback(enabled bool) Option {
	return func(c *Client) { c.explorerFallback = enabled }
}

// WithCredits spends prepaid call credits before asking the settler to pay.
func WithCredits(store CreditStore) Option {
	return func(c *Client) { c.credits = store }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
