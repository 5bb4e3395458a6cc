// Package x402client drives the 402 -> pay -> retry cycle against a tributum
// gateway on behalf of a paying caller.
package x402client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/x402"
)

// maxInvoices bounds the chained invoices a single request may pay.
const maxInvoices = 256

// ErrNoSettler is returned when an invoice arrives and nothing can pay it.
var ErrNoSettler = errors.New("x402client: no settler configured")

type Client struct {
	logger  *logger.Logger
	http    *http.Client
	baseURL string

	settler Settler
	credits CreditStore
	hooks   Hooks

	wallet string
	userID string

	maxVerifyRetries int
	retryDelay       func(attempt int) time.Duration
	explorerFallback bool
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		logger:           logger.NewNop(),
		http:             &http.Client{Timeout: defaultTimeout},
		baseURL:          strings.TrimRight(baseURL, "/"),
		maxVerifyRetries: defaultMaxVerifyRetries,
		retryDelay:       DefaultRetryDelay,
		explorerFallback: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request posts body to endpoint and pays every invoice the gateway answers
// with until it returns a final response.
func (c *Client) Request(ctx context.Context, endpoint string, body interface{}) (*Outcome, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, c.fail(err)
	}

	var (
		out      = &Outcome{}
		payment  map[string]string
		retries  int
		invoices int
		// held is the model of a prepaid credit the gateway has not accepted yet.
		held string
	)
	defer func() {
		if held != "" {
			c.credits.Refund(held)
		}
	}()
	for {
		resp, raw, err := c.send(ctx, endpoint, payload, payment, out.SessionID)
		if err != nil {
			if ctx.Err() != nil {
				out.Status = StatusCancelled
				return out, nil
			}
			return nil, c.fail(transportError(c.baseURL, err))
		}
		if s := resp.Header.Get(x402.HeaderWorkflowSession); s != "" {
			out.SessionID = s
		}
		out.HTTPStatus = resp.StatusCode
		out.Raw = raw
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			held = ""
		}

		var parsed map[string]interface{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &parsed); err != nil {
				return nil, c.fail(responseError(resp.StatusCode, nil, raw))
			}
		}
		status, _ := parsed["status"].(string)

		if resp.StatusCode == http.StatusPaymentRequired {
			switch status {
			case x402.StatusPaymentRequired:
				invoices++
				if invoices > maxInvoices {
					return nil, c.fail(fmt.Errorf("x402client: gave up after %d invoices", maxInvoices))
				}
				inv := new(x402.Invoice)
				if err := json.Unmarshal(raw, inv); err != nil {
					return nil, c.fail(fmt.Errorf("failed to decode invoice: %w", err))
				}
				out.Invoice = inv
				retries = 0
				if c.hooks.OnInvoice != nil {
					c.hooks.OnInvoice(inv)
				}

				if held != "" {
					c.credits.Refund(held)
					held = ""
				}
				proof, err := c.pay(ctx, inv)
				if err != nil {
					return nil, c.fail(err)
				}
				if proof == nil {
					c.logger.Debug("Payment cancelled", "request_id", inv.RequestID)
					out.Status = StatusCancelled
					return out, nil
				}
				if proof.Kind == x402.ProofPrepaid {
					held = proof.Model
				}
				out.Payments = append(out.Payments, Payment{Invoice: inv, Proof: proof})
				if c.hooks.OnPaymentSettled != nil {
					c.hooks.OnPaymentSettled(inv, proof)
				}
				payment = map[string]string{
					x402.HeaderPayment:   proof.String(),
					x402.HeaderRequestID: inv.RequestID,
				}
				continue

			case x402.StatusPaymentVerificationFailed:
				if retryable(parsed) && retries < c.maxVerifyRetries {
					retries++
					c.logger.Debug("Payment not verified yet, retrying", "attempt", retries, "code", parsed["code"])
					if !sleep(ctx, c.retryDelay(retries)) {
						out.Status = StatusCancelled
						return out, nil
					}
					continue
				}
				if link := explorerLink(parsed); c.explorerFallback && link != "" && len(out.Payments) > 0 {
					c.logger.Warn("Payment never verified, trusting explorer link", "explorer", link)
					out.Status = x402.StatusOK
					out.Unverified = true
					out.ExplorerURL = link
					out.Result = parsed
					if c.hooks.OnResult != nil {
						c.hooks.OnResult(parsed)
					}
					return out, nil
				}
			}
			return nil, c.fail(responseError(resp.StatusCode, parsed, raw))
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, c.fail(responseError(resp.StatusCode, parsed, raw))
		}

		out.Status = status
		if out.Status == "" {
			out.Status = x402.StatusOK
		}
		out.Result = parsed
		if link, ok := parsed["explorer"].(string); ok {
			out.ExplorerURL = link
		}
		if c.hooks.OnResult != nil {
			c.hooks.OnResult(parsed)
		}
		return out, nil
	}
}

// pay spends credits when they cover the invoice and otherwise asks the
// settler. A nil proof means the payer declined.
func (c *Client) pay(ctx context.Context, inv *x402.Invoice) (*x402.Proof, error) {
	if c.credits != nil {
		if model := prepaidModel(inv); model != "" {
			if remaining, ok := c.credits.Take(model); ok {
				return &x402.Proof{
					Kind:      x402.ProofPrepaid,
					Model:     model,
					Remaining: remaining,
					Nonce:     inv.Nonce,
				}, nil
			}
		}
	}
	if c.settler == nil {
		return nil, ErrNoSettler
	}

	proof, err := c.settler.Settle(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to settle invoice %s: %w", inv.RequestID, err)
	}
	if proof == nil {
		return nil, nil
	}
	if proof.Nonce == "" {
		proof.Nonce = inv.Nonce
	}
	if proof.Memo == "" {
		proof.Memo = inv.Memo
	}
	if proof.Kind == "" {
		proof.Kind = x402.ProofOnChain
	}
	if proof.Kind == x402.ProofOnChain && proof.Network == "" {
		proof.Network = inv.Network
	}
	return proof, nil
}

func (c *Client) send(ctx context.Context, endpoint string, payload []byte, payment map[string]string, session string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimLeft(endpoint, "/"), bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.wallet != "" {
		req.Header.Set(x402.HeaderWalletAddress, c.wallet)
	}
	if c.userID != "" {
		req.Header.Set(x402.HeaderUserID, c.userID)
	}
	if session != "" {
		req.Header.Set(x402.HeaderWorkflowSession, session)
	}
	for k, v := range payment {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, raw, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if c.wallet != "" {
		req.Header.Set(x402.HeaderWalletAddress, c.wallet)
	}
	if c.userID != "" {
		req.Header.Set(x402.HeaderUserID, c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(c.baseURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var parsed map[string]interface{}
		_ = json.Unmarshal(raw, &parsed)
		return responseError(resp.StatusCode, parsed, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) fail(err error) error {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
	return err
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return payload, nil
}

func retryable(body map[string]interface{}) bool {
	r, _ := body["retryable"].(bool)
	return r
}

func explorerLink(body map[string]interface{}) string {
	details, _ := body["details"].(map[string]interface{})
	link, _ := details["explorerLink"].(string)
	return link
}

// prepaidModel returns the model an inference invoice charges for.
func prepaidModel(inv *x402.Invoice) string {
	sel, _ := inv.Extras["auto_router"].(map[string]interface{})
	model, _ := sel["model"].(string)
	return model
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
