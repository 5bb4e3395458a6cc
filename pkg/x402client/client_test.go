package x402client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/pkg/x402"
)

func invoiceBody(requestID, nonce string, amount float64, extras map[string]any) x402.Invoice {
	return x402.Invoice{
		Status:     x402.StatusPaymentRequired,
		RequestID:  requestID,
		Nonce:      nonce,
		AmountUSDC: amount,
		Currency:   "USDC",
		Network:    "solana-devnet",
		Memo:       requestID,
		Extras:     extras,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// gateway is a scripted stand-in for the server side of the cycle.
type gateway struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	handle   func(n int, r *http.Request, w http.ResponseWriter)
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, r.Clone(context.Background()))
	g.bodies = append(g.bodies, body)
	n := len(g.requests)
	g.mu.Unlock()
	g.handle(n, r, w)
}

func (g *gateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *gateway) request(i int) *http.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func firstBody(t *testing.T, g *gateway) []byte {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.bodies)
	return g.bodies[0]
}

func startGateway(t *testing.T, handle func(n int, r *http.Request, w http.ResponseWriter)) (*gateway, string) {
	t.Helper()
	g := &gateway{handle: handle}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv.URL
}

func paySettler(calls *atomic.Int32) Settler {
	return SettlerFunc(func(_ context.Context, inv *x402.Invoice) (*x402.Proof, error) {
		calls.Add(1)
		return &x402.Proof{TxReference: "sig-" + inv.RequestID, Amount: decimal.NewFromFloat(inv.AmountUSDC)}, nil
	})
}

func TestRequestPaysAndReturnsResult(t *testing.T) {
	g, url := startGateway(t, func(n int, r *http.Request, w http.ResponseWriter) {
		if r.Header.Get(x402.HeaderPayment) == "" {
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, nil))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "request_id": "req-1", "explorer": "https://explorer/tx/sig-req-1"})
	})

	var (
		settled atomic.Int32
		events  []string
	)
	c, err := New(url,
		WithSettler(paySettler(&settled)),
		WithWallet("wallet-1"),
		WithUserID("alice"),
		WithHooks(Hooks{
			OnInvoice:        func(*x402.Invoice) { events = append(events, "invoice") },
			OnPaymentSettled: func(*x402.Invoice, *x402.Proof) { events = append(events, "settled") },
			OnResult:         func(map[string]interface{}) { events = append(events, "result") },
			OnError:          func(error) { events = append(events, "error") },
		}),
	)
	require.NoError(t, err)

	out, err := c.InvokeModel(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, x402.StatusOK, out.Status)
	assert.Equal(t, http.StatusOK, out.HTTPStatus)
	assert.Equal(t, "https://explorer/tx/sig-req-1", out.ExplorerURL)
	require.Len(t, out.Payments, 1)
	assert.Equal(t, []string{"invoice", "settled", "result"}, events)
	assert.EqualValues(t, 1, settled.Load())

	require.Equal(t, 2, g.count())
	retry := g.request(1)
	assert.Equal(t, "req-1", retry.Header.Get(x402.HeaderRequestID))
	assert.Equal(t, "wallet-1", retry.Header.Get(x402.HeaderWalletAddress))
	assert.Equal(t, "alice", retry.Header.Get(x402.HeaderUserID))

	proof, err := x402.ParseProof(retry.Header.Get(x402.HeaderPayment))
	require.NoError(t, err)
	assert.Equal(t, x402.ProofOnChain, proof.Kind)
	assert.Equal(t, "solana-devnet", proof.Network)
	assert.Equal(t, "sig-req-1", proof.TxReference)
	assert.Equal(t, "nonce-1", proof.Nonce)
	assert.Equal(t, "req-1", proof.Memo)
}

func TestRequestCancelled(t *testing.T) {
	_, url := startGateway(t, func(_ int, _ *http.Request, w http.ResponseWriter) {
		writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, nil))
	})

	t.Run("declined", func(t *testing.T) {
		c, err := New(url, WithSettler(SettlerFunc(func(context.Context, *x402.Invoice) (*x402.Proof, error) {
			return nil, nil
		})))
		require.NoError(t, err)
		out, err := c.InvokeModel(context.Background(), "hi", "")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
		assert.Equal(t, "req-1", out.Invoice.RequestID)
	})

	t.Run("context cancelled while settling", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c, err := New(url, WithSettler(SettlerFunc(func(ctx context.Context, _ *x402.Invoice) (*x402.Proof, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})))
		require.NoError(t, err)
		out, err := c.InvokeModel(ctx, "hi", "")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
	})

	t.Run("settler failure", func(t *testing.T) {
		c, err := New(url, WithSettler(SettlerFunc(func(context.Context, *x402.Invoice) (*x402.Proof, error) {
			return nil, errors.New("insufficient funds")
		})))
		require.NoError(t, err)
		_, err = c.InvokeModel(context.Background(), "hi", "")
		assert.ErrorContains(t, err, "insufficient funds")
	})

	t.Run("no settler", func(t *testing.T) {
		c, err := New(url)
		require.NoError(t, err)
		_, err = c.InvokeModel(context.Background(), "hi", "")
		assert.ErrorIs(t, err, ErrNoSettler)
	})
}

func verificationPending(link string) map[string]any {
	return map[string]any{
		"status":    x402.StatusPaymentVerificationFailed,
		"code":      x402.CodeTxNotFound,
		"retryable": true,
		"details":   map[string]any{"explorerLink": link},
	}
}

func TestVerificationRetries(t *testing.T) {
	g, url := startGateway(t, func(n int, r *http.Request, w http.ResponseWriter) {
		switch {
		case r.Header.Get(x402.HeaderPayment) == "":
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, nil))
		case n < 4:
			writeJSON(w, http.StatusPaymentRequired, verificationPending("https://explorer/tx/sig-req-1"))
		default:
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		}
	})

	var settled atomic.Int32
	var delays []int
	c, err := New(url, WithSettler(paySettler(&settled)), WithRetryDelay(func(n int) time.Duration {
		delays = append(delays, n)
		return 0
	}))
	require.NoError(t, err)

	out, err := c.InvokeModel(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, x402.StatusOK, out.Status)
	assert.False(t, out.Unverified)
	assert.Equal(t, 4, g.count())
	assert.Equal(t, []int{1, 2}, delays)
	assert.EqualValues(t, 1, settled.Load(), "retries resend the same proof")
	assert.Equal(t, g.request(1).Header.Get(x402.HeaderPayment), g.request(3).Header.Get(x402.HeaderPayment))
}

func TestExplorerFallback(t *testing.T) {
	handle := func(_ int, r *http.Request, w http.ResponseWriter) {
		if r.Header.Get(x402.HeaderPayment) == "" {
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, nil))
			return
		}
		writeJSON(w, http.StatusPaymentRequired, verificationPending("https://explorer/tx/sig-req-1"))
	}

	t.Run("enabled", func(t *testing.T) {
		g, url := startGateway(t, handle)
		var settled atomic.Int32
		c, err := New(url, WithSettler(paySettler(&settled)), WithMaxVerifyRetries(3), WithRetryDelay(func(int) time.Duration { return 0 }))
		require.NoError(t, err)

		out, err := c.InvokeModel(context.Background(), "hi", "")
		require.NoError(t, err)
		assert.Equal(t, x402.StatusOK, out.Status)
		assert.True(t, out.Unverified)
		assert.Equal(t, "https://explorer/tx/sig-req-1", out.ExplorerURL)
		assert.Equal(t, 1+1+3, g.count())
	})

	t.Run("disabled", func(t *testing.T) {
		_, url := startGateway(t, handle)
		var settled atomic.Int32
		c, err := New(url, WithSettler(paySettler(&settled)), WithMaxVerifyRetries(1), WithRetryDelay(func(int) time.Duration { return 0 }), WithExplorerFallback(false))
		require.NoError(t, err)

		_, err = c.InvokeModel(context.Background(), "hi", "")
		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusPaymentRequired, re.HTTPStatus)
		assert.Equal(t, x402.StatusPaymentVerificationFailed, re.Status)
	})
}

func TestWorkflowFollowsChainedInvoices(t *testing.T) {
	g, url := startGateway(t, func(_ int, r *http.Request, w http.ResponseWriter) {
		switch r.Header.Get(x402.HeaderRequestID) {
		case "":
			w.Header().Set(x402.HeaderWorkflowSession, "wf-1")
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("node-0", "n0", 0.00105, map[string]any{"node": map[string]any{"index": 0}}))
		case "node-0":
			w.Header().Set(x402.HeaderWorkflowSession, "wf-1")
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("node-1", "n1", 0.0021, map[string]any{"previous_node": map[string]any{"index": 0}}))
		case "node-1":
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "final_node": map[string]any{"index": 1}})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "unknown_request"})
		}
	})

	var settled atomic.Int32
	c, err := New(url, WithSettler(paySettler(&settled)))
	require.NoError(t, err)

	out, err := c.ExecuteWorkflow(context.Background(), Workflow{
		Name:  "two-step",
		Nodes: []WorkflowNode{{Name: "gpt-4o"}, {Name: "deepseek-coder-v2", Calls: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, x402.StatusOK, out.Status)
	assert.Equal(t, "wf-1", out.SessionID)
	require.Len(t, out.Payments, 2)
	assert.Equal(t, "node-1", out.Payments[1].Invoice.RequestID)
	assert.Equal(t, "wf-1", g.request(1).Header.Get(x402.HeaderWorkflowSession))
	assert.Equal(t, "wf-1", g.request(2).Header.Get(x402.HeaderWorkflowSession))

	var sent Workflow
	require.NoError(t, json.Unmarshal(firstBody(t, g), &sent))
	assert.Len(t, sent.Nodes, 2)
}

func TestPrepaidCreditsSkipSettlement(t *testing.T) {
	g, url := startGateway(t, func(_ int, r *http.Request, w http.ResponseWriter) {
		if r.Header.Get(x402.HeaderPayment) == "" {
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, map[string]any{
				"auto_router": map[string]any{"model": "gpt-4o"},
			}))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment_method": "prepaid_credits"})
	})

	credits := NewMemoryCredits()
	credits.Add("gpt-4o", 2)
	c, err := New(url, WithCredits(credits))
	require.NoError(t, err)

	out, err := c.InvokeModel(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, x402.StatusOK, out.Status)
	assert.EqualValues(t, 1, credits.Remaining("gpt-4o"))
	assert.Equal(t, "prepaid model=gpt-4o; remaining=1; nonce=nonce-1", g.request(1).Header.Get(x402.HeaderPayment))

	_, err = c.InvokeModel(context.Background(), "hi", "")
	require.NoError(t, err)
	_, ok := credits.Take("gpt-4o")
	assert.False(t, ok)

	_, err = c.InvokeModel(context.Background(), "hi", "")
	assert.ErrorIs(t, err, ErrNoSettler, "exhausted credits fall back to the settler")
}

func TestRejectedPrepaidCreditIsRefunded(t *testing.T) {
	var rejected atomic.Int32
	rejected.Store(1)
	_, url := startGateway(t, func(_ int, r *http.Request, w http.ResponseWriter) {
		if r.Header.Get(x402.HeaderPayment) == "" {
			writeJSON(w, http.StatusPaymentRequired, invoiceBody("req-1", "nonce-1", 0.00105, map[string]any{
				"auto_router": map[string]any{"model": "gpt-4o"},
			}))
			return
		}
		if rejected.Add(-1) >= 0 {
			writeJSON(w, http.StatusConflict, map[string]any{"status": x402.StatusInvalidProof, "message": "No prepaid credits left."})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": x402.StatusInternalError})
	})

	credits := NewMemoryCredits()
	credits.Add("gpt-4o", 1)
	c, err := New(url, WithCredits(credits))
	require.NoError(t, err)

	for _, want := range []int{http.StatusConflict, http.StatusInternalServerError} {
		_, err = c.InvokeModel(context.Background(), "hi", "")
		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, want, re.HTTPStatus)
		assert.EqualValues(t, 1, credits.Remaining("gpt-4o"))
	}
}

func TestRequestErrors(t *testing.T) {
	t.Run("gateway error carries status", func(t *testing.T) {
		_, url := startGateway(t, func(_ int, _ *http.Request, w http.ResponseWriter) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": x402.StatusCheckinLimit, "message": "Already claimed today."})
		})
		c, err := New(url, WithWallet("wallet-1"))
		require.NoError(t, err)
		_, err = c.ClaimCheckin(context.Background())
		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, x402.StatusCheckinLimit, re.Status)
		assert.Empty(t, re.Hint)
	})

	t.Run("bad gateway has a hint", func(t *testing.T) {
		_, url := startGateway(t, func(_ int, _ *http.Request, w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
		})
		c, err := New(url)
		require.NoError(t, err)
		_, err = c.InvokeModel(context.Background(), "hi", "")
		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusBadGateway, re.HTTPStatus)
		assert.NotEmpty(t, re.Hint)
	})

	t.Run("connection refused has a hint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		var hooked error
		c, err := New(url, WithHooks(Hooks{OnError: func(err error) { hooked = err }}))
		require.NoError(t, err)
		_, err = c.InvokeModel(context.Background(), "hi", "")
		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.NotEmpty(t, re.Hint)
		assert.Equal(t, err, hooked)
	})

	t.Run("check-in without wallet", func(t *testing.T) {
		c, err := New("http://localhost:1")
		require.NoError(t, err)
		_, err = c.ClaimCheckin(context.Background())
		assert.Error(t, err)
	})

	t.Run("invalid base url", func(t *testing.T) {
		_, err := New("ftp://example.com")
		assert.Error(t, err)
	})
}

func TestDefaultRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, DefaultRetryDelay(1))
	assert.Equal(t, 4*time.Second, DefaultRetryDelay(2))
	assert.Equal(t, 5*time.Second, DefaultRetryDelay(3))
	assert.Equal(t, 5*time.Second, DefaultRetryDelay(20))
}

func TestLedger(t *testing.T) {
	g, url := startGateway(t, func(_ int, r *http.Request, w http.ResponseWriter) {
		if r.URL.Query().Get("user_id") != "alice" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": x402.StatusInvalidRequest})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entries": []any{
			map[string]any{"request_id": "req-2"},
			map[string]any{"request_id": "req-1"},
		}})
	})
	c, err := New(url)
	require.NoError(t, err)

	entries, err := c.Ledger(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "req-2", entries[0]["request_id"])
	assert.Equal(t, "10", g.request(0).URL.Query().Get("limit"))

	_, err = c.Ledger(context.Background(), "bob", 0)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, x402.StatusInvalidRequest, re.Status)
}
