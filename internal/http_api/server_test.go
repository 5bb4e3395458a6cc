package http_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/core-coin/tributum/internal/blockchain"
	"github.com/core-coin/tributum/internal/catalog"
	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/gateway"
	"github.com/core-coin/tributum/internal/invoice"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/models/mocks"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/workflow"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/x402"
)

const (
	testNetwork = "solana-devnet"
	testWallet  = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
)

type echoBackend struct{}

func (echoBackend) Complete(_ context.Context, req models.ChatRequest) models.ChatResult {
	return models.ChatResult{Output: "echo: " + req.Prompt, Model: req.Model}
}

func newTestServer(t *testing.T) (*httptest.Server, *mocks.MockPaymentVerifier) {
	t.Helper()
	ctrl := gomock.NewController(t)
	log := logger.NewNop()

	cfg := &config.Config{
		Pricing: models.DefaultPricing(),
		Payments: models.PaymentConfig{
			Chain:           "solana",
			Network:         testNetwork,
			Currency:        "USDC",
			Recipient:       "5ZWj7a1f8tWkjBESHKgrLmXshuXxqeY9SYcfbshpAqPG",
			Mint:            "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals:        6,
			ExplorerBaseURL: "https://explorer.solana.com/tx",
			InvoiceTTL:      5 * time.Minute,
		},
	}

	store, err := repository.NewSQLiteDB(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	issuer := invoice.NewIssuer(store, cfg.Payments, log)
	cat := catalog.NewService(log, cfg)
	t.Cleanup(cat.Stop)
	workflows := workflow.NewManager(cat, issuer, time.Hour, log)

	verifier := mocks.NewMockPaymentVerifier(ctrl)
	registry := blockchain.NewRegistry(testNetwork)
	registry.Register(verifier, testNetwork)

	gw := gateway.New(store, issuer, registry, cat, echoBackend{}, workflows, mocks.NewMockNotificationService(ctrl), cfg.Pricing, log)
	srv := httptest.NewServer(NewHTTPServer(gw, 0, false, log).Handler())
	t.Cleanup(srv.Close)
	return srv, verifier
}

func post(t *testing.T, srv *httptest.Server, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(t, req)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	resp, raw := do(t, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return resp, body
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestInvokeOverHTTP(t *testing.T) {
	srv, verifier := newTestServer(t)
	verifier.EXPECT().VerifyTransfer(gomock.Any(), gomock.Any()).
		Return(&models.Verification{OK: true, Payer: testWallet}, nil).Times(1)

	resp, raw := post(t, srv, "/mcp/models.invoke", `{"prompt":"hi","wallet_address":"`+testWallet+`"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode, string(raw))
	var inv x402.Invoice
	require.NoError(t, json.Unmarshal(raw, &inv))
	assert.Equal(t, inv.RequestID, resp.Header.Get(x402.HeaderRequestID))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), x402.HeaderRequestID)

	proof := (&x402.Proof{
		Kind:        x402.ProofOnChain,
		Network:     testNetwork,
		TxReference: "sig-http-1",
		Amount:      decimal.NewFromFloat(inv.AmountUSDC),
		Nonce:       inv.Nonce,
	}).String()
	headers := map[string]string{x402.HeaderPayment: proof, x402.HeaderRequestID: inv.RequestID}

	resp, first := post(t, srv, "/mcp/models.invoke", `{"prompt":"hi","wallet_address":"`+testWallet+`"}`, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(first))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &body))
	assert.Equal(t, x402.StatusOK, body["status"])
	assert.Equal(t, "sig-http-1", body["tx_signature"])

	resp, again := post(t, srv, "/mcp/models.invoke", `{"prompt":"hi"}`, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, again)

	_, ledger := get(t, srv, "/mcp/ledger?wallet="+testWallet)
	assert.Equal(t, "wallet:"+strings.ToLower(testWallet), ledger["user_id"])
	entries, _ := ledger["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, string(models.StatusCompleted), entries[0].(map[string]interface{})["status"])
}

func TestUserIDResolution(t *testing.T) {
	srv, _ := newTestServer(t)

	post(t, srv, "/mcp/models.invoke", `{"prompt":"a","user_id":"alice"}`, map[string]string{x402.HeaderUserID: "ignored"})
	post(t, srv, "/mcp/models.invoke", `{"prompt":"b"}`, map[string]string{x402.HeaderUserID: "bob"})
	post(t, srv, "/mcp/models.invoke", `{"prompt":"c"}`, nil)

	for user, want := range map[string]int{"alice": 1, "bob": 1, "ignored": 0, anonymousUser: 1} {
		_, body := get(t, srv, "/mcp/ledger?user_id="+user)
		entries, _ := body["entries"].([]interface{})
		assert.Len(t, entries, want, user)
	}
}

func TestRejectedRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		body       string
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{"malformed body", "/mcp/models.invoke", `{"prompt":`, nil, http.StatusBadRequest, x402.StatusInvalidRequest},
		{"garbled proof", "/mcp/models.invoke", `{}`, map[string]string{x402.HeaderPayment: "%%%"}, http.StatusBadRequest, x402.StatusInvalidProof},
		{"checkin without wallet", "/mcp/checkin/claim", ``, nil, http.StatusBadRequest, x402.StatusMissingWallet},
		{"share without id", "/mcp/share/buy", `{"amount_usdc":5}`, nil, http.StatusBadRequest, x402.StatusMissingShareID},
		{"share with empty id", "/mcp/share/buy", `{"share_id":"","amount_usdc":5}`, nil, http.StatusBadRequest, x402.StatusMissingShareID},
		{"share id of wrong type", "/mcp/share/buy", `{"share_id":7}`, nil, http.StatusBadRequest, x402.StatusInvalidRequest},
		{"checkin with empty wallet", "/mcp/checkin/claim", `{"wallet_address":""}`, nil, http.StatusBadRequest, x402.StatusMissingWallet},
		{"empty workflow", "/mcp/workflow/execute", `{"nodes":[]}`, nil, http.StatusBadRequest, x402.StatusInvalidWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := post(t, srv, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(raw))
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &body))
			assert.Equal(t, tt.wantCode, body["status"])
		})
	}
}

func TestBindBodyTreatsEmptyBodyAsObject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, raw := range []string{"", "  \n"} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/mcp/share/buy", strings.NewReader(raw))

		var id identity
		require.NoError(t, bindBody(c, &id))
		assert.Empty(t, id.UserID)

		var in gateway.ShareInput
		var verrs validator.ValidationErrors
		require.ErrorAs(t, bindBody(c, &in), &verrs)
		assert.Equal(t, "ShareID", verrs[0].StructField())
	}
}

func TestBindBodyReadsBodyOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/mcp/share/buy",
		strings.NewReader(`{"user_id":"alice","share_id":"gpt-4o","amount_usdc":"5"}`))

	var id identity
	require.NoError(t, bindBody(c, &id))
	var in gateway.ShareInput
	require.NoError(t, bindBody(c, &in))
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "gpt-4o", in.ShareID)
	assert.True(t, in.Amount.Equal(decimal.NewFromInt(5)))
}

func TestCheckinOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{x402.HeaderWalletAddress: testWallet}

	resp, raw := post(t, srv, "/mcp/checkin/claim", ``, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = post(t, srv, "/mcp/checkin/claim", `{"wallet_address":"`+testWallet+`"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, string(raw))
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, x402.StatusOK, body["status"])

	resp, body = get(t, srv, "/mcp/models")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["models"])

	resp, body = get(t, srv, "/mcp/holdings")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, x402.StatusMissingWallet, body["status"])

	resp, body = get(t, srv, "/mcp/holdings?wallet="+testWallet)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["holdings"])

	resp, body = get(t, srv, "/mcp/ledger?user_id=nobody&limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, x402.StatusInvalidRequest, body["status"])
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp/models.invoke", nil)
	require.NoError(t, err)
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), x402.HeaderPayment)
}
