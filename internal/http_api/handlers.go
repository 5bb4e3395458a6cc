package http_api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/core-coin/tributum/internal/gateway"
	"github.com/core-coin/tributum/pkg/x402"
)

const (
	anonymousUser      = "anonymous"
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// identity carries the caller fields every paid endpoint accepts.
type identity struct {
	UserID string `json:"user_id"`
	Wallet string `json:"wallet_address"`
}

// resolveUserID picks the body user id, then the header, then the wallet.
func resolveUserID(c *gin.Context, id identity, wallet string) string {
	if id.UserID != "" {
		return id.UserID
	}
	if h := c.GetHeader(x402.HeaderUserID); h != "" {
		return h
	}
	if wallet != "" {
		return "wallet:" + strings.ToLower(wallet)
	}
	return anonymousUser
}

// bind decodes the JSON body into in, checks its binding rules and builds
// the protocol request from the headers. An empty body is accepted as {}.
func (s *HTTPServer) bind(c *gin.Context, in interface{}) (*gateway.Request, bool) {
	var id identity
	if err := bindBody(c, &id); err != nil {
		s.rejectBody(c, err)
		return nil, false
	}
	if in != nil {
		if err := bindBody(c, in); err != nil {
			s.rejectBody(c, err)
			return nil, false
		}
	}

	wallet := id.Wallet
	if wallet == "" {
		wallet = c.GetHeader(x402.HeaderWalletAddress)
	}
	return &gateway.Request{
		Payment:   c.GetHeader(x402.HeaderPayment),
		RequestID: c.GetHeader(x402.HeaderRequestID),
		Network:   c.GetHeader(x402.HeaderPaymentNetwork),
		SessionID: c.GetHeader(x402.HeaderWorkflowSession),
		Wallet:    wallet,
		UserID:    resolveUserID(c, id, wallet),
	}, true
}

// bindBody decodes through gin's body cache so identity and input share one
// read. The JSON decoder reports an empty body as io.EOF.
func bindBody(c *gin.Context, obj interface{}) error {
	err := c.ShouldBindBodyWith(obj, binding.JSON)
	if errors.Is(err, io.EOF) {
		return binding.Validator.ValidateStruct(obj)
	}
	return err
}

// requiredFields maps a missing required field to its protocol status.
var requiredFields = map[string]struct{ status, message string }{
	"ShareID": {x402.StatusMissingShareID, "share_id is required."},
	"Wallet":  {x402.StatusMissingWallet, "wallet_address is required."},
}

func (s *HTTPServer) rejectBody(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if f, ok := requiredFields[fe.StructField()]; ok && fe.Tag() == "required" {
				c.JSON(http.StatusBadRequest, gin.H{"status": f.status, "message": f.message})
				return
			}
		}
	}
	s.invalidRequest(c, err)
}

func (s *HTTPServer) invalidRequest(c *gin.Context, err error) {
	s.logger.Debug("Invalid request body", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  x402.StatusInvalidRequest,
		"message": "Invalid request body: " + err.Error(),
	})
}

// write sends a rendered gateway response without re-encoding it.
func write(c *gin.Context, resp gateway.Response) {
	for k, v := range resp.Header {
		c.Header(k, v)
	}
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
}

func (s *HTTPServer) invoke(c *gin.Context) {
	var in gateway.InvokeInput
	req, ok := s.bind(c, &in)
	if !ok {
		return
	}
	write(c, s.gateway.Invoke(c.Request.Context(), req, in))
}

func (s *HTTPServer) executeWorkflow(c *gin.Context) {
	var in gateway.WorkflowInput
	req, ok := s.bind(c, &in)
	if !ok {
		return
	}
	write(c, s.gateway.ExecuteWorkflow(c.Request.Context(), req, in))
}

func (s *HTTPServer) prepayWorkflow(c *gin.Context) {
	var in gateway.WorkflowInput
	req, ok := s.bind(c, &in)
	if !ok {
		return
	}
	write(c, s.gateway.PrepayWorkflow(c.Request.Context(), req, in))
}

func (s *HTTPServer) buyShare(c *gin.Context) {
	var in gateway.ShareInput
	req, ok := s.bind(c, &in)
	if !ok {
		return
	}
	write(c, s.gateway.BuyShare(c.Request.Context(), req, in))
}

// checkin is validated after the header fallback fills the wallet.
type checkin struct {
	Wallet string `binding:"required"`
}

func (s *HTTPServer) claimCheckin(c *gin.Context) {
	req, ok := s.bind(c, nil)
	if !ok {
		return
	}
	if err := binding.Validator.ValidateStruct(&checkin{Wallet: req.Wallet}); err != nil {
		s.rejectBody(c, err)
		return
	}
	write(c, s.gateway.ClaimCheckin(c.Request.Context(), req))
}

// ledger lists a user's entries, newest first.
func (s *HTTPServer) ledger(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		wallet = c.GetHeader(x402.HeaderWalletAddress)
	}
	userID := resolveUserID(c, identity{UserID: c.Query("user_id")}, wallet)

	limit := defaultLedgerLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"status": x402.StatusInvalidRequest, "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLedgerLimit)
	}

	entries, err := s.gateway.Ledger(c.Request.Context(), userID, limit)
	if err != nil {
		s.logger.Error("Failed to load ledger", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": x402.StatusInternalError, "message": "failed to load ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": x402.StatusOK, "user_id": userID, "entries": entries})
}

func (s *HTTPServer) holdings(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		wallet = c.GetHeader(x402.HeaderWalletAddress)
	}
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": x402.StatusMissingWallet, "message": "wallet is required"})
		return
	}

	holdings, err := s.gateway.Holdings(c.Request.Context(), wallet)
	if err != nil {
		s.logger.Error("Failed to load holdings", "wallet", wallet, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": x402.StatusInternalError, "message": "failed to load holdings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": x402.StatusOK, "wallet": wallet, "holdings": holdings})
}

func (s *HTTPServer) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": x402.StatusOK, "models": s.gateway.Models()})
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": x402.StatusOK})
}
