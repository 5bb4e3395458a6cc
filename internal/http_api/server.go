package http_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/tributum/internal/catalog"
	"github.com/core-coin/tributum/internal/gateway"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/x402"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// Gateway is the payment-gated business surface served over HTTP.
type Gateway interface {
	Invoke(ctx context.Context, req *gateway.Request, in gateway.InvokeInput) gateway.Response
	ExecuteWorkflow(ctx context.Context, req *gateway.Request, in gateway.WorkflowInput) gateway.Response
	PrepayWorkflow(ctx context.Context, req *gateway.Request, in gateway.WorkflowInput) gateway.Response
	BuyShare(ctx context.Context, req *gateway.Request, in gateway.ShareInput) gateway.Response
	ClaimCheckin(ctx context.Context, req *gateway.Request) gateway.Response
	Ledger(ctx context.Context, userID string, limit int) ([]*models.InvoiceEntry, error)
	Holdings(ctx context.Context, wallet string) ([]*models.Holding, error)
	Models() []catalog.Ranked
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	gateway Gateway
}

// corsMiddleware adds CORS headers to all responses. Protocol headers are
// exposed so browser clients can read the correlation id and session.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+
			x402.HeaderPayment+", "+x402.HeaderRequestID+", "+x402.HeaderWorkflowSession+", "+x402.HeaderWalletAddress+", "+x402.HeaderUserID+", "+x402.HeaderPaymentNetwork)
		c.Writer.Header().Set("Access-Control-Expose-Headers", x402.HeaderRequestID+", "+x402.HeaderWorkflowSession)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(gw Gateway, port int, development bool, logger *logger.Logger) *HTTPServer {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if development {
		router.Use(gin.Logger())
	}

	// Add CORS middleware
	router.Use(corsMiddleware())

	server := &HTTPServer{
		router:  router,
		port:    port,
		gateway: gw,
		logger:  logger,
	}

	// Define routes
	server.routes()

	return server
}

// Handler exposes the router, used by tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
