package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/health", s.health)

	mcp := s.router.Group("/mcp")
	mcp.POST("/models.invoke", s.invoke)
	mcp.POST("/workflow/execute", s.executeWorkflow)
	mcp.POST("/workflow.prepay", s.prepayWorkflow)
	mcp.POST("/share/buy", s.buyShare)
	mcp.POST("/checkin/claim", s.claimCheckin)

	mcp.GET("/ledger", s.ledger)
	mcp.GET("/holdings", s.holdings)
	mcp.GET("/models", s.models)
}
