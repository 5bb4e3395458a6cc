package models

import "context"

// ChatRequest is a single inference call.
type ChatRequest struct {
	Model  string
	Prompt string
}

// ChatResult is the backend's answer. Backend failures after a valid payment
// are reported in Error and never fail the invoice.
type ChatResult struct {
	Output  string                 `json:"output"`
	Model   string                 `json:"model,omitempty"`
	Usage   map[string]interface{} `json:"usage,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Warning string                 `json:"warning,omitempty"`
}

// InferenceBackend runs paid model calls.
type InferenceBackend interface {
	Complete(ctx context.Context, req ChatRequest) ChatResult
}
