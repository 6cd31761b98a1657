package scp

import (
	"context"

	"github.com/llob/dicom-loadbalancer/dimse/dimse"
)

// DefaultEchoHandler provides a simple C-ECHO handler that always returns success
type DefaultEchoHandler struct{}

// HandleEcho implements EchoHandler
func (h *DefaultEchoHandler) HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse {
	return &EchoResponse{
		Status: dimse.StatusSuccess,
	}
}

// NewDefaultEchoHandler creates a new default echo handler
func NewDefaultEchoHandler() *DefaultEchoHandler {
	return &DefaultEchoHandler{}
}

// EchoHandlerFunc is a function adapter for EchoHandler
type EchoHandlerFunc func(ctx context.Context, req *EchoRequest) *EchoResponse

// HandleEcho implements EchoHandler
func (f EchoHandlerFunc) HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse {
	return f(ctx, req)
}

// StoreHandlerFunc is a function adapter for StoreHandler
type StoreHandlerFunc func(ctx context.Context, req *StoreRequest) *StoreResponse

// HandleStore implements StoreHandler
func (f StoreHandlerFunc) HandleStore(ctx context.Context, req *StoreRequest) *StoreResponse {
	return f(ctx, req)
}
