package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuthorizationResult is the gateway's answer to an authorization
// attempt. Success false means the method was declined and the user may
// retry with a different one.
type AuthorizationResult struct {
	Success   bool
	Reference string
}

type CaptureResult struct {
	Success bool
}

// PaymentGateway executes payment methods. The ledger treats it as a
// black box that can fail at any call.
type PaymentGateway interface {
	AuthorizeFunds(ctx context.Context, method string, amount decimal.Decimal) (AuthorizationResult, error)
	CaptureFunds(ctx context.Context, reference string) (CaptureResult, error)
}

// ApprovingGateway approves every call with a generated reference. It
// stands in for the real processor in development and tests.
type ApprovingGateway struct{}

func (ApprovingGateway) AuthorizeFunds(ctx context.Context, method string, amount decimal.Decimal) (AuthorizationResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthorizationResult{}, err
	}
	return AuthorizationResult{Success: true, Reference: "auth-" + uuid.NewString()}, nil
}

func (ApprovingGateway) CaptureFunds(ctx context.Context, reference string) (CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return CaptureResult{}, err
	}
	return CaptureResult{Success: true}, nil
}
