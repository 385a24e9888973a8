// Package gateway defines the payment gateway contract the autodebit
// orchestrator charges through.
package gateway

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// ErrChargeDeclined marks a decline from the processor, as opposed to a
// transport failure. Declines are terminal for the pass; the next run
// retries them like any other failure.
var ErrChargeDeclined = errors.New("charge_declined")

// Allocation tags which invoice a slice of a charge should settle.
type Allocation struct {
	InvoiceID snowflake.ID
	Amount    int64
}

// ChargeRequest is one aggregate charge for a client in one currency.
type ChargeRequest struct {
	ClientID    snowflake.ID
	CustomerRef string
	MethodRef   string
	Currency    string
	Amount      int64
	Allocations []Allocation
}

// Receipt reports a settled charge.
type Receipt struct {
	Reference string
	Amount    int64
}

// Gateway is implemented per payment processor.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Receipt, error)
}
