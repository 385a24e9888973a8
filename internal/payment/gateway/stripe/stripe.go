// Package stripe charges autodebit accounts through Stripe payment
// intents, confirmed off-session against the stored payment method.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/billforge/billforge/internal/payment/gateway"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

type Gateway struct {
	api *client.API
	log *zap.Logger
}

func New(secretKey string, log *zap.Logger) *Gateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Gateway{
		api: api,
		log: log.Named("gateway.stripe"),
	}
}

func (g *Gateway) Name() string { return "stripe" }

func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Receipt, error) {
	params := &stripeapi.PaymentIntentParams{
		Params: stripeapi.Params{
			Context: ctx,
			// One intent per client, currency, and amount; a retried run
			// reuses the intent instead of charging twice.
			IdempotencyKey: stripeapi.String(fmt.Sprintf("autodebit-%d-%s-%d", req.ClientID, strings.ToLower(req.Currency), req.Amount)),
		},
		Amount:        stripeapi.Int64(req.Amount),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		Customer:      stripeapi.String(req.CustomerRef),
		PaymentMethod: stripeapi.String(req.MethodRef),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	params.AddMetadata("client_id", req.ClientID.String())
	for _, alloc := range req.Allocations {
		params.AddMetadata("invoice_"+alloc.InvoiceID.String(), fmt.Sprintf("%d", alloc.Amount))
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripeapi.ErrorTypeCard {
			g.log.Warn("stripe charge declined",
				zap.Int64("client_id", int64(req.ClientID)),
				zap.String("decline_code", string(stripeErr.DeclineCode)),
			)
			return nil, fmt.Errorf("%w: %s", gateway.ErrChargeDeclined, stripeErr.Code)
		}
		return nil, err
	}

	if intent.Status != stripeapi.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: intent status %s", gateway.ErrChargeDeclined, intent.Status)
	}

	return &gateway.Receipt{
		Reference: intent.ID,
		Amount:    intent.Amount,
	}, nil
}
