package billing

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

// ProcessorClient mutates processor-side state. Calls may fail independently
// of local persistence and are never assumed atomic with it.
type ProcessorClient interface {
	PauseCollection(ctx context.Context, providerSubscriptionID string) error
	ResumeCollection(ctx context.Context, providerSubscriptionID string) error
	CreateRefund(ctx context.Context, req RefundRequest) (string, error)
}

type RefundRequest struct {
	PaymentIntentID string
	AmountMinor     int64
	Reason          string
	IdempotencyKey  string
}

const defaultPauseBehavior = "mark_uncollectible"

// StripeClient implements ProcessorClient against the Stripe API.
type StripeClient struct {
	api           *client.API
	pauseBehavior string
}

// NewStripeClientFromEnv returns nil when STRIPE_SECRET_KEY is unset.
func NewStripeClientFromEnv() *StripeClient {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		return nil
	}
	api := &client.API{}
	api.Init(key, nil)
	return &StripeClient{
		api:           api,
		pauseBehavior: strings.TrimSpace(env.GetEnv("STRIPE_PAUSE_BEHAVIOR", defaultPauseBehavior)),
	}
}

func (c *StripeClient) PauseCollection(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(c.pauseBehavior),
		},
	}
	params.Context = ctx
	_, err := c.api.Subscriptions.Update(providerSubscriptionID, params)
	return err
}

func (c *StripeClient) ResumeCollection(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	// An empty value unsets pause_collection.
	params.AddExtra("pause_collection", "")
	_, err := c.api.Subscriptions.Update(providerSubscriptionID, params)
	return err
}

func (c *StripeClient) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(req.AmountMinor),
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	r, err := c.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}
