package billing

import (
	"context"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ProcessorClient is the surface of the payment processor the billing core
// talks to. The production implementation wraps the Stripe SDK; tests
// substitute a fake.
type ProcessorClient interface {
	VerifyWebhook(payload []byte, signatureHeader string) (*stripe.Event, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput, priceID string) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

type stripeProcessor struct {
	cfg Config
}

// NewProcessorClient creates the Stripe-backed processor client. The SDK key
// is process-global; the constructor is the only place that sets it.
func NewProcessorClient(cfg Config) ProcessorClient {
	if cfg.APIKey != "" {
		stripe.Key = cfg.APIKey
	}
	return &stripeProcessor{cfg: cfg}
}

// VerifyWebhook authenticates an inbound event against the signing secret and
// deserializes it. A missing secret is a configuration fault, distinct from a
// bad signature; callers decide the acknowledgment policy either way.
func (p *stripeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (*stripe.Event, error) {
	if p.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		p.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (p *stripeProcessor) CreateCheckoutSession(ctx context.Context, in CheckoutInput, priceID string) (*stripe.CheckoutSession, error) {
	if p.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		CustomerEmail: stripe.String(in.Email),
		SuccessURL:    stripe.String(p.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripe.String(p.cfg.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("price_id", priceID)
	if in.UserID != 0 {
		userID := strconv.FormatUint(uint64(in.UserID), 10)
		params.ClientReferenceID = stripe.String(userID)
		params.AddMetadata("user_id", userID)
	}
	if in.TransactionID != "" {
		params.AddMetadata("transaction_id", in.TransactionID)
	}

	return session.New(params)
}

func (p *stripeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	if p.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	return session.Get(sessionID, params)
}

func (p *stripeProcessor) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if p.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscription.Get(subscriptionID, params)
}
