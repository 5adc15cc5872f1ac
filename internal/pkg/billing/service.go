package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/aleppi/backend/app/models"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"
)

var (
	// ErrNotConfigured signals a missing Stripe key or webhook secret. For
	// webhook deliveries this is still acknowledged to the processor.
	ErrNotConfigured = errors.New("billing: stripe is not configured")

	// ErrPriceNotAllowed is returned when a requested price id is outside
	// the configured allow-list.
	ErrPriceNotAllowed = errors.New("billing: price_id is not allowed")

	// ErrPriceUnresolved signals that the subscription price could not be
	// determined from the processor detail.
	ErrPriceUnresolved = errors.New("billing: subscription price could not be resolved")

	// ErrNoAttribution signals that an event carries no resolvable local
	// user. A logged no-op for the webhook path.
	ErrNoAttribution = errors.New("billing: event cannot be attributed to a local user")
)

// Service drives billing-event reconciliation: it owns the idempotency
// ledger, interprets events and converges both the asynchronous and the
// synchronous path on the same upsert store.
type Service struct {
	repo      Repository
	processor ProcessorClient
	cache     ConfirmCache
	cfg       Config
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, processor ProcessorClient, cfg Config) *Service {
	return &Service{repo: repo, processor: processor, cfg: cfg}
}

// NewServiceFromDB creates a billing service from a GORM DB handle with the
// Stripe-backed processor client and the Redis confirm cache.
func NewServiceFromDB(db *gorm.DB, cfg Config) *Service {
	svc := NewService(NewRepository(db), NewProcessorClient(cfg), cfg)
	svc.cache = redisConfirmCache{}
	return svc
}

// WithConfirmCache overrides the confirm fast-path cache (tests pass nil).
func (s *Service) WithConfirmCache(c ConfirmCache) *Service {
	s.cache = c
	return s
}

// VerifyWebhook delegates to the processor client.
func (s *Service) VerifyWebhook(payload []byte, signatureHeader string) (*stripe.Event, error) {
	return s.processor.VerifyWebhook(payload, signatureHeader)
}

// RecordEvent inserts the event into the idempotency ledger. created=false
// means the id was seen before and all downstream processing must be
// skipped for this delivery.
func (s *Service) RecordEvent(ctx context.Context, event *stripe.Event, rawPayload []byte) (bool, *models.StripeEvent, error) {
	_ = ctx
	if event == nil || strings.TrimSpace(event.ID) == "" {
		return false, nil, errors.New("billing: event id is required")
	}
	row := &models.StripeEvent{
		StripeEventID: event.ID,
		Type:          string(event.Type),
		StripeCreated: unixToTime(event.Created),
		RawJSON:       string(rawPayload),
	}
	return s.repo.CreateEventIfNotExists(row)
}

// HandleEvent dispatches a ledgered event to its registered handler.
// handled=false means the event type is unknown and was deliberately
// ignored (forward compatibility with new processor event types).
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (bool, error) {
	handler, ok := eventHandlerFor(string(event.Type))
	if !ok {
		return false, nil
	}
	return true, handler(ctx, s, event)
}

// MarkEventProcessed stamps the ledger row and stores an optional error.
func (s *Service) MarkEventProcessed(ctx context.Context, eventID uint, processingErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("billing: event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkEventProcessed(eventID, errMsg)
}

// CreateCheckoutSession validates the requested price against the allow-list
// and creates the session on the processor side, embedding the user id and
// transaction id for later correlation.
func (s *Service) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSessionResult, error) {
	priceID, err := s.cfg.ResolvePriceID(in.PriceID)
	if err != nil {
		return nil, err
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, in, priceID)
	if err != nil {
		return nil, err
	}
	return &CheckoutSessionResult{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// SyncSubscriptionFromProcessor fetches the authoritative subscription
// object and upserts it. Shared by the checkout handler, the invoice resync
// and the confirmation path, so all of them write equivalent rows.
func (s *Service) SyncSubscriptionFromProcessor(ctx context.Context, userID uint, subscriptionID, transactionID string) (*models.StripeSubscription, error) {
	sub, err := s.processor.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	priceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}
	if priceID == "" {
		return nil, ErrPriceUnresolved
	}
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	return s.repo.UpsertSubscription(SubscriptionUpsert{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     customerID,
		PriceID:              priceID,
		Status:               string(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodStart:   unixToTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixToTime(sub.CurrentPeriodEnd),
		CanceledAt:           unixToTime(sub.CanceledAt),
		TransactionID:        transactionID,
	})
}

// resolveUserByCustomer maps a processor customer id to the owning local
// user via the customer table. This never creates a customer.
func (s *Service) resolveUserByCustomer(stripeCustomerID string) (uint, error) {
	if strings.TrimSpace(stripeCustomerID) == "" {
		return 0, ErrNoAttribution
	}
	c, err := s.repo.GetCustomerByStripeID(stripeCustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoAttribution
		}
		return 0, err
	}
	return c.UserID, nil
}
