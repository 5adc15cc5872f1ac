package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aleppi/backend/app/models"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository mirroring the uniqueness semantics of
// the real store: event and invoice inserts are first-writer-wins, the
// subscription upsert keeps a stored transaction id when the input is empty.
type fakeRepo struct {
	events    map[string]*models.StripeEvent
	customers map[string]*models.StripeCustomer
	subs      map[string]*models.StripeSubscription
	invoices  map[string]*models.StripeInvoice
	seq       uint

	subUpserts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:    map[string]*models.StripeEvent{},
		customers: map[string]*models.StripeCustomer{},
		subs:      map[string]*models.StripeSubscription{},
		invoices:  map[string]*models.StripeInvoice{},
	}
}

func (f *fakeRepo) nextID() uint {
	f.seq++
	return f.seq
}

func (f *fakeRepo) CreateEventIfNotExists(event *models.StripeEvent) (bool, *models.StripeEvent, error) {
	if existing, ok := f.events[event.StripeEventID]; ok {
		return false, existing, nil
	}
	stored := *event
	stored.ID = f.nextID()
	f.events[event.StripeEventID] = &stored
	return true, &stored, nil
}

func (f *fakeRepo) MarkEventProcessed(id uint, processingError string) error {
	for _, e := range f.events {
		if e.ID == id {
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepo) UpsertCustomer(in CustomerUpsert) (*models.StripeCustomer, error) {
	for _, c := range f.customers {
		if c.UserID == in.UserID || c.StripeCustomerID == in.StripeCustomerID {
			c.UserID = in.UserID
			c.StripeCustomerID = in.StripeCustomerID
			if in.Email != "" {
				c.Email = in.Email
			}
			return c, nil
		}
	}
	row := &models.StripeCustomer{
		ID:               f.nextID(),
		UserID:           in.UserID,
		StripeCustomerID: in.StripeCustomerID,
		Email:            in.Email,
	}
	f.customers[in.StripeCustomerID] = row
	return row, nil
}

func (f *fakeRepo) GetCustomerByStripeID(stripeCustomerID string) (*models.StripeCustomer, error) {
	if c, ok := f.customers[stripeCustomerID]; ok {
		return c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) UpsertSubscription(in SubscriptionUpsert) (*models.StripeSubscription, error) {
	f.subUpserts++
	sub, ok := f.subs[in.StripeSubscriptionID]
	if !ok {
		sub = &models.StripeSubscription{ID: f.nextID(), StripeSubscriptionID: in.StripeSubscriptionID}
		f.subs[in.StripeSubscriptionID] = sub
	}
	sub.UserID = in.UserID
	sub.StripeCustomerID = in.StripeCustomerID
	sub.PriceID = in.PriceID
	sub.Status = in.Status
	sub.CancelAtPeriodEnd = in.CancelAtPeriodEnd
	sub.CurrentPeriodStart = in.CurrentPeriodStart
	sub.CurrentPeriodEnd = in.CurrentPeriodEnd
	sub.CanceledAt = in.CanceledAt
	if in.TransactionID != "" {
		sub.TransactionID = in.TransactionID
	}
	stored := *sub
	return &stored, nil
}

func (f *fakeRepo) GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.StripeSubscription, error) {
	if sub, ok := f.subs[stripeSubscriptionID]; ok {
		stored := *sub
		return &stored, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) InsertInvoiceIfAbsent(in InvoiceInsert) (*models.StripeInvoice, bool, error) {
	if existing, ok := f.invoices[in.StripeInvoiceID]; ok {
		return existing, false, nil
	}
	row := &models.StripeInvoice{
		ID:                   f.nextID(),
		StripeInvoiceID:      in.StripeInvoiceID,
		StripeCustomerID:     in.StripeCustomerID,
		StripeSubscriptionID: in.StripeSubscriptionID,
		AmountPaid:           in.AmountPaid,
		AmountDue:            in.AmountDue,
		Currency:             in.Currency,
		Status:               in.Status,
		PaidAt:               in.PaidAt,
		RawJSON:              in.RawJSON,
	}
	f.invoices[in.StripeInvoiceID] = row
	return row, true, nil
}

// fakeProcessor substitutes the Stripe client with per-call functions.
type fakeProcessor struct {
	verifyFn     func(payload []byte, signatureHeader string) (*stripe.Event, error)
	createFn     func(ctx context.Context, in CheckoutInput, priceID string) (*stripe.CheckoutSession, error)
	getSessionFn func(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	getSubFn     func(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

func (f *fakeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (*stripe.Event, error) {
	if f.verifyFn == nil {
		return nil, errors.New("verify not stubbed")
	}
	return f.verifyFn(payload, signatureHeader)
}

func (f *fakeProcessor) CreateCheckoutSession(ctx context.Context, in CheckoutInput, priceID string) (*stripe.CheckoutSession, error) {
	if f.createFn == nil {
		return nil, errors.New("create session not stubbed")
	}
	return f.createFn(ctx, in, priceID)
}

func (f *fakeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	if f.getSessionFn == nil {
		return nil, errors.New("get session not stubbed")
	}
	return f.getSessionFn(ctx, sessionID)
}

func (f *fakeProcessor) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if f.getSubFn == nil {
		return nil, errors.New("get subscription not stubbed")
	}
	return f.getSubFn(ctx, subscriptionID)
}

func processorSubscription(id, customerID, priceID string, status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 id,
		Customer:           &stripe.Customer{ID: customerID},
		Status:             status,
		CurrentPeriodStart: 1700000000,
		CurrentPeriodEnd:   1702592000,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: priceID}},
			},
		},
	}
}

func webhookEvent(t *testing.T, id, eventType string, object interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return &stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: 1700000100,
		Data:    &stripe.EventData{Raw: raw},
	}
}

func newTestService(repo Repository, processor ProcessorClient) *Service {
	return NewService(repo, processor, Config{DefaultPriceID: "price_pro"})
}

func TestRecordEventIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProcessor{})
	event := &stripe.Event{ID: "evt_1", Type: "invoice.paid", Created: 1700000000}

	created, first, err := svc.RecordEvent(context.Background(), event, []byte(`{"id":"evt_1"}`))
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !created {
		t.Fatal("first record should report created=true")
	}

	created, second, err := svc.RecordEvent(context.Background(), event, []byte(`{"id":"evt_1"}`))
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if created {
		t.Fatal("redelivery should report created=false")
	}
	if first.ID != second.ID {
		t.Fatalf("redelivery resolved to a different ledger row: %d vs %d", first.ID, second.ID)
	}
}

func TestRecordEventRequiresID(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProcessor{})
	if _, _, err := svc.RecordEvent(context.Background(), &stripe.Event{ID: "  "}, nil); err == nil {
		t.Fatal("expected an error for a missing event id")
	}
}

// stampFailRepo simulates a store where the processed stamp cannot be
// written.
type stampFailRepo struct {
	*fakeRepo
}

func (r *stampFailRepo) MarkEventProcessed(id uint, processingError string) error {
	return errors.New("stamp write failed")
}

func TestMarkEventProcessedPropagatesRepoError(t *testing.T) {
	svc := newTestService(&stampFailRepo{newFakeRepo()}, &fakeProcessor{})
	if err := svc.MarkEventProcessed(context.Background(), 1, nil); err == nil {
		t.Fatal("a failed stamp must surface to the caller")
	}
}

func TestHandleEventUnknownType(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProcessor{})
	event := &stripe.Event{ID: "evt_x", Type: "price.created", Data: &stripe.EventData{Raw: []byte(`{}`)}}

	handled, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatal("unregistered event type must not be handled")
	}
}

func TestHandleCheckoutCompleted(t *testing.T) {
	repo := newFakeRepo()
	processor := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return processorSubscription(id, "cus_1", "price_pro", stripe.SubscriptionStatusActive), nil
		},
	}
	svc := newTestService(repo, processor)

	event := webhookEvent(t, "evt_cs", EventTypeCheckoutCompleted, map[string]interface{}{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"customer_details": map[string]string{
			"email": "jo@example.com",
		},
		"metadata": map[string]string{
			"user_id":        "42",
			"transaction_id": "txn_abc",
		},
	})

	handled, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !handled {
		t.Fatal("checkout.session.completed must be handled")
	}

	customer, err := repo.GetCustomerByStripeID("cus_1")
	if err != nil {
		t.Fatalf("customer not linked: %v", err)
	}
	if customer.UserID != 42 || customer.Email != "jo@example.com" {
		t.Fatalf("unexpected customer row: %+v", customer)
	}

	sub, err := repo.GetSubscriptionByStripeID("sub_1")
	if err != nil {
		t.Fatalf("subscription not synced: %v", err)
	}
	if sub.UserID != 42 || sub.PriceID != "price_pro" || sub.Status != "active" {
		t.Fatalf("unexpected subscription row: %+v", sub)
	}
	if sub.TransactionID != "txn_abc" {
		t.Fatalf("transaction id not carried: %q", sub.TransactionID)
	}
}

func TestHandleCheckoutCompletedWithoutAttribution(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProcessor{})

	event := webhookEvent(t, "evt_cs2", EventTypeCheckoutCompleted, map[string]interface{}{
		"id":       "cs_2",
		"customer": "cus_9",
	})

	handled, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unattributable checkout must be a clean no-op, got: %v", err)
	}
	if !handled {
		t.Fatal("event type is registered, handled must be true")
	}
	if len(repo.customers) != 0 || len(repo.subs) != 0 {
		t.Fatal("no rows may be written without user attribution")
	}
}

func TestHandleInvoicePaid(t *testing.T) {
	repo := newFakeRepo()
	repo.customers["cus_1"] = &models.StripeCustomer{ID: 1, UserID: 42, StripeCustomerID: "cus_1"}
	processor := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return processorSubscription(id, "cus_1", "price_pro", stripe.SubscriptionStatusActive), nil
		},
	}
	svc := newTestService(repo, processor)

	payload := map[string]interface{}{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"amount_paid":  1999,
		"amount_due":   1999,
		"currency":     "eur",
		"status":       "paid",
		"status_transitions": map[string]int64{
			"paid_at": 1700000200,
		},
	}
	event := webhookEvent(t, "evt_inv", EventTypeInvoicePaid, payload)

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	inv, ok := repo.invoices["in_1"]
	if !ok {
		t.Fatal("invoice row missing")
	}
	if inv.AmountPaid != 1999 || inv.Currency != "eur" || inv.PaidAt == nil {
		t.Fatalf("unexpected invoice row: %+v", inv)
	}
	if _, err := repo.GetSubscriptionByStripeID("sub_1"); err != nil {
		t.Fatalf("invoice.paid should resync the subscription: %v", err)
	}

	// Redelivery under a new event id: the invoice record must not change.
	redelivery := webhookEvent(t, "evt_inv2", EventTypeInvoicePaid, payload)
	if _, err := svc.HandleEvent(context.Background(), redelivery); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(repo.invoices) != 1 {
		t.Fatalf("invoice must be recorded exactly once, got %d rows", len(repo.invoices))
	}
}

func TestHandleInvoicePaidResyncFailureIsTolerated(t *testing.T) {
	repo := newFakeRepo()
	repo.customers["cus_1"] = &models.StripeCustomer{ID: 1, UserID: 42, StripeCustomerID: "cus_1"}
	processor := &fakeProcessor{
		getSubFn: func(_ context.Context, _ string) (*stripe.Subscription, error) {
			return nil, fmt.Errorf("processor unavailable")
		},
	}
	svc := newTestService(repo, processor)

	event := webhookEvent(t, "evt_inv3", EventTypeInvoicePaymentSucceeded, map[string]interface{}{
		"id":           "in_2",
		"customer":     "cus_1",
		"subscription": "sub_9",
	})

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("resync failure must not fail the invoice record: %v", err)
	}
	if _, ok := repo.invoices["in_2"]; !ok {
		t.Fatal("invoice row missing despite failed resync")
	}
}

func TestHandleInvoiceFailedRecordsOnly(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProcessor{})

	event := webhookEvent(t, "evt_inv4", EventTypeInvoicePaymentFailed, map[string]interface{}{
		"id":         "in_3",
		"customer":   "cus_7",
		"amount_due": 1999,
		"status":     "open",
	})

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := repo.invoices["in_3"]; !ok {
		t.Fatal("failed invoice must still be recorded")
	}
	if len(repo.subs) != 0 {
		t.Fatal("invoice.payment_failed must not touch subscription state")
	}
}

func TestHandleSubscriptionDeletedForcesCanceled(t *testing.T) {
	repo := newFakeRepo()
	repo.customers["cus_1"] = &models.StripeCustomer{ID: 1, UserID: 42, StripeCustomerID: "cus_1"}
	svc := newTestService(repo, &fakeProcessor{})

	event := webhookEvent(t, "evt_sub", EventTypeSubscriptionDeleted, map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		// Deletion payloads may still carry a stale status field.
		"status":      "active",
		"canceled_at": 1700000300,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": "price_pro"}},
			},
		},
	})

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sub, err := repo.GetSubscriptionByStripeID("sub_1")
	if err != nil {
		t.Fatalf("subscription missing: %v", err)
	}
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("deletion must force status canceled, got %q", sub.Status)
	}
	if sub.CanceledAt == nil {
		t.Fatal("canceled_at not carried over")
	}
}

func TestHandleSubscriptionChangedUnknownCustomerDropped(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProcessor{})

	event := webhookEvent(t, "evt_sub2", EventTypeSubscriptionUpdated, map[string]interface{}{
		"id":       "sub_2",
		"customer": "cus_unknown",
		"status":   "past_due",
	})

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown customer must be dropped without error: %v", err)
	}
	if len(repo.subs) != 0 {
		t.Fatal("no subscription row may be written for an unknown customer")
	}
}

func TestSubscriptionUpdateKeepsStoredTransactionID(t *testing.T) {
	repo := newFakeRepo()
	repo.customers["cus_1"] = &models.StripeCustomer{ID: 1, UserID: 42, StripeCustomerID: "cus_1"}
	processor := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return processorSubscription(id, "cus_1", "price_pro", stripe.SubscriptionStatusActive), nil
		},
	}
	svc := newTestService(repo, processor)

	if _, err := svc.SyncSubscriptionFromProcessor(context.Background(), 42, "sub_1", "txn_abc"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	event := webhookEvent(t, "evt_sub3", EventTypeSubscriptionUpdated, map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "past_due",
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": "price_pro"}},
			},
		},
	})
	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("update: %v", err)
	}

	sub, err := repo.GetSubscriptionByStripeID("sub_1")
	if err != nil {
		t.Fatalf("subscription missing: %v", err)
	}
	if sub.Status != "past_due" {
		t.Fatalf("status not updated: %q", sub.Status)
	}
	if sub.TransactionID != "txn_abc" {
		t.Fatalf("a later event without a transaction id must not clear the stored one, got %q", sub.TransactionID)
	}
}

func TestSyncSubscriptionPriceUnresolved(t *testing.T) {
	processor := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{ID: id, Customer: &stripe.Customer{ID: "cus_1"}}, nil
		},
	}
	svc := newTestService(newFakeRepo(), processor)

	if _, err := svc.SyncSubscriptionFromProcessor(context.Background(), 42, "sub_1", ""); !errors.Is(err, ErrPriceUnresolved) {
		t.Fatalf("expected ErrPriceUnresolved, got %v", err)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var gotPrice string
	processor := &fakeProcessor{
		createFn: func(_ context.Context, _ CheckoutInput, priceID string) (*stripe.CheckoutSession, error) {
			gotPrice = priceID
			return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
		},
	}
	svc := newTestService(newFakeRepo(), processor)

	result, err := svc.CreateCheckoutSession(context.Background(), CheckoutInput{Email: "jo@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotPrice != "price_pro" {
		t.Fatalf("default price not applied, got %q", gotPrice)
	}
	if result.SessionID != "cs_1" || result.CheckoutURL == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCreateCheckoutSessionDisallowedPrice(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProcessor{})

	_, err := svc.CreateCheckoutSession(context.Background(), CheckoutInput{Email: "jo@example.com", PriceID: "price_evil"})
	if !errors.Is(err, ErrPriceNotAllowed) {
		t.Fatalf("expected ErrPriceNotAllowed, got %v", err)
	}
}
