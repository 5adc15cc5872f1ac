package billing

import (
	"context"
	"log"

	"github.com/stripe/stripe-go/v79"
)

// EventHandler interprets one event type and drives the upsert store.
// Handlers run after the ledger insert; any error they return is recorded on
// the ledger row and swallowed into a benign acknowledgment by the caller.
type EventHandler func(ctx context.Context, svc *Service, event *stripe.Event) error

var eventHandlers = map[string]EventHandler{}

// RegisterEventHandler binds a handler to an event type. New processor event
// types are supported by registering a handler, not by growing a switch.
func RegisterEventHandler(eventType string, handler EventHandler) {
	eventHandlers[eventType] = handler
}

func eventHandlerFor(eventType string) (EventHandler, bool) {
	h, ok := eventHandlers[eventType]
	return h, ok
}

func init() {
	RegisterEventHandler(EventTypeCheckoutCompleted, handleCheckoutCompleted)
	RegisterEventHandler(EventTypeInvoicePaid, handleInvoicePaid)
	RegisterEventHandler(EventTypeInvoicePaymentSucceeded, handleInvoicePaid)
	RegisterEventHandler(EventTypeInvoicePaymentFailed, handleInvoiceFailed)
	RegisterEventHandler(EventTypeSubscriptionUpdated, handleSubscriptionChanged)
	RegisterEventHandler(EventTypeSubscriptionDeleted, handleSubscriptionChanged)
}

// handleCheckoutCompleted links the local user to the processor customer and,
// when a subscription id is already attached, syncs the subscription from the
// processor (the session object does not reliably carry the price).
func handleCheckoutCompleted(ctx context.Context, svc *Service, event *stripe.Event) error {
	cs, err := ParseCheckoutSessionEvent(event.Data.Raw)
	if err != nil {
		return err
	}
	if cs.UserID == 0 {
		// No metadata user_id and no client_reference_id: nothing to
		// attribute the checkout to. Terminal no-op.
		log.Printf("billing: checkout session %s without user attribution, skipping", cs.SessionID)
		return nil
	}

	if cs.CustomerID != "" {
		if _, err := svc.repo.UpsertCustomer(CustomerUpsert{
			UserID:           cs.UserID,
			StripeCustomerID: cs.CustomerID,
			Email:            cs.Email,
		}); err != nil {
			return err
		}
	}

	if cs.SubscriptionID != "" {
		if _, err := svc.SyncSubscriptionFromProcessor(ctx, cs.UserID, cs.SubscriptionID, cs.TransactionID); err != nil {
			return err
		}
	}
	return nil
}

// handleInvoicePaid records the invoice and opportunistically resyncs the
// subscription from the processor. A failed resync never invalidates the
// invoice record.
func handleInvoicePaid(ctx context.Context, svc *Service, event *stripe.Event) error {
	inv, err := ParseInvoiceEvent(event.Data.Raw)
	if err != nil {
		return err
	}

	if _, _, err := svc.repo.InsertInvoiceIfAbsent(InvoiceInsert{
		StripeInvoiceID:      inv.InvoiceID,
		StripeCustomerID:     inv.CustomerID,
		StripeSubscriptionID: inv.SubscriptionID,
		AmountPaid:           inv.AmountPaid,
		AmountDue:            inv.AmountDue,
		Currency:             inv.Currency,
		Status:               inv.Status,
		PaidAt:               inv.PaidAt,
		RawJSON:              string(event.Data.Raw),
	}); err != nil {
		return err
	}

	if inv.SubscriptionID == "" {
		return nil
	}
	userID, err := svc.resolveUserByCustomer(inv.CustomerID)
	if err != nil {
		log.Printf("billing: invoice %s without local customer, skipping resync", inv.InvoiceID)
		return nil
	}
	if _, err := svc.SyncSubscriptionFromProcessor(ctx, userID, inv.SubscriptionID, ""); err != nil {
		log.Printf("billing: subscription resync for invoice %s failed: %v", inv.InvoiceID, err)
	}
	return nil
}

// handleInvoiceFailed records the failed invoice. The subscription status
// change arrives separately via customer.subscription.updated.
func handleInvoiceFailed(ctx context.Context, svc *Service, event *stripe.Event) error {
	_ = ctx
	inv, err := ParseInvoiceEvent(event.Data.Raw)
	if err != nil {
		return err
	}
	_, _, err = svc.repo.InsertInvoiceIfAbsent(InvoiceInsert{
		StripeInvoiceID:      inv.InvoiceID,
		StripeCustomerID:     inv.CustomerID,
		StripeSubscriptionID: inv.SubscriptionID,
		AmountPaid:           inv.AmountPaid,
		AmountDue:            inv.AmountDue,
		Currency:             inv.Currency,
		Status:               inv.Status,
		RawJSON:              string(event.Data.Raw),
	})
	return err
}

// handleSubscriptionChanged upserts subscription state straight from the
// embedded event object. The owning user is resolved via the customer table;
// without a local customer the event is dropped. Deletion-class events force
// status canceled.
func handleSubscriptionChanged(ctx context.Context, svc *Service, event *stripe.Event) error {
	_ = ctx
	sub, err := ParseSubscriptionEvent(event.Data.Raw)
	if err != nil {
		return err
	}

	userID, err := svc.resolveUserByCustomer(sub.CustomerID)
	if err != nil {
		log.Printf("billing: subscription %s without local customer, dropping %s", sub.SubscriptionID, event.Type)
		return nil
	}

	_, err = svc.repo.UpsertSubscription(SubscriptionUpsert{
		UserID:               userID,
		StripeSubscriptionID: sub.SubscriptionID,
		StripeCustomerID:     sub.CustomerID,
		PriceID:              sub.PriceID,
		Status:               NormalizeEventStatus(string(event.Type), sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CanceledAt:           sub.CanceledAt,
	})
	return err
}
