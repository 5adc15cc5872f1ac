package billing

import (
	"strings"

	"github.com/aleppi/backend/app/models"
)

// Stripe event types with a registered handler.
const (
	EventTypeCheckoutCompleted       = "checkout.session.completed"
	EventTypeInvoicePaid             = "invoice.paid"
	EventTypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventTypeInvoicePaymentFailed    = "invoice.payment_failed"
	EventTypeSubscriptionUpdated     = "customer.subscription.updated"
	EventTypeSubscriptionDeleted     = "customer.subscription.deleted"
)

// IsDeletionEvent reports whether the event type terminates a subscription.
func IsDeletionEvent(eventType string) bool {
	return strings.EqualFold(strings.TrimSpace(eventType), EventTypeSubscriptionDeleted)
}

// NormalizeEventStatus relays the provider status opaquely with a single
// local rule: deletion-class events are always canceled, whatever the raw
// status field says.
func NormalizeEventStatus(eventType, status string) string {
	if IsDeletionEvent(eventType) {
		return models.SubscriptionStatusCanceled
	}
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return models.SubscriptionStatusIncomplete
	}
	return s
}
