package billing

import "time"

// CustomerUpsert is the normalized input for linking a local user to a
// Stripe customer.
type CustomerUpsert struct {
	UserID           uint
	StripeCustomerID string
	Email            string
}

// SubscriptionUpsert is the normalized subscription state written through the
// upsert store. Both the webhook path and the confirm path converge on it.
type SubscriptionUpsert struct {
	UserID               uint
	StripeSubscriptionID string
	StripeCustomerID     string
	PriceID              string
	Status               string
	CancelAtPeriodEnd    bool
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CanceledAt           *time.Time
	// TransactionID is only written when non-empty; an empty value never
	// clears a previously stored one.
	TransactionID string
}

// InvoiceInsert is the normalized input for the append-only invoice record.
type InvoiceInsert struct {
	StripeInvoiceID      string
	StripeCustomerID     string
	StripeSubscriptionID string
	AmountPaid           int64
	AmountDue            int64
	Currency             string
	Status               string
	PaidAt               *time.Time
	RawJSON              string
}

// CheckoutInput is the client request for creating a checkout session.
type CheckoutInput struct {
	Email         string
	PriceID       string
	UserID        uint
	TransactionID string
}

// CheckoutSessionResult is returned after a session was created on the
// processor side.
type CheckoutSessionResult struct {
	SessionID   string
	CheckoutURL string
}

// ConfirmStatus enumerates the outcomes of the synchronous confirmation path.
type ConfirmStatus string

const (
	ConfirmStatusActive         ConfirmStatus = "active"
	ConfirmStatusPending        ConfirmStatus = "pending"
	ConfirmStatusPendingWebhook ConfirmStatus = "pending_webhook"
	ConfirmStatusNotPaid        ConfirmStatus = "not_paid"
	ConfirmStatusInvalid        ConfirmStatus = "invalid"
)

// ConfirmResult is the outcome of ConfirmCheckout. Synced reports whether
// this call performed the subscription upsert (false when the webhook path
// already had).
type ConfirmResult struct {
	Status         ConfirmStatus
	SubscriptionID string
	CustomerID     string
	Synced         bool
}
