package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Stripe webhook payloads are parsed with hand-rolled structs instead of the
// SDK's typed objects: the fields we need (notably the invoice subscription
// reference) have moved between nesting levels across Stripe API versions,
// and the fallback chains below must work for all of them.

// objectID decodes a reference that may arrive as a plain string id or as an
// expanded object with an "id" field.
type objectID string

func (o *objectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = objectID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*o = objectID(obj.ID)
	return nil
}

func (o objectID) String() string { return string(o) }

// CheckoutSessionEvent is the extract of a checkout.session.completed payload.
type CheckoutSessionEvent struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Email          string
	TransactionID  string
	UserID         uint
}

// ParseCheckoutSessionEvent extracts attribution and linkage from a checkout
// session object. The user id is taken from the metadata field first and the
// client reference id second.
func ParseCheckoutSessionEvent(raw []byte) (*CheckoutSessionEvent, error) {
	var payload struct {
		ID                string   `json:"id"`
		Customer          objectID `json:"customer"`
		Subscription      objectID `json:"subscription"`
		ClientReferenceID string   `json:"client_reference_id"`
		CustomerEmail     string   `json:"customer_email"`
		CustomerDetails   struct {
			Email string `json:"email"`
		} `json:"customer_details"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, errors.New("checkout session payload missing id")
	}

	email := strings.TrimSpace(payload.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(payload.CustomerEmail)
	}

	userID := parseUserID(payload.Metadata["user_id"])
	if userID == 0 {
		userID = parseUserID(payload.ClientReferenceID)
	}

	return &CheckoutSessionEvent{
		SessionID:      payload.ID,
		CustomerID:     payload.Customer.String(),
		SubscriptionID: payload.Subscription.String(),
		Email:          email,
		TransactionID:  strings.TrimSpace(payload.Metadata["transaction_id"]),
		UserID:         userID,
	}, nil
}

// InvoiceEvent is the extract of an invoice.* payload.
type InvoiceEvent struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	Status         string
	PaidAt         *time.Time
}

// ParseInvoiceEvent extracts the invoice record. The subscription reference
// is resolved through a fallback chain since deliveries may omit the direct
// field: top-level, then parent subscription details, then line items.
func ParseInvoiceEvent(raw []byte) (*InvoiceEvent, error) {
	type lineItem struct {
		Subscription objectID `json:"subscription"`
		Parent       struct {
			SubscriptionItemDetails struct {
				Subscription objectID `json:"subscription"`
			} `json:"subscription_item_details"`
		} `json:"parent"`
	}
	var payload struct {
		ID                string   `json:"id"`
		Customer          objectID `json:"customer"`
		Subscription      objectID `json:"subscription"`
		AmountPaid        int64    `json:"amount_paid"`
		AmountDue         int64    `json:"amount_due"`
		Currency          string   `json:"currency"`
		Status            string   `json:"status"`
		StatusTransitions struct {
			PaidAt int64 `json:"paid_at"`
		} `json:"status_transitions"`
		Parent struct {
			SubscriptionDetails struct {
				Subscription objectID `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Lines struct {
			Data []lineItem `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, errors.New("invoice payload missing id")
	}

	subscriptionID := payload.Subscription.String()
	if subscriptionID == "" {
		subscriptionID = payload.Parent.SubscriptionDetails.Subscription.String()
	}
	for _, line := range payload.Lines.Data {
		if subscriptionID != "" {
			break
		}
		if id := line.Subscription.String(); id != "" {
			subscriptionID = id
			break
		}
		if id := line.Parent.SubscriptionItemDetails.Subscription.String(); id != "" {
			subscriptionID = id
			break
		}
	}

	return &InvoiceEvent{
		InvoiceID:      payload.ID,
		CustomerID:     payload.Customer.String(),
		SubscriptionID: subscriptionID,
		AmountPaid:     payload.AmountPaid,
		AmountDue:      payload.AmountDue,
		Currency:       strings.TrimSpace(payload.Currency),
		Status:         strings.TrimSpace(payload.Status),
		PaidAt:         unixToTime(payload.StatusTransitions.PaidAt),
	}, nil
}

// SubscriptionEvent is the extract of a customer.subscription.* payload. The
// event object already carries full state, so no processor fetch is needed.
type SubscriptionEvent struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
}

// ParseSubscriptionEvent extracts subscription state from the embedded
// object. Period boundaries fall back to the first item when the top-level
// fields are absent (newer API versions report them per item).
func ParseSubscriptionEvent(raw []byte) (*SubscriptionEvent, error) {
	type item struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
		CurrentPeriodStart int64 `json:"current_period_start"`
		CurrentPeriodEnd   int64 `json:"current_period_end"`
	}
	var payload struct {
		ID                 string   `json:"id"`
		Customer           objectID `json:"customer"`
		Status             string   `json:"status"`
		CancelAtPeriodEnd  bool     `json:"cancel_at_period_end"`
		CurrentPeriodStart int64    `json:"current_period_start"`
		CurrentPeriodEnd   int64    `json:"current_period_end"`
		CanceledAt         int64    `json:"canceled_at"`
		Items              struct {
			Data []item `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, errors.New("subscription payload missing id")
	}

	out := &SubscriptionEvent{
		SubscriptionID:     payload.ID,
		CustomerID:         payload.Customer.String(),
		Status:             strings.TrimSpace(payload.Status),
		CancelAtPeriodEnd:  payload.CancelAtPeriodEnd,
		CurrentPeriodStart: unixToTime(payload.CurrentPeriodStart),
		CurrentPeriodEnd:   unixToTime(payload.CurrentPeriodEnd),
		CanceledAt:         unixToTime(payload.CanceledAt),
	}
	if len(payload.Items.Data) > 0 {
		first := payload.Items.Data[0]
		out.PriceID = strings.TrimSpace(first.Price.ID)
		if out.CurrentPeriodStart == nil {
			out.CurrentPeriodStart = unixToTime(first.CurrentPeriodStart)
		}
		if out.CurrentPeriodEnd == nil {
			out.CurrentPeriodEnd = unixToTime(first.CurrentPeriodEnd)
		}
	}
	return out, nil
}

func parseUserID(value string) uint {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func unixToTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
