package billing

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"
)

// ErrCorrelationMismatch signals that the caller-supplied transaction id
// disagrees with the one stored on the checkout session; a client may not
// confirm someone else's session.
var ErrCorrelationMismatch = errors.New("billing: transaction id does not match checkout session")

// ConfirmCheckout is the synchronous fallback path: it retrieves the
// authoritative checkout session from the processor and, when the webhook
// has not arrived yet, performs the same subscription upsert the webhook
// path would. Whichever path runs first wins; the other is a no-op overwrite
// with equivalent data.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID, transactionID string) (*ConfirmResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return &ConfirmResult{Status: ConfirmStatusInvalid}, nil
	}

	// Fast path: a previously synced session resolves without a processor
	// round-trip. Callers supplying a correlation id always take the slow
	// path so the mismatch check against the session metadata runs. Cache
	// misses and cache failures just fall through.
	if transactionID == "" && s.cache != nil {
		if subID, err := s.cache.GetSessionSubscription(sessionID); err == nil && subID != "" {
			if sub, err := s.repo.GetSubscriptionByStripeID(subID); err == nil {
				return &ConfirmResult{
					Status:         ConfirmStatusActive,
					SubscriptionID: sub.StripeSubscriptionID,
					CustomerID:     sub.StripeCustomerID,
					Synced:         false,
				}, nil
			}
		}
	}

	sess, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		if isRecoverableProcessorErr(ctx, err) {
			return &ConfirmResult{Status: ConfirmStatusPendingWebhook}, nil
		}
		return &ConfirmResult{Status: ConfirmStatusInvalid}, nil
	}

	if transactionID != "" {
		stored := strings.TrimSpace(sess.Metadata["transaction_id"])
		if stored != "" && stored != transactionID {
			return &ConfirmResult{Status: ConfirmStatusInvalid}, ErrCorrelationMismatch
		}
	}

	if !sessionPaid(sess) {
		return &ConfirmResult{Status: ConfirmStatusNotPaid}, nil
	}

	if sess.Subscription == nil || sess.Subscription.ID == "" {
		// Paid, but the processor has not finished provisioning.
		return &ConfirmResult{Status: ConfirmStatusPending}, nil
	}
	subscriptionID := sess.Subscription.ID

	existing, err := s.repo.GetSubscriptionByStripeID(subscriptionID)
	if err == nil {
		// The webhook path already won the race; no duplicate work.
		s.cacheConfirmedSession(sessionID, subscriptionID)
		return &ConfirmResult{
			Status:         ConfirmStatusActive,
			SubscriptionID: existing.StripeSubscriptionID,
			CustomerID:     existing.StripeCustomerID,
			Synced:         false,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	userID := confirmUserID(s, sess)
	if userID == 0 {
		// Cannot attribute; defer to the asynchronous path rather than
		// guessing.
		return &ConfirmResult{Status: ConfirmStatusPendingWebhook}, nil
	}

	if transactionID == "" {
		transactionID = strings.TrimSpace(sess.Metadata["transaction_id"])
	}
	if customerID := sessionCustomerID(sess); customerID != "" {
		if _, err := s.repo.UpsertCustomer(CustomerUpsert{
			UserID:           userID,
			StripeCustomerID: customerID,
			Email:            sessionCustomerEmail(sess),
		}); err != nil {
			return nil, err
		}
	}

	sub, err := s.SyncSubscriptionFromProcessor(ctx, userID, subscriptionID, transactionID)
	if err != nil {
		log.Printf("billing: confirm sync for session %s failed: %v", sessionID, err)
		return &ConfirmResult{Status: ConfirmStatusPendingWebhook}, nil
	}

	s.cacheConfirmedSession(sessionID, subscriptionID)
	return &ConfirmResult{
		Status:         ConfirmStatusActive,
		SubscriptionID: sub.StripeSubscriptionID,
		CustomerID:     sub.StripeCustomerID,
		Synced:         true,
	}, nil
}

func (s *Service) cacheConfirmedSession(sessionID, subscriptionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetSessionSubscription(sessionID, subscriptionID); err != nil {
		log.Printf("billing: confirm cache write failed: %v", err)
	}
}

func sessionPaid(sess *stripe.CheckoutSession) bool {
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return true
	}
	return sess.Status == stripe.CheckoutSessionStatusComplete
}

func confirmUserID(s *Service, sess *stripe.CheckoutSession) uint {
	if id := parseUserID(sess.Metadata["user_id"]); id != 0 {
		return id
	}
	if id := parseUserID(sess.ClientReferenceID); id != 0 {
		return id
	}
	if customerID := sessionCustomerID(sess); customerID != "" {
		if id, err := s.resolveUserByCustomer(customerID); err == nil {
			return id
		}
	}
	return 0
}

func sessionCustomerID(sess *stripe.CheckoutSession) string {
	if sess.Customer != nil {
		return sess.Customer.ID
	}
	return ""
}

func sessionCustomerEmail(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}

func isRecoverableProcessorErr(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}
