package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aleppi/backend/app/repository"
	"github.com/aleppi/backend/internal/pkg/billing"
	"github.com/aleppi/backend/internal/pkg/database"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const billingRequestTimeout = 15 * time.Second

var (
	billingCfgOnce sync.Once
	billingCfg     billing.Config
)

// billingConfig builds the Stripe configuration exactly once at first use;
// request handlers never read environment state themselves.
func billingConfig() billing.Config {
	billingCfgOnce.Do(func() {
		billingCfg = billing.LoadConfigFromEnv()
	})
	return billingCfg
}

func billingService() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB(), billingConfig())
}

// CreateCheckoutSessionRequest is the client payload for starting a
// subscription checkout.
type CreateCheckoutSessionRequest struct {
	Email         string `json:"email" validate:"required,email"`
	PriceID       string `json:"price_id" validate:"omitempty,max=191"`
	UserID        uint   `json:"user_id"`
	TransactionID string `json:"transaction_id" validate:"omitempty,max=191"`
}

// ConfirmCheckoutRequest is the client payload for the synchronous
// confirmation fallback.
type ConfirmCheckoutRequest struct {
	SessionID     string `json:"session_id" validate:"required,max=191"`
	TransactionID string `json:"transaction_id" validate:"omitempty,max=191"`
}

var billingValidator = validator.New()

// HandleStripeWebhook ingests asynchronous processor events. The response is
// always a 200-class acknowledgment unless the ledger write itself fails:
// non-2xx would trigger processor-side retries for conditions that are not
// actually retryable.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	event, err := svc.VerifyWebhook(rawBody, signature)
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			log.Printf("billing: webhook received but no signing secret is configured")
		} else {
			log.Printf("billing: webhook rejected: %v", err)
		}
		// Acknowledge and drop; an unverifiable delivery must not loop.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	}

	created, stored, err := svc.RecordEvent(ctx, event, rawBody)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_persist_failed"})
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	handled, handleErr := svc.HandleEvent(ctx, event)
	if err := svc.MarkEventProcessed(ctx, stored.ID, handleErr); err != nil {
		// The row stays unstamped (processed_at NULL); a reconciliation
		// sweep would pick it up again.
		log.Printf("billing: marking event %s processed failed: %v", event.ID, err)
	}
	if !handled {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	if handleErr != nil {
		// The event is ledgered and will not be redelivered; the error is
		// recorded on the ledger row and the delivery acknowledged.
		log.Printf("billing: event %s (%s) processing failed: %v", event.ID, event.Type, handleErr)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleCreateCheckoutSession creates a subscription checkout session on the
// processor side and returns its URL.
func HandleCreateCheckoutSession(c *fiber.Ctx) error {
	var req CreateCheckoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := billingValidator.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	// Soft attribution check only; the billing core stores user_id as an
	// opaque key either way.
	if req.UserID != 0 {
		if _, err := repository.GetGlobalFactory().GetUserRepository().GetByID(req.UserID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_user_id"})
			}
			log.Printf("billing: user lookup for checkout failed: %v", err)
		}
	}

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	result, err := svc.CreateCheckoutSession(ctx, billing.CheckoutInput{
		Email:         strings.TrimSpace(req.Email),
		PriceID:       strings.TrimSpace(req.PriceID),
		UserID:        req.UserID,
		TransactionID: strings.TrimSpace(req.TransactionID),
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPriceNotAllowed):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "price_not_allowed"})
		case errors.Is(err, billing.ErrNotConfigured):
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "billing_not_configured"})
		default:
			log.Printf("billing: checkout session creation failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_session_failed"})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"checkout_url": result.CheckoutURL,
		"session_id":   result.SessionID,
	})
}

// HandleConfirmCheckout is the synchronous fallback: the client confirms a
// checkout session and the service reconciles against the processor when the
// webhook has not arrived yet.
func HandleConfirmCheckout(c *fiber.Ctx) error {
	var req ConfirmCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := billingValidator.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	result, err := svc.ConfirmCheckout(ctx, strings.TrimSpace(req.SessionID), strings.TrimSpace(req.TransactionID))
	if err != nil && !errors.Is(err, billing.ErrCorrelationMismatch) {
		log.Printf("billing: confirm for session %s failed: %v", req.SessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "confirm_failed"})
	}

	status := fiber.StatusOK
	ok := result.Status != billing.ConfirmStatusInvalid
	if !ok {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":              ok,
		"status":          result.Status,
		"subscription_id": result.SubscriptionID,
		"customer_id":     result.CustomerID,
		"synced":          result.Synced,
	})
}
