package billing

import (
	"strings"

	"github.com/aleppi/backend/internal/pkg/env"
)

// Config carries all Stripe settings the billing core needs. It is built once
// at startup; business logic never reads ambient environment state.
type Config struct {
	APIKey          string
	WebhookSecret   string
	DefaultPriceID  string
	AllowedPriceIDs []string
	SuccessURL      string
	CancelURL       string

	// allowed is the combined allow-list, built once by LoadConfigFromEnv.
	allowed map[string]struct{}
}

// LoadConfigFromEnv builds a Config from the process environment. Call it
// once during bootstrap and pass the result down.
func LoadConfigFromEnv() Config {
	cfg := Config{
		APIKey:         strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret:  strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		DefaultPriceID: strings.TrimSpace(env.GetEnv("STRIPE_PRICE_ID_PRO", "")),
		SuccessURL:     strings.TrimSpace(env.GetEnv("STRIPE_SUCCESS_URL", "https://example.com/success")),
		CancelURL:      strings.TrimSpace(env.GetEnv("STRIPE_CANCEL_URL", "https://example.com/cancel")),
	}
	for _, p := range strings.Split(env.GetEnv("STRIPE_PRICE_IDS_ALLOWED", ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.AllowedPriceIDs = append(cfg.AllowedPriceIDs, p)
		}
	}
	cfg.allowed = buildAllowList(cfg.DefaultPriceID, cfg.AllowedPriceIDs)
	return cfg
}

func buildAllowList(defaultPriceID string, allowedPriceIDs []string) map[string]struct{} {
	allowed := map[string]struct{}{}
	if defaultPriceID != "" {
		allowed[defaultPriceID] = struct{}{}
	}
	for _, p := range allowedPriceIDs {
		allowed[p] = struct{}{}
	}
	return allowed
}

// ResolvePriceID applies the default and the allow-list to a client-requested
// price. An empty allow-list permits any price.
func (c Config) ResolvePriceID(requested string) (string, error) {
	priceID := strings.TrimSpace(requested)
	if priceID == "" {
		priceID = c.DefaultPriceID
	}
	if priceID == "" {
		return "", ErrNotConfigured
	}
	if !c.priceAllowed(priceID) {
		return "", ErrPriceNotAllowed
	}
	return priceID, nil
}

func (c Config) priceAllowed(priceID string) bool {
	allowed := c.allowed
	if allowed == nil {
		// Config built as a literal rather than via LoadConfigFromEnv.
		allowed = buildAllowList(c.DefaultPriceID, c.AllowedPriceIDs)
	}
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[priceID]
	return ok
}
