package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StripeInvoice is an append-only record of provider invoices, one row per
// Stripe invoice id. Re-delivery of a known invoice id is a no-op; rows are
// never updated after insert.
type StripeInvoice struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UUID                 string     `gorm:"type:char(36) CHARACTER SET utf8 COLLATE utf8_bin;uniqueIndex;not null" json:"uuid"`
	StripeInvoiceID      string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_stripe_invoices_invoice_id" json:"stripe_invoice_id"`
	StripeCustomerID     string     `gorm:"type:varchar(191);not null;index" json:"stripe_customer_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);default:'';index" json:"stripe_subscription_id"`
	AmountPaid           int64      `gorm:"default:0" json:"amount_paid"`
	AmountDue            int64      `gorm:"default:0" json:"amount_due"`
	Currency             string     `gorm:"type:varchar(10);default:''" json:"currency"`
	Status               string     `gorm:"type:varchar(32);default:''" json:"status"`
	PaidAt               *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	RawJSON              string     `gorm:"type:longtext" json:"raw_json"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (i *StripeInvoice) BeforeCreate(tx *gorm.DB) error {
	if i.UUID == "" {
		i.UUID = uuid.New().String()
	}
	return nil
}
