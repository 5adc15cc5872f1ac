package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StripeCustomer links exactly one local user to exactly one Stripe customer.
// Both keys are unique; newer events may move a customer id to a different
// user (or vice versa), which is an update, never a second row.
type StripeCustomer struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UUID             string    `gorm:"type:char(36) CHARACTER SET utf8 COLLATE utf8_bin;uniqueIndex;not null" json:"uuid"`
	UserID           uint      `gorm:"not null;uniqueIndex:ux_stripe_customers_user" json:"user_id"`
	StripeCustomerID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_stripe_customers_customer" json:"stripe_customer_id"`
	Email            string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *StripeCustomer) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.New().String()
	}
	return nil
}
