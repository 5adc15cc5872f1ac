package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StripeEvent is the idempotency ledger: one row per Stripe event id ever
// received. Rows are never updated (except the processing marker) and never
// deleted so the table doubles as an audit trail.
type StripeEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:char(36) CHARACTER SET utf8 COLLATE utf8_bin;uniqueIndex;not null" json:"uuid"`
	StripeEventID   string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_stripe_events_event_id" json:"stripe_event_id"`
	Type            string     `gorm:"type:varchar(100);not null;index" json:"type"`
	StripeCreated   *time.Time `gorm:"type:timestamp;default:null" json:"stripe_created,omitempty"`
	ReceivedAt      time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	RawJSON         string     `gorm:"type:longtext;not null" json:"raw_json"`
}

func (e *StripeEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	return nil
}
