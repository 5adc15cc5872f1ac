package billing

import (
	"errors"
	"time"

	"github.com/aleppi/backend/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the billing service. All
// write operations are safe under concurrent invocation for the same natural
// key: uniqueness constraints plus find-or-insert retry, no locks.
type Repository interface {
	CreateEventIfNotExists(event *models.StripeEvent) (bool, *models.StripeEvent, error)
	MarkEventProcessed(id uint, processingError string) error
	UpsertCustomer(in CustomerUpsert) (*models.StripeCustomer, error)
	GetCustomerByStripeID(stripeCustomerID string) (*models.StripeCustomer, error)
	UpsertSubscription(in SubscriptionUpsert) (*models.StripeSubscription, error)
	GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.StripeSubscription, error)
	InsertInvoiceIfAbsent(in InvoiceInsert) (*models.StripeInvoice, bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateEventIfNotExists inserts the ledger row for an event id. The unique
// constraint on stripe_event_id is the sole idempotency gate: concurrent
// deliveries of the same id yield exactly one created=true.
func (r *gormRepository) CreateEventIfNotExists(event *models.StripeEvent) (bool, *models.StripeEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.StripeEvent
	if err := r.db.Where("stripe_event_id = ?", event.StripeEventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkEventProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.StripeEvent{}).Where("id = ?", id).Updates(updates).Error
}

// UpsertCustomer keys on user_id first, then stripe_customer_id, then
// inserts. A lost insert race falls back to fetch-and-update.
func (r *gormRepository) UpsertCustomer(in CustomerUpsert) (*models.StripeCustomer, error) {
	if c, err := r.updateExistingCustomer(in); err == nil {
		return c, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := &models.StripeCustomer{
		UserID:           in.UserID,
		StripeCustomerID: in.StripeCustomerID,
		Email:            in.Email,
	}
	if err := r.db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent writer inserted the row between lookup and
			// create; converge on theirs.
			return r.updateExistingCustomer(in)
		}
		return nil, err
	}
	return row, nil
}

func (r *gormRepository) updateExistingCustomer(in CustomerUpsert) (*models.StripeCustomer, error) {
	var c models.StripeCustomer
	err := r.db.Where("user_id = ?", in.UserID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Rare but possible: the processor customer migrated to a
		// different local user.
		err = r.db.Where("stripe_customer_id = ?", in.StripeCustomerID).First(&c).Error
	}
	if err != nil {
		return nil, err
	}

	c.UserID = in.UserID
	c.StripeCustomerID = in.StripeCustomerID
	if in.Email != "" {
		c.Email = in.Email
	}
	if err := r.db.Save(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetCustomerByStripeID(stripeCustomerID string) (*models.StripeCustomer, error) {
	var c models.StripeCustomer
	if err := r.db.Where("stripe_customer_id = ?", stripeCustomerID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertSubscription writes subscription state keyed by the provider
// subscription id, overwriting all mutable fields. transaction_id is only
// assigned when the input carries a non-empty value.
func (r *gormRepository) UpsertSubscription(in SubscriptionUpsert) (*models.StripeSubscription, error) {
	assign := []string{
		"user_id",
		"stripe_customer_id",
		"price_id",
		"status",
		"cancel_at_period_end",
		"current_period_start",
		"current_period_end",
		"canceled_at",
		"updated_at",
	}
	if in.TransactionID != "" {
		assign = append(assign, "transaction_id")
	}

	sub := &models.StripeSubscription{
		UserID:               in.UserID,
		StripeSubscriptionID: in.StripeSubscriptionID,
		StripeCustomerID:     in.StripeCustomerID,
		PriceID:              in.PriceID,
		Status:               in.Status,
		CancelAtPeriodEnd:    in.CancelAtPeriodEnd,
		CurrentPeriodStart:   in.CurrentPeriodStart,
		CurrentPeriodEnd:     in.CurrentPeriodEnd,
		CanceledAt:           in.CanceledAt,
		TransactionID:        in.TransactionID,
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns(assign),
	}).Create(sub).Error; err != nil {
		return nil, err
	}

	// Ensure ID and preserved columns are populated after upsert.
	var stored models.StripeSubscription
	if err := r.db.Where("stripe_subscription_id = ?", in.StripeSubscriptionID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *gormRepository) GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.StripeSubscription, error) {
	var sub models.StripeSubscription
	if err := r.db.Where("stripe_subscription_id = ?", stripeSubscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertInvoiceIfAbsent appends the invoice once; re-delivery of a known
// invoice id returns the stored row unchanged.
func (r *gormRepository) InsertInvoiceIfAbsent(in InvoiceInsert) (*models.StripeInvoice, bool, error) {
	row := &models.StripeInvoice{
		StripeInvoiceID:      in.StripeInvoiceID,
		StripeCustomerID:     in.StripeCustomerID,
		StripeSubscriptionID: in.StripeSubscriptionID,
		AmountPaid:           in.AmountPaid,
		AmountDue:            in.AmountDue,
		Currency:             in.Currency,
		Status:               in.Status,
		PaidAt:               in.PaidAt,
		RawJSON:              in.RawJSON,
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_invoice_id"}},
		DoNothing: true,
	}).Create(row)
	if tx.Error != nil {
		return nil, false, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.StripeInvoice
	if err := r.db.Where("stripe_invoice_id = ?", in.StripeInvoiceID).First(&stored).Error; err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}
