package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"gorm.io/gorm"
)

// Executor runs units of work against the subscription store.
// database.UnitOfWork is the production implementation.
type Executor interface {
	DB(ctx context.Context) *gorm.DB
	Do(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithUserLock(ctx context.Context, userID int64, fn func(tx *gorm.DB) error) error
}

// EventLog appends billing audit entries inside the caller's transaction.
type EventLog interface {
	Append(tx *gorm.DB, entry *models.BillingLogEntry) error
}

type gormEventLog struct{}

func (gormEventLog) Append(tx *gorm.DB, entry *models.BillingLogEntry) error {
	return tx.Create(entry).Error
}

type deps struct {
	now     func() time.Time
	events  EventLog
	metrics *metrics.Billing
}

func newDeps(opts []Option) deps {
	d := deps{
		now:    func() time.Time { return time.Now().UTC() },
		events: gormEventLog{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

type Option func(*deps)

func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

func WithEventLog(events EventLog) Option {
	return func(d *deps) { d.events = events }
}

func WithMetrics(m *metrics.Billing) Option {
	return func(d *deps) { d.metrics = m }
}

func (d *deps) record(tx *gorm.DB, userID int64, event models.BillingEvent, ctx map[string]any) error {
	entry := &models.BillingLogEntry{
		UserID:    userID,
		Event:     event,
		Timestamp: d.now(),
		Context:   ctx,
	}
	if err := d.events.Append(tx, entry); err != nil {
		return storageErr("append billing log", err)
	}
	return nil
}

// transition checks the move against the subscription state machine.
func transition(sub *models.Subscription, to models.SubscriptionStatus) error {
	if !models.CanTransition(sub.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, to)
	}
	return nil
}

// expire moves sub to expired, closing its window at now if it is open or
// still in the future.
func (d *deps) expire(tx *gorm.DB, sub *models.Subscription, now time.Time, reason string) error {
	if err := transition(sub, models.StatusExpired); err != nil {
		return err
	}
	prev := sub.Status
	end := now
	if sub.EndDate != nil && sub.EndDate.Before(now) {
		end = *sub.EndDate
	}
	if err := tx.Model(sub).Updates(map[string]any{
		"status":   models.StatusExpired,
		"end_date": end,
	}).Error; err != nil {
		return storageErr("expire subscription", err)
	}
	sub.Status = models.StatusExpired
	sub.EndDate = &end

	return d.record(tx, sub.UserID, models.EventExpired, map[string]any{
		"subscription_id": sub.ID.String(),
		"transaction_id":  sub.TransactionID,
		"previous_status": string(prev),
		"reason":          reason,
	})
}
