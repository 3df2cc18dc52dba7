package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BillingEvent string

const (
	EventInit            BillingEvent = "init"
	EventCheckoutCreated BillingEvent = "checkout_created"
	EventWebhookOK       BillingEvent = "webhook_ok"
	EventExpired         BillingEvent = "expired"
	EventCanceled        BillingEvent = "canceled"
)

// BillingLogEntry is the append-only audit trail of billing events. Rows are
// written in the same transaction as the state change they describe.
type BillingLogEntry struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    int64             `gorm:"not null;index" json:"user_id"`
	Event     BillingEvent      `gorm:"size:32;not null;index" json:"event"`
	Timestamp time.Time         `gorm:"not null;index" json:"timestamp"`
	Context   datatypes.JSONMap `gorm:"type:jsonb" json:"context"`
}

func (BillingLogEntry) TableName() string {
	return "billing_logs"
}

func (e *BillingLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
