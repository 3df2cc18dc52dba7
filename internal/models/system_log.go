package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemLog stores ERROR+ application logs for later querying. Unrelated to
// the billing audit trail.
type SystemLog struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp     time.Time      `gorm:"not null;index" json:"timestamp"`
	Level         string         `gorm:"size:10;not null;index" json:"level"`
	Message       string         `gorm:"type:text" json:"message"`
	RequestID     string         `gorm:"size:64;index" json:"request_id"`
	UserID        *int64         `gorm:"index" json:"user_id"`
	TransactionID string         `gorm:"size:255" json:"transaction_id"`
	Action        string         `gorm:"size:100" json:"action"`
	Error         string         `gorm:"type:text" json:"error"`
	Extra         datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (l *SystemLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
