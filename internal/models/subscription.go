package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	StatusTrial    SubscriptionStatus = "trial"
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusExpired  SubscriptionStatus = "expired"
	StatusCanceled SubscriptionStatus = "canceled"
)

// LiveStatuses grant entitlement. A user has at most one live row.
var LiveStatuses = []SubscriptionStatus{StatusTrial, StatusActive}

// OpenStatuses are the ones the sweeper may expire.
var OpenStatuses = []SubscriptionStatus{StatusTrial, StatusPending, StatusActive}

func (s SubscriptionStatus) IsLive() bool {
	return s == StatusTrial || s == StatusActive
}

func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusCanceled
}

// ProviderTrial marks rows created by StartTrial.
const ProviderTrial = "trial"

type Subscription struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        int64              `gorm:"not null;index" json:"user_id"`
	Plan          string             `gorm:"size:50;not null" json:"plan"`
	Status        SubscriptionStatus `gorm:"size:20;not null;index" json:"status"`
	Provider      string             `gorm:"size:50;not null" json:"provider"`
	TransactionID string             `gorm:"size:255;not null;uniqueIndex" json:"transaction_id"`
	StartDate     time.Time          `gorm:"not null" json:"start_date"`
	EndDate       *time.Time         `gorm:"index" json:"end_date"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ActiveAt reports whether the row is active with an end date after now.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && s.EndDate != nil && s.EndDate.After(now)
}

// NewerThan orders subscriptions by start date, then transaction id.
func (s *Subscription) NewerThan(other *Subscription) bool {
	if !s.StartDate.Equal(other.StartDate) {
		return s.StartDate.After(other.StartDate)
	}
	return s.TransactionID > other.TransactionID
}

type transitionKey struct {
	from SubscriptionStatus
	to   SubscriptionStatus
}

var transitions = map[transitionKey]bool{
	{StatusPending, StatusActive}:  true,
	{StatusActive, StatusActive}:   true,
	{StatusTrial, StatusActive}:    true,
	{StatusTrial, StatusExpired}:   true,
	{StatusPending, StatusExpired}: true,
	{StatusActive, StatusExpired}:  true,
	{StatusTrial, StatusCanceled}:  true,
	{StatusActive, StatusCanceled}: true,
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states never transition.
func CanTransition(from, to SubscriptionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return transitions[transitionKey{from, to}]
}
