package dto

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"github.com/google/uuid"
)

type UserRequest struct {
	UserID int64 `json:"user_id"`
}

type SubscribeRequest struct {
	UserID int64  `json:"user_id"`
	Plan   string `json:"plan"`
}

// WebhookRequest is the provider event body. Signature may instead arrive in
// the X-Webhook-Signature header.
type WebhookRequest struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	Plan          string `json:"plan"`
	Signature     string `json:"signature"`
}

type MockWebhookRequest struct {
	TransactionID string `json:"transaction_id"`
}

type WebhookResponse struct {
	Status string `json:"status"`
}

type CheckoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type SubscriptionResponse struct {
	ID            uuid.UUID  `json:"id"`
	UserID        int64      `json:"userId"`
	Plan          string     `json:"plan"`
	Status        string     `json:"status"`
	Provider      string     `json:"provider"`
	TransactionID string     `json:"transactionId"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       *time.Time `json:"endDate"`
}

type StatusResponse struct {
	FeatureFlags map[string]bool       `json:"featureFlags"`
	Subscription *SubscriptionResponse `json:"subscription"`
}

func NewSubscriptionResponse(sub *models.Subscription) *SubscriptionResponse {
	if sub == nil {
		return nil
	}
	return &SubscriptionResponse{
		ID:            sub.ID,
		UserID:        sub.UserID,
		Plan:          sub.Plan,
		Status:        string(sub.Status),
		Provider:      sub.Provider,
		TransactionID: sub.TransactionID,
		StartDate:     sub.StartDate,
		EndDate:       sub.EndDate,
	}
}
