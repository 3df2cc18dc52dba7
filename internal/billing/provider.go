// Package billing holds the payment provider adapters. The orchestrator only
// sees the Provider interface; each provider name maps to one implementation.
package billing

import (
	"context"
	"errors"
)

var (
	ErrUnsupported = errors.New("billing provider not supported")
	ErrUnknownPlan = errors.New("plan not offered by provider")
)

// Checkout is the handle returned to the user to complete a purchase.
type Checkout struct {
	ID          string `json:"id"`
	RedirectURL string `json:"url"`
}

// WebhookEvent is a provider notification for one transaction.
type WebhookEvent struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	Plan          string `json:"plan"`
}

// Provider creates checkouts and authenticates webhook deliveries.
type Provider interface {
	Name() string

	// CreateCheckout must respect ctx cancellation; callers bound it with a timeout.
	CreateCheckout(ctx context.Context, plan string) (*Checkout, error)

	// VerifySignature reports whether signature authenticates event. Must
	// compare in constant time.
	VerifySignature(event WebhookEvent, signature string) bool
}

// SelfCertifying providers confirm payment at checkout time, so the
// subscription can start active without waiting for a webhook.
type SelfCertifying interface {
	ActivatesOnCheckout() bool
}

// ActivatesOnCheckout reports whether p confirms payment synchronously.
func ActivatesOnCheckout(p Provider) bool {
	sc, ok := p.(SelfCertifying)
	return ok && sc.ActivatesOnCheckout()
}
