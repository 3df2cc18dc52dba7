package services

import (
	"errors"
	"fmt"
)

// Client errors carry their sentinel plus detail via %w wrapping. ErrStorage
// wraps the underlying driver error, which never reaches the client.
var (
	ErrAlreadySubscribed   = errors.New("user already has a live subscription")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrProviderUnsupported = errors.New("billing provider not supported")
	ErrProviderFailure     = errors.New("billing provider request failed")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("subscription not found")
	ErrInvalidPlan         = errors.New("unknown plan")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidTransition   = errors.New("subscription cannot transition from its current status")
	ErrBillingDisabled     = errors.New("billing is disabled")
	ErrStorage             = errors.New("storage failure")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAlreadySubscribed, "already_subscribed"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrProviderUnsupported, "provider_unsupported"},
	{ErrProviderFailure, "provider_failure"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrInvalidPlan, "invalid_plan"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrBillingDisabled, "billing_disabled"},
	{ErrStorage, "storage_failure"},
}

// Kind returns the stable machine readable name of err, or "" if err does
// not belong to the taxonomy.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// classify folds anything outside the taxonomy into ErrStorage.
func classify(err error) error {
	if err == nil || Kind(err) != "" {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
