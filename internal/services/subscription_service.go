package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/billing"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/plans"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookResult string

const (
	WebhookProcessed WebhookResult = "processed"
	WebhookIgnored   WebhookResult = "ignored"
)

var forUpdate = clause.Locking{Strength: "UPDATE"}

// SubscriptionService owns every write to subscriptions and billing_logs.
// Each exported method is one unit of work.
type SubscriptionService struct {
	deps
	uow       Executor
	cfg       config.Provider
	providers *billing.Registry
	catalogue *plans.Registry
}

func NewSubscriptionService(uow Executor, cfg config.Provider, providers *billing.Registry, catalogue *plans.Registry, opts ...Option) *SubscriptionService {
	return &SubscriptionService{
		deps:      newDeps(opts),
		uow:       uow,
		cfg:       cfg,
		providers: providers,
		catalogue: catalogue,
	}
}

// StartTrial creates a trial for the user or returns the trial they already
// have. Fails with ErrAlreadySubscribed when a paid subscription is live.
func (s *SubscriptionService) StartTrial(ctx context.Context, userID int64) (*models.Subscription, error) {
	cfg := s.cfg.Current()
	if !cfg.BillingEnabled {
		return nil, s.observe("start_trial", userID, ErrBillingDisabled)
	}
	if userID <= 0 {
		return nil, s.observe("start_trial", userID, fmt.Errorf("%w: user_id is required", ErrInvalidRequest))
	}

	var result *models.Subscription
	reused := false
	err := s.uow.WithUserLock(ctx, userID, func(tx *gorm.DB) error {
		live, err := lockLive(tx, userID)
		if err != nil {
			return err
		}
		if live != nil {
			if live.Status == models.StatusTrial {
				result = live
				reused = true
				return nil
			}
			return fmt.Errorf("%w: %s subscription %s", ErrAlreadySubscribed, live.Status, live.ID)
		}

		now := s.now()
		end := now.Add(cfg.TrialPeriod)
		sub := &models.Subscription{
			UserID:        userID,
			Plan:          plans.Pro,
			Status:        models.StatusTrial,
			Provider:      models.ProviderTrial,
			TransactionID: "trial_" + uuid.NewString(),
			StartDate:     now,
			EndDate:       &end,
		}
		if err := tx.Create(sub).Error; err != nil {
			return storageErr("create trial", err)
		}
		if err := s.record(tx, userID, models.EventInit, map[string]any{
			"plan":            sub.Plan,
			"subscription_id": sub.ID.String(),
			"transaction_id":  sub.TransactionID,
			"end_date":        end,
		}); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, s.observe("start_trial", userID, err)
	}

	if reused {
		slog.Info("trial already running", "user_id", userID, "subscription_id", result.ID)
	} else {
		slog.Info("trial started", "user_id", userID, "subscription_id", result.ID, "end_date", result.EndDate)
	}
	return result, s.observe("start_trial", userID, nil)
}

// Subscribe opens a checkout for plan. Self-certifying providers yield an
// active subscription right away; others leave it pending until the webhook.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID int64, plan string) (*billing.Checkout, error) {
	cfg := s.cfg.Current()
	if !cfg.BillingEnabled {
		return nil, s.observe("subscribe", userID, ErrBillingDisabled)
	}
	if userID <= 0 {
		return nil, s.observe("subscribe", userID, fmt.Errorf("%w: user_id is required", ErrInvalidRequest))
	}
	if !s.catalogue.Exists(plan) {
		return nil, s.observe("subscribe", userID, fmt.Errorf("%w: %q", ErrInvalidPlan, plan))
	}
	provider, err := s.providers.Resolve(cfg)
	if err != nil {
		return nil, s.observe("subscribe", userID, fmt.Errorf("%w: %w", ErrProviderUnsupported, err))
	}

	var checkout *billing.Checkout
	var opened string
	err = s.uow.WithUserLock(ctx, userID, func(tx *gorm.DB) error {
		live, err := lockLive(tx, userID)
		if err != nil {
			return err
		}
		if live != nil {
			return fmt.Errorf("%w: %s subscription %s", ErrAlreadySubscribed, live.Status, live.ID)
		}

		// The user lock and transaction stay open across the provider call so
		// that no other live row can appear between the check above and the
		// insert below. CheckoutTimeout bounds how long a connection is held.
		pctx, cancel := context.WithTimeout(ctx, checkoutTimeout(cfg))
		defer cancel()
		co, err := provider.CreateCheckout(pctx, plan)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrProviderFailure, provider.Name(), err)
		}
		opened = co.ID

		now := s.now()
		sub := &models.Subscription{
			UserID:        userID,
			Plan:          plan,
			Provider:      provider.Name(),
			TransactionID: co.ID,
			StartDate:     now,
		}
		if billing.ActivatesOnCheckout(provider) {
			end := now.Add(cfg.SubscriptionPeriod)
			sub.Status = models.StatusActive
			sub.EndDate = &end
		} else {
			end := now.Add(cfg.CheckoutTTL)
			sub.Status = models.StatusPending
			sub.EndDate = &end
		}

		if err := tx.Create(sub).Error; err != nil {
			return storageErr("create subscription", err)
		}
		if err := s.record(tx, userID, models.EventCheckoutCreated, map[string]any{
			"plan":            plan,
			"provider":        provider.Name(),
			"checkout_id":     co.ID,
			"subscription_id": sub.ID.String(),
			"status":          string(sub.Status),
		}); err != nil {
			return err
		}
		checkout = co
		return nil
	})
	if err != nil {
		if opened != "" {
			// the provider knows this checkout but no local row tracks it
			slog.Error("checkout not persisted", "user_id", userID, "plan", plan,
				"provider", provider.Name(), "transaction_id", opened, "error", err)
		}
		return nil, s.observe("subscribe", userID, err)
	}

	slog.Info("checkout created", "user_id", userID, "plan", plan, "provider", provider.Name(), "transaction_id", checkout.ID)
	return checkout, s.observe("subscribe", userID, nil)
}

// ApplyWebhook authenticates a provider notification and applies it at most
// once per transaction.
func (s *SubscriptionService) ApplyWebhook(ctx context.Context, event billing.WebhookEvent, signature, sourceIP string) (WebhookResult, error) {
	cfg := s.cfg.Current()

	if len(cfg.WebhookIPs) > 0 && !ipAllowed(sourceIP, cfg.WebhookIPs) {
		return "", s.observeWebhook("", fmt.Errorf("%w: source ip %s not allowed", ErrForbidden, sourceIP))
	}
	if event.EventID == "" || event.TransactionID == "" {
		return "", s.observeWebhook("", fmt.Errorf("%w: event_id and transaction_id are required", ErrInvalidRequest))
	}
	provider, err := s.providers.Resolve(cfg)
	if err != nil {
		return "", s.observeWebhook("", fmt.Errorf("%w: %w", ErrProviderUnsupported, err))
	}
	if !provider.VerifySignature(event, signature) {
		return "", s.observeWebhook("", ErrInvalidSignature)
	}

	if cfg.WebhookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WebhookTimeout)
		defer cancel()
	}

	var sub models.Subscription
	err = s.uow.DB(ctx).Where("transaction_id = ?", event.TransactionID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Info("webhook for unknown transaction", "transaction_id", event.TransactionID, "event_id", event.EventID)
		return s.ignored(), nil
	}
	if err != nil {
		return "", s.observeWebhook("", storageErr("find subscription", err))
	}

	result := WebhookIgnored
	err = s.uow.WithUserLock(ctx, sub.UserID, func(tx *gorm.DB) error {
		var cur models.Subscription
		if err := tx.Clauses(forUpdate).Where("id = ?", sub.ID).Take(&cur).Error; err != nil {
			return storageErr("lock subscription", err)
		}
		if cur.Status != models.StatusPending && cur.Status != models.StatusActive {
			return nil
		}

		now := s.now()
		if cur.ActiveAt(now) {
			// redelivery of an event already applied
			return nil
		}

		demoted, err := s.resolveConflicts(tx, &cur, now)
		if err != nil {
			return err
		}
		result = WebhookProcessed
		if demoted {
			return nil
		}
		return s.activate(tx, &cur, now, cfg.SubscriptionPeriod, map[string]any{
			"source":     "webhook",
			"event_id":   event.EventID,
			"event_plan": event.Plan,
		})
	})
	if err != nil {
		return "", s.observeWebhook(sub.TransactionID, err)
	}

	if result == WebhookIgnored {
		slog.Info("webhook ignored", "user_id", sub.UserID, "transaction_id", sub.TransactionID, "status", sub.Status)
		return s.ignored(), nil
	}
	slog.Info("webhook processed", "user_id", sub.UserID, "transaction_id", sub.TransactionID, "event_id", event.EventID)
	s.metrics.Webhook(string(WebhookProcessed))
	return WebhookProcessed, nil
}

// AdminActivate activates a subscription without a provider signature. Only
// available in test mode with the configured admin token.
func (s *SubscriptionService) AdminActivate(ctx context.Context, transactionID, adminToken string) (*models.Subscription, error) {
	cfg := s.cfg.Current()
	if !cfg.TestMode {
		return nil, s.observe("admin_activate", 0, fmt.Errorf("%w: test mode disabled", ErrForbidden))
	}
	if cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(adminToken), []byte(cfg.AdminToken)) != 1 {
		return nil, s.observe("admin_activate", 0, fmt.Errorf("%w: invalid admin token", ErrForbidden))
	}

	var sub models.Subscription
	err := s.uow.DB(ctx).Where("transaction_id = ?", transactionID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.observe("admin_activate", 0, fmt.Errorf("%w: transaction %q", ErrNotFound, transactionID))
	}
	if err != nil {
		return nil, s.observe("admin_activate", 0, storageErr("find subscription", err))
	}

	var cur models.Subscription
	err = s.uow.WithUserLock(ctx, sub.UserID, func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate).Where("id = ?", sub.ID).Take(&cur).Error; err != nil {
			return storageErr("lock subscription", err)
		}
		if err := transition(&cur, models.StatusActive); err != nil {
			return err
		}

		now := s.now()
		demoted, err := s.resolveConflicts(tx, &cur, now)
		if err != nil || demoted {
			return err
		}
		return s.activate(tx, &cur, now, cfg.SubscriptionPeriod, map[string]any{
			"source": "admin",
		})
	})
	if err != nil {
		return nil, s.observe("admin_activate", sub.UserID, err)
	}

	slog.Info("subscription activated by admin", "user_id", cur.UserID, "transaction_id", cur.TransactionID, "status", cur.Status)
	return &cur, s.observe("admin_activate", cur.UserID, nil)
}

// GetStatus returns the user's current subscription: active first, then
// trial, then the most recently started. nil when the user has none.
func (s *SubscriptionService) GetStatus(ctx context.Context, userID int64) (*models.Subscription, error) {
	var rows []models.Subscription
	err := s.uow.DB(ctx).
		Where("user_id = ?", userID).
		Order("CASE status WHEN 'active' THEN 0 WHEN 'trial' THEN 1 ELSE 2 END").
		Order("start_date DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, s.observe("get_status", userID, storageErr("load status", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FeatureFlags derives entitlement flags from the subscription GetStatus
// returned.
func (s *SubscriptionService) FeatureFlags(sub *models.Subscription) map[string]bool {
	cfg := s.cfg.Current()
	live := sub != nil && sub.Status.IsLive()

	flags := map[string]bool{}
	if live {
		flags = s.catalogue.Features(sub.Plan)
		if flags == nil {
			flags = map[string]bool{}
		}
	}
	flags["billing_enabled"] = cfg.BillingEnabled
	flags["test_mode"] = cfg.TestMode
	flags["subscribed"] = live
	flags["trial"] = live && sub.Status == models.StatusTrial
	flags["trial_available"] = cfg.BillingEnabled && !live
	return flags
}

// Cancel ends the user's live subscription.
func (s *SubscriptionService) Cancel(ctx context.Context, userID int64) (*models.Subscription, error) {
	cfg := s.cfg.Current()
	if !cfg.BillingEnabled {
		return nil, s.observe("cancel", userID, ErrBillingDisabled)
	}

	var result *models.Subscription
	err := s.uow.WithUserLock(ctx, userID, func(tx *gorm.DB) error {
		live, err := lockLive(tx, userID)
		if err != nil {
			return err
		}
		if live == nil {
			return fmt.Errorf("%w: no live subscription for user", ErrNotFound)
		}
		if err := transition(live, models.StatusCanceled); err != nil {
			return err
		}
		prev := live.Status
		if err := tx.Model(live).Update("status", models.StatusCanceled).Error; err != nil {
			return storageErr("cancel subscription", err)
		}
		live.Status = models.StatusCanceled
		if err := s.record(tx, userID, models.EventCanceled, map[string]any{
			"subscription_id": live.ID.String(),
			"transaction_id":  live.TransactionID,
			"previous_status": string(prev),
		}); err != nil {
			return err
		}
		result = live
		return nil
	})
	if err != nil {
		return nil, s.observe("cancel", userID, err)
	}

	slog.Info("subscription canceled", "user_id", userID, "subscription_id", result.ID)
	return result, s.observe("cancel", userID, nil)
}

// resolveConflicts keeps one live row per user when target is about to be
// activated. Live trials always yield. Between two paid rows the newer one
// wins; if target is the older, target is expired instead and true is
// returned.
func (s *SubscriptionService) resolveConflicts(tx *gorm.DB, target *models.Subscription, now time.Time) (bool, error) {
	var others []models.Subscription
	err := tx.Clauses(forUpdate).
		Where("user_id = ? AND id <> ? AND status IN ?", target.UserID, target.ID, models.LiveStatuses).
		Find(&others).Error
	if err != nil {
		return false, storageErr("load live subscriptions", err)
	}

	for i := range others {
		o := &others[i]
		if o.ActiveAt(now) && o.NewerThan(target) {
			slog.Info("activation superseded by newer subscription",
				"user_id", target.UserID, "transaction_id", target.TransactionID, "winner", o.TransactionID)
			return true, s.expire(tx, target, now, "superseded_by:"+o.TransactionID)
		}
	}
	for i := range others {
		o := &others[i]
		reason := "superseded_by:" + target.TransactionID
		if o.Status == models.StatusTrial {
			reason = "converted:" + target.TransactionID
		}
		if err := s.expire(tx, o, now, reason); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *SubscriptionService) activate(tx *gorm.DB, sub *models.Subscription, now time.Time, period time.Duration, extra map[string]any) error {
	if err := transition(sub, models.StatusActive); err != nil {
		return err
	}
	prev := sub.Status
	base := now
	if sub.Status == models.StatusActive && sub.EndDate != nil && sub.EndDate.After(now) {
		base = *sub.EndDate
	}
	end := base.Add(period)

	if err := tx.Model(sub).Updates(map[string]any{
		"status":   models.StatusActive,
		"end_date": end,
	}).Error; err != nil {
		return storageErr("activate subscription", err)
	}
	sub.Status = models.StatusActive
	sub.EndDate = &end

	entry := map[string]any{
		"plan":            sub.Plan,
		"subscription_id": sub.ID.String(),
		"transaction_id":  sub.TransactionID,
		"previous_status": string(prev),
		"end_date":        end,
	}
	for k, v := range extra {
		entry[k] = v
	}
	return s.record(tx, sub.UserID, models.EventWebhookOK, entry)
}

// lockLive selects the user's live rows FOR UPDATE and returns the one that
// matters, active before trial. nil when there is none.
func lockLive(tx *gorm.DB, userID int64) (*models.Subscription, error) {
	var rows []models.Subscription
	err := tx.Clauses(forUpdate).
		Where("user_id = ? AND status IN ?", userID, models.LiveStatuses).
		Order("start_date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("load live subscriptions", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	for i := range rows {
		if rows[i].Status == models.StatusActive {
			return &rows[i], nil
		}
	}
	return &rows[0], nil
}

func checkoutTimeout(cfg *config.Config) time.Duration {
	if cfg.CheckoutTimeout > 0 {
		return cfg.CheckoutTimeout
	}
	return 10 * time.Second
}

func ipAllowed(ip string, allowed []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

func (s *SubscriptionService) ignored() WebhookResult {
	s.metrics.Webhook(string(WebhookIgnored))
	return WebhookIgnored
}

func (s *SubscriptionService) observeWebhook(transactionID string, err error) error {
	err = classify(err)
	kind := Kind(err)
	s.metrics.Webhook(kind)
	if errors.Is(err, ErrStorage) {
		slog.Error("webhook processing failed", "action", "apply_webhook", "transaction_id", transactionID, "error", err)
	} else {
		slog.Warn("webhook rejected", "kind", kind, "transaction_id", transactionID, "error", err)
	}
	return err
}

func (s *SubscriptionService) observe(op string, userID int64, err error) error {
	if err == nil {
		s.metrics.Operation(op, "ok")
		return nil
	}
	err = classify(err)
	kind := Kind(err)
	s.metrics.Operation(op, kind)
	if errors.Is(err, ErrStorage) {
		slog.Error("billing operation failed", "action", op, "user_id", userID, "error", err)
	} else {
		slog.Warn("billing operation rejected", "action", op, "user_id", userID, "kind", kind, "error", err)
	}
	return err
}
