package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/billing"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/plans"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStartTrialIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.StartTrial(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrial, first.Status)
	assert.Equal(t, models.ProviderTrial, first.Provider)
	require.NotNil(t, first.EndDate)
	assert.True(t, first.EndDate.Equal(first.StartDate.Add(14*24*time.Hour)))

	f.clock.Advance(time.Hour)
	second, err := f.svc.StartTrial(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, first.EndDate.Equal(*second.EndDate))

	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}, "user_id = ?", 7))
	assert.Equal(t, int64(1), f.count(t, &models.BillingLogEntry{}, "user_id = ? AND event = ?", 7, models.EventInit))
}

func TestStartTrialConcurrentCreatesOneRow(t *testing.T) {
	f := newFixture(t)

	var g errgroup.Group
	results := make([]*models.Subscription, 16)
	for i := range results {
		g.Go(func() error {
			sub, err := f.svc.StartTrial(context.Background(), 1)
			if err != nil && !errors.Is(err, services.ErrAlreadySubscribed) {
				return err
			}
			results[i] = sub
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}, "user_id = ? AND status = ?", 1, models.StatusTrial))
	var id = results[0].ID
	for _, r := range results {
		if r != nil {
			assert.Equal(t, id, r.ID)
		}
	}
}

func TestStartTrialRejectsActiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, 3, plans.Pro)
	require.NoError(t, err)

	_, err = f.svc.StartTrial(ctx, 3)
	assert.ErrorIs(t, err, services.ErrAlreadySubscribed)
	assert.Equal(t, "already_subscribed", services.Kind(err))
}

func TestStartTrialValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartTrial(context.Background(), 0)
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestSubscribeWithSelfCertifyingProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co, err := f.svc.Subscribe(ctx, 5, plans.Family)
	require.NoError(t, err)
	assert.Contains(t, co.RedirectURL, "https://bot.example/dummy/checkout/")

	var sub models.Subscription
	require.NoError(t, f.db.Where("transaction_id = ?", co.ID).Take(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, plans.Family, sub.Plan)
	assert.Equal(t, "dummy", sub.Provider)
	require.NotNil(t, sub.EndDate)
	assert.True(t, sub.EndDate.Equal(t0.Add(period)))

	var entry models.BillingLogEntry
	require.NoError(t, f.db.Where("user_id = ?", 5).Take(&entry).Error)
	assert.Equal(t, models.EventCheckoutCreated, entry.Event)
	assert.Equal(t, co.ID, entry.Context["checkout_id"])
	assert.Equal(t, "family", entry.Context["plan"])
}

func TestSubscribeRejectsLiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartTrial(ctx, 9)
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, 9, plans.Pro)
	assert.ErrorIs(t, err, services.ErrAlreadySubscribed)
	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}, "user_id = ?", 9))
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, 1, "enterprise")
	assert.ErrorIs(t, err, services.ErrInvalidPlan)

	f.useProvider("paypal")
	_, err = f.svc.Subscribe(ctx, 1, plans.Pro)
	assert.ErrorIs(t, err, services.ErrProviderUnsupported)
	assert.Zero(t, f.count(t, &models.Subscription{}, ""))
}

func TestSubscribeHostedProviderLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.useProvider("hosted")
	ctx := context.Background()

	co, err := f.svc.Subscribe(ctx, 11, plans.Pro)
	require.NoError(t, err)

	var sub models.Subscription
	require.NoError(t, f.db.Where("transaction_id = ?", co.ID).Take(&sub).Error)
	assert.Equal(t, models.StatusPending, sub.Status)
	assert.Equal(t, "hosted", sub.Provider)

	// pending rows are not live, so another checkout is allowed
	_, err = f.svc.Subscribe(ctx, 11, plans.Pro)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.count(t, &models.Subscription{}, "user_id = ? AND status = ?", 11, models.StatusPending))
}

func TestSubscribeProviderTimeout(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.CheckoutTimeout = 20 * time.Millisecond
		c.ProviderName = "slow"
	})
	f.providers.Register("slow", func(*config.Config) (billing.Provider, error) {
		return &hostedProvider{block: true}, nil
	})

	_, err := f.svc.Subscribe(context.Background(), 4, plans.Pro)
	assert.ErrorIs(t, err, services.ErrProviderFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.count(t, &models.Subscription{}, ""))
	assert.Zero(t, f.count(t, &models.BillingLogEntry{}, ""))
}

func TestOperationsRollBackWhenEventLogFails(t *testing.T) {
	t.Run("start_trial", func(t *testing.T) {
		f := newFixture(t)
		svc := f.service(services.WithEventLog(failingEventLog{event: models.EventInit}))

		_, err := svc.StartTrial(context.Background(), 1)
		assert.ErrorIs(t, err, services.ErrStorage)
		assert.ErrorIs(t, err, errForcedLogFailure)
		assert.Zero(t, f.count(t, &models.Subscription{}, ""))
		assert.Zero(t, f.count(t, &models.BillingLogEntry{}, ""))
	})

	t.Run("subscribe", func(t *testing.T) {
		f := newFixture(t)
		svc := f.service(services.WithEventLog(failingEventLog{event: models.EventCheckoutCreated}))

		_, err := svc.Subscribe(context.Background(), 1, plans.Pro)
		assert.ErrorIs(t, err, services.ErrStorage)
		assert.Zero(t, f.count(t, &models.Subscription{}, ""))
		assert.Zero(t, f.count(t, &models.BillingLogEntry{}, ""))
	})

	t.Run("apply_webhook", func(t *testing.T) {
		f := newFixture(t)
		trial := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusTrial, Provider: models.ProviderTrial, EndDate: ptr(t0.Add(trialPeriod))})
		pending := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusPending, EndDate: ptr(t0.Add(time.Hour))})
		svc := f.service(services.WithEventLog(failingEventLog{event: models.EventWebhookOK}))

		ev, sig := event(pending.TransactionID)
		_, err := svc.ApplyWebhook(context.Background(), ev, sig, "127.0.0.1")
		assert.ErrorIs(t, err, services.ErrStorage)

		assert.Equal(t, models.StatusPending, f.reload(t, pending.ID).Status)
		assert.Equal(t, models.StatusTrial, f.reload(t, trial.ID).Status, "demotion rolls back too")
		assert.Zero(t, f.count(t, &models.BillingLogEntry{}, ""))
	})
}

func TestApplyWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, models.Subscription{UserID: 2, Status: models.StatusPending, EndDate: ptr(t0.Add(24 * time.Hour))})
	ev, sig := event(sub.TransactionID)

	res, err := f.svc.ApplyWebhook(ctx, ev, sig, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)
	after := f.reload(t, sub.ID)
	assert.Equal(t, models.StatusActive, after.Status)
	require.NotNil(t, after.EndDate)
	assert.True(t, after.EndDate.Equal(t0.Add(period)))

	f.clock.Advance(time.Minute)
	res, err = f.svc.ApplyWebhook(ctx, ev, sig, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookIgnored, res)

	again := f.reload(t, sub.ID)
	assert.True(t, after.EndDate.Equal(*again.EndDate))
	assert.Equal(t, int64(1), f.count(t, &models.BillingLogEntry{}, "event = ?", models.EventWebhookOK))
}

func TestApplyWebhookRenewsLapsedActive(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, models.Subscription{UserID: 2, Status: models.StatusActive, EndDate: ptr(t0.Add(-time.Hour))})
	ev, sig := event(sub.TransactionID)

	res, err := f.svc.ApplyWebhook(context.Background(), ev, sig, "")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)
	assert.True(t, f.reload(t, sub.ID).EndDate.Equal(t0.Add(period)), "window restarts from now")
}

func TestApplyWebhookUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	ev, sig := event("tx_never_seen")

	res, err := f.svc.ApplyWebhook(context.Background(), ev, sig, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookIgnored, res)
}

func TestApplyWebhookIgnoresTerminalAndTrialRows(t *testing.T) {
	f := newFixture(t)
	for _, status := range []models.SubscriptionStatus{models.StatusExpired, models.StatusCanceled, models.StatusTrial} {
		sub := f.seed(t, models.Subscription{UserID: 20, Status: status, EndDate: ptr(t0.Add(-time.Hour))})
		ev, sig := event(sub.TransactionID)

		res, err := f.svc.ApplyWebhook(context.Background(), ev, sig, "")
		require.NoError(t, err)
		assert.Equal(t, services.WebhookIgnored, res, status)
		assert.Equal(t, status, f.reload(t, sub.ID).Status)
	}
}

func TestApplyWebhookTamperedSignatureNeverMutates(t *testing.T) {
	statuses := []models.SubscriptionStatus{
		models.StatusTrial, models.StatusPending, models.StatusActive, models.StatusExpired, models.StatusCanceled,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			sub := f.seed(t, models.Subscription{UserID: 8, Status: status, EndDate: ptr(t0.Add(-time.Hour))})
			before := f.reload(t, sub.ID)

			ev, sig := event(sub.TransactionID)
			for _, bad := range []string{"", sig[:len(sig)-1] + "0", ev.EventID + ":" + ev.TransactionID} {
				if bad == sig {
					continue
				}
				_, err := f.svc.ApplyWebhook(context.Background(), ev, bad, "127.0.0.1")
				assert.ErrorIs(t, err, services.ErrInvalidSignature)
			}

			after := f.reload(t, sub.ID)
			assert.Equal(t, before.Status, after.Status)
			assert.True(t, before.EndDate.Equal(*after.EndDate))
			assert.Zero(t, f.count(t, &models.BillingLogEntry{}, ""))
		})
	}
}

func TestApplyWebhookSourceIPAllowList(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.WebhookIPs = []string{"10.0.0.0/8", "203.0.113.7"} })
	sub := f.seed(t, models.Subscription{UserID: 6, Status: models.StatusPending, EndDate: ptr(t0.Add(time.Hour))})
	ev, sig := event(sub.TransactionID)
	ctx := context.Background()

	_, err := f.svc.ApplyWebhook(ctx, ev, sig, "192.168.1.1")
	assert.ErrorIs(t, err, services.ErrForbidden)
	_, err = f.svc.ApplyWebhook(ctx, ev, sig, "not-an-ip")
	assert.ErrorIs(t, err, services.ErrForbidden)
	assert.Equal(t, models.StatusPending, f.reload(t, sub.ID).Status)

	res, err := f.svc.ApplyWebhook(ctx, ev, sig, "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)

	other := f.seed(t, models.Subscription{UserID: 16, Status: models.StatusPending, EndDate: ptr(t0.Add(time.Hour))})
	ev, sig = event(other.TransactionID)
	res, err = f.svc.ApplyWebhook(ctx, ev, sig, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)
}

func TestApplyWebhookNewestSubscriptionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.seed(t, models.Subscription{UserID: 12, Status: models.StatusActive, StartDate: t0.Add(-48 * time.Hour), EndDate: ptr(t0.Add(10 * 24 * time.Hour))})
	newer := f.seed(t, models.Subscription{UserID: 12, Status: models.StatusPending, StartDate: t0.Add(-time.Hour), EndDate: ptr(t0.Add(time.Hour))})

	ev, sig := event(newer.TransactionID)
	res, err := f.svc.ApplyWebhook(ctx, ev, sig, "")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)

	assert.Equal(t, models.StatusActive, f.reload(t, newer.ID).Status)
	demoted := f.reload(t, older.ID)
	assert.Equal(t, models.StatusExpired, demoted.Status)
	assert.True(t, demoted.EndDate.Equal(t0))
	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}, "user_id = ? AND status = ?", 12, models.StatusActive))
	assert.Equal(t, int64(1), f.count(t, &models.BillingLogEntry{}, "user_id = ? AND event = ?", 12, models.EventExpired))
}

func TestApplyWebhookOlderSubscriptionIsDemoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.seed(t, models.Subscription{UserID: 13, Status: models.StatusPending, StartDate: t0.Add(-48 * time.Hour), EndDate: ptr(t0.Add(time.Hour))})
	current := f.seed(t, models.Subscription{UserID: 13, Status: models.StatusActive, StartDate: t0.Add(-time.Hour), EndDate: ptr(t0.Add(20 * 24 * time.Hour))})

	ev, sig := event(stale.TransactionID)
	res, err := f.svc.ApplyWebhook(ctx, ev, sig, "")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookProcessed, res)

	assert.Equal(t, models.StatusExpired, f.reload(t, stale.ID).Status)
	assert.Equal(t, models.StatusActive, f.reload(t, current.ID).Status)
	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}, "user_id = ? AND status = ?", 13, models.StatusActive))

	// redelivery finds a terminal row and changes nothing
	res, err = f.svc.ApplyWebhook(ctx, ev, sig, "")
	require.NoError(t, err)
	assert.Equal(t, services.WebhookIgnored, res)
}

func TestApplyWebhookEndsLiveTrial(t *testing.T) {
	f := newFixture(t)
	trial := f.seed(t, models.Subscription{UserID: 14, Status: models.StatusTrial, Provider: models.ProviderTrial, EndDate: ptr(t0.Add(trialPeriod))})
	paid := f.seed(t, models.Subscription{UserID: 14, Status: models.StatusPending, StartDate: t0.Add(-time.Hour), EndDate: ptr(t0.Add(time.Hour))})

	ev, sig := event(paid.TransactionID)
	_, err := f.svc.ApplyWebhook(context.Background(), ev, sig, "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusExpired, f.reload(t, trial.ID).Status)
	assert.Equal(t, models.StatusActive, f.reload(t, paid.ID).Status)
}

func TestApplyWebhookRequiresIdentifiers(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyWebhook(context.Background(), billing.WebhookEvent{TransactionID: "tx"}, "sig", "")
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestAdminActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("test mode off", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.TestMode = false })
		sub := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusPending})
		_, err := f.svc.AdminActivate(ctx, sub.TransactionID, testAdminToken)
		assert.ErrorIs(t, err, services.ErrForbidden)
		assert.Equal(t, models.StatusPending, f.reload(t, sub.ID).Status)
	})

	t.Run("token checks", func(t *testing.T) {
		f := newFixture(t)
		sub := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusPending})
		_, err := f.svc.AdminActivate(ctx, sub.TransactionID, "wrong")
		assert.ErrorIs(t, err, services.ErrForbidden)

		f.store.Update(func(c *config.Config) { c.AdminToken = "" })
		_, err = f.svc.AdminActivate(ctx, sub.TransactionID, "")
		assert.ErrorIs(t, err, services.ErrForbidden, "an unset token never matches")
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.AdminActivate(ctx, "tx_missing", testAdminToken)
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("activates pending", func(t *testing.T) {
		f := newFixture(t)
		sub := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusPending})
		got, err := f.svc.AdminActivate(ctx, sub.TransactionID, testAdminToken)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.True(t, got.EndDate.Equal(t0.Add(period)))

		var entry models.BillingLogEntry
		require.NoError(t, f.db.Where("event = ?", models.EventWebhookOK).Take(&entry).Error)
		assert.Equal(t, "admin", entry.Context["source"])
	})

	t.Run("terminal rows", func(t *testing.T) {
		f := newFixture(t)
		sub := f.seed(t, models.Subscription{UserID: 1, Status: models.StatusCanceled})
		_, err := f.svc.AdminActivate(ctx, sub.TransactionID, testAdminToken)
		assert.ErrorIs(t, err, services.ErrInvalidTransition)
	})
}

func TestGetStatusPreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.svc.GetStatus(ctx, 30)
	require.NoError(t, err)
	assert.Nil(t, got)

	f.seed(t, models.Subscription{UserID: 30, Status: models.StatusExpired, StartDate: t0.Add(-72 * time.Hour)})
	latest := f.seed(t, models.Subscription{UserID: 30, Status: models.StatusCanceled, StartDate: t0.Add(-time.Hour)})
	got, err = f.svc.GetStatus(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)

	trial := f.seed(t, models.Subscription{UserID: 30, Status: models.StatusTrial, StartDate: t0.Add(-96 * time.Hour)})
	got, err = f.svc.GetStatus(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, trial.ID, got.ID)

	active := f.seed(t, models.Subscription{UserID: 30, Status: models.StatusActive, StartDate: t0.Add(-200 * time.Hour)})
	got, err = f.svc.GetStatus(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)
}

func TestFeatureFlags(t *testing.T) {
	f := newFixture(t)

	flags := f.svc.FeatureFlags(nil)
	assert.True(t, flags["billing_enabled"])
	assert.True(t, flags["trial_available"])
	assert.False(t, flags["subscribed"])
	assert.False(t, flags["family_profiles"])

	flags = f.svc.FeatureFlags(&models.Subscription{Plan: plans.Family, Status: models.StatusActive})
	assert.True(t, flags["subscribed"])
	assert.True(t, flags["family_profiles"])
	assert.False(t, flags["trial_available"])

	flags = f.svc.FeatureFlags(&models.Subscription{Plan: plans.Family, Status: models.StatusExpired})
	assert.False(t, flags["family_profiles"])
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, 40)
	assert.ErrorIs(t, err, services.ErrNotFound)

	trial, err := f.svc.StartTrial(ctx, 40)
	require.NoError(t, err)
	got, err := f.svc.Cancel(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, trial.ID, got.ID)
	assert.Equal(t, models.StatusCanceled, f.reload(t, trial.ID).Status)
	assert.Equal(t, int64(1), f.count(t, &models.BillingLogEntry{}, "event = ?", models.EventCanceled))
}

func TestBillingDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.BillingEnabled = false })
	ctx := context.Background()

	_, err := f.svc.StartTrial(ctx, 1)
	assert.ErrorIs(t, err, services.ErrBillingDisabled)
	_, err = f.svc.Subscribe(ctx, 1, plans.Pro)
	assert.ErrorIs(t, err, services.ErrBillingDisabled)
	_, err = f.svc.Cancel(ctx, 1)
	assert.ErrorIs(t, err, services.ErrBillingDisabled)
}

func TestConfigReloadAppliesPerOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartTrial(ctx, 50)
	require.NoError(t, err)

	f.store.Update(func(c *config.Config) { c.BillingEnabled = false })
	_, err = f.svc.StartTrial(ctx, 51)
	assert.ErrorIs(t, err, services.ErrBillingDisabled)
}
