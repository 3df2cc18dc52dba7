package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/billing"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/database"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/database/dbtest"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/plans"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret     = "whsec_test"
	testAdminToken = "admin-token"
	period         = 30 * 24 * time.Hour
	trialPeriod    = 14 * 24 * time.Hour
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// hostedProvider behaves like a real provider: checkouts need a webhook.
type hostedProvider struct {
	block bool
}

func (p *hostedProvider) Name() string { return "hosted" }

func (p *hostedProvider) CreateCheckout(ctx context.Context, plan string) (*billing.Checkout, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id := "hosted_" + uuid.NewString()
	return &billing.Checkout{ID: id, RedirectURL: "https://pay.example/" + id}, nil
}

func (p *hostedProvider) VerifySignature(event billing.WebhookEvent, signature string) bool {
	return billing.NewDummy(testSecret, "").VerifySignature(event, signature)
}

// failingEventLog writes the entry, then fails for the chosen event so the
// surrounding transaction must roll back both writes.
type failingEventLog struct {
	event models.BillingEvent
}

var errForcedLogFailure = errors.New("forced event log failure")

func (f failingEventLog) Append(tx *gorm.DB, entry *models.BillingLogEntry) error {
	if err := tx.Create(entry).Error; err != nil {
		return err
	}
	if entry.Event == f.event {
		return errForcedLogFailure
	}
	return nil
}

type fixture struct {
	db        *gorm.DB
	uow       *database.UnitOfWork
	store     *config.Store
	clock     *fakeClock
	providers *billing.Registry
	svc       *services.SubscriptionService
	sweeper   *services.Sweeper
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		BillingEnabled:     true,
		TestMode:           true,
		ProviderName:       billing.DummyName,
		AdminToken:         testAdminToken,
		WebhookSecret:      testSecret,
		WebhookTimeout:     2 * time.Second,
		CheckoutTimeout:    2 * time.Second,
		SubscriptionPeriod: period,
		TrialPeriod:        trialPeriod,
		CheckoutTTL:        24 * time.Hour,
		PublicBaseURL:      "https://bot.example",
	}
	for _, m := range mutate {
		m(cfg)
	}

	db := dbtest.New(t)
	f := &fixture{
		db:        db,
		uow:       database.NewUnitOfWork(db),
		store:     config.Static(cfg),
		clock:     &fakeClock{now: t0},
		providers: billing.DefaultRegistry(),
	}
	f.providers.Register("hosted", func(*config.Config) (billing.Provider, error) {
		return &hostedProvider{}, nil
	})
	f.svc = f.service()
	f.sweeper = services.NewSweeper(f.uow, f.store, services.WithClock(f.clock.Now))
	return f
}

func (f *fixture) service(opts ...services.Option) *services.SubscriptionService {
	opts = append([]services.Option{services.WithClock(f.clock.Now)}, opts...)
	return services.NewSubscriptionService(f.uow, f.store, f.providers, plans.Default(), opts...)
}

func (f *fixture) useProvider(name string) {
	f.store.Update(func(c *config.Config) { c.ProviderName = name })
}

func (f *fixture) seed(t *testing.T, sub models.Subscription) models.Subscription {
	t.Helper()
	if sub.TransactionID == "" {
		sub.TransactionID = "tx_" + uuid.NewString()
	}
	if sub.Plan == "" {
		sub.Plan = plans.Pro
	}
	if sub.Provider == "" {
		sub.Provider = "hosted"
	}
	if sub.StartDate.IsZero() {
		sub.StartDate = f.clock.Now()
	}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func event(txID string) (billing.WebhookEvent, string) {
	ev := billing.WebhookEvent{EventID: "evt_" + txID, TransactionID: txID, Plan: plans.Pro}
	return ev, billing.Sign(testSecret, ev)
}

func ptr(t time.Time) *time.Time { return &t }
