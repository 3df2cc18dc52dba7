package services

import (
	"context"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"gorm.io/gorm"
)

type SweepReport struct {
	Expired    int `json:"expired"`
	Backfilled int `json:"backfilled"`
}

// Sweeper expires subscriptions whose validity window has elapsed.
type Sweeper struct {
	deps
	uow Executor
	cfg config.Provider
}

func NewSweeper(uow Executor, cfg config.Provider, opts ...Option) *Sweeper {
	return &Sweeper{deps: newDeps(opts), uow: uow, cfg: cfg}
}

func (s *Sweeper) Name() string { return "subscription_sweeper" }

// Run satisfies jobs.Job.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep applies one tick as a single transaction: every due row is expired
// and logged, or nothing is.
//
// A trial without an end date gets start_date + trial period backfilled and
// stays a trial while that is still ahead; other open rows without an end
// date are expired.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	cfg := s.cfg.Current()
	now := s.now()

	var report SweepReport
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		report = SweepReport{}

		var due []models.Subscription
		err := tx.Clauses(forUpdate).
			Where("status IN ? AND (end_date IS NULL OR end_date <= ?)", models.OpenStatuses, now).
			Order("start_date").
			Find(&due).Error
		if err != nil {
			return storageErr("select due subscriptions", err)
		}

		for i := range due {
			sub := &due[i]
			if sub.Status == models.StatusTrial && sub.EndDate == nil {
				end := sub.StartDate.Add(cfg.TrialPeriod)
				if end.After(now) {
					if err := tx.Model(sub).Update("end_date", end).Error; err != nil {
						return storageErr("backfill trial end", err)
					}
					report.Backfilled++
					continue
				}
			}
			if err := s.expire(tx, sub, now, "sweeper"); err != nil {
				return err
			}
			report.Expired++
		}
		return nil
	})
	if err != nil {
		err = classify(err)
		s.metrics.Sweep("error", 0)
		slog.Error("subscription sweep failed", "action", "sweep", "error", err)
		return SweepReport{}, err
	}

	s.metrics.Sweep("ok", report.Expired)
	slog.Info("subscription sweep completed", "expired", report.Expired, "backfilled", report.Backfilled)
	return report, nil
}
