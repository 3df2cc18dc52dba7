package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on wall-clock schedules (UTC), so a daily job fires at
// the same time of day regardless of process uptime.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	jobs    map[string]Job
}

func New(timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		timeout: timeout,
		jobs:    make(map[string]Job),
	}
}

// Add registers job under a standard five-field cron spec.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name(), spec, err)
	}
	s.jobs[job.Name()] = job
	slog.Info("job scheduled", "job", job.Name(), "spec", spec)
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(job)
}

func (s *Scheduler) run(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		slog.Error("job failed", "job", job.Name(), "error", err, "latency_ms", float64(time.Since(start).Milliseconds()))
		return err
	}
	slog.Info("job finished", "job", job.Name(), "latency_ms", float64(time.Since(start).Milliseconds()))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
	}
}
