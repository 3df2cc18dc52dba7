package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/models"
	"gorm.io/gorm"
)

// RetentionJob deletes system_logs older than the retention window. The
// billing audit trail in billing_logs is never touched.
type RetentionJob struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

func NewRetentionJob(db *gorm.DB, retention time.Duration) *RetentionJob {
	return &RetentionJob{db: db, retention: retention, now: time.Now}
}

func (j *RetentionJob) Name() string { return "system_log_retention" }

func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	result := j.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.SystemLog{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		slog.Info("log cleanup completed", "deleted", result.RowsAffected)
	}
	return nil
}
