package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/models"
)

// Retention controls how long terminal jobs are kept.
type Retention struct {
	CompletedFor time.Duration
	CompletedMax int
	FailedFor    time.Duration
}

// DefaultRetention keeps completed jobs for a day (at most 1000) and failed
// jobs for a week.
func DefaultRetention() Retention {
	return Retention{
		CompletedFor: 24 * time.Hour,
		CompletedMax: 1000,
		FailedFor:    7 * 24 * time.Hour,
	}
}

// PurgeStats reports how many jobs were removed.
type PurgeStats struct {
	Completed int64
	Failed    int64
}

// Purge deletes terminal jobs past their retention window.
func (q *Queue) Purge(ctx context.Context, policy Retention) (PurgeStats, error) {
	ctx = ensureContext(ctx)
	now := q.now().UTC()
	stats := PurgeStats{}

	if policy.CompletedFor > 0 {
		res := q.db.WithContext(ctx).
			Where("state = ? AND finished_at < ?", models.JobStateCompleted, now.Add(-policy.CompletedFor)).
			Delete(&models.AnchorJob{})
		if res.Error != nil {
			return stats, fmt.Errorf("queue: purge completed: %w", res.Error)
		}
		stats.Completed += res.RowsAffected
	}

	if policy.CompletedMax > 0 {
		var keep []string
		if err := q.db.WithContext(ctx).
			Model(&models.AnchorJob{}).
			Where("state = ?", models.JobStateCompleted).
			Order("finished_at DESC").
			Limit(policy.CompletedMax).
			Pluck("id", &keep).Error; err != nil {
			return stats, fmt.Errorf("queue: purge completed overflow: %w", err)
		}
		if len(keep) == policy.CompletedMax {
			res := q.db.WithContext(ctx).
				Where("state = ? AND id NOT IN ?", models.JobStateCompleted, keep).
				Delete(&models.AnchorJob{})
			if res.Error != nil {
				return stats, fmt.Errorf("queue: purge completed overflow: %w", res.Error)
			}
			stats.Completed += res.RowsAffected
		}
	}

	if policy.FailedFor > 0 {
		res := q.db.WithContext(ctx).
			Where("state = ? AND finished_at < ?", models.JobStateFailed, now.Add(-policy.FailedFor)).
			Delete(&models.AnchorJob{})
		if res.Error != nil {
			return stats, fmt.Errorf("queue: purge failed: %w", res.Error)
		}
		stats.Failed = res.RowsAffected
	}

	if stats.Completed > 0 || stats.Failed > 0 {
		q.log.Info("anchor jobs purged", zap.Int64("completed", stats.Completed), zap.Int64("failed", stats.Failed))
	}
	return stats, nil
}

// RecoverStale returns active jobs claimed longer than olderThan ago to the
// waiting state. Such jobs belong to workers that died mid-write.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx = ensureContext(ctx)
	if olderThan <= 0 {
		return 0, nil
	}
	now := q.now().UTC()

	res := q.db.WithContext(ctx).
		Model(&models.AnchorJob{}).
		Where("state = ? AND started_at < ?", models.JobStateActive, now.Add(-olderThan)).
		Updates(map[string]any{
			"state":       models.JobStateWaiting,
			"next_run_at": now,
			"started_at":  nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: recover stale: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Warn("recovered stale anchor jobs", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
