package queue

import (
	"context"
	"fmt"

	"github.com/charlesng35/credledger/internal/models"
)

// Counts is the number of retained jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts reports queue depth by state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	ctx = ensureContext(ctx)

	var rows []struct {
		State string
		Total int64
	}
	if err := q.db.WithContext(ctx).
		Model(&models.AnchorJob{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error; err != nil {
		return Counts{}, fmt.Errorf("count anchor jobs: %w", err)
	}

	var out Counts
	for _, row := range rows {
		switch row.State {
		case models.JobStateWaiting:
			out.Waiting = row.Total
		case models.JobStateActive:
			out.Active = row.Total
		case models.JobStateCompleted:
			out.Completed = row.Total
		case models.JobStateFailed:
			out.Failed = row.Total
		}
	}
	return out, nil
}
