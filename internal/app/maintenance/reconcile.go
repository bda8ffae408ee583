package maintenance

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
)

// ReconcileStats reports what one reconciliation pass repaired.
type ReconcileStats struct {
	Applied    int `json:"applied"`
	Requeued   int `json:"requeued"`
	Unresolved int `json:"unresolved"`
}

// Reconcile repairs credentials stuck in the pending state. Receipts from
// completed jobs that never reached their credential are applied first, then
// pending credentials without any job are enqueued again.
func (c *Cleaner) Reconcile(ctx context.Context) (ReconcileStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		stats ReconcileStats
		errs  error
	)

	jobs, err := c.ledger.UnappliedAnchors(ctx, c.batchSize)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, job := range jobs {
		if err := c.ledger.OnAnchored(ctx, job.CredentialID, job.Result.Data()); err != nil {
			stats.Unresolved++
			errs = multierr.Append(errs, err)
			continue
		}
		stats.Applied++
	}

	pending, err := c.ledger.PendingWithoutJob(ctx, c.batchSize)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	requeued, unresolved, err := c.requeue(ctx, pending)
	stats.Requeued += requeued
	stats.Unresolved += unresolved
	errs = multierr.Append(errs, err)

	if stats.Applied+stats.Requeued+stats.Unresolved > 0 {
		c.log.Info("anchor reconciliation finished",
			zap.Int("applied", stats.Applied),
			zap.Int("requeued", stats.Requeued),
			zap.Int("unresolved", stats.Unresolved),
		)
	}
	return stats, errs
}

// ReconcileFailed re-arms anchoring for credentials whose jobs were given up.
// It is run on operator request rather than on a schedule.
func (c *Cleaner) ReconcileFailed(ctx context.Context) (ReconcileStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	failed, err := c.ledger.FailedAnchors(ctx, c.batchSize)
	if err != nil {
		return ReconcileStats{}, err
	}

	requeued, unresolved, err := c.requeue(ctx, failed)
	stats := ReconcileStats{Requeued: requeued, Unresolved: unresolved}
	if requeued > 0 {
		c.log.Info("failed anchors re-armed", zap.Int("count", requeued))
	}
	return stats, err
}

func (c *Cleaner) requeue(ctx context.Context, creds []models.Credential) (int, int, error) {
	var (
		requeued   int
		unresolved int
		errs       error
	)
	for i := range creds {
		cred := &creds[i]
		job := queue.Job{CredentialID: cred.ID, DataHash: cred.DataHash}
		if cred.ContentRef != nil {
			job.ContentRef = *cred.ContentRef
		}
		if _, err := c.queue.Enqueue(ctx, job); err != nil {
			unresolved++
			errs = multierr.Append(errs, err)
			c.log.Warn("anchor re-enqueue failed", zap.String("credential_id", cred.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, unresolved, errs
}
