// Package maintenance runs the background sweeps that keep the ledger
// consistent: anchor reconciliation, job retention and cache expiry.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/pkg/logger"
)

const (
	defaultReconcileSpec = "@every 15m"
	defaultPurgeSpec     = "@hourly"
	defaultStaleAfter    = 10 * time.Minute
	defaultBatchSize     = 100
)

// AnchorQueue is the part of the write queue the sweeps drive.
type AnchorQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (*queue.Handle, error)
	Purge(ctx context.Context, policy queue.Retention) (queue.PurgeStats, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Ledger lists credentials whose anchor state needs repair.
type Ledger interface {
	PendingWithoutJob(ctx context.Context, limit int) ([]models.Credential, error)
	FailedAnchors(ctx context.Context, limit int) ([]models.Credential, error)
	UnappliedAnchors(ctx context.Context, limit int) ([]models.AnchorJob, error)
	OnAnchored(ctx context.Context, credentialID string, result models.AnchorResult) error
}

// ExpiringStore drops lapsed entries.
type ExpiringStore interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Cleaner schedules ledger maintenance on cron specifications.
type Cleaner struct {
	queue  AnchorQueue
	ledger Ledger
	cache  ExpiringStore
	cron   *cron.Cron
	log    *zap.Logger

	retention  queue.Retention
	staleAfter time.Duration
	batchSize  int

	reconcileSchedule string
	purgeSchedule     string
}

// Dependencies pairs the queue with the credential store it feeds.
type Dependencies struct {
	Queue       AnchorQueue
	Credentials Ledger
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithCache enables purging of expired cache entries.
func WithCache(store ExpiringStore) Option {
	return func(cleaner *Cleaner) {
		cleaner.cache = store
	}
}

// WithRetention sets the anchor job purge policy.
func WithRetention(policy queue.Retention) Option {
	return func(cleaner *Cleaner) {
		cleaner.retention = policy
	}
}

// WithStaleAfter sets how long a job may stay active before it is presumed
// orphaned and returned to the waiting state.
func WithStaleAfter(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.staleAfter = d
		}
	}
}

// WithBatchSize bounds how many credentials one reconcile pass touches.
func WithBatchSize(n int) Option {
	return func(cleaner *Cleaner) {
		if n > 0 {
			cleaner.batchSize = n
		}
	}
}

// WithReconcileSchedule overrides the cron specification for anchor reconciliation.
func WithReconcileSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.reconcileSchedule = spec
		}
	}
}

// WithPurgeSchedule overrides the cron specification for retention purges.
func WithPurgeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.purgeSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. The queue and credential store are required.
func NewCleaner(deps Dependencies, opts ...Option) (*Cleaner, error) {
	if deps.Queue == nil || deps.Credentials == nil {
		return nil, errors.New("maintenance: queue and credential store are required")
	}

	cleaner := &Cleaner{
		queue:             deps.Queue,
		ledger:            deps.Credentials,
		retention:         queue.DefaultRetention(),
		staleAfter:        defaultStaleAfter,
		batchSize:         defaultBatchSize,
		reconcileSchedule: defaultReconcileSpec,
		purgeSchedule:     defaultPurgeSpec,
		log:               logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner, nil
}

// Start registers the sweeps with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.reconcileSchedule, func() {
		if _, err := c.Reconcile(context.Background()); err != nil {
			c.log.Warn("anchor reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := c.cron.AddFunc(c.purgeSchedule, func() {
		if err := c.Purge(context.Background()); err != nil {
			c.log.Warn("retention purge failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes reconciliation and purging sequentially. Used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if _, err := c.Reconcile(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.Purge(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Purge recovers orphaned active jobs, deletes terminal jobs past retention
// and drops expired cache entries. Every step runs even if an earlier one fails.
func (c *Cleaner) Purge(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if _, err := c.queue.RecoverStale(ctx, c.staleAfter); err != nil {
		errs = multierr.Append(errs, err)
	}

	stats, err := c.queue.Purge(ctx, c.retention)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if stats.Completed+stats.Failed > 0 {
		c.log.Info("anchor jobs purged",
			zap.Int64("completed", stats.Completed),
			zap.Int64("failed", stats.Failed),
		)
	}

	if c.cache != nil {
		if _, err := c.cache.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
