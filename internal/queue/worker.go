package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/metrics"
)

// Start launches the worker pool. Calling Start on a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.log.Info("anchor queue started", zap.Int("workers", q.concurrency), zap.Float64("rate_per_second", q.ratePerSecond))
}

// Stop stops claiming new jobs and waits for in-flight writes to finish or
// for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	ctx = ensureContext(ctx)

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("anchor queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: stop: %w", ctx.Err())
	}
}

// RunOnce claims every due job (up to the worker count) and processes them
// concurrently, returning how many were processed.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	var wg sync.WaitGroup
	processed := 0
	for i := 0; i < q.concurrency; i++ {
		job, err := q.claim(ctx)
		if err != nil {
			wg.Wait()
			return processed, err
		}
		if job == nil {
			break
		}
		processed++
		wg.Add(1)
		go func(job *models.AnchorJob) {
			defer wg.Done()
			q.process(job)
		}(job)
	}
	wg.Wait()
	return processed, nil
}

func (q *Queue) work(ctx context.Context, id int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		// Keep claiming while work is due; fall back to the ticker when idle.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := q.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error("claim anchor job failed", zap.Int("worker", id), zap.Error(err))
				}
				break
			}
			if job == nil {
				break
			}
			q.process(job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claim atomically moves one due job from waiting to active. It returns nil
// when nothing is due.
func (q *Queue) claim(ctx context.Context) (*models.AnchorJob, error) {
	now := q.now().UTC()

	var candidates []models.AnchorJob
	if err := q.db.WithContext(ctx).
		Where("state = ? AND next_run_at <= ?", models.JobStateWaiting, now).
		Order("next_run_at ASC").
		Limit(q.concurrency).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}

	for i := range candidates {
		job := candidates[i]
		res := q.db.WithContext(ctx).
			Model(&models.AnchorJob{}).
			Where("id = ? AND state = ?", job.ID, models.JobStateWaiting).
			Updates(map[string]any{
				"state":      models.JobStateActive,
				"started_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: claim: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			job.State = models.JobStateActive
			job.StartedAt = &now
			return &job, nil
		}
	}
	return nil, nil
}

// process runs one claimed job to its next state. It deliberately ignores the
// worker context so Stop lets in-flight writes finish.
func (q *Queue) process(job *models.AnchorJob) {
	ctx := context.Background()

	if err := q.limiter.Wait(ctx); err != nil {
		q.log.Warn("rate limiter wait failed", zap.Error(err))
	}

	metrics.AnchorInFlight.Inc()
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, q.anchorTimeout)
	receipt, err := q.callAnchor(callCtx, job)
	cancel()
	metrics.AnchorWriteLatency.Observe(time.Since(start).Seconds())
	metrics.AnchorInFlight.Dec()

	attempts := job.Attempts + 1
	if err == nil {
		q.complete(ctx, job, attempts, receipt)
		return
	}

	log := q.log.With(
		zap.String("credential_id", job.CredentialID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)

	if retryable(err) && attempts < job.MaxAttempts {
		delay := q.backoff(attempts)
		if uerr := q.updateJob(ctx, job.ID, map[string]any{
			"state":       models.JobStateWaiting,
			"attempts":    attempts,
			"next_run_at": q.now().UTC().Add(delay),
			"last_error":  err.Error(),
			"started_at":  nil,
		}); uerr != nil {
			log.Error("reschedule anchor job failed", zap.NamedError("update_error", uerr))
			return
		}
		metrics.AnchorJobs.WithLabelValues("retried").Inc()
		log.Warn("anchor write failed, retrying", zap.Duration("backoff", delay))
		return
	}

	q.fail(ctx, job, attempts, err, log)
}

func (q *Queue) callAnchor(ctx context.Context, job *models.AnchorJob) (receipt *anchor.Receipt, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: anchor write panicked: %v: %w", rec, anchor.ErrPermanent)
		}
	}()
	return q.anchor.Write(ctx, job.CredentialID, job.DataHash, job.ContentRef)
}

func (q *Queue) complete(ctx context.Context, job *models.AnchorJob, attempts int, receipt *anchor.Receipt) {
	now := q.now().UTC()
	timestamp := receipt.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	result := models.AnchorResult{
		TxHash:          receipt.TxHash,
		Network:         receipt.Network,
		ContractAddress: receipt.ContractAddress,
		Timestamp:       timestamp.UTC(),
	}

	if err := q.updateJob(ctx, job.ID, map[string]any{
		"state":       models.JobStateCompleted,
		"attempts":    attempts,
		"result":      datatypes.NewJSONType(result),
		"last_error":  "",
		"finished_at": now,
	}); err != nil {
		// Job stays active; stale recovery will retry it.
		q.log.Error("persist anchor result failed",
			zap.String("credential_id", job.CredentialID),
			zap.String("tx_hash", result.TxHash),
			zap.Error(err),
		)
		return
	}
	metrics.AnchorJobs.WithLabelValues("completed").Inc()

	if q.completer != nil {
		if err := q.completer.OnAnchored(ctx, job.CredentialID, result); err != nil {
			q.log.Error("apply anchor result to credential failed",
				zap.String("credential_id", job.CredentialID),
				zap.Error(err),
			)
			return
		}
	}
	q.log.Info("credential anchored",
		zap.String("credential_id", job.CredentialID),
		zap.String("tx_hash", result.TxHash),
		zap.Int("attempts", attempts),
	)
}

func (q *Queue) fail(ctx context.Context, job *models.AnchorJob, attempts int, cause error, log *zap.Logger) {
	if err := q.updateJob(ctx, job.ID, map[string]any{
		"state":       models.JobStateFailed,
		"attempts":    attempts,
		"last_error":  cause.Error(),
		"finished_at": q.now().UTC(),
	}); err != nil {
		log.Error("mark anchor job failed", zap.NamedError("update_error", err))
		return
	}
	metrics.AnchorJobs.WithLabelValues("failed").Inc()
	log.Error("anchor write exhausted")

	if q.completer != nil {
		if err := q.completer.OnAnchorFailed(ctx, job.CredentialID, cause.Error()); err != nil {
			log.Error("mark credential anchor failed", zap.NamedError("update_error", err))
		}
	}
}

func (q *Queue) updateJob(ctx context.Context, id string, values map[string]any) error {
	return q.db.WithContext(ctx).Model(&models.AnchorJob{}).Where("id = ?", id).Updates(values).Error
}

func retryable(err error) bool {
	if errors.Is(err, anchor.ErrPermanent) {
		return false
	}
	return errors.Is(err, apperrors.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
