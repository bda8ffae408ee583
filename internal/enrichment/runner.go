package enrichment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/metrics"
)

const (
	defaultWorkers = 4
	defaultTimeout = 30 * time.Second
)

// ErrDropped is reported for documents the runner refused to schedule.
var ErrDropped = errors.New("enrichment: task dropped")

// Sink receives the outcome of one analysis. err is the analyzer error, if any.
type Sink func(ctx context.Context, credentialID string, result *Result, err error) error

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers bounds concurrent analyses.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTimeout bounds a single analysis including the sink write.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Runner executes analyses in the background with bounded concurrency.
// Submissions beyond the bound are dropped rather than queued.
type Runner struct {
	analyzer Analyzer
	sink     Sink
	workers  int
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	group  errgroup.Group
}

// NewRunner creates a runner. A nil analyzer yields a runner that drops everything.
func NewRunner(analyzer Analyzer, sink Sink, opts ...RunnerOption) *Runner {
	r := &Runner{
		analyzer: analyzer,
		sink:     sink,
		workers:  defaultWorkers,
		timeout:  defaultTimeout,
		log:      logger.WithModule("enrichment"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.group.SetLimit(r.workers)
	return r
}

// Submit schedules doc for analysis and reports whether it was accepted.
func (r *Runner) Submit(doc Document) bool {
	if r == nil || r.analyzer == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.EnrichmentTasks.WithLabelValues("dropped").Inc()
		return false
	}

	accepted := r.group.TryGo(func() error {
		r.run(doc)
		return nil
	})
	if !accepted {
		metrics.EnrichmentTasks.WithLabelValues("dropped").Inc()
		r.log.Warn("enrichment saturated, dropping task", zap.String("credential_id", doc.CredentialID))
	}
	return accepted
}

// Close stops accepting work and waits for running analyses.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.group.Wait()
}

func (r *Runner) run(doc Document) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			metrics.EnrichmentTasks.WithLabelValues("error").Inc()
			r.log.Error("enrichment panicked", zap.String("credential_id", doc.CredentialID), zap.Any("panic", rec))
		}
	}()

	result, err := r.analyzer.Analyze(ctx, doc)
	if err != nil {
		metrics.EnrichmentTasks.WithLabelValues("error").Inc()
		r.log.Warn("enrichment failed", zap.String("credential_id", doc.CredentialID), zap.Error(err))
	} else {
		metrics.EnrichmentTasks.WithLabelValues("ok").Inc()
	}

	if r.sink == nil {
		return
	}
	if sinkErr := r.sink(ctx, doc.CredentialID, result, err); sinkErr != nil {
		r.log.Warn("enrichment result not stored", zap.String("credential_id", doc.CredentialID), zap.Error(sinkErr))
	}
}
