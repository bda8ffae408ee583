// Package queue is the durable, retrying ledger write queue. Each credential
// has at most one job, keyed by its id, and at most one write in flight.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/metrics"
)

const (
	defaultConcurrency   = 5
	defaultRatePerSecond = 10
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffMax    = time.Minute
	defaultAnchorTimeout = 60 * time.Second
	defaultPollInterval  = time.Second
)

// StateNotFound is reported by GetStatus for credentials without a job.
const StateNotFound = "not_found"

// ErrJobNotFound is returned by Job lookups for unknown credentials.
var ErrJobNotFound = apperrors.ErrNotFound.Newf("anchor job not found")

// Job is a request to anchor one credential.
type Job struct {
	CredentialID string
	DataHash     string
	ContentRef   string
}

// Handle identifies an enqueued job. Existing is true when Enqueue found a
// job already registered for the credential.
type Handle struct {
	JobID        string `json:"job_id"`
	CredentialID string `json:"credential_id"`
	State        string `json:"state"`
	Existing     bool   `json:"existing"`
}

// Status is the externally visible state of a credential's job.
type Status struct {
	State    string               `json:"state"`
	Attempts int                  `json:"attempts"`
	Result   *models.AnchorResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Completer applies job outcomes to the credential record.
type Completer interface {
	OnAnchored(ctx context.Context, credentialID string, result models.AnchorResult) error
	OnAnchorFailed(ctx context.Context, credentialID string, reason string) error
}

// Option customises the Queue.
type Option func(*Queue)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithRateLimit caps anchor calls per second across all workers.
func WithRateLimit(perSecond float64) Option {
	return func(q *Queue) {
		if perSecond > 0 {
			q.ratePerSecond = perSecond
		}
	}
}

// WithMaxAttempts sets how many times a write is tried.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the exponential backoff base and ceiling.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max > 0 {
			q.backoffMax = max
		}
	}
}

// WithAnchorTimeout bounds a single anchor call.
func WithAnchorTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.anchorTimeout = d
		}
	}
}

// WithPollInterval sets how often idle workers look for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithCompleter sets the callback that updates credentials.
func WithCompleter(c Completer) Option {
	return func(q *Queue) {
		q.completer = c
	}
}

// Queue persists anchor jobs and drives them to a terminal state.
type Queue struct {
	db        *gorm.DB
	anchor    anchor.Service
	completer Completer
	limiter   *rate.Limiter
	log       *zap.Logger
	now       func() time.Time

	concurrency   int
	ratePerSecond float64
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	anchorTimeout time.Duration
	pollInterval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a queue backed by db.
func New(db *gorm.DB, svc anchor.Service, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: db is required")
	}
	if svc == nil {
		return nil, errors.New("queue: anchor service is required")
	}

	q := &Queue{
		db:            db,
		anchor:        svc,
		log:           logger.WithModule("queue"),
		now:           time.Now,
		concurrency:   defaultConcurrency,
		ratePerSecond: defaultRatePerSecond,
		maxAttempts:   defaultMaxAttempts,
		backoffBase:   defaultBackoffBase,
		backoffMax:    defaultBackoffMax,
		anchorTimeout: defaultAnchorTimeout,
		pollInterval:  defaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.limiter = rate.NewLimiter(rate.Limit(q.ratePerSecond), q.concurrency)

	return q, nil
}

// Enqueue registers a write for job.CredentialID. It is idempotent: an
// outstanding or completed job is returned as is, and a failed job is re-armed.
func (q *Queue) Enqueue(ctx context.Context, job Job) (*Handle, error) {
	ctx = ensureContext(ctx)

	job.CredentialID = strings.TrimSpace(job.CredentialID)
	if job.CredentialID == "" {
		return nil, apperrors.ErrValidation.Newf("queue: credential id is required")
	}
	if strings.TrimSpace(job.DataHash) == "" {
		return nil, apperrors.ErrValidation.Newf("queue: data hash is required")
	}

	existing, err := q.findJob(ctx, job.CredentialID)
	switch {
	case err == nil:
		return q.resolveExisting(ctx, existing, job)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	record := &models.AnchorJob{
		JobKey:       job.CredentialID,
		CredentialID: job.CredentialID,
		DataHash:     job.DataHash,
		ContentRef:   job.ContentRef,
		State:        models.JobStateWaiting,
		MaxAttempts:  q.maxAttempts,
		NextRunAt:    q.now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(record).Error; err != nil {
		if database.IsUniqueConstraintError(err) {
			existing, findErr := q.findJob(ctx, job.CredentialID)
			if findErr != nil {
				return nil, fmt.Errorf("queue: enqueue: reload: %w", findErr)
			}
			return q.resolveExisting(ctx, existing, job)
		}
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	metrics.AnchorJobs.WithLabelValues("enqueued").Inc()
	q.log.Debug("anchor job enqueued", zap.String("credential_id", job.CredentialID), zap.String("job_id", record.ID))

	return &Handle{JobID: record.ID, CredentialID: record.CredentialID, State: record.State}, nil
}

func (q *Queue) resolveExisting(ctx context.Context, existing *models.AnchorJob, job Job) (*Handle, error) {
	if existing.State == models.JobStateFailed {
		res := q.db.WithContext(ctx).
			Model(&models.AnchorJob{}).
			Where("id = ? AND state = ?", existing.ID, models.JobStateFailed).
			Updates(map[string]any{
				"state":        models.JobStateWaiting,
				"attempts":     0,
				"max_attempts": q.maxAttempts,
				"data_hash":    job.DataHash,
				"content_ref":  job.ContentRef,
				"next_run_at":  q.now().UTC(),
				"last_error":   "",
				"finished_at":  nil,
				"started_at":   nil,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: re-arm job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			metrics.AnchorJobs.WithLabelValues("rearmed").Inc()
			q.log.Info("anchor job re-armed", zap.String("credential_id", existing.CredentialID))
			return &Handle{JobID: existing.ID, CredentialID: existing.CredentialID, State: models.JobStateWaiting, Existing: true}, nil
		}
		// Another caller re-armed it first.
		reloaded, err := q.findJob(ctx, existing.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("queue: re-arm job: reload: %w", err)
		}
		existing = reloaded
	}

	metrics.AnchorJobs.WithLabelValues("duplicate").Inc()
	return &Handle{JobID: existing.ID, CredentialID: existing.CredentialID, State: existing.State, Existing: true}, nil
}

// GetStatus reports the job state for a credential. Unknown credentials
// report StateNotFound without an error.
func (q *Queue) GetStatus(ctx context.Context, credentialID string) (*Status, error) {
	job, err := q.Job(ctx, credentialID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return &Status{State: StateNotFound}, nil
		}
		return nil, err
	}
	return statusOf(job), nil
}

// Job loads the raw job for a credential.
func (q *Queue) Job(ctx context.Context, credentialID string) (*models.AnchorJob, error) {
	job, err := q.findJob(ensureContext(ctx), strings.TrimSpace(credentialID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	return job, nil
}

func (q *Queue) findJob(ctx context.Context, credentialID string) (*models.AnchorJob, error) {
	var job models.AnchorJob
	if err := q.db.WithContext(ctx).Where("job_key = ?", credentialID).Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func statusOf(job *models.AnchorJob) *Status {
	status := &Status{State: job.State, Attempts: job.Attempts, Error: job.LastError}
	if job.State == models.JobStateCompleted {
		result := job.Result.Data()
		status.Result = &result
	}
	return status
}

func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.backoffMax {
			return q.backoffMax
		}
	}
	if delay > q.backoffMax {
		return q.backoffMax
	}
	return delay
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
