// Package scheduler drives periodic provider sync cycles. At most one cycle
// runs at a time; ticks that arrive while one is running are dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/services"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/metrics"
)

const (
	defaultInterval     = time.Hour
	defaultInitialDelay = 5 * time.Second
)

// ErrSyncInProgress is returned when a cycle is requested while another runs.
var ErrSyncInProgress = apperrors.New("SYNC_IN_PROGRESS", "A sync cycle is already running", http.StatusConflict)

// Syncer runs provider cycles.
type Syncer interface {
	SyncAll(ctx context.Context) ([]services.SyncJobResult, error)
	SyncProvider(ctx context.Context, providerID string) (*services.SyncJobResult, error)
	HasActiveProviders() bool
}

var _ Syncer = (*services.SyncService)(nil)

// Status is the externally visible scheduler state.
type Status struct {
	Running       bool       `json:"running"`
	IntervalHours float64    `json:"interval_hours"`
	IsSyncing     bool       `json:"is_syncing"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
	NextSyncAt    *time.Time `json:"next_sync_at"`
	StartedAt     *time.Time `json:"started_at"`
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between cycles.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithInitialDelay sets how long after Start the first cycle runs. Zero runs
// it immediately.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// WithNow overrides the clock used for status timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs SyncAll on a fixed interval.
type Scheduler struct {
	syncer       Syncer
	interval     time.Duration
	initialDelay time.Duration
	now          func() time.Time
	log          *zap.Logger

	mu         sync.Mutex
	// inFlight is closed when the running cycle ends; nil while idle.
	inFlight   chan struct{}
	cron       *cron.Cron
	timer      *time.Timer
	startedAt  *time.Time
	lastSyncAt *time.Time
}

// New constructs a stopped Scheduler.
func New(syncer Syncer, opts ...Option) (*Scheduler, error) {
	if syncer == nil {
		return nil, errors.New("scheduler: syncer is required")
	}
	s := &Scheduler{
		syncer:       syncer,
		interval:     defaultInterval,
		initialDelay: defaultInitialDelay,
		now:          time.Now,
		log:          logger.WithModule("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins periodic syncing. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		return fmt.Errorf("scheduler: register interval: %w", err)
	}
	c.Start()

	s.cron = c
	s.timer = time.AfterFunc(s.initialDelay, s.tick)
	started := s.now().UTC()
	s.startedAt = &started

	s.log.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("initial_delay", s.initialDelay),
	)
	return nil
}

// Stop halts scheduling. The returned context is done once any running cycle
// has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	c := s.cron
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cron = nil
	s.timer = nil
	s.startedAt = nil
	inFlight := s.inFlight
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if c == nil {
		go func() {
			waitFor(inFlight)
			cancel()
		}()
		return ctx
	}

	cronCtx := c.Stop()
	go func() {
		<-cronCtx.Done()
		waitFor(inFlight)
		cancel()
	}()
	s.log.Info("scheduler stopped")
	return ctx
}

// RunNow runs one cycle over all active providers through the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context) ([]services.SyncJobResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.run(ctx, "manual")
}

// RunProvider runs one provider's cycle through the overlap guard.
func (s *Scheduler) RunProvider(ctx context.Context, providerID string) (*services.SyncJobResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.acquire("manual") {
		return nil, ErrSyncInProgress
	}
	defer s.release()

	result, err := s.syncer.SyncProvider(ctx, providerID)
	if result != nil {
		s.markSynced()
	}
	return result, err
}

// Status reports the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:       s.cron != nil,
		IntervalHours: s.interval.Hours(),
		IsSyncing:     s.inFlight != nil,
		LastSyncAt:    copyTime(s.lastSyncAt),
		StartedAt:     copyTime(s.startedAt),
	}
	if status.Running && s.lastSyncAt != nil {
		next := s.lastSyncAt.Add(s.interval)
		status.NextSyncAt = &next
	}
	return status
}

func (s *Scheduler) tick() {
	if _, err := s.run(context.Background(), "schedule"); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.log.Warn("scheduled sync finished with errors", zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string) ([]services.SyncJobResult, error) {
	if !s.acquire(trigger) {
		return nil, ErrSyncInProgress
	}
	defer s.release()

	if !s.syncer.HasActiveProviders() {
		s.log.Debug("no active providers, skipping sync", zap.String("trigger", trigger))
		return nil, nil
	}

	results, err := s.syncer.SyncAll(ctx)
	s.markSynced()

	created := 0
	for _, r := range results {
		created += r.CredentialsCreated
	}
	s.log.Info("sync cycle finished",
		zap.String("trigger", trigger),
		zap.Int("providers", len(results)),
		zap.Int("created", created),
	)
	return results, err
}

func (s *Scheduler) acquire(trigger string) bool {
	s.mu.Lock()
	if s.inFlight == nil {
		s.inFlight = make(chan struct{})
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	metrics.SchedulerSkippedTicks.Inc()
	s.log.Warn("sync already in progress, skipping", zap.String("trigger", trigger))
	return false
}

func (s *Scheduler) release() {
	s.mu.Lock()
	close(s.inFlight)
	s.inFlight = nil
	s.mu.Unlock()
}

func waitFor(done <-chan struct{}) {
	if done != nil {
		<-done
	}
}

func (s *Scheduler) markSynced() {
	now := s.now().UTC()
	s.mu.Lock()
	s.lastSyncAt = &now
	s.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
