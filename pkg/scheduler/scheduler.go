// Package scheduler triggers recurring analyses on cron schedules. A lease per analysis key
// keeps at most one run of an analysis in flight across every scheduler instance.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/repositories"
	"github.com/TFMV/exprunner/pkg/services"
)

// Analyzer runs one analysis request.
type Analyzer interface {
	Analyze(ctx context.Context, req *services.AnalysisRequest) (*services.AnalysisResult, error)
}

// Job is one scheduled analysis.
type Job struct {
	Name     string
	Schedule string
	Request  *services.AnalysisRequest
}

// Config tunes the scheduler.
type Config struct {
	// LeaseTTL is how long a lease survives without renewal.
	LeaseTTL time.Duration
	// Owner identifies this instance in the lease table; empty generates one.
	Owner string
}

// Scheduler manages cron-based analysis runs.
type Scheduler struct {
	cron     *cron.Cron
	analyzer Analyzer
	leases   repositories.LeaseRepository
	cfg      Config
	metrics  metrics.Collector
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records run and skip counters.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithCron replaces the cron runner, e.g. to use seconds-precision specs.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) { s.cron = c }
}

// New creates a scheduler. Call Start to begin triggering jobs.
func New(analyzer Analyzer, leases repositories.LeaseRepository, cfg Config, logger zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(),
		analyzer: analyzer,
		leases:   leases,
		cfg:      cfg,
		metrics:  metrics.NewNoOpCollector(),
		logger:   logger.With().Str("component", "scheduler").Str("owner", cfg.Owner).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job. Adding a name twice replaces the earlier schedule.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Request == nil {
		return errors.New(errors.CodeInvalidRequest, "scheduled job needs a name and a request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.runScheduled(job) })
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidRequest, "invalid cron schedule %q for %s", job.Schedule, job.Name)
	}
	if old, ok := s.entries[job.Name]; ok {
		s.cron.Remove(old)
	}
	s.entries[job.Name] = id
	s.logger.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Scheduled analysis")
	return nil
}

// Remove unregisters the named job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins triggering jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
}

// Stop prevents new triggers, cancels running analyses and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs job now if no other owner holds its lease. A held lease returns
// errors.ErrLeaseHeld. The lease is renewed while the analysis runs and released after.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (*services.AnalysisResult, error) {
	key := LeaseKey(job.Request.Organization, job.Request.Key)
	logger := s.logger.With().Str("job", job.Name).Str("lease", key).Logger()

	acquired, err := s.leases.Acquire(ctx, key, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to acquire lease")
	}
	if !acquired {
		logger.Debug().Msg("Lease held elsewhere, skipping")
		s.metrics.IncrementCounter("exprunner_scheduled_runs_total", "outcome", "skipped")
		return nil, errors.ErrLeaseHeld.WithDetail("job", job.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		s.renew(runCtx, cancel, key, logger)
	}()
	defer func() {
		cancel()
		<-renewed
		if err := s.leases.Release(context.WithoutCancel(ctx), key, s.cfg.Owner); err != nil {
			logger.Warn().Err(err).Msg("Failed to release lease")
		}
	}()

	logger.Info().Msg("Running scheduled analysis")
	result, err := s.analyzer.Analyze(runCtx, job.Request)
	if err != nil {
		s.metrics.IncrementCounter("exprunner_scheduled_runs_total", "outcome", "error")
		return nil, err
	}
	s.metrics.IncrementCounter("exprunner_scheduled_runs_total", "outcome", string(result.Status))
	return result, nil
}

// renew extends the lease every third of its TTL. Losing the lease cancels the run.
func (s *Scheduler) renew(ctx context.Context, cancel context.CancelFunc, key string, logger zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.leases.Acquire(ctx, key, s.cfg.Owner, s.cfg.LeaseTTL)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to renew lease")
				continue
			}
			if !ok {
				logger.Error().Msg("Lease lost, cancelling analysis")
				cancel()
				return
			}
		}
	}
}

// LeaseKey derives the lease key of an analysis.
func LeaseKey(organization, analysisKey string) string {
	h := xxhash.New()
	_, _ = h.WriteString(organization)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(analysisKey)
	return "analysis:" + strconv.FormatUint(h.Sum64(), 16)
}
