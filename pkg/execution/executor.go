package execution

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// Executor runs queries against one warehouse client.
type Executor struct {
	client     warehouse.Client
	cfg        Config
	clock      quartz.Clock
	classifier TransientClassifier
	metrics    metrics.Collector
	logger     zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c quartz.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c TransientClassifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithMetrics records submission and outcome metrics. Use metrics.WithLabels to tell
// warehouses apart.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor. cfg must already be validated.
func NewExecutor(client warehouse.Client, cfg Config, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		client:     client,
		cfg:        cfg,
		clock:      quartz.NewReal(),
		classifier: DefaultClassifier,
		metrics:    metrics.NewNoOpCollector(),
		logger:     logger.With().Str("component", "executor").Str("warehouse", client.Capabilities().Name).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capabilities returns the limits of the underlying warehouse.
func (e *Executor) Capabilities() warehouse.Capabilities {
	return e.client.Capabilities()
}

// MaxQueryLength returns the effective query length limit, zero when unlimited.
func (e *Executor) MaxQueryLength() int {
	if e.cfg.MaxQueryLength > 0 {
		return e.cfg.MaxQueryLength
	}
	return e.client.Capabilities().MaxQueryLength
}

// Submit validates and submits a query and returns its external id. Nothing is polled yet,
// so callers can persist the id before supervision starts.
func (e *Executor) Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error) {
	if limit := e.MaxQueryLength(); limit > 0 && len(query) > limit {
		return "", errors.ErrQueryTooLong.
			WithDetail("length", len(query)).
			WithDetail("limit", limit)
	}

	externalID, err := e.client.Submit(ctx, query, opts)
	if err != nil {
		e.metrics.IncrementCounter("exprunner_query_submit_errors_total")
		return "", wrapWarehouseError(err, "submit")
	}

	e.metrics.IncrementCounter("exprunner_queries_submitted_total")
	e.logger.Debug().
		Str("external_id", externalID).
		Int("length", len(query)).
		Msg("Query submitted")
	return externalID, nil
}

// Poll starts supervising a submitted query and returns immediately. Cancelling ctx or
// the handle cancels the remote query.
func (e *Executor) Poll(ctx context.Context, externalID string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		externalID: externalID,
		status:     models.QueryStatusQueued,
		cancel:     cancel,
		done:       make(chan struct{}),
		started:    e.clock.Now(),
	}
	go e.supervise(ctx, h)
	return h
}

// Resume continues supervising a query whose external id survived a restart.
func (e *Executor) Resume(ctx context.Context, externalID string) *Handle {
	e.logger.Info().Str("external_id", externalID).Msg("Resuming query supervision")
	return e.Poll(ctx, externalID)
}

// Execute submits a query, reports its id to onSubmitted and waits for the outcome.
func (e *Executor) Execute(ctx context.Context, query string, opts warehouse.QueryOptions, onSubmitted func(externalID string)) (*models.ResultSet, error) {
	externalID, err := e.Submit(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if onSubmitted != nil {
		onSubmitted(externalID)
	}
	h := e.Poll(ctx, externalID)
	<-h.Done()
	return h.Result()
}

func (e *Executor) supervise(ctx context.Context, h *Handle) {
	defer h.cancel()
	logger := e.logger.With().Str("external_id", h.externalID).Logger()

	var attempt Attempt
	for ; attempt.Iteration < e.cfg.MaxIterations; attempt.Iteration++ {
		delay := e.cfg.Delay(attempt.Iteration)
		if err := e.sleep(ctx, delay); err != nil {
			e.abort(ctx, h, &attempt, logger)
			return
		}
		attempt.Elapsed += delay

		status, err := e.client.Poll(ctx, h.externalID)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(ctx, h, &attempt, logger)
				return
			}
			if !errors.IsTransient(err) && !e.classifier(err.Error()) {
				e.finish(h, &attempt, models.QueryStatusFailed, nil, wrapWarehouseError(err, "poll"))
				return
			}
			status = warehouse.Status{State: warehouse.StateFailed, Reason: err.Error(), Transient: true}
		}

		switch status.State {
		case warehouse.StateQueued:
			attempt.TransientElapsed = 0
			h.observe(models.QueryStatusQueued, attempt)
		case warehouse.StateRunning:
			attempt.TransientElapsed = 0
			h.observe(models.QueryStatusRunning, attempt)
		case warehouse.StateSucceeded:
			if status.Result == nil {
				e.finish(h, &attempt, models.QueryStatusFailed, nil, errors.ErrNoResults.WithDetail("external_id", h.externalID))
				return
			}
			e.finish(h, &attempt, models.QueryStatusSucceeded, status.Result, nil)
			return
		case warehouse.StateCancelled:
			e.finish(h, &attempt, models.QueryStatusCancelled, nil,
				errors.ErrCanceled.WithDetail("external_id", h.externalID).WithDetail("reason", status.Reason))
			return
		case warehouse.StateFailed:
			if status.Transient || e.classifier(status.Reason) {
				attempt.TransientElapsed += delay
				if attempt.TransientElapsed < e.cfg.RecoveryWindow {
					e.metrics.IncrementCounter("exprunner_query_transient_failures_total")
					logger.Warn().
						Str("reason", status.Reason).
						Dur("transient_elapsed", attempt.TransientElapsed).
						Msg("Transient warehouse failure, waiting for recovery")
					h.observe(models.QueryStatusRunning, attempt)
					continue
				}
			}
			e.finish(h, &attempt, models.QueryStatusFailed, nil,
				errors.Newf(errors.CodeQueryFailed, "query failed: %s", status.Reason).WithDetail("external_id", h.externalID))
			return
		default:
			logger.Warn().Str("state", string(status.State)).Msg("Unknown warehouse state")
		}
	}

	logger.Warn().
		Int("iterations", attempt.Iteration).
		Dur("elapsed", attempt.Elapsed).
		Msg("Polling budget exhausted, cancelling query")
	e.cancelRemote(ctx, h.externalID, logger)
	e.finish(h, &attempt, models.QueryStatusFailed, nil,
		errors.ErrTimeout.WithDetail("external_id", h.externalID).WithDetail("iterations", attempt.Iteration))
}

// abort handles caller cancellation.
func (e *Executor) abort(ctx context.Context, h *Handle, attempt *Attempt, logger zerolog.Logger) {
	logger.Info().Msg("Query cancelled by caller")
	e.cancelRemote(ctx, h.externalID, logger)
	e.finish(h, attempt, models.QueryStatusCancelled, nil, errors.ErrCanceled.WithDetail("external_id", h.externalID))
}

// cancelRemote issues the single remote cancel. It must not depend on the caller's
// context, which is usually already done.
func (e *Executor) cancelRemote(ctx context.Context, externalID string, logger zerolog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	if err := e.client.Cancel(cctx, externalID); err != nil {
		logger.Error().Err(err).Msg("Failed to cancel remote query")
	}
}

func (e *Executor) finish(h *Handle, attempt *Attempt, status models.QueryStatus, result *models.ResultSet, err error) {
	e.metrics.IncrementCounter("exprunner_query_outcomes_total", "status", string(status))
	e.metrics.RecordHistogram("exprunner_query_duration_seconds", e.clock.Since(h.started).Seconds(), "status", string(status))
	h.complete(status, *attempt, result, err)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	t := e.clock.NewTimer(d, "poll")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Attempt is the polling state of one supervised query.
type Attempt struct {
	Iteration        int
	Elapsed          time.Duration
	TransientElapsed time.Duration
}

// Handle observes one supervised query.
type Handle struct {
	externalID string
	cancel     context.CancelFunc
	done       chan struct{}
	started    time.Time

	mu      sync.Mutex
	status  models.QueryStatus
	attempt Attempt
	result  *models.ResultSet
	err     error
}

// ExternalID returns the warehouse id of the query.
func (h *Handle) ExternalID() string { return h.externalID }

// Done is closed once the query reached a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation; the remote query is cancelled exactly once.
func (h *Handle) Cancel() { h.cancel() }

// Status returns the last observed status.
func (h *Handle) Status() models.QueryStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Attempt returns a snapshot of the polling state.
func (h *Handle) Attempt() Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt
}

// Wait blocks until the query finishes or ctx is done. A done ctx does not cancel the
// query; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (*models.ResultSet, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.Result()
}

// Result returns the outcome; it is only meaningful after Done is closed.
func (h *Handle) Result() (*models.ResultSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) observe(status models.QueryStatus, attempt Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Terminal() {
		h.status = status
	}
	h.attempt = attempt
}

func (h *Handle) complete(status models.QueryStatus, attempt Attempt, result *models.ResultSet, err error) {
	h.mu.Lock()
	h.status = status
	h.attempt = attempt
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
