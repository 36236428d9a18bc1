// Package runner drives the batches of one analysis run through the execution protocol and
// persists every pointer transition on the run's tracked record.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/execution"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// Executor submits and supervises single queries.
type Executor interface {
	Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error)
	Poll(ctx context.Context, externalID string) *execution.Handle
}

// PlannedQuery is one batch with the SQL that computes it.
type PlannedQuery struct {
	Group models.QueryGroup
	SQL   string
}

// Options tunes a run.
type Options struct {
	// Concurrency bounds in-flight queries; zero means unbounded.
	Concurrency int
	// SubmitRate limits submissions per second; zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
	// QueryOptions is passed to every submission.
	QueryOptions warehouse.QueryOptions
	Metrics      metrics.Collector
	Clock        quartz.Clock
}

// Runner owns exactly one run. It is the only writer of the run's record.
type Runner struct {
	store   repositories.RunRepository
	exec    Executor
	opts    Options
	limiter *rate.Limiter
	clock   quartz.Clock
	metrics metrics.Collector
	logger  zerolog.Logger

	mu        sync.Mutex
	record    *models.RunRecord
	outcomes  []models.BatchOutcome
	started   bool
	cancelled bool
	result    *models.RunResult

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a runner for record. The record is owned by the runner from now on.
func New(record *models.RunRecord, store repositories.RunRepository, exec Executor, logger zerolog.Logger, opts Options) *Runner {
	r := &Runner{
		store:   store,
		exec:    exec,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		record:  record,
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "runner").Str("run_id", record.ID).Logger(),
	}
	if r.clock == nil {
		r.clock = quartz.NewReal()
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNoOpCollector()
	}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	return r
}

// Start creates one pointer per query, persists the running record and launches the
// batches. It returns without waiting for any warehouse work.
func (r *Runner) Start(ctx context.Context, queries []PlannedQuery) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.Newf(errors.CodeConflict, "run %s already started", r.record.ID)
	}
	r.started = true

	r.record.Status = models.RunStatusRunning
	r.record.StartedAt = r.clock.Now()
	r.record.Pointers = make([]models.QueryPointer, len(queries))
	r.outcomes = make([]models.BatchOutcome, len(queries))
	for i, q := range queries {
		ids := q.Group.MetricIDs()
		r.record.Pointers[i] = models.QueryPointer{
			ID:        uuid.New().String(),
			Status:    models.QueryStatusQueued,
			MetricIDs: ids,
			Query:     q.SQL,
		}
		r.outcomes[i] = models.BatchOutcome{
			PointerID: r.record.Pointers[i].ID,
			MetricIDs: ids,
			Status:    models.QueryStatusQueued,
		}
	}
	if err := r.store.Save(ctx, r.record.Clone()); err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, errors.CodeInternal, "failed to persist run record")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	r.logger.Info().Int("batches", len(queries)).Msg("Run started")
	r.metrics.IncrementCounter("exprunner_runs_started_total")
	r.metrics.RecordHistogram("exprunner_run_batches", float64(len(queries)))

	jobs := make([]func(context.Context), len(queries))
	for i := range queries {
		i := i
		jobs[i] = func(ctx context.Context) { r.runBatch(ctx, i, "") }
	}
	r.launch(runCtx, cancel, jobs)
	return nil
}

// Resume re-attaches to a persisted record whose run was interrupted. Pointers with an
// external id are polled again; queued pointers without one are submitted. Result sets
// are not persisted, so succeeded pointers are fetched again too, or resubmitted when
// their external id was lost.
func (r *Runner) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.Newf(errors.CodeConflict, "run %s already started", r.record.ID)
	}
	r.started = true

	var jobs []func(context.Context)
	r.outcomes = make([]models.BatchOutcome, len(r.record.Pointers))
	for i := range r.record.Pointers {
		p := &r.record.Pointers[i]
		if p.Status == models.QueryStatusSucceeded {
			p.Status = models.QueryStatusRunning
			if p.ExternalID == "" {
				p.Status = models.QueryStatusQueued
			}
		}
		r.outcomes[i] = models.BatchOutcome{PointerID: p.ID, MetricIDs: p.MetricIDs, Status: p.Status}
		if p.Status.Terminal() {
			if p.Error != "" {
				r.outcomes[i].Err = errors.New(errors.CodeQueryFailed, p.Error)
			}
			continue
		}
		i, externalID := i, p.ExternalID
		jobs = append(jobs, func(ctx context.Context) { r.runBatch(ctx, i, externalID) })
	}
	r.record.Status = models.RunStatusRunning
	if err := r.store.Save(ctx, r.record.Clone()); err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, errors.CodeInternal, "failed to persist run record")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	r.logger.Info().Int("pending", len(jobs)).Msg("Run resumed")
	r.launch(runCtx, cancel, jobs)
	return nil
}

// launch runs jobs in the background and finalizes the record when all are done.
func (r *Runner) launch(ctx context.Context, cancel context.CancelFunc, jobs []func(context.Context)) {
	go func() {
		defer cancel()
		var g errgroup.Group
		if r.opts.Concurrency > 0 {
			g.SetLimit(r.opts.Concurrency)
		}
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				job(ctx)
				return nil
			})
		}
		_ = g.Wait()
		r.finalize(ctx)
	}()
}

// runBatch drives one pointer to a terminal status. Failures stay local to the pointer.
func (r *Runner) runBatch(ctx context.Context, i int, externalID string) {
	if externalID == "" {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.complete(ctx, i, models.QueryStatusCancelled, nil, errors.ErrCanceled)
				return
			}
		}
		if ctx.Err() != nil {
			r.complete(ctx, i, models.QueryStatusCancelled, nil, errors.ErrCanceled)
			return
		}

		r.mu.Lock()
		query := r.record.Pointers[i].Query
		opts := r.submitOptions(r.record.Pointers[i].ID)
		r.mu.Unlock()

		id, err := r.exec.Submit(ctx, query, opts)
		if err != nil {
			status := models.QueryStatusFailed
			if ctx.Err() != nil {
				status = models.QueryStatusCancelled
			}
			r.complete(ctx, i, status, nil, err)
			return
		}
		externalID = id

		// The id is persisted before polling starts so the query can be resumed or
		// cancelled externally.
		r.update(ctx, i, func(p *models.QueryPointer) {
			p.ExternalID = externalID
			p.Status = models.QueryStatusRunning
			p.SubmittedAt = r.clock.Now()
		})
	}

	h := r.exec.Poll(ctx, externalID)
	<-h.Done()
	result, err := h.Result()
	r.complete(ctx, i, h.Status(), result, err)
}

// submitOptions labels a submission with the run and pointer ids. Callers hold r.mu.
func (r *Runner) submitOptions(pointerID string) warehouse.QueryOptions {
	opts := r.opts.QueryOptions
	tags := make(map[string]string, len(opts.Tags)+2)
	for k, v := range opts.Tags {
		tags[k] = v
	}
	tags[warehouse.TagRunID] = r.record.ID
	tags[warehouse.TagPointerID] = pointerID
	opts.Tags = tags
	return opts
}

func (r *Runner) complete(ctx context.Context, i int, status models.QueryStatus, result *models.ResultSet, err error) {
	r.update(ctx, i, func(p *models.QueryPointer) {
		p.Status = status
		p.FinishedAt = r.clock.Now()
		if err != nil {
			p.Error = err.Error()
		}
	})

	r.mu.Lock()
	r.outcomes[i].Status = status
	r.outcomes[i].Result = result
	r.outcomes[i].Err = err
	pointerID := r.outcomes[i].PointerID
	r.mu.Unlock()

	r.metrics.IncrementCounter("exprunner_batches_total", "status", string(status))
	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Warn().Err(err)
	}
	ev.Str("pointer_id", pointerID).Str("status", string(status)).Msg("Batch finished")
}

// update applies a pointer transition and persists the record. Terminal pointers never
// change again.
func (r *Runner) update(ctx context.Context, i int, fn func(p *models.QueryPointer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Pointers[i].Status.Terminal() {
		return
	}
	fn(&r.record.Pointers[i])
	r.persistLocked(ctx)
}

func (r *Runner) persistLocked(ctx context.Context) {
	if err := r.store.Save(context.WithoutCancel(ctx), r.record.Clone()); err != nil {
		r.metrics.IncrementCounter("exprunner_run_persist_errors_total")
		r.logger.Error().Err(err).Msg("Failed to persist run record")
	}
}

func (r *Runner) finalize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]models.QueryStatus, len(r.record.Pointers))
	for i, p := range r.record.Pointers {
		statuses[i] = p.Status
	}
	cancelled := r.cancelled || (ctx.Err() != nil && !allSucceeded(statuses))

	outcomes := make([]models.BatchOutcome, len(r.outcomes))
	copy(outcomes, r.outcomes)
	r.result = &models.RunResult{
		RunID:    r.record.ID,
		Status:   models.AggregateStatus(statuses, cancelled),
		Outcomes: outcomes,
	}

	r.record.Status = r.result.Status
	r.record.FinishedAt = r.clock.Now()
	if r.result.Status != models.RunStatusSucceeded {
		r.record.Error = fmt.Sprintf("%d of %d batches did not succeed", len(outcomes)-len(r.result.Succeeded()), len(outcomes))
	}
	r.persistLocked(ctx)

	r.metrics.IncrementCounter("exprunner_runs_finished_total", "status", string(r.result.Status))
	r.logger.Info().
		Str("status", string(r.result.Status)).
		Int("succeeded", len(r.result.Succeeded())).
		Int("batches", len(outcomes)).
		Msg("Run finished")
	close(r.done)
}

func allSucceeded(statuses []models.QueryStatus) bool {
	for _, s := range statuses {
		if s != models.QueryStatusSucceeded {
			return false
		}
	}
	return true
}

// WaitForResults blocks until every pointer is terminal and returns the aggregate. Batch
// failures are reported in the result, never as the returned error.
func (r *Runner) WaitForResults(ctx context.Context) (*models.RunResult, error) {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil, errors.Newf(errors.CodeInvalidRequest, "run %s was not started", r.record.ID)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, nil
}

// Cancel cancels every in-flight batch. Each one issues its remote cancel; terminal
// pointers are unaffected.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()

	r.logger.Info().Msg("Cancelling run")
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the run is finalized.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Record returns a snapshot of the tracked record.
func (r *Runner) Record() *models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}
