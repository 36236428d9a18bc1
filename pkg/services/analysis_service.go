package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/converter"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/matcher"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/planner"
	"github.com/TFMV/exprunner/pkg/repositories"
	"github.com/TFMV/exprunner/pkg/runner"
)

// AnalysisRequest asks for a set of metrics over one datasource.
type AnalysisRequest struct {
	// Key identifies the analysis (e.g. an experiment snapshot) across runs.
	Key          string
	Organization string
	Datasource   string
	Metrics      []models.MetricDescriptor
	Config       models.RequestConfig
	// PartialDataHandling runs every metric in its own query.
	PartialDataHandling bool
	// MaxCacheAge bounds the age of reusable results; zero uses the service default.
	MaxCacheAge time.Duration
	SkipCache   bool
}

// GroupResult is the outcome of one planned batch.
type GroupResult struct {
	MetricIDs []string
	Status    models.QueryStatus
	Result    *models.ResultSet
	// CacheEntryID is set when the result was reused instead of executed.
	CacheEntryID string
	Score        float64
	Err          error
}

// AnalysisResult aggregates every batch of a request.
type AnalysisResult struct {
	// RunID is empty when every batch was served from cache.
	RunID     string
	Status    models.RunStatus
	Groups    []GroupResult
	CacheHits int
}

// Options tunes an Analyzer.
type Options struct {
	Runner runner.Options
	// MaxColumnsPerQuery overrides the warehouse column budget when positive.
	MaxColumnsPerQuery int
	MaxCacheAge        time.Duration
	// MinCacheScore is the lowest match score reused as is. Zero means full coverage,
	// allowing for the drift of relative ranges resolved a moment apart.
	MinCacheScore float64
	Clock         quartz.Clock
}

const defaultMinCacheScore = 0.999

// Analyzer implements AnalysisService.
type Analyzer struct {
	exec         Executor
	builder      QueryBuilder
	entitlements Entitlements
	runs         repositories.RunRepository
	results      repositories.CacheRepository
	codec        *converter.Codec
	opts         Options
	clock        quartz.Clock
	metrics      metrics.Collector
	logger       Logger
	runLogger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*runner.Runner
}

// NewAnalyzer creates the analysis service. runLogger is handed to every runner.
func NewAnalyzer(
	exec Executor,
	builder QueryBuilder,
	entitlements Entitlements,
	runs repositories.RunRepository,
	results repositories.CacheRepository,
	codec *converter.Codec,
	logger Logger,
	runLogger zerolog.Logger,
	opts Options,
) *Analyzer {
	s := &Analyzer{
		exec:         exec,
		builder:      builder,
		entitlements: entitlements,
		runs:         runs,
		results:      results,
		codec:        codec,
		opts:         opts,
		clock:        opts.Clock,
		metrics:      opts.Runner.Metrics,
		logger:       logger,
		runLogger:    runLogger,
		active:       make(map[string]*runner.Runner),
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoOpCollector()
	}
	if s.opts.MinCacheScore <= 0 {
		s.opts.MinCacheScore = defaultMinCacheScore
	}
	if s.opts.Runner.Clock == nil {
		s.opts.Runner.Clock = s.clock
	}
	return s
}

// Plan implements AnalysisService.
func (s *Analyzer) Plan(ctx context.Context, req *AnalysisRequest) ([]models.QueryGroup, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return s.plan(ctx, req), nil
}

func (s *Analyzer) plan(ctx context.Context, req *AnalysisRequest) []models.QueryGroup {
	caps := s.exec.Capabilities()
	policy := planner.Policy{
		BatchingEnabled:             s.entitlements.BatchingAllowed(ctx, req.Organization),
		PartialDataHandling:         req.PartialDataHandling,
		MaxColumnsPerQuery:          caps.MaxColumnsPerQuery,
		SupportsEfficientPercentile: caps.SupportsEfficientPercentile,
	}
	if s.opts.MaxColumnsPerQuery > 0 {
		policy.MaxColumnsPerQuery = s.opts.MaxColumnsPerQuery
	}

	groups := planner.PlanGroups(req.Metrics, policy)
	s.logger.Debug("Planned analysis",
		"key", req.Key,
		"metrics", len(req.Metrics),
		"batches", len(groups),
		"batching", policy.BatchingEnabled,
		"warehouse", caps.Name)
	s.metrics.RecordHistogram("exprunner_planned_batches", float64(len(groups)), "warehouse", caps.Name)
	return groups
}

// Analyze implements AnalysisService. Batch failures are reported per group; the returned
// error covers invalid requests, SQL generation and run bookkeeping.
func (s *Analyzer) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	timer := s.metrics.StartTimer("exprunner_analysis_seconds")
	defer timer.Stop()

	now := s.clock.Now()
	groups := s.plan(ctx, req)
	result := &AnalysisResult{Groups: make([]GroupResult, len(groups))}

	var pending []int
	for i, g := range groups {
		result.Groups[i] = GroupResult{MetricIDs: g.MetricIDs(), Status: models.QueryStatusQueued}
		if !req.SkipCache && s.reuse(ctx, req, now, &result.Groups[i]) {
			result.CacheHits++
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		queries := make([]runner.PlannedQuery, len(pending))
		for j, i := range pending {
			sql, err := s.builder.Build(groups[i], req.Config, now)
			if err != nil {
				return nil, errors.Wrapf(err, errors.CodeValidationFailed, "failed to build query for %v", groups[i].MetricIDs())
			}
			if err := ValidateReadOnly(sql); err != nil {
				return nil, err
			}
			queries[j] = runner.PlannedQuery{Group: groups[i], SQL: sql}
		}

		run, err := s.execute(ctx, req, queries)
		if err != nil {
			return nil, err
		}
		result.RunID = run.RunID
		for j, outcome := range run.Outcomes {
			g := &result.Groups[pending[j]]
			g.Status = outcome.Status
			g.Result = outcome.Result
			g.Err = outcome.Err
			if outcome.Status == models.QueryStatusSucceeded {
				s.store(ctx, req, g.MetricIDs, outcome.Result)
			}
		}
		if run.Status == models.RunStatusCancelled {
			result.Status = models.RunStatusCancelled
		}
	}

	if result.Status == "" {
		statuses := make([]models.QueryStatus, len(result.Groups))
		for i, g := range result.Groups {
			statuses[i] = g.Status
		}
		result.Status = models.AggregateStatus(statuses, false)
	}

	s.logger.Info("Analysis finished",
		"key", req.Key,
		"run_id", result.RunID,
		"status", result.Status,
		"batches", len(groups),
		"cache_hits", result.CacheHits)
	s.metrics.IncrementCounter("exprunner_analyses_total", "status", string(result.Status))
	return result, nil
}

// execute runs the queries as one tracked run and waits for every batch.
func (s *Analyzer) execute(ctx context.Context, req *AnalysisRequest, queries []runner.PlannedQuery) (*models.RunResult, error) {
	record := &models.RunRecord{
		ID:           uuid.New().String(),
		Key:          req.Key,
		Organization: req.Organization,
		Datasource:   req.Datasource,
		Status:       models.RunStatusQueued,
	}
	r := runner.New(record, s.runs, s.exec, s.runLogger, s.opts.Runner)
	s.register(record.ID, r)
	defer s.unregister(record.ID)

	if err := r.Start(ctx, queries); err != nil {
		return nil, err
	}
	return s.wait(ctx, r)
}

func (s *Analyzer) wait(ctx context.Context, r *runner.Runner) (*models.RunResult, error) {
	res, err := r.WaitForResults(ctx)
	if err != nil {
		r.Cancel()
		<-r.Done()
		return nil, errors.Wrap(err, errors.CodeCanceled, "analysis interrupted")
	}
	return res, nil
}

// reuse fills g from the best cached result. It reports false on any miss; lookup errors
// are logged and treated as misses.
func (s *Analyzer) reuse(ctx context.Context, req *AnalysisRequest, now time.Time, g *GroupResult) bool {
	candidates, err := s.results.GetCandidates(ctx, req.Datasource, g.MetricIDs)
	if err != nil {
		s.logger.Warn("Cache lookup failed", "datasource", req.Datasource, "error", err)
		s.metrics.IncrementCounter("exprunner_cache_lookups_total", "outcome", "error")
		return false
	}

	maxAge := req.MaxCacheAge
	if maxAge <= 0 {
		maxAge = s.opts.MaxCacheAge
	}
	wanted := mapset.NewSet(g.MetricIDs...)
	var usable []models.CacheEntry
	for _, c := range candidates {
		if c.Organization != req.Organization || c.Status != models.CacheEntryReady {
			continue
		}
		if maxAge > 0 && now.Sub(c.CreatedAt) > maxAge {
			continue
		}
		if !mapset.NewSet(c.MetricIDs...).IsSuperset(wanted) {
			continue
		}
		usable = append(usable, c)
	}

	match := matcher.Match(req.Config, now, usable)
	if !match.Found() {
		s.metrics.IncrementCounter("exprunner_cache_lookups_total", "outcome", "miss")
		return false
	}
	if match.Score < s.opts.MinCacheScore {
		s.logger.Debug("Cached result only partially covers request", "entry_id", match.Entry.ID, "score", match.Score)
		s.metrics.IncrementCounter("exprunner_cache_lookups_total", "outcome", "partial")
		return false
	}
	rs, err := s.codec.Decode(match.Entry.Result)
	if err != nil {
		s.logger.Warn("Discarding unreadable cache entry", "entry_id", match.Entry.ID, "error", err)
		s.metrics.IncrementCounter("exprunner_cache_lookups_total", "outcome", "error")
		return false
	}

	g.Status = models.QueryStatusSucceeded
	g.Result = rs
	g.CacheEntryID = match.Entry.ID
	g.Score = match.Score
	s.logger.Debug("Reusing cached result", "entry_id", match.Entry.ID, "score", match.Score, "metrics", g.MetricIDs)
	s.metrics.IncrementCounter("exprunner_cache_lookups_total", "outcome", "hit")
	return true
}

// store saves a succeeded batch for later reuse. Failures only cost future cache hits.
func (s *Analyzer) store(ctx context.Context, req *AnalysisRequest, metricIDs []string, rs *models.ResultSet) {
	fp, err := Fingerprint(req.Datasource, metricIDs, req.Config)
	if err != nil {
		s.logger.Warn("Failed to fingerprint request", "error", err)
		return
	}
	payload, err := s.codec.Encode(rs)
	if err != nil {
		s.logger.Warn("Failed to encode result for caching", "error", err)
		return
	}
	entry := &models.CacheEntry{
		ID:           uuid.New().String(),
		Organization: req.Organization,
		Datasource:   req.Datasource,
		MetricIDs:    append([]string(nil), metricIDs...),
		Config:       req.Config,
		Fingerprint:  fp,
		Result:       payload,
		CreatedAt:    s.clock.Now(),
		Status:       models.CacheEntryReady,
	}
	if err := s.results.Save(ctx, entry); err != nil {
		s.logger.Warn("Failed to save cache entry", "entry_id", entry.ID, "error", err)
		return
	}
	s.logger.Debug("Cached batch result", "entry_id", entry.ID, "bytes", len(payload))
}

// Cancel implements AnalysisService.
func (s *Analyzer) Cancel(runID string) error {
	s.mu.Lock()
	r, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.CodeNotFound, "run %s is not active", runID)
	}
	r.Cancel()
	return nil
}

// Resume implements AnalysisService.
func (s *Analyzer) Resume(ctx context.Context, runID string) (*models.RunResult, error) {
	record, err := s.runs.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, errors.Newf(errors.CodeInvalidRequest, "run %s already finished with status %s", runID, record.Status)
	}

	s.mu.Lock()
	_, running := s.active[runID]
	s.mu.Unlock()
	if running {
		return nil, errors.Newf(errors.CodeConflict, "run %s is already active", runID)
	}

	r := runner.New(record, s.runs, s.exec, s.runLogger, s.opts.Runner)
	s.register(runID, r)
	defer s.unregister(runID)

	s.logger.Info("Resuming run", "run_id", runID, "pointers", len(record.Pointers))
	if err := r.Resume(ctx); err != nil {
		return nil, err
	}
	return s.wait(ctx, r)
}

func (s *Analyzer) register(id string, r *runner.Runner) {
	s.mu.Lock()
	s.active[id] = r
	s.mu.Unlock()
}

func (s *Analyzer) unregister(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Fingerprint hashes the parts of a request that identify a cached result.
func Fingerprint(datasource string, metricIDs []string, cfg models.RequestConfig) (uint64, error) {
	ids := append([]string(nil), metricIDs...)
	sort.Strings(ids)
	config, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}

	h := xxhash.New()
	_, _ = h.WriteString(datasource)
	for _, id := range ids {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(id)
	}
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(config)
	return h.Sum64(), nil
}

func validateRequest(req *AnalysisRequest) error {
	if req == nil {
		return errors.New(errors.CodeInvalidRequest, "request cannot be nil")
	}
	if req.Organization == "" || req.Datasource == "" {
		return errors.New(errors.CodeInvalidRequest, "organization and datasource are required")
	}
	if len(req.Metrics) == 0 {
		return errors.New(errors.CodeInvalidRequest, "at least one metric is required")
	}
	seen := make(map[string]struct{}, len(req.Metrics))
	for _, m := range req.Metrics {
		if m.ID == "" || m.FactTableID == "" {
			return errors.New(errors.CodeInvalidRequest, "every metric needs an id and a fact table")
		}
		if _, dup := seen[m.ID]; dup {
			return errors.Newf(errors.CodeInvalidRequest, "metric %s requested twice", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
