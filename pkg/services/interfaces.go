// Package services contains the analysis workflow: entitlement check, planning, cache
// reuse, SQL generation and run supervision.
package services

import (
	"context"
	"time"

	"github.com/TFMV/exprunner/pkg/execution"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// AnalysisService runs metric analyses.
type AnalysisService interface {
	// Plan returns the batches a request would run, without executing them.
	Plan(ctx context.Context, req *AnalysisRequest) ([]models.QueryGroup, error)
	// Analyze plans the request, reuses cached results where possible and executes the rest.
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
	// Cancel cancels an active run started by this service.
	Cancel(runID string) error
	// Resume re-attaches to an interrupted run persisted in the run repository.
	Resume(ctx context.Context, runID string) (*models.RunResult, error)
}

// Executor is the execution protocol as seen by the services layer.
type Executor interface {
	Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error)
	Poll(ctx context.Context, externalID string) *execution.Handle
	Capabilities() warehouse.Capabilities
}

// Entitlements decides whether an organization may batch metrics.
type Entitlements interface {
	BatchingAllowed(ctx context.Context, organization string) bool
}

// QueryBuilder renders the SQL that computes one batch.
type QueryBuilder interface {
	Build(group models.QueryGroup, cfg models.RequestConfig, now time.Time) (string, error)
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}
