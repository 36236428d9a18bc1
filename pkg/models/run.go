package models

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// RunStatus is the aggregate status of one analysis run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial means at least one batch succeeded and at least one did not.
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunRecord is the tracked record of one analysis run. It is mutated only by the runner
// that owns it.
type RunRecord struct {
	ID           string         `json:"id"`
	Key          string         `json:"key"`
	Organization string         `json:"organization"`
	Datasource   string         `json:"datasource"`
	Status       RunStatus      `json:"status"`
	Pointers     []QueryPointer `json:"pointers"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Clone returns a deep copy of the record's pointer slice so readers never share
// memory with the runner.
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	cp.Pointers = make([]QueryPointer, len(r.Pointers))
	for i, p := range r.Pointers {
		p.MetricIDs = append([]string(nil), p.MetricIDs...)
		cp.Pointers[i] = p
	}
	return &cp
}

// BatchOutcome is the terminal outcome of one batch.
type BatchOutcome struct {
	PointerID string      `json:"pointer_id"`
	MetricIDs []string    `json:"metric_ids"`
	Status    QueryStatus `json:"status"`
	Result    *ResultSet  `json:"result,omitempty"`
	Err       error       `json:"-"`
}

// RunResult aggregates the outcomes of every batch in a run.
type RunResult struct {
	RunID    string         `json:"run_id"`
	Status   RunStatus      `json:"status"`
	Outcomes []BatchOutcome `json:"outcomes"`
}

// Succeeded returns the outcomes that produced rows.
func (r *RunResult) Succeeded() []BatchOutcome {
	var out []BatchOutcome
	for _, o := range r.Outcomes {
		if o.Status == QueryStatusSucceeded {
			out = append(out, o)
		}
	}
	return out
}

// Err folds every batch failure into one error, nil when all batches succeeded.
func (r *RunResult) Err() error {
	var errs *multierror.Error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = multierror.Append(errs, o.Err)
		}
	}
	return errs.ErrorOrNil()
}

// AggregateStatus derives the run status from per-batch statuses.
func AggregateStatus(statuses []QueryStatus, cancelled bool) RunStatus {
	if cancelled {
		return RunStatusCancelled
	}
	succeeded := 0
	for _, s := range statuses {
		if s == QueryStatusSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(statuses):
		return RunStatusSucceeded
	case succeeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
