package models

import (
	"time"
)

// QueryGroup is an ordered list of metrics computed by one physical query.
type QueryGroup struct {
	// Key is the grouping key the metrics share; empty for singleton batches.
	Key     string             `json:"key,omitempty"`
	Metrics []MetricDescriptor `json:"metrics"`
	// Columns is the running column total used while packing, overhead included.
	Columns int `json:"columns"`
}

// MetricIDs returns the ids of the group's metrics.
func (g QueryGroup) MetricIDs() []string {
	return MetricIDs(g.Metrics)
}

// QueryStatus is the lifecycle status of a single submitted query.
type QueryStatus string

const (
	QueryStatusQueued    QueryStatus = "queued"
	QueryStatusRunning   QueryStatus = "running"
	QueryStatusSucceeded QueryStatus = "succeeded"
	QueryStatusFailed    QueryStatus = "failed"
	QueryStatusCancelled QueryStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s QueryStatus) Terminal() bool {
	switch s {
	case QueryStatusSucceeded, QueryStatusFailed, QueryStatusCancelled:
		return true
	}
	return false
}

// QueryPointer is the persisted handle for one submitted query.
type QueryPointer struct {
	ID          string      `json:"id"`
	ExternalID  string      `json:"external_id,omitempty"`
	Status      QueryStatus `json:"status"`
	MetricIDs   []string    `json:"metric_ids"`
	Query       string      `json:"query,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at,omitempty"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet holds the rows a succeeded query produced.
type ResultSet struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// NumRows returns the number of rows, zero for a nil set.
func (r *ResultSet) NumRows() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
