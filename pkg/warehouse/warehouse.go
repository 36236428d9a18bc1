// Package warehouse defines the contract between the engine and an external analytical
// warehouse that executes queries asynchronously.
package warehouse

import (
	"context"

	"github.com/TFMV/exprunner/pkg/models"
)

// State is the remote execution state of a submitted query.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Status is one observation of a remote query.
type Status struct {
	State State
	// Reason explains a failure in the warehouse's own words.
	Reason string
	// Transient marks a failure the warehouse itself reports as retryable. The executor
	// also runs Reason through its transient classifier.
	Transient bool
	// Result is set only when State is StateSucceeded and the warehouse produced a result set.
	Result *models.ResultSet
}

// Tag keys the runner sets on every submission.
const (
	TagRunID     = "run_id"
	TagPointerID = "pointer_id"
)

// QueryOptions carries per-submission settings.
type QueryOptions struct {
	Catalog  string
	Database string
	// Tags label the execution on the warehouse side (e.g. run and pointer ids).
	Tags map[string]string
}

// Capabilities describes the limits of one warehouse integration.
type Capabilities struct {
	Name                        string
	MaxColumnsPerQuery          int
	MaxQueryLength              int
	SupportsEfficientPercentile bool
}

// Client submits, observes and cancels queries. Implementations must be safe for
// concurrent use.
type Client interface {
	Submit(ctx context.Context, query string, opts QueryOptions) (string, error)
	Poll(ctx context.Context, externalID string) (Status, error)
	Cancel(ctx context.Context, externalID string) error
	Capabilities() Capabilities
}
