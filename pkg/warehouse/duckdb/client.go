// Package duckdb runs warehouse queries on an embedded DuckDB database. Execution is
// asynchronous: Submit starts the statement on a dedicated pooled connection and returns an id
// that Poll and Cancel address, the same contract a cloud warehouse offers.
package duckdb

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/pool"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// Config configures the embedded warehouse.
type Config struct {
	MaxColumnsPerQuery int `yaml:"max_columns_per_query" json:"max_columns_per_query" mapstructure:"max_columns_per_query"`
	MaxQueryLength     int `yaml:"max_query_length" json:"max_query_length" mapstructure:"max_query_length"`
	// Retention is how long a finished execution stays pollable.
	Retention time.Duration `yaml:"retention" json:"retention" mapstructure:"retention"`
}

// DefaultConfig returns the default embedded warehouse configuration.
func DefaultConfig() Config {
	return Config{
		MaxColumnsPerQuery: 1000,
		Retention:          time.Hour,
	}
}

type execution struct {
	mu     sync.Mutex
	status warehouse.Status
	cancel context.CancelFunc
}

func (e *execution) snapshot() warehouse.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *execution) transition(s warehouse.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A cancelled execution stays cancelled even if the statement finished meanwhile.
	if e.status.State == warehouse.StateCancelled {
		return
	}
	e.status = s
}

// Client implements warehouse.Client on top of a DuckDB connection pool.
type Client struct {
	pool       pool.ConnectionPool
	cfg        Config
	logger     zerolog.Logger
	executions *ttlcache.Cache[string, *execution]

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ warehouse.Client = (*Client)(nil)

// New creates a client. Close releases its background work but not the pool.
func New(p pool.ConnectionPool, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.MaxColumnsPerQuery <= 0 {
		cfg.MaxColumnsPerQuery = DefaultConfig().MaxColumnsPerQuery
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Client{
		pool:   p,
		cfg:    cfg,
		logger: logger.With().Str("component", "duckdb_warehouse").Logger(),
		executions: ttlcache.New(
			ttlcache.WithTTL[string, *execution](cfg.Retention),
			ttlcache.WithDisableTouchOnHit[string, *execution](),
		),
		ctx:  ctx,
		stop: stop,
	}
	go c.executions.Start()
	return c
}

// Capabilities reports the embedded warehouse limits.
func (c *Client) Capabilities() warehouse.Capabilities {
	return warehouse.Capabilities{
		Name:                        "duckdb",
		MaxColumnsPerQuery:          c.cfg.MaxColumnsPerQuery,
		MaxQueryLength:              c.cfg.MaxQueryLength,
		SupportsEfficientPercentile: true,
	}
}

// Submit starts query in the background and returns its execution id.
func (c *Client) Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, errors.CodeCanceled, "submit cancelled")
	}
	if c.ctx.Err() != nil {
		return "", errors.New(errors.CodeConnectionFailed, "warehouse client is closed")
	}

	id := uuid.NewString()
	execCtx, cancel := context.WithCancel(c.ctx)
	exec := &execution{
		status: warehouse.Status{State: warehouse.StateQueued},
		cancel: cancel,
	}
	c.executions.Set(id, exec, ttlcache.NoTTL)

	c.logger.Debug().
		Str("execution_id", id).
		Interface("tags", opts.Tags).
		Msg("Query submitted")

	c.wg.Add(1)
	go c.run(execCtx, id, exec, query)
	return id, nil
}

func (c *Client) run(ctx context.Context, id string, exec *execution, query string) {
	defer c.wg.Done()
	defer exec.cancel()
	// Finished executions age out after the retention period.
	defer c.executions.Set(id, exec, ttlcache.DefaultTTL)

	conn, err := c.pool.Conn(ctx)
	if err != nil {
		exec.transition(c.failure(ctx, err))
		return
	}
	defer conn.Close()

	exec.transition(warehouse.Status{State: warehouse.StateRunning})

	start := time.Now()
	result, err := c.query(ctx, conn, query)
	if err != nil {
		c.logger.Debug().Err(err).Str("execution_id", id).Msg("Query failed")
		exec.transition(c.failure(ctx, err))
		return
	}

	c.logger.Debug().
		Str("execution_id", id).
		Int("rows", result.NumRows()).
		Dur("duration", time.Since(start)).
		Msg("Query succeeded")
	exec.transition(warehouse.Status{State: warehouse.StateSucceeded, Result: result})
}

func (c *Client) failure(ctx context.Context, err error) warehouse.Status {
	if ctx.Err() != nil {
		return warehouse.Status{State: warehouse.StateCancelled, Reason: "query was cancelled"}
	}
	return warehouse.Status{State: warehouse.StateFailed, Reason: err.Error()}
}

func (c *Client) query(ctx context.Context, conn *sql.Conn, query string) (*models.ResultSet, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanResultSet(rows)
}

// Poll returns the current status of an execution.
func (c *Client) Poll(ctx context.Context, externalID string) (warehouse.Status, error) {
	item := c.executions.Get(externalID)
	if item == nil {
		return warehouse.Status{}, errors.Newf(errors.CodeNotFound, "execution %s not found", externalID)
	}
	return item.Value().snapshot(), nil
}

// Cancel interrupts a running execution. Cancelling a finished one is a no-op.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	item := c.executions.Get(externalID)
	if item == nil {
		return errors.Newf(errors.CodeNotFound, "execution %s not found", externalID)
	}
	exec := item.Value()

	exec.mu.Lock()
	if !isTerminal(exec.status.State) {
		exec.status = warehouse.Status{State: warehouse.StateCancelled, Reason: "query was cancelled"}
	}
	exec.mu.Unlock()

	exec.cancel()
	c.logger.Debug().Str("execution_id", externalID).Msg("Query cancelled")
	return nil
}

// Close interrupts outstanding executions and waits for them to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stop()
		c.wg.Wait()
		c.executions.Stop()
	})
	return nil
}

func isTerminal(s warehouse.State) bool {
	switch s {
	case warehouse.StateSucceeded, warehouse.StateFailed, warehouse.StateCancelled:
		return true
	}
	return false
}

// ScanResultSet reads every row of rows into a ResultSet.
func ScanResultSet(rows *sql.Rows) (*models.ResultSet, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	result := &models.ResultSet{
		Columns: make([]models.Column, len(colTypes)),
		Rows:    [][]any{},
	}
	for i, ct := range colTypes {
		result.Columns[i] = models.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	for rows.Next() {
		values := make([]any, len(colTypes))
		dest := make([]any, len(colTypes))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}
