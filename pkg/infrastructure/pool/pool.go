// Package pool provides database connection pooling for the embedded DuckDB warehouse.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
)

// Config represents pool configuration.
type Config struct {
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	// MotherDuckToken is attached to md: and motherduck:// DSNs that carry no token.
	MotherDuckToken    string        `json:"motherduck_token" yaml:"motherduck_token" mapstructure:"motherduck_token"`
	MaxOpenConnections int           `json:"max_open_connections" yaml:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections" yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period" yaml:"health_check_period" mapstructure:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout" yaml:"connection_timeout" mapstructure:"connection_timeout"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker" yaml:"enable_circuit_breaker" mapstructure:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout" mapstructure:"circuit_breaker_timeout"`
}

// ConnectionPool hands out dedicated DuckDB connections.
type ConnectionPool interface {
	// Conn returns a dedicated connection. The caller must Close it.
	Conn(ctx context.Context) (*sql.Conn, error)
	// DB returns the underlying handle for one-shot statements.
	DB() *sql.DB
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck performs a health check on the pool.
	HealthCheck(ctx context.Context) error
	// Close closes the connection pool.
	Close() error
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	HealthCheckStatus   string        `json:"health_check_status"`
	CircuitBreakerState string        `json:"circuit_breaker_state,omitempty"`
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker refuses connections after threshold consecutive failures until timeout passes.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	lastFailureTime atomic.Int64
	threshold       int
	timeout         time.Duration
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	if failures >= int64(cb.threshold) {
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

type connectionPool struct {
	db      *sql.DB
	config  Config
	logger  zerolog.Logger
	metrics metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed          atomic.Bool
	waitCount       atomic.Int64
	waitDuration    atomic.Int64
	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value

	circuitBreaker *CircuitBreaker
}

// Option configures a pool.
type Option func(*connectionPool)

// WithMetrics records acquisition timings and breaker trips.
func WithMetrics(c metrics.Collector) Option {
	return func(p *connectionPool) { p.metrics = c }
}

// New opens the database, verifies it and starts the periodic health check if configured.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (ConnectionPool, error) {
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 8
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}

	dsn := resolveDSN(cfg.DSN, cfg.MotherDuckToken)
	logger.Info().
		Str("dsn", maskDSN(dsn)).
		Bool("motherduck", isMotherDuck(dsn)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Bool("circuit_breaker", cfg.EnableCircuitBreaker).
		Msg("Creating DuckDB connection pool")

	// An empty DSN opens an in-memory database shared by every pooled connection.
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())
	p := &connectionPool{
		db:      db,
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewNoOpCollector(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.EnableCircuitBreaker {
		p.circuitBreaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
	p.healthStatus.Store("unknown")

	connCtx, connCancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer connCancel()
	if err := p.HealthCheck(connCtx); err != nil {
		cancel()
		db.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		p.wg.Add(1)
		go p.healthCheckRoutine()
	}

	return p, nil
}

// Conn returns a dedicated connection.
func (p *connectionPool) Conn(ctx context.Context) (*sql.Conn, error) {
	if p.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeConnectionFailed, "connection pool is closed")
	}
	if p.circuitBreaker != nil && !p.circuitBreaker.CanExecute() {
		return nil, pkgerrors.New(pkgerrors.CodeConnectionFailed, "circuit breaker is open")
	}

	start := time.Now()
	p.waitCount.Add(1)
	conn, err := p.db.Conn(ctx)
	elapsed := time.Since(start)
	p.waitDuration.Add(int64(elapsed))
	p.metrics.RecordHistogram("exprunner_duckdb_conn_acquire_seconds", elapsed.Seconds())

	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to acquire connection")
		if p.circuitBreaker != nil {
			p.circuitBreaker.RecordFailure()
			if p.circuitBreaker.State() == CircuitBreakerOpen {
				p.metrics.IncrementCounter("exprunner_duckdb_breaker_trips_total")
			}
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to acquire connection")
	}
	if p.circuitBreaker != nil {
		p.circuitBreaker.RecordSuccess()
	}
	p.metrics.RecordGauge("exprunner_duckdb_open_connections", float64(p.db.Stats().OpenConnections))
	return conn, nil
}

// DB returns the underlying handle.
func (p *connectionPool) DB() *sql.DB {
	return p.db
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()
	stats := PoolStats{
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		LastHealthCheck:   time.Unix(0, p.lastHealthCheck.Load()),
		HealthCheckStatus: p.healthStatus.Load().(string),
	}
	if p.circuitBreaker != nil {
		stats.CircuitBreakerState = p.circuitBreaker.State().String()
	}
	return stats
}

// HealthCheck pings the database and runs a trivial query.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.CodeConnectionFailed, "connection pool is closed")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check query failed")
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close stops the health check routine and closes the database.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Msg("Closing DuckDB connection pool")
	p.cancel()
	p.wg.Wait()

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

func (p *connectionPool) healthCheckRoutine() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
			if err := p.HealthCheck(checkCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().UnixNano())
	p.healthStatus.Store(status)

	if status == "unhealthy" && detail != "" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
}

// maskDSN hides passwords, tokens and secrets but keeps enough of the string to be
// recognisable in logs. Values it cannot parse as a URL get a middle mask.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(ui.Username(), "*****")
			} else {
				u.User = url.User(ui.Username())
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
