package execution

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// advancePolls releases n poll timers one by one and moves the mock clock to each of
// them. It returns the delays the executor asked for.
func advancePolls(ctx context.Context, t *testing.T, clock *quartz.Mock, trap *quartz.Trap, n int) []time.Duration {
	t.Helper()
	delays := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		call, err := trap.Wait(ctx)
		require.NoError(t, err)
		delays = append(delays, call.Duration)
		call.MustRelease(ctx)
		clock.Advance(call.Duration).MustWait(ctx)
	}
	return delays
}

func startWithMockClock(t *testing.T, client *scriptedClient) (*Executor, *quartz.Mock, *quartz.Trap) {
	t.Helper()
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("poll")
	t.Cleanup(trap.Close)
	cfg := DefaultConfig()
	exec := NewExecutor(client, cfg, zerolog.Nop(), WithClock(clock))
	return exec, clock, trap
}

func expectedDelays(n int) []time.Duration {
	cfg := DefaultConfig()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = cfg.Delay(i)
	}
	return out
}

func TestExecutor_MockClock_TransientRecoveryAtDefaults(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &scriptedClient{script: []warehouse.Status{
		status(warehouse.StateQueued, ""),
		status(warehouse.StateRunning, ""),
		status(warehouse.StateFailed, "SlowDown: please reduce your request rate"),
		status(warehouse.StateRunning, ""),
		{State: warehouse.StateSucceeded, Result: rows()},
	}}
	exec, clock, trap := startWithMockClock(t, client)
	start := clock.Now()

	h := pollSubmitted(t, exec)
	delays := advancePolls(ctx, t, clock, trap, 5)
	result, err := h.Wait(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, result.NumRows())
	assert.Equal(t, expectedDelays(5), delays)
	assert.Equal(t, 480*time.Millisecond, delays[0])
	assert.InDelta(t, 2.930448, clock.Since(start).Seconds(), 1e-6)
	assert.Zero(t, client.cancelCount())
}

func TestExecutor_MockClock_RecoveryWindowExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &scriptedClient{script: []warehouse.Status{
		status(warehouse.StateRunning, ""),
		status(warehouse.StateFailed, "ThrottlingException: Rate exceeded"),
	}}
	exec, clock, trap := startWithMockClock(t, client)

	h := pollSubmitted(t, exec)
	// The first poll runs; the next 27 stay throttled. Their delays add up to just under
	// a minute after 26 polls and past it after the 27th.
	delays := advancePolls(ctx, t, clock, trap, 28)
	_, err := h.Wait(ctx)

	require.Error(t, err)
	assert.Equal(t, errors.CodeQueryFailed, errors.GetCode(err))
	assert.Contains(t, err.Error(), "ThrottlingException")
	assert.Equal(t, expectedDelays(28), delays)

	var beforeLast time.Duration
	for _, d := range delays[1:27] {
		beforeLast += d
	}
	assert.Less(t, beforeLast, time.Minute)
	assert.Equal(t, beforeLast+delays[27], h.Attempt().TransientElapsed)
	assert.GreaterOrEqual(t, h.Attempt().TransientElapsed, time.Minute)
	assert.Equal(t, 28, client.pollCount())
	assert.Zero(t, client.cancelCount())
}

func TestExecutor_MockClock_ExhaustionAtDefaults(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := &scriptedClient{}
	exec, clock, trap := startWithMockClock(t, client)
	start := clock.Now()

	h := pollSubmitted(t, exec)
	delays := advancePolls(ctx, t, clock, trap, 62)
	_, err := h.Wait(ctx)

	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, models.QueryStatusFailed, h.Status())
	assert.Equal(t, expectedDelays(62), delays)
	assert.Equal(t, 62, client.pollCount())
	assert.Equal(t, []string{"q-1"}, client.cancels)

	elapsed := clock.Since(start)
	assert.Equal(t, DefaultConfig().Budget(), elapsed)
	assert.InDelta(t, (29*time.Minute + 24*time.Second).Seconds(), elapsed.Seconds(), 30)
}

func TestExecutor_LabeledPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := &scriptedClient{script: []warehouse.Status{{State: warehouse.StateSucceeded, Result: rows()}}}
	exec := NewExecutor(client, testConfig(), zerolog.Nop(),
		WithMetrics(metrics.WithLabels(metrics.NewPrometheusCollectorWithRegisterer(reg), "warehouse", "scripted")))

	require.NotPanics(t, func() {
		_, err := exec.Execute(context.Background(), "SELECT 1", warehouse.QueryOptions{}, nil)
		require.NoError(t, err)
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]map[string]string)
	for _, f := range families {
		require.NotEmpty(t, f.GetMetric())
		labels := make(map[string]string)
		for _, lp := range f.GetMetric()[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		byName[f.GetName()] = labels
	}
	assert.Equal(t, map[string]string{"warehouse": "scripted"}, byName["exprunner_queries_submitted_total"])
	assert.Equal(t, map[string]string{"status": "succeeded", "warehouse": "scripted"}, byName["exprunner_query_outcomes_total"])
}

func TestExecutor_StructuredTransientFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryWindow = 5 * time.Millisecond
	client := &scriptedClient{script: []warehouse.Status{
		{State: warehouse.StateFailed, Reason: "Query exhausted resources at this scale factor", Transient: true},
		status(warehouse.StateRunning, ""),
		{State: warehouse.StateSucceeded, Result: rows()},
	}}

	h := pollSubmitted(t, newTestExecutor(client, cfg))
	_, err := h.Wait(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, client.pollCount())
}
