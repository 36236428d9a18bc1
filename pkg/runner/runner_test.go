package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/execution"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
	"github.com/TFMV/exprunner/pkg/repositories/memory"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWarehouse answers polls by query text; unknown queries run forever.
type fakeWarehouse struct {
	mu       sync.Mutex
	next     int
	byID     map[string]string
	outcomes map[string]warehouse.Status
	submits  []string
	cancels  []string
}

func newFakeWarehouse(outcomes map[string]warehouse.Status) *fakeWarehouse {
	return &fakeWarehouse{byID: make(map[string]string), outcomes: outcomes}
}

func (w *fakeWarehouse) Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	id := fmt.Sprintf("ext-%d", w.next)
	w.byID[id] = query
	w.submits = append(w.submits, query)
	return id, nil
}

func (w *fakeWarehouse) Poll(ctx context.Context, externalID string) (warehouse.Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.outcomes[w.byID[externalID]]; ok {
		return st, nil
	}
	return warehouse.Status{State: warehouse.StateRunning}, nil
}

func (w *fakeWarehouse) Cancel(ctx context.Context, externalID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels = append(w.cancels, externalID)
	return nil
}

func (w *fakeWarehouse) Capabilities() warehouse.Capabilities {
	return warehouse.Capabilities{Name: "fake", MaxQueryLength: 64}
}

func (w *fakeWarehouse) counts() (submits, cancels int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.submits), len(w.cancels)
}

// recordingStore keeps every saved snapshot.
type recordingStore struct {
	repositories.RunRepository
	mu    sync.Mutex
	saves []*models.RunRecord
}

func (s *recordingStore) Save(ctx context.Context, record *models.RunRecord) error {
	s.mu.Lock()
	s.saves = append(s.saves, record.Clone())
	s.mu.Unlock()
	return s.RunRepository.Save(ctx, record)
}

func (s *recordingStore) snapshots() []*models.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.RunRecord(nil), s.saves...)
}

func succeeded() warehouse.Status {
	return warehouse.Status{
		State:  warehouse.StateSucceeded,
		Result: &models.ResultSet{Columns: []models.Column{{Name: "n", Type: "BIGINT"}}, Rows: [][]any{{int64(1)}}},
	}
}

func newExecutor(client warehouse.Client) *execution.Executor {
	return execution.NewExecutor(client, execution.Config{
		BaseDelay:      time.Millisecond,
		Growth:         1,
		MaxIterations:  100000,
		RecoveryWindow: time.Second,
		CancelTimeout:  time.Second,
	}, zerolog.Nop())
}

func query(sql string, metricIDs ...string) PlannedQuery {
	var metrics []models.MetricDescriptor
	for _, id := range metricIDs {
		metrics = append(metrics, models.MetricDescriptor{ID: id, Kind: models.MetricKindMean, FactTableID: "ft"})
	}
	return PlannedQuery{Group: models.QueryGroup{Metrics: metrics}, SQL: sql}
}

func newRunner(client warehouse.Client, opts Options) (*Runner, *recordingStore) {
	store := &recordingStore{RunRepository: memory.NewRunRepository(zerolog.Nop())}
	record := &models.RunRecord{ID: "run-1", Key: "ds1/exp1", Status: models.RunStatusQueued}
	return New(record, store, newExecutor(client), zerolog.Nop(), opts), store
}

func wait(t *testing.T, r *Runner) *models.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.WaitForResults(ctx)
	require.NoError(t, err)
	return result
}

func TestRunner_AllSucceeded(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{"q1": succeeded(), "q2": succeeded()})
	r, store := newRunner(client, Options{})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("q1", "m1", "m2"), query("q2", "m3")}))
	result := wait(t, r)

	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.NoError(t, result.Err())
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, []string{"m1", "m2"}, result.Outcomes[0].MetricIDs)
	assert.Equal(t, 1, result.Outcomes[0].Result.NumRows())

	persisted, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, persisted.Status)
	assert.False(t, persisted.FinishedAt.IsZero())
	for _, p := range persisted.Pointers {
		assert.Equal(t, models.QueryStatusSucceeded, p.Status)
		assert.NotEmpty(t, p.ExternalID)
	}
}

func TestRunner_PartialFailure(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{
		"ok1": succeeded(),
		"bad": {State: warehouse.StateFailed, Reason: "SYNTAX_ERROR: unknown column"},
		"ok2": succeeded(),
	})
	r, store := newRunner(client, Options{Concurrency: 2})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("ok1", "a"), query("bad", "b"), query("ok2", "c")}))
	result := wait(t, r)

	assert.Equal(t, models.RunStatusPartial, result.Status)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, models.QueryStatusSucceeded, result.Outcomes[0].Status)
	assert.Equal(t, models.QueryStatusFailed, result.Outcomes[1].Status)
	assert.Equal(t, models.QueryStatusSucceeded, result.Outcomes[2].Status)
	assert.NotNil(t, result.Outcomes[0].Result, "sibling results survive a failed batch")
	assert.Len(t, result.Succeeded(), 2)

	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "SYNTAX_ERROR")

	persisted, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, persisted.Status)
	assert.Contains(t, persisted.Pointers[1].Error, "SYNTAX_ERROR")
	assert.NotEmpty(t, persisted.Error)

	_, cancels := client.counts()
	assert.Zero(t, cancels, "a failed batch does not cancel its siblings")
}

func TestRunner_AllFailed(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{
		"bad": {State: warehouse.StateFailed, Reason: "boom"},
	})
	r, _ := newRunner(client, Options{})

	// The second query is rejected before submission.
	tooLong := fmt.Sprintf("%0100d", 0)
	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("bad", "a"), query(tooLong, "b")}))
	result := wait(t, r)

	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.True(t, errors.IsValidation(result.Outcomes[1].Err))
	submits, _ := client.counts()
	assert.Equal(t, 1, submits)
}

func TestRunner_PersistsEveryTransition(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{"q1": succeeded()})
	r, store := newRunner(client, Options{})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("q1", "m1")}))
	wait(t, r)

	snapshots := store.snapshots()
	var seen []models.QueryStatus
	for _, s := range snapshots {
		require.Len(t, s.Pointers, 1)
		p := s.Pointers[0]
		if len(seen) == 0 || seen[len(seen)-1] != p.Status {
			seen = append(seen, p.Status)
		}
		if p.Status == models.QueryStatusRunning {
			assert.NotEmpty(t, p.ExternalID, "external id is persisted with the running transition")
		}
	}
	assert.Equal(t, []models.QueryStatus{
		models.QueryStatusQueued,
		models.QueryStatusRunning,
		models.QueryStatusSucceeded,
	}, seen)

	assert.Equal(t, models.RunStatusRunning, snapshots[0].Status)
	assert.Equal(t, models.RunStatusSucceeded, snapshots[len(snapshots)-1].Status)
}

func TestRunner_CancelPropagates(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{"done": succeeded()})
	r, store := newRunner(client, Options{})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{
		query("done", "a"), query("slow1", "b"), query("slow2", "c"),
	}))

	require.Eventually(t, func() bool {
		rec := r.Record()
		return rec.Pointers[0].Status == models.QueryStatusSucceeded &&
			rec.Pointers[1].Status == models.QueryStatusRunning &&
			rec.Pointers[2].Status == models.QueryStatusRunning
	}, 2*time.Second, time.Millisecond)

	r.Cancel()
	result := wait(t, r)

	assert.Equal(t, models.RunStatusCancelled, result.Status)
	assert.Equal(t, models.QueryStatusSucceeded, result.Outcomes[0].Status, "terminal pointers are unaffected")
	assert.Equal(t, models.QueryStatusCancelled, result.Outcomes[1].Status)
	assert.Equal(t, models.QueryStatusCancelled, result.Outcomes[2].Status)
	assert.True(t, errors.IsCanceled(result.Outcomes[1].Err))

	_, cancels := client.counts()
	assert.Equal(t, 2, cancels, "one remote cancel per in-flight query")

	persisted, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, persisted.Status)

	// Cancelling a finished run is a no-op.
	r.Cancel()
}

func TestRunner_StartTwice(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{"q1": succeeded()})
	r, _ := newRunner(client, Options{})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("q1", "m1")}))
	err := r.Start(context.Background(), []PlannedQuery{query("q1", "m1")})
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))
	wait(t, r)
}

func TestRunner_WaitBeforeStart(t *testing.T) {
	r, _ := newRunner(newFakeWarehouse(nil), Options{})
	_, err := r.WaitForResults(context.Background())
	assert.Error(t, err)
}

func TestRunner_NoQueries(t *testing.T) {
	r, _ := newRunner(newFakeWarehouse(nil), Options{})
	require.NoError(t, r.Start(context.Background(), nil))
	result := wait(t, r)
	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Empty(t, result.Outcomes)
}

func TestRunner_SubmitRateLimit(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{"q1": succeeded(), "q2": succeeded(), "q3": succeeded()})
	r, _ := newRunner(client, Options{SubmitRate: 1000, SubmitBurst: 1})

	require.NoError(t, r.Start(context.Background(), []PlannedQuery{query("q1", "a"), query("q2", "b"), query("q3", "c")}))
	result := wait(t, r)

	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	submits, _ := client.counts()
	assert.Equal(t, 3, submits)
}

func TestRunner_Resume(t *testing.T) {
	client := newFakeWarehouse(map[string]warehouse.Status{
		"resumed":  succeeded(),
		"pending":  succeeded(),
		"finished": succeeded(),
		"lost":     succeeded(),
	})
	client.byID["ext-old"] = "resumed"
	client.byID["ext-done"] = "finished"

	store := &recordingStore{RunRepository: memory.NewRunRepository(zerolog.Nop())}
	record := &models.RunRecord{
		ID:     "run-1",
		Status: models.RunStatusRunning,
		Pointers: []models.QueryPointer{
			{ID: "p1", ExternalID: "ext-old", Status: models.QueryStatusRunning, MetricIDs: []string{"a"}, Query: "resumed"},
			{ID: "p2", Status: models.QueryStatusQueued, MetricIDs: []string{"b"}, Query: "pending"},
			{ID: "p3", ExternalID: "ext-done", Status: models.QueryStatusSucceeded, MetricIDs: []string{"c"}, Query: "finished"},
			{ID: "p4", Status: models.QueryStatusSucceeded, MetricIDs: []string{"d"}, Query: "lost"},
			{ID: "p5", Status: models.QueryStatusFailed, MetricIDs: []string{"e"}, Query: "broken", Error: "syntax error"},
		},
	}
	r := New(record, store, newExecutor(client), zerolog.Nop(), Options{})

	require.NoError(t, r.Resume(context.Background()))
	result := wait(t, r)

	assert.Equal(t, models.RunStatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"pending", "lost"}, client.submits, "running and succeeded pointers with an id are polled, not resubmitted")
	require.Len(t, result.Outcomes, 5)
	for _, o := range result.Outcomes[:4] {
		assert.Equal(t, models.QueryStatusSucceeded, o.Status, o.PointerID)
		require.NotNil(t, o.Result, o.PointerID)
		assert.Equal(t, 1, o.Result.NumRows())
	}
	assert.Equal(t, models.QueryStatusFailed, result.Outcomes[4].Status)
	assert.Nil(t, result.Outcomes[4].Result)
	require.Error(t, result.Outcomes[4].Err)
	assert.Contains(t, result.Outcomes[4].Err.Error(), "syntax error")

	final := r.Record()
	assert.Equal(t, "ext-done", final.Pointers[2].ExternalID)
	assert.NotEmpty(t, final.Pointers[3].ExternalID)
	assert.Equal(t, models.QueryStatusSucceeded, final.Pointers[3].Status)
}
