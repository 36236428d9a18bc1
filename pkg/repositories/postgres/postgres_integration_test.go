//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
)

// setupTestDatabase connects to EXPRUNNER_TEST_POSTGRES_URL and applies migrations.
func setupTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("EXPRUNNER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("EXPRUNNER_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, zerolog.Nop()))
	version, dirty, err := Version(ctx, pool)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)
	return pool
}

func TestRunRepository_Integration(t *testing.T) {
	pool := setupTestDatabase(t)
	repo := NewRunRepository(pool, zerolog.Nop())
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Microsecond)
	record := &models.RunRecord{
		ID:           uuid.NewString(),
		Key:          "exp-1",
		Organization: "org-1",
		Datasource:   "ds-1",
		Status:       models.RunStatusRunning,
		StartedAt:    started,
		Pointers: []models.QueryPointer{
			{ID: "p-1", Status: models.QueryStatusRunning, ExternalID: "q-1", MetricIDs: []string{"m1", "m2"}},
		},
	}
	require.NoError(t, repo.Save(ctx, record))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	var found bool
	for _, r := range active {
		found = found || r.ID == record.ID
	}
	assert.True(t, found)

	record.Status = models.RunStatusSucceeded
	record.Pointers[0].Status = models.QueryStatusSucceeded
	record.FinishedAt = started.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, record))

	loaded, err := repo.Load(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, loaded.Status)
	assert.Equal(t, record.Pointers, loaded.Pointers)
	assert.Equal(t, started, loaded.StartedAt)

	_, err = repo.Load(ctx, uuid.NewString())
	assert.True(t, errors.IsNotFound(err))
}

func TestCacheRepository_Integration(t *testing.T) {
	pool := setupTestDatabase(t)
	repo := NewCacheRepository(pool, zerolog.Nop())
	ctx := context.Background()

	datasource := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Microsecond)
	entries := []*models.CacheEntry{
		{ID: uuid.NewString(), Datasource: datasource, MetricIDs: []string{"m1"}, Status: models.CacheEntryReady, CreatedAt: base.Add(-time.Hour),
			Config: models.RequestConfig{Dimension: "country", DateRange: models.RelativeRange{LookbackDays: 7}}},
		{ID: uuid.NewString(), Datasource: datasource, MetricIDs: []string{"m1", "m2"}, Status: models.CacheEntryReady, CreatedAt: base, Result: []byte{1, 2}},
		{ID: uuid.NewString(), Datasource: datasource, MetricIDs: []string{"m3"}, Status: models.CacheEntryReady, CreatedAt: base},
		{ID: uuid.NewString(), Datasource: datasource, MetricIDs: []string{"m1"}, Status: models.CacheEntryError, CreatedAt: base},
	}
	for _, e := range entries {
		require.NoError(t, repo.Save(ctx, e))
	}

	err := repo.Save(ctx, entries[0])
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))

	got, err := repo.GetCandidates(ctx, datasource, []string{"m1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entries[1].ID, got[0].ID)
	assert.Equal(t, []byte{1, 2}, got[0].Result)
	assert.Equal(t, entries[0].ID, got[1].ID)
	assert.Equal(t, models.RelativeRange{LookbackDays: 7}, got[1].Config.DateRange)
}

func TestLeaseRepository_Integration(t *testing.T) {
	pool := setupTestDatabase(t)
	repo := NewLeaseRepository(pool, zerolog.Nop())
	ctx := context.Background()
	key := uuid.NewString()

	ok, err := repo.Acquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Acquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Acquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.Release(ctx, key, "b"))
	require.NoError(t, repo.Release(ctx, key, "a"))

	ok, err = repo.Acquire(ctx, key, "b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = repo.Acquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
