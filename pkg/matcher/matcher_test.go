package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/exprunner/pkg/models"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func entry(id string, cfg models.RequestConfig, createdAt time.Time) models.CacheEntry {
	return models.CacheEntry{ID: id, Config: cfg, CreatedAt: createdAt, Status: models.CacheEntryReady}
}

func TestMatch_ScenarioB_DimensionMismatch(t *testing.T) {
	req := models.RequestConfig{Dimension: "country", DateRange: models.RelativeRange{LookbackDays: 7}}
	candidates := []models.CacheEntry{
		entry("device", models.RequestConfig{Dimension: "device", DateRange: models.RelativeRange{LookbackDays: 30}}, now),
	}

	result := Match(req, now, candidates)

	assert.False(t, result.Found())
	assert.Zero(t, result.Score)
}

func TestMatch_ScenarioC_ContainedRelativeRange(t *testing.T) {
	req := models.RequestConfig{DateRange: models.RelativeRange{LookbackDays: 7}}
	candidates := []models.CacheEntry{
		entry("last30", models.RequestConfig{DateRange: models.RelativeRange{LookbackDays: 30}}, now),
	}

	result := Match(req, now, candidates)

	require.True(t, result.Found())
	assert.Equal(t, "last30", result.Entry.ID)
	assert.Equal(t, 1.0, result.Score)
}

func TestMatch_P6_CoverageDecidesAndTiesKeepFirst(t *testing.T) {
	req := models.RequestConfig{
		Dimension: "browser",
		DateRange: models.FixedRange{Start: day(1), End: day(11)},
	}
	half := models.RequestConfig{Dimension: "browser", DateRange: models.FixedRange{Start: day(6), End: day(20)}}
	full := models.RequestConfig{Dimension: "browser", DateRange: models.FixedRange{Start: day(1), End: day(20)}}

	t.Run("higher coverage wins regardless of order", func(t *testing.T) {
		for _, candidates := range [][]models.CacheEntry{
			{entry("half", half, now), entry("full", full, now)},
			{entry("full", full, now), entry("half", half, now)},
		} {
			result := Match(req, now, candidates)
			require.True(t, result.Found())
			assert.Equal(t, "full", result.Entry.ID)
			assert.Equal(t, 1.0, result.Score)
		}
	})

	t.Run("equal scores keep the first candidate", func(t *testing.T) {
		result := Match(req, now, []models.CacheEntry{entry("a", half, now), entry("b", half, now)})
		require.True(t, result.Found())
		assert.Equal(t, "a", result.Entry.ID)
		assert.InDelta(t, 0.5, result.Score, 1e-9)
	})
}

func TestMatch_NoCandidates(t *testing.T) {
	result := Match(models.RequestConfig{}, now, nil)
	assert.False(t, result.Found())
	assert.Zero(t, result.Score)
}

func TestMatch_RelativeCandidateResolvedAtCreation(t *testing.T) {
	// The request wants the last 7 days; the candidate covered 7 days ending 3 days ago.
	req := models.RequestConfig{DateRange: models.RelativeRange{LookbackDays: 7}}
	stale := entry("stale", models.RequestConfig{DateRange: models.RelativeRange{LookbackDays: 7}}, now.AddDate(0, 0, -3))

	result := Match(req, now, []models.CacheEntry{stale})

	require.True(t, result.Found())
	assert.InDelta(t, 4.0/7.0, result.Score, 1e-9)
}

func TestCompatible_Filters(t *testing.T) {
	chrome := models.InlineFilter{Column: "browser", Operator: "=", Values: []string{"chrome"}}
	us := models.InlineFilter{Column: "country", Operator: "=", Values: []string{"US"}}
	mobile := models.SavedFilter{ID: "seg_mobile"}
	paid := models.SavedFilter{ID: "seg_paid"}

	tests := []struct {
		name string
		req  models.RequestConfig
		cand models.RequestConfig
		want bool
	}{
		{
			name: "no dimension accepts any candidate dimension",
			req:  models.RequestConfig{},
			cand: models.RequestConfig{Dimension: "device"},
			want: true,
		},
		{
			name: "same saved filters in different order",
			req:  models.RequestConfig{Filters: []models.Filter{mobile, paid}},
			cand: models.RequestConfig{Filters: []models.Filter{paid, mobile}},
			want: true,
		},
		{
			name: "missing saved filter",
			req:  models.RequestConfig{Filters: []models.Filter{mobile, paid}},
			cand: models.RequestConfig{Filters: []models.Filter{mobile}},
			want: false,
		},
		{
			name: "extra saved filter",
			req:  models.RequestConfig{Filters: []models.Filter{mobile}},
			cand: models.RequestConfig{Filters: []models.Filter{mobile, paid}},
			want: false,
		},
		{
			name: "same inline filters in different order",
			req:  models.RequestConfig{Filters: []models.Filter{chrome, us}},
			cand: models.RequestConfig{Filters: []models.Filter{us, chrome}},
			want: true,
		},
		{
			name: "inline filter differs in values",
			req:  models.RequestConfig{Filters: []models.Filter{us}},
			cand: models.RequestConfig{Filters: []models.Filter{models.InlineFilter{Column: "country", Operator: "=", Values: []string{"CA"}}}},
			want: false,
		},
		{
			name: "extra inline filter",
			req:  models.RequestConfig{Filters: []models.Filter{us}},
			cand: models.RequestConfig{Filters: []models.Filter{us, chrome}},
			want: false,
		},
		{
			name: "inline filters on the dimension column are ignored",
			req:  models.RequestConfig{Dimension: "browser", Filters: []models.Filter{chrome, us, mobile}},
			cand: models.RequestConfig{Dimension: "browser", Filters: []models.Filter{mobile, us}},
			want: true,
		},
		{
			name: "mixed saved and inline must both match",
			req:  models.RequestConfig{Filters: []models.Filter{us, mobile}},
			cand: models.RequestConfig{Filters: []models.Filter{us, paid}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compatible(tt.req, tt.cand))
		})
	}
}

func TestDateCoverage(t *testing.T) {
	tests := []struct {
		name string
		req  models.DateRange
		cand models.DateRange
		want float64
	}{
		{name: "no requested range", req: nil, cand: nil, want: 1},
		{name: "candidate without range", req: models.FixedRange{Start: day(1), End: day(5)}, cand: nil, want: 0},
		{name: "identical", req: models.FixedRange{Start: day(1), End: day(5)}, cand: models.FixedRange{Start: day(1), End: day(5)}, want: 1},
		{name: "disjoint", req: models.FixedRange{Start: day(1), End: day(5)}, cand: models.FixedRange{Start: day(6), End: day(9)}, want: 0},
		{name: "touching", req: models.FixedRange{Start: day(1), End: day(5)}, cand: models.FixedRange{Start: day(5), End: day(9)}, want: 0},
		{name: "quarter overlap", req: models.FixedRange{Start: day(1), End: day(5)}, cand: models.FixedRange{Start: day(4), End: day(9)}, want: 0.25},
		{name: "candidate inside request", req: models.FixedRange{Start: day(1), End: day(11)}, cand: models.FixedRange{Start: day(3), End: day(5)}, want: 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DateCoverage(tt.req, now, tt.cand, now), 1e-9)
		})
	}
}

func TestGranularityAdequacy(t *testing.T) {
	tests := []struct {
		req, cand models.Granularity
		want      float64
	}{
		{models.GranularityHour, models.GranularityHour, 1},
		{models.GranularityDay, models.GranularityHour, 1},
		{models.GranularityHour, models.Granularity6Hours, 0.5},
		{models.GranularityHour, models.GranularityDay, 0.25},
		{models.Granularity6Hours, models.GranularityDay, 0.5},
		{models.GranularityNone, models.GranularityDay, 1},
		{models.GranularityHour, models.GranularityNone, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.req)+"/"+string(tt.cand), func(t *testing.T) {
			assert.Equal(t, tt.want, GranularityAdequacy(tt.req, tt.cand))
		})
	}
}

func TestMatch_ScoreIsMinimumOfComponents(t *testing.T) {
	req := models.RequestConfig{
		DateRange:   models.FixedRange{Start: day(1), End: day(5)},
		Granularity: models.GranularityHour,
	}
	cand := models.RequestConfig{
		DateRange:   models.FixedRange{Start: day(1), End: day(5)},
		Granularity: models.GranularityDay,
	}

	result := Match(req, now, []models.CacheEntry{entry("daily", cand, now)})

	require.True(t, result.Found())
	assert.Equal(t, 0.25, result.Score)
}
