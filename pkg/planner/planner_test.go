package planner

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/exprunner/pkg/models"
)

func mean(id, table string) models.MetricDescriptor {
	return models.MetricDescriptor{ID: id, Kind: models.MetricKindMean, FactTableID: table}
}

func ratio(id, num, den string) models.MetricDescriptor {
	return models.MetricDescriptor{ID: id, Kind: models.MetricKindRatio, FactTableID: num, DenominatorFactTableID: den}
}

func quantile(id, table string) models.MetricDescriptor {
	return models.MetricDescriptor{ID: id, Kind: models.MetricKindQuantile, FactTableID: table}
}

func TestCost(t *testing.T) {
	tests := []struct {
		name   string
		metric models.MetricDescriptor
		want   int
	}{
		{name: "mean", metric: mean("m", "ft"), want: 9},
		{name: "proportion", metric: models.MetricDescriptor{Kind: models.MetricKindProportion}, want: 9},
		{name: "daily participation", metric: models.MetricDescriptor{Kind: models.MetricKindDailyParticipation}, want: 9},
		{name: "retention", metric: models.MetricDescriptor{Kind: models.MetricKindRetention}, want: 9},
		{name: "ratio", metric: ratio("r", "a", "b"), want: 18},
		{name: "quantile default levels", metric: quantile("q", "ft"), want: 60},
		{name: "quantile custom levels", metric: models.MetricDescriptor{Kind: models.MetricKindQuantile, QuantileLevels: 5}, want: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cost(tt.metric))
		})
	}
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name   string
		metric models.MetricDescriptor
		want   string
	}{
		{name: "single table", metric: mean("m", "orders"), want: "orders"},
		{name: "same table ratio", metric: ratio("r", "orders", "orders"), want: "orders"},
		{name: "ratio without denominator table", metric: ratio("r", "orders", ""), want: "orders"},
		{name: "cross table ratio sorted", metric: ratio("r", "sessions", "orders"), want: "orders|sessions"},
		{name: "cross table ratio already sorted", metric: ratio("r", "orders", "sessions"), want: "orders|sessions"},
		{name: "quantile isolated", metric: quantile("q", "orders"), want: "orders::quantile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupKey(tt.metric))
		})
	}
}

func TestChunkMetrics_ScenarioA(t *testing.T) {
	metrics := []models.MetricDescriptor{mean("m1", "ft"), mean("m2", "ft"), ratio("r1", "ft", "ft")}

	groups := ChunkMetrics(metrics, 120)

	// 103+9=112 fits; 112+9=121 does not, so every metric starts a new batch.
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"m1"}, groups[0].MetricIDs())
	assert.Equal(t, 112, groups[0].Columns)
	assert.Equal(t, []string{"m2"}, groups[1].MetricIDs())
	assert.Equal(t, []string{"r1"}, groups[2].MetricIDs())
	assert.Equal(t, 121, groups[2].Columns)
}

func TestChunkMetrics_GreedyPreservesOrder(t *testing.T) {
	metrics := []models.MetricDescriptor{
		mean("a", "ft"), mean("b", "ft"), ratio("c", "ft", "ft"), mean("d", "ft"),
	}

	// Budget 140: 103+9+9+18 = 139 fits, d (148) starts a new batch.
	groups := ChunkMetrics(metrics, 140)

	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0].MetricIDs())
	assert.Equal(t, 139, groups[0].Columns)
	assert.Equal(t, []string{"d"}, groups[1].MetricIDs())
}

func TestChunkMetrics_MetricCountLimit(t *testing.T) {
	metrics := make([]models.MetricDescriptor, 450)
	for i := range metrics {
		metrics[i] = mean(fmt.Sprintf("m%d", i), "ft")
	}

	groups := ChunkMetrics(metrics, 1_000_000)

	require.Len(t, groups, 3)
	assert.Len(t, groups[0].Metrics, MaxMetricsPerQuery)
	assert.Len(t, groups[1].Metrics, MaxMetricsPerQuery)
	assert.Len(t, groups[2].Metrics, 50)
}

func TestChunkMetrics_Empty(t *testing.T) {
	assert.Empty(t, ChunkMetrics(nil, 120))
	assert.Empty(t, PlanGroups(nil, Policy{BatchingEnabled: true, MaxColumnsPerQuery: 120}))
}

func TestChunkMetrics_OversizedMetricStandsAlone(t *testing.T) {
	metrics := []models.MetricDescriptor{mean("a", "ft"), quantile("q", "ft"), mean("b", "ft")}

	groups := ChunkMetrics(metrics, 150)

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"q"}, groups[1].MetricIDs())
	assert.Equal(t, BaseOverhead+60, groups[1].Columns)
}

func TestPlanGroups_BatchingDisabled(t *testing.T) {
	metrics := []models.MetricDescriptor{mean("a", "ft"), mean("b", "ft")}

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "not entitled", policy: Policy{MaxColumnsPerQuery: 1000}},
		{name: "partial data handling", policy: Policy{BatchingEnabled: true, PartialDataHandling: true, MaxColumnsPerQuery: 1000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := PlanGroups(metrics, tt.policy)
			require.Len(t, groups, 2)
			assert.Equal(t, []string{"a"}, groups[0].MetricIDs())
			assert.Equal(t, []string{"b"}, groups[1].MetricIDs())
		})
	}
}

func TestPlanGroups_Batching(t *testing.T) {
	legacy := mean("legacy", "orders")
	legacy.Legacy = true
	capped := mean("capped", "orders")
	capped.Capping = models.CappingPercentile

	metrics := []models.MetricDescriptor{
		mean("o1", "orders"),
		legacy,
		ratio("x1", "sessions", "orders"),
		mean("s1", "sessions"),
		capped,
		quantile("q1", "orders"),
		mean("o2", "orders"),
		ratio("x2", "orders", "sessions"),
	}

	t.Run("without efficient percentiles", func(t *testing.T) {
		groups := PlanGroups(metrics, Policy{BatchingEnabled: true, MaxColumnsPerQuery: 1000})

		ids := make([][]string, len(groups))
		for i, g := range groups {
			ids[i] = g.MetricIDs()
		}
		assert.Equal(t, [][]string{
			{"legacy"},
			{"o1", "o2"},
			{"x1", "x2"},
			{"s1"},
			{"capped"},
			{"q1"},
		}, ids)
		assert.Equal(t, "orders", groups[1].Key)
		assert.Equal(t, "orders|sessions", groups[2].Key)
	})

	t.Run("with efficient percentiles", func(t *testing.T) {
		groups := PlanGroups(metrics, Policy{
			BatchingEnabled:             true,
			MaxColumnsPerQuery:          1000,
			SupportsEfficientPercentile: true,
		})

		ids := make([][]string, len(groups))
		for i, g := range groups {
			ids[i] = g.MetricIDs()
		}
		assert.Equal(t, [][]string{
			{"legacy"},
			{"o1", "capped", "o2"},
			{"x1", "x2"},
			{"s1"},
			{"q1"},
		}, ids)
		assert.Equal(t, "orders::quantile", groups[4].Key)
	})
}

func randomMetrics(r *rand.Rand, n int) []models.MetricDescriptor {
	tables := []string{"orders", "sessions", "events"}
	kinds := []models.MetricKind{
		models.MetricKindMean, models.MetricKindProportion, models.MetricKindRatio,
		models.MetricKindQuantile, models.MetricKindRetention,
	}
	metrics := make([]models.MetricDescriptor, n)
	for i := range metrics {
		m := models.MetricDescriptor{
			ID:          fmt.Sprintf("m%d", i),
			Kind:        kinds[r.Intn(len(kinds))],
			FactTableID: tables[r.Intn(len(tables))],
		}
		if m.Kind == models.MetricKindRatio {
			m.DenominatorFactTableID = tables[r.Intn(len(tables))]
		}
		if r.Intn(10) == 0 {
			m.Capping = models.CappingPercentile
		}
		if r.Intn(15) == 0 {
			m.Legacy = true
		}
		metrics[i] = m
	}
	return metrics
}

func TestPlanGroups_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		metrics := randomMetrics(r, r.Intn(400))
		policy := Policy{
			BatchingEnabled:             true,
			MaxColumnsPerQuery:          BaseOverhead + r.Intn(2000),
			SupportsEfficientPercentile: r.Intn(2) == 0,
		}

		groups := PlanGroups(metrics, policy)

		// Every metric appears exactly once and costs are conserved.
		seen := make(map[string]int)
		assigned := 0
		for _, g := range groups {
			require.NotEmpty(t, g.Metrics)
			for _, m := range g.Metrics {
				seen[m.ID]++
			}
			assigned += TotalCost(g.Metrics)
			assert.Equal(t, BaseOverhead+TotalCost(g.Metrics), g.Columns)
		}
		require.Len(t, seen, len(metrics))
		for id, n := range seen {
			require.Equal(t, 1, n, "metric %s planned %d times", id, n)
		}
		require.Equal(t, TotalCost(metrics), assigned)

		for _, g := range groups {
			// Budget invariant, with oversized singletons allowed.
			require.LessOrEqual(t, len(g.Metrics), MaxMetricsPerQuery)
			if len(g.Metrics) > 1 {
				require.LessOrEqual(t, g.Columns, policy.MaxColumnsPerQuery)
			}

			// Grouping safety.
			quantiles := 0
			keys := make(map[string]struct{})
			for _, m := range g.Metrics {
				if m.IsQuantile() {
					quantiles++
				}
				if m.IsCrossTableRatio() {
					keys[GroupKey(m)] = struct{}{}
				}
			}
			require.True(t, quantiles == 0 || quantiles == len(g.Metrics), "quantile mixed with other metrics")
			require.LessOrEqual(t, len(keys), 1, "cross-table ratios with different keys share a batch")
			if len(keys) == 1 {
				for _, m := range g.Metrics {
					require.Equal(t, GroupKey(g.Metrics[0]), GroupKey(m))
				}
			}
		}
	}
}
