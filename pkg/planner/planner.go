package planner

import (
	"sort"
	"strings"

	"github.com/TFMV/exprunner/pkg/models"
)

const (
	crossTableSeparator = "|"
	quantileSuffix      = "::quantile"
)

// Policy decides how aggressively metrics are batched for one planning pass.
type Policy struct {
	// BatchingEnabled is the result of the caller's entitlement check.
	BatchingEnabled bool
	// PartialDataHandling disables batching so one failing metric cannot take down others.
	PartialDataHandling bool
	// MaxColumnsPerQuery is the warehouse column budget.
	MaxColumnsPerQuery int
	// SupportsEfficientPercentile lets percentile-capped and quantile metrics share queries.
	SupportsEfficientPercentile bool
}

// GroupKey returns the key under which a metric may share a query with others.
func GroupKey(m models.MetricDescriptor) string {
	if m.IsCrossTableRatio() {
		ids := []string{m.FactTableID, m.DenominatorFactTableID}
		sort.Strings(ids)
		return strings.Join(ids, crossTableSeparator)
	}
	if m.IsQuantile() {
		return m.FactTableID + quantileSuffix
	}
	return m.FactTableID
}

// ChunkMetrics packs metrics into batches with a single greedy left-to-right pass.
//
// A batch is closed when adding the next metric would push the running total past
// maxColumns or when it already holds MaxMetricsPerQuery metrics. The pass is not a
// global optimum and keeps input order within each batch.
func ChunkMetrics(metrics []models.MetricDescriptor, maxColumns int) []models.QueryGroup {
	var (
		groups  []models.QueryGroup
		current []models.MetricDescriptor
		total   = BaseOverhead
	)

	for _, m := range metrics {
		cost := Cost(m)
		if len(current) > 0 && (total+cost > maxColumns || len(current) >= MaxMetricsPerQuery) {
			groups = append(groups, models.QueryGroup{Metrics: current, Columns: total})
			current = nil
			total = BaseOverhead
		}
		current = append(current, m)
		total += cost
	}

	if len(current) > 0 {
		groups = append(groups, models.QueryGroup{Metrics: current, Columns: total})
	}
	return groups
}

// PlanGroups turns the requested metrics into query groups under the given policy.
func PlanGroups(metrics []models.MetricDescriptor, policy Policy) []models.QueryGroup {
	if !policy.BatchingEnabled || policy.PartialDataHandling {
		return singletons(metrics)
	}

	var (
		legacy  []models.MetricDescriptor
		skipped []models.MetricDescriptor
		keys    []string
		byKey   = make(map[string][]models.MetricDescriptor)
	)

	for _, m := range metrics {
		if m.Legacy {
			legacy = append(legacy, m)
			continue
		}
		if m.UsesPercentiles() && !policy.SupportsEfficientPercentile {
			skipped = append(skipped, m)
			continue
		}
		key := GroupKey(m)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], m)
	}

	groups := singletons(legacy)
	for _, key := range keys {
		for _, g := range ChunkMetrics(byKey[key], policy.MaxColumnsPerQuery) {
			g.Key = key
			groups = append(groups, g)
		}
	}
	return append(groups, singletons(skipped)...)
}

func singletons(metrics []models.MetricDescriptor) []models.QueryGroup {
	groups := make([]models.QueryGroup, 0, len(metrics))
	for _, m := range metrics {
		groups = append(groups, models.QueryGroup{
			Metrics: []models.MetricDescriptor{m},
			Columns: BaseOverhead + Cost(m),
		})
	}
	return groups
}
