// Package models provides the data structures shared by the planner, the execution protocol,
// the cache matcher and the runner.
package models

// MetricKind is the aggregation a metric performs.
type MetricKind string

const (
	MetricKindMean               MetricKind = "mean"
	MetricKindProportion         MetricKind = "proportion"
	MetricKindBinomial           MetricKind = "binomial"
	MetricKindCount              MetricKind = "count"
	MetricKindDailyParticipation MetricKind = "dailyParticipation"
	MetricKindRetention          MetricKind = "retention"
	MetricKindRatio              MetricKind = "ratio"
	MetricKindQuantile           MetricKind = "quantile"
)

// CappingType is the outlier capping a metric applies to its values.
type CappingType string

const (
	CappingNone       CappingType = ""
	CappingAbsolute   CappingType = "absolute"
	CappingPercentile CappingType = "percentile"
)

// MetricDescriptor describes one requested metric. It is supplied by the caller and never
// mutated by the engine.
type MetricDescriptor struct {
	ID          string     `json:"id" yaml:"id"`
	Kind        MetricKind `json:"kind" yaml:"kind"`
	FactTableID string     `json:"fact_table_id" yaml:"fact_table_id"`
	// DenominatorFactTableID is set for ratio metrics; empty means the numerator table.
	DenominatorFactTableID string `json:"denominator_fact_table_id,omitempty" yaml:"denominator_fact_table_id,omitempty"`
	// QuantileLevels is the number of precision levels used for quantile confidence
	// estimation. Zero means the default.
	QuantileLevels int         `json:"quantile_levels,omitempty" yaml:"quantile_levels,omitempty"`
	Capping        CappingType `json:"capping,omitempty" yaml:"capping,omitempty"`
	// Legacy metrics are never batched with other metrics.
	Legacy bool `json:"legacy,omitempty" yaml:"legacy,omitempty"`
}

// IsRatio reports whether the metric has a denominator.
func (m MetricDescriptor) IsRatio() bool {
	return m.Kind == MetricKindRatio
}

// IsQuantile reports whether the metric computes a distribution percentile.
func (m MetricDescriptor) IsQuantile() bool {
	return m.Kind == MetricKindQuantile
}

// IsCrossTableRatio reports a ratio whose numerator and denominator live in different fact tables.
func (m MetricDescriptor) IsCrossTableRatio() bool {
	return m.IsRatio() && m.DenominatorFactTableID != "" && m.DenominatorFactTableID != m.FactTableID
}

// UsesPercentiles reports whether computing the metric requires percentile aggregation.
func (m MetricDescriptor) UsesPercentiles() bool {
	return m.IsQuantile() || m.Capping == CappingPercentile
}

// MetricIDs returns the ids of the given metrics in order.
func MetricIDs(metrics []MetricDescriptor) []string {
	ids := make([]string, len(metrics))
	for i, m := range metrics {
		ids[i] = m.ID
	}
	return ids
}
