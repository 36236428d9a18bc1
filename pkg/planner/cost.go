// Package planner packs requested metrics into cost-bounded warehouse queries.
//
// Planning is total: every input metric lands in exactly one QueryGroup and no
// function in this package returns an error.
package planner

import (
	"github.com/TFMV/exprunner/pkg/models"
)

const (
	// BaseOverhead is the column total a query carries before any metric is added:
	// dimension slots, the variation column and unit/count columns.
	BaseOverhead = 103

	// MaxMetricsPerQuery caps the number of metrics in one batch regardless of columns.
	MaxMetricsPerQuery = 200

	// DefaultQuantileLevels is the number of precision levels used for quantile
	// confidence estimation when a metric does not set its own.
	DefaultQuantileLevels = 20

	idColumns          = 1
	baseMetricColumns  = 8
	ratioMetricColumns = 17
	quantileExtra      = 2
)

// Cost returns the number of result columns the metric adds to a query.
func Cost(m models.MetricDescriptor) int {
	switch m.Kind {
	case models.MetricKindRatio:
		return idColumns + ratioMetricColumns
	case models.MetricKindQuantile:
		k := m.QuantileLevels
		if k <= 0 {
			k = DefaultQuantileLevels
		}
		return idColumns + ratioMetricColumns + quantileExtra + 2*k
	default:
		return idColumns + baseMetricColumns
	}
}

// TotalCost sums Cost over metrics.
func TotalCost(metrics []models.MetricDescriptor) int {
	total := 0
	for _, m := range metrics {
		total += Cost(m)
	}
	return total
}
