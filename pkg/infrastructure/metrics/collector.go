// Package metrics provides named counters, histograms and gauges for the engine's
// executors, runners and scheduler.
package metrics

import (
	"time"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer; Stop records the elapsed seconds under name.
	StartTimer(name string, labels ...string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// WithLabels returns a Collector that appends the given key/value pairs to every metric it
// records. Every metric recorded through the result must use it, since a Prometheus
// vector's label names are fixed when it is first registered.
func WithLabels(c Collector, labels ...string) Collector {
	if len(labels) == 0 {
		return c
	}
	return &labeled{next: c, labels: labels}
}

type labeled struct {
	next   Collector
	labels []string
}

func (l *labeled) with(labels []string) []string {
	out := make([]string, 0, len(labels)+len(l.labels))
	out = append(out, labels...)
	return append(out, l.labels...)
}

func (l *labeled) IncrementCounter(name string, labels ...string) {
	l.next.IncrementCounter(name, l.with(labels)...)
}

func (l *labeled) RecordHistogram(name string, value float64, labels ...string) {
	l.next.RecordHistogram(name, value, l.with(labels)...)
}

func (l *labeled) RecordGauge(name string, value float64, labels ...string) {
	l.next.RecordGauge(name, value, l.with(labels)...)
}

func (l *labeled) StartTimer(name string, labels ...string) Timer {
	return l.next.StartTimer(name, l.with(labels)...)
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a no-op timer.
func (n *NoOpCollector) StartTimer(name string, labels ...string) Timer {
	return &noOpTimer{start: time.Now()}
}

// noOpTimer is a no-op implementation of Timer.
type noOpTimer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *noOpTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}
