// Package memory provides an Arrow allocator that reports its footprint.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
)

// TrackedAllocator wraps a memory.Allocator and tracks live and peak bytes. Result payload
// encoding uses one per process so cache churn shows up in metrics.
type TrackedAllocator struct {
	underlying memory.Allocator
	metrics    metrics.Collector
	bytesUsed  atomic.Int64
	peak       atomic.Int64
}

var _ memory.Allocator = (*TrackedAllocator)(nil)

// NewTrackedAllocator wraps underlying; a nil underlying uses the Go allocator and a nil
// collector disables reporting.
func NewTrackedAllocator(underlying memory.Allocator, collector metrics.Collector) *TrackedAllocator {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &TrackedAllocator{
		underlying: underlying,
		metrics:    collector,
	}
}

// Allocate implements memory.Allocator.
func (a *TrackedAllocator) Allocate(size int) []byte {
	a.add(int64(size))
	return a.underlying.Allocate(size)
}

// Reallocate implements memory.Allocator.
func (a *TrackedAllocator) Reallocate(size int, b []byte) []byte {
	a.add(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

// Free implements memory.Allocator.
func (a *TrackedAllocator) Free(b []byte) {
	a.add(-int64(len(b)))
	a.underlying.Free(b)
}

// BytesUsed returns the bytes currently allocated.
func (a *TrackedAllocator) BytesUsed() int64 {
	return a.bytesUsed.Load()
}

// PeakBytes returns the high-water mark of BytesUsed.
func (a *TrackedAllocator) PeakBytes() int64 {
	return a.peak.Load()
}

func (a *TrackedAllocator) add(delta int64) {
	used := a.bytesUsed.Add(delta)
	for {
		peak := a.peak.Load()
		if used <= peak || a.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	a.metrics.RecordGauge("exprunner_arrow_bytes_allocated", float64(used))
}
