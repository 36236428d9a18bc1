// Package matcher selects the best previously computed result for a new request.
//
// Candidates are assumed to be pre-filtered to the request's datasource and to overlap at
// least one requested metric. Staleness is the caller's concern.
package matcher

import (
	"math"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/TFMV/exprunner/pkg/models"
)

// Result is the outcome of a lookup. A zero Result means no candidate qualified.
type Result struct {
	Entry *models.CacheEntry
	Score float64
}

// Found reports whether a candidate was selected.
func (m Result) Found() bool {
	return m.Entry != nil
}

// Match returns the candidate with the strictly highest score. Ties keep the earlier
// candidate. Candidates with relative date ranges are resolved against their own CreatedAt,
// the request against now.
func Match(req models.RequestConfig, now time.Time, candidates []models.CacheEntry) Result {
	var best Result
	for i := range candidates {
		c := &candidates[i]
		if !Compatible(req, c.Config) {
			continue
		}
		score := Score(req, now, c.Config, c.CreatedAt)
		if score > best.Score {
			best = Result{Entry: c, Score: score}
		}
	}
	return best
}

// Compatible applies the hard filters. Any failure disqualifies the candidate.
func Compatible(req, cand models.RequestConfig) bool {
	if req.Dimension != "" && req.Dimension != cand.Dimension {
		return false
	}
	if len(req.Filters) == 0 {
		return true
	}

	reqSaved, reqInline := splitFilters(req.Filters, req.Dimension)
	candSaved, candInline := splitFilters(cand.Filters, req.Dimension)
	if !reqSaved.Equal(candSaved) {
		return false
	}
	return sameInline(reqInline, candInline)
}

// Score is the minimum of the date coverage and granularity adequacy scores.
func Score(req models.RequestConfig, now time.Time, cand models.RequestConfig, createdAt time.Time) float64 {
	return math.Min(
		DateCoverage(req.DateRange, now, cand.DateRange, createdAt),
		GranularityAdequacy(req.Granularity, cand.Granularity),
	)
}

// DateCoverage is the fraction of the requested interval covered by the candidate's.
func DateCoverage(req models.DateRange, now time.Time, cand models.DateRange, createdAt time.Time) float64 {
	if req == nil {
		return 1
	}
	if cand == nil {
		return 0
	}
	reqStart, reqEnd := req.Resolve(now)
	candStart, candEnd := cand.Resolve(createdAt)

	start := later(reqStart, candStart)
	end := earlier(reqEnd, candEnd)
	if !end.After(start) {
		// An empty request window counts as covered when it lies inside the candidate.
		if !reqEnd.After(reqStart) && !reqStart.Before(candStart) && reqStart.Before(candEnd) {
			return 1
		}
		return 0
	}

	requested := reqEnd.Sub(reqStart)
	score := float64(end.Sub(start)) / float64(requested)
	return math.Max(0, math.Min(1, score))
}

// GranularityAdequacy scores a candidate's time bucket against the requested one. A coarser
// cached granularity scores below 1. Unset or unknown granularities are not scored.
func GranularityAdequacy(req, cand models.Granularity) float64 {
	rw, cw := req.Weight(), cand.Weight()
	if rw == 0 || cw == 0 {
		return 1
	}
	return math.Min(1, rw/cw)
}

func splitFilters(filters []models.Filter, dimension string) (mapset.Set[string], []models.InlineFilter) {
	saved := mapset.NewThreadUnsafeSet[string]()
	var inline []models.InlineFilter
	for _, f := range filters {
		switch f := f.(type) {
		case models.SavedFilter:
			saved.Add(f.ID)
		case models.InlineFilter:
			if dimension != "" && f.Column == dimension {
				continue
			}
			inline = append(inline, f)
		}
	}
	return saved, inline
}

// sameInline compares two inline filter lists as multisets.
func sameInline(a, b []models.InlineFilter) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, fa := range a {
		for j, fb := range b {
			if !used[j] && fa.Equal(fb) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
