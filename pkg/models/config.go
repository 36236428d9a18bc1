package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestConfig is the part of an analysis request that decides whether a cached result
// can be reused.
type RequestConfig struct {
	Dimension   string      `json:"dimension,omitempty"`
	Filters     []Filter    `json:"-"`
	DateRange   DateRange   `json:"-"`
	Granularity Granularity `json:"granularity,omitempty"`
}

// Filter is either an InlineFilter or a SavedFilter.
type Filter interface {
	isFilter()
}

// InlineFilter is an ad hoc column/operator/value condition.
type InlineFilter struct {
	Column   string   `json:"column"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// SavedFilter references a reusable filter by id.
type SavedFilter struct {
	ID string `json:"id"`
}

func (InlineFilter) isFilter() {}
func (SavedFilter) isFilter()  {}

// Equal reports whether every field of the two filters matches.
func (f InlineFilter) Equal(o InlineFilter) bool {
	if f.Column != o.Column || f.Operator != o.Operator || len(f.Values) != len(o.Values) {
		return false
	}
	for i := range f.Values {
		if f.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// DateRange is either a FixedRange or a RelativeRange.
type DateRange interface {
	// Resolve returns the half-open interval [start, end) the range covers when
	// evaluated at ref.
	Resolve(ref time.Time) (start, end time.Time)
	isDateRange()
}

// FixedRange is an absolute interval.
type FixedRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RelativeRange covers the LookbackDays days before the reference time.
type RelativeRange struct {
	LookbackDays int `json:"lookback_days"`
}

// Resolve returns the stored interval; ref is ignored.
func (r FixedRange) Resolve(time.Time) (time.Time, time.Time) {
	return r.Start, r.End
}

// Resolve returns [ref - LookbackDays, ref).
func (r RelativeRange) Resolve(ref time.Time) (time.Time, time.Time) {
	return ref.AddDate(0, 0, -r.LookbackDays), ref
}

func (FixedRange) isDateRange()    {}
func (RelativeRange) isDateRange() {}

// Granularity is the time bucket size of a timeseries result.
type Granularity string

const (
	GranularityNone   Granularity = ""
	GranularityHour   Granularity = "1hour"
	Granularity6Hours Granularity = "6hours"
	GranularityDay    Granularity = "1day"
)

// Weight maps a granularity to its relative size; zero for unknown values.
func (g Granularity) Weight() float64 {
	switch g {
	case GranularityHour:
		return 1
	case Granularity6Hours:
		return 2
	case GranularityDay:
		return 4
	}
	return 0
}

type filterJSON struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Column   string   `json:"column,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Values   []string `json:"values,omitempty"`
}

type dateRangeJSON struct {
	Type         string    `json:"type"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	LookbackDays int       `json:"lookback_days,omitempty"`
}

type requestConfigJSON struct {
	Dimension   string         `json:"dimension,omitempty"`
	Filters     []filterJSON   `json:"filters,omitempty"`
	DateRange   *dateRangeJSON `json:"date_range,omitempty"`
	Granularity Granularity    `json:"granularity,omitempty"`
}

// MarshalJSON encodes the filter and date range variants with a type discriminator.
func (c RequestConfig) MarshalJSON() ([]byte, error) {
	out := requestConfigJSON{
		Dimension:   c.Dimension,
		Granularity: c.Granularity,
	}
	for _, f := range c.Filters {
		switch f := f.(type) {
		case InlineFilter:
			out.Filters = append(out.Filters, filterJSON{Type: "inline", Column: f.Column, Operator: f.Operator, Values: f.Values})
		case SavedFilter:
			out.Filters = append(out.Filters, filterJSON{Type: "saved", ID: f.ID})
		default:
			return nil, fmt.Errorf("unsupported filter type %T", f)
		}
	}
	switch r := c.DateRange.(type) {
	case nil:
	case FixedRange:
		out.DateRange = &dateRangeJSON{Type: "fixed", Start: r.Start, End: r.End}
	case RelativeRange:
		out.DateRange = &dateRangeJSON{Type: "relative", LookbackDays: r.LookbackDays}
	default:
		return nil, fmt.Errorf("unsupported date range type %T", r)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the representation written by MarshalJSON.
func (c *RequestConfig) UnmarshalJSON(data []byte) error {
	var in requestConfigJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cfg := RequestConfig{
		Dimension:   in.Dimension,
		Granularity: in.Granularity,
	}
	for _, f := range in.Filters {
		switch f.Type {
		case "inline":
			cfg.Filters = append(cfg.Filters, InlineFilter{Column: f.Column, Operator: f.Operator, Values: f.Values})
		case "saved":
			cfg.Filters = append(cfg.Filters, SavedFilter{ID: f.ID})
		default:
			return fmt.Errorf("unknown filter type %q", f.Type)
		}
	}
	if in.DateRange != nil {
		switch in.DateRange.Type {
		case "fixed":
			cfg.DateRange = FixedRange{Start: in.DateRange.Start, End: in.DateRange.End}
		case "relative":
			cfg.DateRange = RelativeRange{LookbackDays: in.DateRange.LookbackDays}
		default:
			return fmt.Errorf("unknown date range type %q", in.DateRange.Type)
		}
	}
	*c = cfg
	return nil
}
