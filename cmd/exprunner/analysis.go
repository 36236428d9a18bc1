package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/services"
)

// analysisFile is the YAML description of one analysis.
type analysisFile struct {
	Key                 string                    `yaml:"key"`
	Organization        string                    `yaml:"organization"`
	Datasource          string                    `yaml:"datasource"`
	Schedule            string                    `yaml:"schedule"`
	PartialDataHandling bool                      `yaml:"partial_data_handling"`
	MaxCacheAge         time.Duration             `yaml:"max_cache_age"`
	Dimension           string                    `yaml:"dimension"`
	Granularity         string                    `yaml:"granularity"`
	DateRange           *dateRangeSpec            `yaml:"date_range"`
	Filters             []filterSpec              `yaml:"filters"`
	Metrics             []models.MetricDescriptor `yaml:"metrics"`
}

type dateRangeSpec struct {
	Start        time.Time `yaml:"start"`
	End          time.Time `yaml:"end"`
	LookbackDays int       `yaml:"lookback_days"`
}

// filterSpec is either a saved filter reference or an inline condition.
type filterSpec struct {
	Saved    string   `yaml:"saved"`
	Column   string   `yaml:"column"`
	Operator string   `yaml:"operator"`
	Values   []string `yaml:"values"`
}

// loadAnalysis reads and converts an analysis file.
func loadAnalysis(path string) (*analysisFile, *services.AnalysisRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read analysis file: %w", err)
	}
	var f analysisFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	req, err := f.request()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, req, nil
}

func (f *analysisFile) request() (*services.AnalysisRequest, error) {
	cfg := models.RequestConfig{
		Dimension:   f.Dimension,
		Granularity: models.Granularity(f.Granularity),
	}
	if cfg.Granularity != models.GranularityNone && cfg.Granularity.Weight() == 0 {
		return nil, fmt.Errorf("unknown granularity %q", f.Granularity)
	}

	if r := f.DateRange; r != nil {
		fixed := !r.Start.IsZero() || !r.End.IsZero()
		switch {
		case fixed && r.LookbackDays > 0:
			return nil, fmt.Errorf("date_range takes either start/end or lookback_days")
		case fixed:
			if !r.End.After(r.Start) {
				return nil, fmt.Errorf("date_range end must be after start")
			}
			cfg.DateRange = models.FixedRange{Start: r.Start, End: r.End}
		case r.LookbackDays > 0:
			cfg.DateRange = models.RelativeRange{LookbackDays: r.LookbackDays}
		default:
			return nil, fmt.Errorf("date_range is empty")
		}
	}

	for i, fs := range f.Filters {
		switch {
		case fs.Saved != "" && fs.Column != "":
			return nil, fmt.Errorf("filter %d is both saved and inline", i)
		case fs.Saved != "":
			cfg.Filters = append(cfg.Filters, models.SavedFilter{ID: fs.Saved})
		case fs.Column != "":
			cfg.Filters = append(cfg.Filters, models.InlineFilter{Column: fs.Column, Operator: fs.Operator, Values: fs.Values})
		default:
			return nil, fmt.Errorf("filter %d needs a saved id or a column", i)
		}
	}

	return &services.AnalysisRequest{
		Key:                 f.Key,
		Organization:        f.Organization,
		Datasource:          f.Datasource,
		Metrics:             f.Metrics,
		Config:              cfg,
		PartialDataHandling: f.PartialDataHandling,
		MaxCacheAge:         f.MaxCacheAge,
	}, nil
}
