package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
)

const timestampLiteralLayout = "2006-01-02 15:04:05.000000"

// SQLBuilder renders DuckDB SQL over fact tables that share one column layout: a user id,
// the assigned variation, a numeric value and an event timestamp. Every fact table of a
// batch is aggregated in its own CTE and the CTEs are joined on the grouping columns.
type SQLBuilder struct {
	UserColumn      string
	VariationColumn string
	ValueColumn     string
	TimestampColumn string
	// SavedFilters maps a saved filter id to its SQL condition.
	SavedFilters map[string]string
}

// NewSQLBuilder creates a builder with the default column layout.
func NewSQLBuilder(savedFilters map[string]string) *SQLBuilder {
	return &SQLBuilder{
		UserColumn:      "user_id",
		VariationColumn: "variation",
		ValueColumn:     "value",
		TimestampColumn: "timestamp",
		SavedFilters:    savedFilters,
	}
}

// tableAggregate is the per fact table CTE.
type tableAggregate struct {
	alias    string
	table    string
	quantile bool
}

// Build implements QueryBuilder.
func (b *SQLBuilder) Build(group models.QueryGroup, cfg models.RequestConfig, now time.Time) (string, error) {
	if len(group.Metrics) == 0 {
		return "", errors.New(errors.CodeValidationFailed, "query group has no metrics")
	}

	keys, err := b.keyColumns(cfg)
	if err != nil {
		return "", err
	}
	where, err := b.conditions(cfg, now)
	if err != nil {
		return "", err
	}

	var tables []*tableAggregate
	byTable := make(map[string]*tableAggregate)
	table := func(id string) (*tableAggregate, error) {
		if id == "" {
			return nil, errors.New(errors.CodeValidationFailed, "metric has no fact table")
		}
		if t, ok := byTable[id]; ok {
			return t, nil
		}
		t := &tableAggregate{alias: fmt.Sprintf("t%d", len(tables)), table: id}
		tables = append(tables, t)
		byTable[id] = t
		return t, nil
	}

	var columns []string
	for _, m := range group.Metrics {
		num, err := table(m.FactTableID)
		if err != nil {
			return "", errors.Wrapf(err, errors.CodeValidationFailed, "metric %s", m.ID)
		}
		switch {
		case m.IsRatio():
			den := num
			if m.DenominatorFactTableID != "" {
				if den, err = table(m.DenominatorFactTableID); err != nil {
					return "", err
				}
			}
			columns = append(columns,
				column(num.alias, "value_sum", m.ID+"_numerator"),
				column(den.alias, "row_count", m.ID+"_denominator"))
		case m.IsQuantile():
			num.quantile = true
			columns = append(columns,
				column(num.alias, "value_median", m.ID+"_quantile"),
				column(num.alias, "users", m.ID+"_users"))
		default:
			columns = append(columns,
				column(num.alias, "value_sum", m.ID+"_sum"),
				column(num.alias, "value_sum_squares", m.ID+"_sum_squares"))
		}
	}

	var sb strings.Builder
	sb.WriteString("WITH ")
	for i, t := range tables {
		if i > 0 {
			sb.WriteString(",\n")
		}
		fmt.Fprintf(&sb, "%s AS (\n%s\n)", quoteIdent(t.alias), b.aggregate(t, keys, where))
	}

	keyNames := make([]string, len(keys))
	for i, k := range keys {
		keyNames[i] = quoteIdent(k.name)
	}
	sb.WriteString("\nSELECT ")
	sb.WriteString(strings.Join(keyNames, ", "))
	sb.WriteString(", ")
	sb.WriteString(column(tables[0].alias, "users", "users"))
	for _, c := range columns {
		sb.WriteString(",\n  ")
		sb.WriteString(c)
	}
	fmt.Fprintf(&sb, "\nFROM %s", quoteIdent(tables[0].alias))
	for _, t := range tables[1:] {
		fmt.Fprintf(&sb, "\nFULL OUTER JOIN %s USING (%s)", quoteIdent(t.alias), strings.Join(keyNames, ", "))
	}
	sb.WriteString("\nORDER BY ")
	sb.WriteString(strings.Join(keyNames, ", "))
	return sb.String(), nil
}

type keyColumn struct {
	name string
	expr string
}

func (b *SQLBuilder) keyColumns(cfg models.RequestConfig) ([]keyColumn, error) {
	keys := []keyColumn{{name: "variation", expr: quoteIdent(b.VariationColumn)}}
	if cfg.Dimension != "" {
		keys = append(keys, keyColumn{name: "dimension", expr: quoteIdent(cfg.Dimension)})
	}
	ts := quoteIdent(b.TimestampColumn)
	switch cfg.Granularity {
	case models.GranularityNone:
	case models.GranularityHour:
		keys = append(keys, keyColumn{name: "bucket", expr: "date_trunc('hour', " + ts + ")"})
	case models.Granularity6Hours:
		keys = append(keys, keyColumn{name: "bucket", expr: "time_bucket(INTERVAL '6 hours', " + ts + ")"})
	case models.GranularityDay:
		keys = append(keys, keyColumn{name: "bucket", expr: "date_trunc('day', " + ts + ")"})
	default:
		return nil, errors.Newf(errors.CodeValidationFailed, "unsupported granularity %q", cfg.Granularity)
	}
	return keys, nil
}

func (b *SQLBuilder) conditions(cfg models.RequestConfig, now time.Time) ([]string, error) {
	var where []string
	if cfg.DateRange != nil {
		start, end := cfg.DateRange.Resolve(now)
		ts := quoteIdent(b.TimestampColumn)
		where = append(where,
			fmt.Sprintf("%s >= TIMESTAMP '%s'", ts, start.UTC().Format(timestampLiteralLayout)),
			fmt.Sprintf("%s < TIMESTAMP '%s'", ts, end.UTC().Format(timestampLiteralLayout)))
	}
	for _, f := range cfg.Filters {
		switch f := f.(type) {
		case models.InlineFilter:
			cond, err := inlineCondition(f)
			if err != nil {
				return nil, err
			}
			where = append(where, cond)
		case models.SavedFilter:
			cond, ok := b.SavedFilters[f.ID]
			if !ok {
				return nil, errors.Newf(errors.CodeValidationFailed, "unknown saved filter %q", f.ID)
			}
			where = append(where, "("+cond+")")
		}
	}
	return where, nil
}

func inlineCondition(f models.InlineFilter) (string, error) {
	if f.Column == "" || len(f.Values) == 0 {
		return "", errors.Newf(errors.CodeValidationFailed, "inline filter on %q needs a column and values", f.Column)
	}
	col := quoteIdent(f.Column)
	op := strings.ToUpper(strings.TrimSpace(f.Operator))
	switch op {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		if len(f.Values) != 1 {
			return "", errors.Newf(errors.CodeValidationFailed, "operator %s takes one value", op)
		}
		return fmt.Sprintf("%s %s %s", col, op, quoteLiteral(f.Values[0])), nil
	case "IN", "NOT IN":
		lits := make([]string, len(f.Values))
		for i, v := range f.Values {
			lits[i] = quoteLiteral(v)
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(lits, ", ")), nil
	}
	return "", errors.Newf(errors.CodeValidationFailed, "unsupported filter operator %q", f.Operator)
}

func (b *SQLBuilder) aggregate(t *tableAggregate, keys []keyColumn, where []string) string {
	value := quoteIdent(b.ValueColumn)
	var sb strings.Builder
	sb.WriteString("  SELECT ")
	groupBy := make([]string, len(keys))
	for i, k := range keys {
		fmt.Fprintf(&sb, "%s AS %s, ", k.expr, quoteIdent(k.name))
		groupBy[i] = fmt.Sprint(i + 1)
	}
	fmt.Fprintf(&sb, "COUNT(DISTINCT %s) AS \"users\", COUNT(*) AS \"row_count\", ", quoteIdent(b.UserColumn))
	fmt.Fprintf(&sb, "SUM(%s) AS \"value_sum\", SUM(%s * %s) AS \"value_sum_squares\"", value, value, value)
	if t.quantile {
		fmt.Fprintf(&sb, ", quantile_cont(%s, 0.5) AS \"value_median\"", value)
	}
	fmt.Fprintf(&sb, "\n  FROM %s", quoteQualified(t.table))
	if len(where) > 0 {
		sb.WriteString("\n  WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString("\n  GROUP BY ")
	sb.WriteString(strings.Join(groupBy, ", "))
	return sb.String()
}

func column(alias, source, name string) string {
	return quoteIdent(alias) + "." + quoteIdent(source) + " AS " + quoteIdent(name)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteQualified quotes every part of a dotted table name.
func quoteQualified(s string) string {
	parts := strings.Split(s, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
