// Package converter encodes warehouse result sets as Arrow IPC streams for the result cache.
package converter

import (
	"regexp"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// TypeMetadataKey keeps the warehouse type name of a column on its Arrow field.
const TypeMetadataKey = "exprunner.warehouse_type"

var parameterized = regexp.MustCompile(`^([a-z ]+?)\s*\(.*\)$`)

// typeMap maps DuckDB and Athena (Trino) type names to the Arrow type used in the payload.
// Integers widen to int64 and floating point to float64; cached results are re-read by
// statistics code that only distinguishes those families.
var typeMap = map[string]arrow.DataType{
	"tinyint":   arrow.PrimitiveTypes.Int64,
	"smallint":  arrow.PrimitiveTypes.Int64,
	"integer":   arrow.PrimitiveTypes.Int64,
	"int":       arrow.PrimitiveTypes.Int64,
	"bigint":    arrow.PrimitiveTypes.Int64,
	"utinyint":  arrow.PrimitiveTypes.Int64,
	"usmallint": arrow.PrimitiveTypes.Int64,
	"uinteger":  arrow.PrimitiveTypes.Int64,

	"real":    arrow.PrimitiveTypes.Float64,
	"float":   arrow.PrimitiveTypes.Float64,
	"double":  arrow.PrimitiveTypes.Float64,
	"decimal": arrow.PrimitiveTypes.Float64,
	"numeric": arrow.PrimitiveTypes.Float64,

	"boolean": arrow.FixedWidthTypes.Boolean,
	"bool":    arrow.FixedWidthTypes.Boolean,

	"date":                     arrow.FixedWidthTypes.Timestamp_us,
	"timestamp":                arrow.FixedWidthTypes.Timestamp_us,
	"timestamp with time zone": arrow.FixedWidthTypes.Timestamp_us,
	"timestamptz":              arrow.FixedWidthTypes.Timestamp_us,
}

// ArrowType returns the payload type for a warehouse column type. Unknown types, hugeint
// and ubigint included, are carried as strings.
func ArrowType(warehouseType string) arrow.DataType {
	name := strings.ToLower(strings.TrimSpace(warehouseType))
	if m := parameterized.FindStringSubmatch(name); m != nil {
		name = m[1]
	}
	if dt, ok := typeMap[name]; ok {
		return dt
	}
	return arrow.BinaryTypes.String
}
