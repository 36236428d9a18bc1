package converter

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/TFMV/exprunner/pkg/errors"
)

// Layouts Athena uses when it renders dates and timestamps as text.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 MST",
	time.RFC3339Nano,
	"2006-01-02",
}

// appendValue appends v to fb. Text values, as Athena returns them, are parsed into the
// builder's type.
func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}

	switch b := fb.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		switch val := v.(type) {
		case bool:
			b.Append(val)
		case string:
			parsed, err := strconv.ParseBool(val)
			if err != nil {
				return errors.Wrapf(err, errors.CodeInternal, "invalid boolean %q", val)
			}
			b.Append(parsed)
		default:
			return errors.Newf(errors.CodeInternal, "unexpected %T for boolean column", v)
		}
	case *array.TimestampBuilder:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.StringBuilder:
		b.Append(toString(v))
	default:
		return errors.Newf(errors.CodeInternal, "unexpected builder %T", fb)
	}
	return nil
}

// valueAt reads row i of arr back into a Go value.
func valueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Timestamp:
		return time.UnixMicro(int64(a.Value(i))).UTC()
	case *array.String:
		// Value aliases the record's buffer.
		return strings.Clone(a.Value(i))
	default:
		return a.ValueStr(i)
	}
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case *big.Int:
		if !val.IsInt64() {
			return 0, errors.Newf(errors.CodeInternal, "integer %s overflows int64", val)
		}
		return val.Int64(), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, errors.CodeInternal, "invalid integer %q", val)
		}
		return n, nil
	default:
		return 0, errors.Newf(errors.CodeInternal, "unexpected %T for integer column", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int:
		return float64(val), nil
	case interface{ Float64() float64 }:
		// DuckDB decimals
		return val.Float64(), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, errors.Wrapf(err, errors.CodeInternal, "invalid number %q", val)
		}
		return f, nil
	default:
		return 0, errors.Newf(errors.CodeInternal, "unexpected %T for numeric column", v)
	}
}

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, errors.Newf(errors.CodeInternal, "invalid timestamp %q", val)
	default:
		return time.Time{}, errors.Newf(errors.CodeInternal, "unexpected %T for timestamp column", v)
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
