package execution

import (
	"strings"

	"github.com/TFMV/exprunner/pkg/errors"
)

// TransientClassifier reports whether a failure reason is a throttling condition that may
// still recover.
type TransientClassifier func(reason string) bool

// DefaultTransientPatterns are matched case-insensitively against failure reasons.
var DefaultTransientPatterns = []string{
	"slowdown",
	"slow down",
	"throttlingexception",
	"toomanyrequestsexception",
	"rate exceeded",
	"rate limit",
}

// PatternClassifier returns a classifier matching any of the given substrings.
func PatternClassifier(patterns ...string) TransientClassifier {
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(reason string) bool {
		r := strings.ToLower(reason)
		for _, p := range lowered {
			if strings.Contains(r, p) {
				return true
			}
		}
		return false
	}
}

// DefaultClassifier matches DefaultTransientPatterns.
var DefaultClassifier = PatternClassifier(DefaultTransientPatterns...)

// wrapWarehouseError maps a raw client error onto the engine taxonomy.
func wrapWarehouseError(err error, op string) error {
	if err == nil {
		return nil
	}
	var code string
	switch errors.GetCode(err) {
	case errors.CodeInternal:
		errStr := strings.ToLower(err.Error())
		switch {
		case DefaultClassifier(errStr):
			code = errors.CodeTransient
		case strings.Contains(errStr, "connection"):
			code = errors.CodeConnectionFailed
		default:
			code = errors.CodeQueryFailed
		}
	default:
		return err
	}
	return errors.Wrapf(err, code, "warehouse %s failed", op)
}
