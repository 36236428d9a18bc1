package services

import (
	"regexp"
	"strings"

	"github.com/TFMV/exprunner/pkg/errors"
)

// StatementType represents the type of SQL statement.
type StatementType int

const (
	StatementTypeDDL     StatementType = iota // CREATE, DROP, ALTER, TRUNCATE
	StatementTypeDML                          // INSERT, UPDATE, DELETE, MERGE, COPY
	StatementTypeDQL                          // SELECT, WITH...SELECT
	StatementTypeTCL                          // BEGIN, COMMIT, ROLLBACK
	StatementTypeDCL                          // GRANT, REVOKE
	StatementTypeUtility                      // SHOW, DESCRIBE, EXPLAIN, SET, PRAGMA, ATTACH
	StatementTypeOther
)

// String returns the string representation of the statement type.
func (st StatementType) String() string {
	switch st {
	case StatementTypeDDL:
		return "DDL"
	case StatementTypeDML:
		return "DML"
	case StatementTypeDQL:
		return "DQL"
	case StatementTypeTCL:
		return "TCL"
	case StatementTypeDCL:
		return "DCL"
	case StatementTypeUtility:
		return "UTILITY"
	default:
		return "OTHER"
	}
}

// Patterns are tried in order; the first match decides the type.
var statementPatterns = []struct {
	typ      StatementType
	patterns []*regexp.Regexp
}{
	{StatementTypeDDL, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*CREATE\s+`),
		regexp.MustCompile(`(?i)^\s*DROP\s+`),
		regexp.MustCompile(`(?i)^\s*ALTER\s+`),
		regexp.MustCompile(`(?i)^\s*TRUNCATE\s+`),
	}},
	{StatementTypeDML, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*INSERT\s+`),
		regexp.MustCompile(`(?i)^\s*UPDATE\s+`),
		regexp.MustCompile(`(?i)^\s*DELETE\s+`),
		regexp.MustCompile(`(?i)^\s*MERGE\s+`),
		regexp.MustCompile(`(?i)^\s*COPY\s+`),
		regexp.MustCompile(`(?is)^\s*WITH\s+.*\b(INSERT|UPDATE|DELETE)\s+`),
	}},
	{StatementTypeDQL, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*SELECT\s+`),
		regexp.MustCompile(`(?is)^\s*WITH\s+.*\bSELECT\s+`),
		regexp.MustCompile(`(?i)^\s*\(\s*SELECT\s+`),
	}},
	{StatementTypeTCL, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(BEGIN|COMMIT|ROLLBACK)\b`),
		regexp.MustCompile(`(?i)^\s*START\s+TRANSACTION\b`),
	}},
	{StatementTypeDCL, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(GRANT|REVOKE)\s+`),
	}},
	{StatementTypeUtility, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(SHOW|DESCRIBE|DESC|EXPLAIN|SET|USE|PRAGMA|ATTACH|DETACH|INSTALL|LOAD)\s+`),
		regexp.MustCompile(`(?i)^\s*(VACUUM|CHECKPOINT)\b`),
	}},
}

var lineComment = regexp.MustCompile(`--[^\n]*`)

// ClassifyStatement determines the type of a SQL statement.
func ClassifyStatement(sql string) StatementType {
	stripped := strings.TrimSpace(lineComment.ReplaceAllString(sql, ""))
	for _, group := range statementPatterns {
		for _, p := range group.patterns {
			if p.MatchString(stripped) {
				return group.typ
			}
		}
	}
	return StatementTypeOther
}

// ValidateReadOnly rejects anything but a single, well-formed query statement. Generated
// batch SQL passes through it before submission.
func ValidateReadOnly(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return errors.New(errors.CodeValidationFailed, "SQL statement cannot be empty")
	}
	if !hasBalancedQuotes(sql) {
		return errors.New(errors.CodeValidationFailed, "SQL statement has unbalanced quotes")
	}
	if !hasBalancedParentheses(sql) {
		return errors.New(errors.CodeValidationFailed, "SQL statement has unbalanced parentheses")
	}
	if hasMultipleStatements(sql) {
		return errors.New(errors.CodeValidationFailed, "SQL text contains more than one statement")
	}
	if typ := ClassifyStatement(sql); typ != StatementTypeDQL {
		return errors.Newf(errors.CodeValidationFailed, "only queries may be submitted, got %s", typ)
	}
	return nil
}

// scanOutsideQuotes calls fn for every rune outside quoted strings and identifiers, with
// its byte offset. Doubled quotes inside a quoted section are escapes.
func scanOutsideQuotes(sql string, fn func(i int, r rune) bool) {
	var quote rune
	for i, r := range sql {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == '\'' || r == '"' {
			quote = r
			continue
		}
		if !fn(i, r) {
			return
		}
	}
}

func hasBalancedParentheses(sql string) bool {
	count := 0
	scanOutsideQuotes(sql, func(_ int, r rune) bool {
		switch r {
		case '(':
			count++
		case ')':
			count--
		}
		return count >= 0
	})
	return count == 0
}

func hasBalancedQuotes(sql string) bool {
	single, double := 0, 0
	for _, r := range sql {
		switch r {
		case '\'':
			single++
		case '"':
			double++
		}
	}
	return single%2 == 0 && double%2 == 0
}

// hasMultipleStatements reports a semicolon followed by anything but whitespace.
func hasMultipleStatements(sql string) bool {
	multiple := false
	scanOutsideQuotes(sql, func(i int, r rune) bool {
		if r == ';' && strings.TrimSpace(sql[i+1:]) != "" {
			multiple = true
			return false
		}
		return true
	})
	return multiple
}
