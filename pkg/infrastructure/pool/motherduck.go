package pool

import (
	"net/url"
	"strings"
)

const motherDuckPrefix = "md:"

// isMotherDuck reports whether dsn targets a MotherDuck hosted database, either as
// DuckDB's native md: form or as a motherduck:// URL.
func isMotherDuck(dsn string) bool {
	return strings.HasPrefix(dsn, motherDuckPrefix) || strings.HasPrefix(dsn, "motherduck://")
}

// resolveDSN rewrites motherduck:// URLs into the md: form the DuckDB driver opens and
// attaches token when the DSN does not already carry one. Other DSNs pass through.
func resolveDSN(dsn, token string) string {
	if !isMotherDuck(dsn) {
		return dsn
	}
	database, rawQuery := strings.TrimPrefix(dsn, motherDuckPrefix), ""
	if u, err := url.Parse(dsn); err == nil && u.Scheme == "motherduck" {
		database = strings.Trim(u.Host+u.Path, "/")
		rawQuery = u.RawQuery
	} else if i := strings.IndexByte(database, '?'); i >= 0 {
		database, rawQuery = database[:i], database[i+1:]
	}

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	if token != "" && q.Get("motherduck_token") == "" {
		q.Set("motherduck_token", token)
	}
	out := motherDuckPrefix + database
	if len(q) > 0 {
		out += "?" + q.Encode()
	}
	return out
}
