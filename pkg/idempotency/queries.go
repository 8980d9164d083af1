package idempotency

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	QueryInitTable = "InitTable"
	QueryClaim     = "Claim"
	QueryCleanup   = "Cleanup"
)

var commonQueries = map[string]string{
	QueryInitTable: `CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			claimed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
	QueryClaim:   "INSERT INTO %s (key) VALUES (?) ON CONFLICT(key) DO NOTHING",
	QueryCleanup: "DELETE FROM %s WHERE claimed_at < ?",
}

var unsafeTableChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// tableName turns a namespace such as "fission:finalize" into an identifier.
func tableName(namespace string) string {
	if namespace == "" {
		return "fission_claims"
	}
	return unsafeTableChars.ReplaceAllString(namespace, "_")
}

// rebind rewrites ? placeholders for drivers that use numbered parameters.
func rebind(driver, query string) string {
	if driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
