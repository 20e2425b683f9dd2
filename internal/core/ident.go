package core

import (
	"regexp"
	"strings"
)

// MaxIdentifierLength is the PostgreSQL identifier limit (NAMEDATALEN - 1).
const MaxIdentifierLength = 63

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateIdentifier rejects any name that is not a lowercase SQL identifier.
// Every table and column name interpolated into SQL must pass this check.
func ValidateIdentifier(name string) error {
	if !identifierRE.MatchString(name) {
		return configErrorf("Invalid SQL identifier: %s", name)
	}
	return nil
}

// ValidateIdentifiers validates each name in order and returns the first failure.
func ValidateIdentifiers(names ...string) error {
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}

// QuoteIdent double-quotes a validated identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Qualified returns schema."name".
func Qualified(schema, name string) string {
	return schema + "." + QuoteIdent(name)
}

// QuoteIdents quotes and comma-joins names.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// BoundedName builds a per-run auxiliary table name such as
// __swap_<table>_<run8>, truncating the table part so the result
// stays within MaxIdentifierLength.
func BoundedName(prefix, table, runID string) string {
	suffix := strings.ReplaceAll(runID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	budget := MaxIdentifierLength - len(prefix) - len(suffix) - 2
	if budget < 1 {
		budget = 1
	}
	if len(table) > budget {
		table = table[:budget]
	}
	return prefix + "_" + table + "_" + suffix
}
