package promote

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Filter narrows the staged rows of a run. SQL references staged columns
// through alias s and uses placeholders from $2 on; $1 is always the run id.
type Filter struct {
	SQL  string
	Args []any
}

func (f *Filter) where() string {
	if f == nil || f.SQL == "" {
		return "s.run_id = $1"
	}
	return "s.run_id = $1 and (" + f.SQL + ")"
}

func (f *Filter) args(runID any) []any {
	if f == nil {
		return []any{runID}
	}
	return append([]any{runID}, f.Args...)
}

// insertColumns lists the promoted columns: business columns plus lineage.
func insertColumns(business []string) string {
	cols := make([]string, 0, len(business)+2)
	cols = append(cols, business...)
	cols = append(cols, core.ColSourceRunID, core.ColUpdatedAt)
	return core.QuoteIdents(cols)
}

func selectStaged(business []string) string {
	parts := make([]string, len(business))
	for i, c := range business {
		parts[i] = "s." + core.QuoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

// stagedSelect is the projection of one run's staged rows into target shape.
func stagedSelect(table string, business []string, where string) string {
	return fmt.Sprintf("select %s, $1, now()\nfrom %s s\nwhere %s",
		selectStaged(business), core.Qualified(core.SchemaStaging, table), where)
}

func countStagedSQL(table, where string) string {
	return fmt.Sprintf("select count(*)\nfrom %s s\nwhere %s", core.Qualified(core.SchemaStaging, table), where)
}

// fullReplaceSQL holds the table swap statements.
type fullReplaceSQL struct {
	dropSwap    string
	createSwap  string
	fill        string
	renameOld   string
	renameSwap  string
	dropOld     string
	count       string
	analyze     string
	swapTable   string
	retireTable string
}

func buildFullReplace(table string, business []string, runID string) fullReplaceSQL {
	swap := core.BoundedName("__swap", table, runID)
	old := core.BoundedName("__old", table, runID)
	target := core.Qualified(core.SchemaApp, table)
	swapQ := core.Qualified(core.SchemaApp, swap)

	return fullReplaceSQL{
		dropSwap:   fmt.Sprintf("drop table if exists %s", swapQ),
		createSwap: fmt.Sprintf("create table %s (like %s including all)", swapQ, target),
		fill: fmt.Sprintf("insert into %s (%s)\n%s",
			swapQ, insertColumns(business), stagedSelect(table, business, "s.run_id = $1")),
		renameOld:   fmt.Sprintf("alter table %s rename to %s", target, core.QuoteIdent(old)),
		renameSwap:  fmt.Sprintf("alter table %s rename to %s", swapQ, core.QuoteIdent(table)),
		dropOld:     fmt.Sprintf("drop table %s", core.Qualified(core.SchemaApp, old)),
		count:       fmt.Sprintf("select count(*) from %s", target),
		analyze:     fmt.Sprintf("analyze %s", target),
		swapTable:   swap,
		retireTable: old,
	}
}

const applySecuritySQL = "select app.apply_runtime_security($1)"

func updateColumns(business, keys []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range business {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}

// buildUpsert builds the insert ... on conflict statement. Conflicting rows
// are rewritten only when a non-key column changed.
func buildUpsert(table string, business, keys []string, where string) string {
	target := core.Qualified(core.SchemaApp, table)
	update := updateColumns(business, keys)

	assignments := make([]string, 0, len(update)+2)
	changed := make([]string, 0, len(update))
	for _, c := range update {
		q := core.QuoteIdent(c)
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		changed = append(changed, fmt.Sprintf("%s.%s is distinct from EXCLUDED.%s", target, q, q))
	}
	for _, c := range []string{core.ColSourceRunID, core.ColUpdatedAt} {
		q := core.QuoteIdent(c)
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	guard := "false"
	if len(changed) > 0 {
		guard = strings.Join(changed, " or ")
	}

	return fmt.Sprintf("insert into %s (%s)\n%s\non conflict (%s) do update\nset %s\nwhere %s",
		target, insertColumns(business), stagedSelect(table, business, where),
		core.QuoteIdents(keys), strings.Join(assignments, ", "), guard)
}

// buildInsert appends staged rows with no conflict handling.
func buildInsert(table string, business []string, where string) string {
	return fmt.Sprintf("insert into %s (%s)\n%s",
		core.Qualified(core.SchemaApp, table), insertColumns(business), stagedSelect(table, business, where))
}

// buildInsertNew inserts staged rows that match no existing row on every
// business column, treating null as equal to null, and counts them.
func buildInsertNew(table string, business []string) string {
	match := make([]string, len(business))
	for i, c := range business {
		q := core.QuoteIdent(c)
		match[i] = fmt.Sprintf("t.%s is not distinct from s.%s", q, q)
	}
	target := core.Qualified(core.SchemaApp, table)

	return fmt.Sprintf(`with inserted as (
insert into %s (%s)
%s
and not exists (
select 1
from %s t
where %s
)
returning 1
)
select count(*) from inserted`,
		target, insertColumns(business), stagedSelect(table, business, "s.run_id = $1"),
		target, strings.Join(match, " and "))
}

func buildMaxWatermark(schema, table, column string, staged bool) string {
	q := core.QuoteIdent(column)
	if staged {
		return fmt.Sprintf("select max(s.%s)::timestamptz from %s s where s.run_id = $1",
			q, core.Qualified(schema, table))
	}
	return fmt.Sprintf("select max(%s)::timestamptz from %s", q, core.Qualified(schema, table))
}

func watermarkFilter(column string) string {
	return fmt.Sprintf("s.%s >= $2::timestamptz", core.QuoteIdent(column))
}

func buildWindowDelete(table, column string) string {
	return fmt.Sprintf("delete from %s where %s >= $1::timestamptz",
		core.Qualified(core.SchemaApp, table), core.QuoteIdent(column))
}
