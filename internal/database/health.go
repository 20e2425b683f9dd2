package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// RequiredSchemas must exist for a sync to run.
var RequiredSchemas = []string{"app", "staging", "audit", "authz"}

// Health is the outcome of a healthcheck. Details maps each check to "ok"
// or the reason it failed; informational keys are listed in Info.
type Health struct {
	OK      bool
	Details map[string]string
	Info    map[string]string
}

// Lines renders the result as sorted key=value lines.
func (h Health) Lines() []string {
	lines := make([]string, 0, len(h.Details)+len(h.Info)+1)
	for k, v := range h.Info {
		lines = append(lines, k+"="+v)
	}
	for k, v := range h.Details {
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)
	return append(lines, fmt.Sprintf("ok=%t", h.OK))
}

// Healthcheck verifies the schemas exist and that role can read the
// configured production tables.
func Healthcheck(ctx context.Context, db core.DBTX, role string, tables []string) (Health, error) {
	h := Health{Details: map[string]string{}, Info: map[string]string{}}

	var serverTime string
	if err := db.QueryRow(ctx, "select now()::text").Scan(&serverTime); err != nil {
		return h, fmt.Errorf("query server time: %w", err)
	}
	h.Info["server_time"] = serverTime

	for _, schema := range RequiredSchemas {
		var exists bool
		err := db.QueryRow(ctx,
			"select exists(select 1 from information_schema.schemata where schema_name = $1)", schema).Scan(&exists)
		if err != nil {
			return h, fmt.Errorf("check schema %s: %w", schema, err)
		}
		h.Details["schema_"+schema] = okOr(exists, "missing")
	}

	key := strings.ToLower(role)
	var usage bool
	if err := db.QueryRow(ctx, "select has_schema_privilege($1, 'app', 'USAGE')", role).Scan(&usage); err != nil {
		return h, fmt.Errorf("check schema usage: %w", err)
	}
	h.Details[key+"_schema_usage_app"] = okOr(usage, "missing_grant")

	for _, t := range tables {
		if err := core.ValidateIdentifier(t); err != nil {
			return h, err
		}
		var exists bool
		if err := db.QueryRow(ctx, "select to_regclass($1) is not null", "app."+t).Scan(&exists); err != nil {
			return h, fmt.Errorf("check table %s: %w", t, err)
		}
		if !exists {
			h.Details[key+"_select_"+t] = "missing_table"
			continue
		}
		var sel bool
		if err := db.QueryRow(ctx, "select has_table_privilege($1, $2, 'SELECT')", role, "app."+t).Scan(&sel); err != nil {
			return h, fmt.Errorf("check select on %s: %w", t, err)
		}
		h.Details[key+"_select_"+t] = okOr(sel, "missing_grant")
	}

	h.OK = true
	for _, v := range h.Details {
		if v != "ok" {
			h.OK = false
			break
		}
	}
	return h, nil
}

func okOr(ok bool, failure string) string {
	if ok {
		return "ok"
	}
	return failure
}
