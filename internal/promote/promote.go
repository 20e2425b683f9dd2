// Package promote moves one run's staged rows into the production schema.
//
// Four strategies are supported:
//
//   - full_replace builds a clone of the target, fills it and swaps it in.
//   - upsert merges on the unique keys and skips unchanged rows.
//   - incremental limits the merge to a watermark window with lookback.
//   - insert_new appends rows that match no existing row exactly.
//
// Every identifier is validated before it is interpolated into SQL; data
// values always travel as parameters.
package promote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Engine runs promotion strategies against the store.
type Engine struct {
	db core.DB
}

// New creates an Engine.
func New(db core.DB) *Engine {
	return &Engine{db: db}
}

// Result reports a promotion. Watermark is set for incremental runs only.
type Result struct {
	Mode      core.SyncMode
	Rows      int64
	Watermark *WatermarkResult
}

// WatermarkResult describes the window used by an incremental promotion.
// Cutoff is nil when the target was empty.
type WatermarkResult struct {
	Column       string
	LookbackDays int
	Cutoff       *time.Time
	IncomingMax  *time.Time
}

// Metadata renders the result as the incremental_watermark run metadata.
// Dates are ISO formatted; a date-typed watermark renders without time.
func (w *WatermarkResult) Metadata(columnType string) map[string]any {
	return map[string]any{
		"watermark_column": w.Column,
		"lookback_days":    w.LookbackDays,
		"cutoff":           isoOrNil(w.Cutoff, columnType),
		"incoming_max":     isoOrNil(w.IncomingMax, columnType),
	}
}

func isoOrNil(t *time.Time, columnType string) any {
	if t == nil {
		return nil
	}
	local := t.In(core.Location())
	if core.ColumnType(columnType) == core.TypeDate {
		return local.Format("2006-01-02")
	}
	return local.Format(time.RFC3339Nano)
}

// Promote dispatches to the strategy configured on spec.
func (e *Engine) Promote(ctx context.Context, spec core.TableSyncSpec, runID pgtype.UUID) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{Mode: spec.Mode}
	var err error

	switch spec.Mode {
	case core.ModeFullReplace:
		res.Rows, err = e.FullReplace(ctx, spec.Name, spec.BusinessColumns, runID)
	case core.ModeUpsert:
		res.Rows, err = e.Upsert(ctx, spec.Name, spec.BusinessColumns, spec.UniqueKeys, runID, nil)
	case core.ModeIncremental:
		var wm *WatermarkResult
		wm, res.Rows, err = e.Incremental(ctx, spec.Name, spec.BusinessColumns, spec.UniqueKeys, runID, *spec.Watermark)
		res.Watermark = wm
	case core.ModeInsertNew:
		res.Rows, err = e.InsertNew(ctx, spec.Name, spec.BusinessColumns, runID)
	default:
		return Result{}, fmt.Errorf("[%s] unsupported sync mode: %s", spec.Name, spec.Mode)
	}
	if err != nil {
		return Result{}, fmt.Errorf("promote %s (%s): %w", spec.Name, spec.Mode, err)
	}
	return res, nil
}

func validate(table string, cols ...[]string) error {
	if err := core.ValidateIdentifier(table); err != nil {
		return err
	}
	for _, group := range cols {
		if err := core.ValidateIdentifiers(group...); err != nil {
			return err
		}
	}
	return nil
}

// FullReplace swaps the target for a fresh copy holding exactly this run's
// staged rows and returns the new row count. The live table is renamed away
// only after its replacement is filled, all inside one transaction.
func (e *Engine) FullReplace(ctx context.Context, table string, business []string, runID pgtype.UUID) (int64, error) {
	if err := validate(table, business); err != nil {
		return 0, err
	}
	q := buildFullReplace(table, business, core.PgUUIDToString(runID))

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // No-op if already committed

	steps := []struct {
		sql  string
		args []any
	}{
		{q.dropSwap, nil},
		{q.createSwap, nil},
		{q.fill, []any{runID}},
		{q.renameOld, nil},
		{q.renameSwap, nil},
		{applySecuritySQL, []any{table}},
		{q.dropOld, nil},
	}
	for _, s := range steps {
		if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
			return 0, err
		}
	}

	var rows int64
	if err := tx.QueryRow(ctx, q.count).Scan(&rows); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	// Planner statistics are refreshed outside the swap transaction.
	if _, err := e.db.Exec(ctx, q.analyze); err != nil {
		return 0, fmt.Errorf("analyze: %w", err)
	}

	slog.Debug("table swapped", "table", table, "swap", q.swapTable, "retired", q.retireTable, "rows", rows)
	return rows, nil
}

// Upsert merges this run's staged rows on the unique keys. The returned
// count is the number of staged rows matching the filter, including rows
// the change guard left untouched.
func (e *Engine) Upsert(ctx context.Context, table string, business, keys []string, runID pgtype.UUID, filter *Filter) (int64, error) {
	if err := validate(table, business, keys); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("[%s] upsert requires unique_keys", table)
	}
	where := filter.where()
	args := filter.args(runID)

	var rows int64
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, buildUpsert(table, business, keys, where), args...); err != nil {
			return err
		}
		return tx.QueryRow(ctx, countStagedSQL(table, where), args...).Scan(&rows)
	})
	return rows, err
}

// Incremental promotes the staged rows inside the watermark window. With
// unique keys the window is merged through Upsert; without keys the window
// is deleted from the target and re-inserted.
func (e *Engine) Incremental(ctx context.Context, table string, business, keys []string, runID pgtype.UUID, wm core.Watermark) (*WatermarkResult, int64, error) {
	if err := validate(table, business, keys, []string{wm.Column}); err != nil {
		return nil, 0, err
	}

	result := &WatermarkResult{Column: wm.Column, LookbackDays: wm.LookbackDays}
	var current, incoming pgtype.Timestamptz
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, buildMaxWatermark(core.SchemaApp, table, wm.Column, false)).Scan(&current); err != nil {
			return err
		}
		return tx.QueryRow(ctx, buildMaxWatermark(core.SchemaStaging, table, wm.Column, true), runID).Scan(&incoming)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("read watermarks: %w", err)
	}
	if incoming.Valid {
		t := incoming.Time
		result.IncomingMax = &t
	}

	var filter *Filter
	if current.Valid {
		cutoff := current.Time.AddDate(0, 0, -wm.LookbackDays)
		result.Cutoff = &cutoff
		filter = &Filter{SQL: watermarkFilter(wm.Column), Args: []any{cutoff}}
	}

	if len(keys) > 0 {
		rows, err := e.Upsert(ctx, table, business, keys, runID, filter)
		return result, rows, err
	}

	where := filter.where()
	args := filter.args(runID)
	var rows int64
	err = e.inTx(ctx, func(tx pgx.Tx) error {
		if result.Cutoff != nil {
			if _, err := tx.Exec(ctx, buildWindowDelete(table, wm.Column), *result.Cutoff); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, buildInsert(table, business, where), args...); err != nil {
			return err
		}
		return tx.QueryRow(ctx, countStagedSQL(table, where), args...).Scan(&rows)
	})
	return result, rows, err
}

// InsertNew appends staged rows that have no exact match in the target and
// returns how many were inserted.
func (e *Engine) InsertNew(ctx context.Context, table string, business []string, runID pgtype.UUID) (int64, error) {
	if err := validate(table, business); err != nil {
		return 0, err
	}
	var rows int64
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, buildInsertNew(table, business), runID).Scan(&rows)
	})
	return rows, err
}

func (e *Engine) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // No-op if already committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
