// Package audit records sync runs, their steps and per-table outcomes in
// the audit schema.
//
// Each write is its own statement group; a crash leaves whatever was
// already recorded plus any run or step still marked running.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Status is the lifecycle state of a run or step.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// StepName identifies a pipeline stage.
type StepName string

const (
	StepRefresh     StepName = "refresh"
	StepLoadStaging StepName = "load_staging"
	StepValidate    StepName = "validate"
	StepPromote     StepName = "promote"
	StepCleanup     StepName = "cleanup"
)

// Writer persists audit records.
type Writer struct {
	db            core.CopyDBTX
	rejectionsDir string
	now           func() time.Time
}

// New creates a Writer. Rejection CSV exports are written under rejectionsDir.
func New(db core.CopyDBTX, rejectionsDir string) *Writer {
	return &Writer{db: db, rejectionsDir: rejectionsDir, now: core.Now}
}

// RunInfo describes the process that started a run.
type RunInfo struct {
	AppVersion  string
	MachineID   string
	ConfigHash  string
	Notes       string
	TriggeredBy string
}

const startRunSQL = `
insert into audit.runs (run_id, started_at, status, app_version, machine_id, config_hash, notes, triggered_by)
values ($1, now(), 'running', $2, $3, $4, $5, $6)`

// StartRun inserts a running run and returns its id.
func (w *Writer) StartRun(ctx context.Context, info RunInfo) (pgtype.UUID, error) {
	runID := core.NewRunID()
	_, err := w.db.Exec(ctx, startRunSQL,
		runID, info.AppVersion, info.MachineID, info.ConfigHash, toPgText(info.Notes), toPgText(info.TriggeredBy))
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

const finishRunSQL = `
update audit.runs
set finished_at = now(), status = $2, notes = coalesce($3, notes)
where run_id = $1`

// FinishRun closes a run. Empty notes keep the notes recorded at start.
func (w *Writer) FinishRun(ctx context.Context, runID pgtype.UUID, status Status, notes string) error {
	if _, err := w.db.Exec(ctx, finishRunSQL, runID, string(status), toPgText(notes)); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Counters are the mutable outcome of a step. Unset counts are stored as null.
type Counters struct {
	RowsIn       *int64
	RowsOut      *int64
	RowsRejected *int64
	Details      map[string]any
}

func (c *Counters) SetRowsIn(n int64)       { c.RowsIn = &n }
func (c *Counters) SetRowsOut(n int64)      { c.RowsOut = &n }
func (c *Counters) SetRowsRejected(n int64) { c.RowsRejected = &n }

// Detail records one key in the step details.
func (c *Counters) Detail(key string, value any) {
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	c.Details[key] = value
}

const startStepSQL = `
insert into audit.run_steps (run_id, step_name, table_name, started_at, status)
values ($1, $2, $3, now(), 'running')
returning step_id`

const finishStepSQL = `
update audit.run_steps
set finished_at = now(), status = $2, rows_in = $3, rows_out = $4, rows_rejected = $5,
    error_message = $6, details = $7::jsonb
where step_id = $1`

// Step records fn as one step of a run. The step is finalized exactly once
// on every exit path: success when fn returns nil, failed with the error
// text when it returns an error or panics. fn's error is returned unchanged
// and a panic is re-raised after the step is closed.
func (w *Writer) Step(ctx context.Context, runID pgtype.UUID, name StepName, table string, fn func(context.Context, *Counters) error) (err error) {
	var stepID int64
	if err := w.db.QueryRow(ctx, startStepSQL, runID, string(name), toPgText(table)).Scan(&stepID); err != nil {
		return fmt.Errorf("start step %s: %w", name, err)
	}

	counters := &Counters{Details: map[string]any{}}
	// Finalize even when the caller's context is already cancelled.
	finalCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			w.finishStep(finalCtx, stepID, StatusFailed, counters, fmt.Sprint(r))
			panic(r)
		}
		if err != nil {
			w.finishStep(finalCtx, stepID, StatusFailed, counters, err.Error())
			return
		}
		err = w.finishStep(finalCtx, stepID, StatusSuccess, counters, "")
	}()

	return fn(ctx, counters)
}

func (w *Writer) finishStep(ctx context.Context, stepID int64, status Status, c *Counters, message string) error {
	details, jerr := json.Marshal(core.JSONSafe(c.Details))
	if jerr != nil {
		details = []byte("{}")
	}
	_, err := w.db.Exec(ctx, finishStepSQL,
		stepID, string(status), c.RowsIn, c.RowsOut, c.RowsRejected, toPgText(message), string(details))
	if err != nil {
		slog.Error("failed to finalize audit step", "step_id", stepID, "status", status, "error", err)
		return fmt.Errorf("finish step: %w", err)
	}
	return nil
}

const writeMetadataSQL = `
insert into audit.runs_metadata (run_id, table_name, meta_key, meta_value, created_at)
values ($1, $2, $3, $4::jsonb, now())
on conflict (run_id, table_name, meta_key)
do update set meta_value = excluded.meta_value, created_at = excluded.created_at`

// WriteMetadata stores a JSON document for run, table and key. A later
// write with the same key replaces the earlier one.
func (w *Writer) WriteMetadata(ctx context.Context, runID pgtype.UUID, table, key string, value map[string]any) error {
	doc, err := json.Marshal(core.JSONSafe(value))
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	if _, err := w.db.Exec(ctx, writeMetadataSQL, runID, table, key, string(doc)); err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

const snapshotUpsertSQL = `
insert into audit.table_snapshots (run_id, table_name, row_count, checksum, captured_at)
values ($1, $2, $3, $4, now())
on conflict (run_id, table_name)
do update set row_count = excluded.row_count, checksum = excluded.checksum, captured_at = excluded.captured_at`

func snapshotSQL(table string) string {
	return fmt.Sprintf(`select count(*)::bigint, md5(count(*)::text || ':' || coalesce(max(updated_at)::text, ''))
from %s`, core.Qualified(core.SchemaApp, table))
}

// Snapshot is the row count and checksum of a production table after a run.
type Snapshot struct {
	Table    string
	RowCount int64
	Checksum string
}

// WriteSnapshot captures app.<table> for the run.
func (w *Writer) WriteSnapshot(ctx context.Context, runID pgtype.UUID, table string) (Snapshot, error) {
	if err := core.ValidateIdentifier(table); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Table: table}
	if err := w.db.QueryRow(ctx, snapshotSQL(table)).Scan(&snap.RowCount, &snap.Checksum); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", table, err)
	}
	if _, err := w.db.Exec(ctx, snapshotUpsertSQL, runID, table, snap.RowCount, snap.Checksum); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot %s: %w", table, err)
	}
	return snap, nil
}

func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ErrRunNotFound is returned when a run id has no audit record.
var ErrRunNotFound = errors.New("run not found")
