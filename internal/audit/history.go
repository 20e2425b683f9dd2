package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// DefaultHistoryLimit caps run listings when no limit is given.
const DefaultHistoryLimit = 50

// Run is one row of audit.runs.
type Run struct {
	RunID       string     `json:"runId"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Status      Status     `json:"status"`
	AppVersion  string     `json:"appVersion,omitempty"`
	MachineID   string     `json:"machineId,omitempty"`
	ConfigHash  string     `json:"configHash,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	TriggeredBy string     `json:"triggeredBy,omitempty"`
}

// StepRecord is one row of audit.run_steps.
type StepRecord struct {
	StepID       int64          `json:"stepId"`
	StepName     StepName       `json:"stepName"`
	Table        string         `json:"table,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	Status       Status         `json:"status"`
	RowsIn       *int64         `json:"rowsIn,omitempty"`
	RowsOut      *int64         `json:"rowsOut,omitempty"`
	RowsRejected *int64         `json:"rowsRejected,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// SnapshotRecord is one row of audit.table_snapshots.
type SnapshotRecord struct {
	Table      string    `json:"table"`
	RowCount   int64     `json:"rowCount"`
	Checksum   string    `json:"checksum"`
	CapturedAt time.Time `json:"capturedAt"`
}

const runColumns = `run_id::text, started_at, finished_at, status, coalesce(app_version, ''), coalesce(machine_id, ''),
coalesce(config_hash, ''), coalesce(notes, ''), coalesce(triggered_by, '')`

// ListRuns returns the most recent runs, newest first.
func (w *Writer) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := w.db.Query(ctx, "select "+runColumns+" from audit.runs order by started_at desc limit $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrRunNotFound.
func (w *Writer) GetRun(ctx context.Context, runID pgtype.UUID) (*Run, error) {
	row := w.db.QueryRow(ctx, "select "+runColumns+" from audit.runs where run_id = $1", runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		r        Run
		status   string
		finished pgtype.Timestamptz
	)
	err := row.Scan(&r.RunID, &r.StartedAt, &finished, &status,
		&r.AppVersion, &r.MachineID, &r.ConfigHash, &r.Notes, &r.TriggeredBy)
	if err != nil {
		return Run{}, err
	}
	r.Status = Status(status)
	r.FinishedAt = timePtr(finished)
	return r, nil
}

const listStepsSQL = `
select step_id, step_name, coalesce(table_name, ''), started_at, finished_at, status,
       rows_in, rows_out, rows_rejected, coalesce(error_message, ''), details
from audit.run_steps
where run_id = $1
order by step_id`

// ListSteps returns a run's steps in execution order.
func (w *Writer) ListSteps(ctx context.Context, runID pgtype.UUID) ([]StepRecord, error) {
	rows, err := w.db.Query(ctx, listStepsSQL, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]StepRecord, 0)
	for rows.Next() {
		var (
			s                     StepRecord
			name, status          string
			finished              pgtype.Timestamptz
			rowsIn, rowsOut, rejd pgtype.Int8
			details               []byte
		)
		err := rows.Scan(&s.StepID, &name, &s.Table, &s.StartedAt, &finished, &status,
			&rowsIn, &rowsOut, &rejd, &s.ErrorMessage, &details)
		if err != nil {
			return nil, err
		}
		s.StepName = StepName(name)
		s.Status = Status(status)
		s.FinishedAt = timePtr(finished)
		s.RowsIn, s.RowsOut, s.RowsRejected = int8Ptr(rowsIn), int8Ptr(rowsOut), int8Ptr(rejd)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &s.Details)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListSnapshots returns the table snapshots captured by a run.
func (w *Writer) ListSnapshots(ctx context.Context, runID pgtype.UUID) ([]SnapshotRecord, error) {
	rows, err := w.db.Query(ctx, `
select table_name, row_count, checksum, captured_at
from audit.table_snapshots
where run_id = $1
order by table_name`, runID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SnapshotRecord, error) {
		var s SnapshotRecord
		err := row.Scan(&s.Table, &s.RowCount, &s.Checksum, &s.CapturedAt)
		return s, err
	})
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.In(core.Location())
	return &v
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
