package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)
	return mock
}

// containsArg matches a string argument holding every fragment.
type containsArg []string

func (c containsArg) Match(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, frag := range c {
		if !strings.Contains(s, frag) {
			return false
		}
	}
	return true
}

func any5() []any {
	return []any{pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()}
}

func expectStart(mock pgxmock.PgxPoolIface, runID pgtype.UUID, step StepName, stepID int64) {
	mock.ExpectQuery(regexp.QuoteMeta("insert into audit.run_steps")).
		WithArgs(runID, string(step), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"step_id"}).AddRow(stepID))
}

func TestStep_Success(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()

	expectStart(mock, runID, StepValidate, 7)
	mock.ExpectExec(regexp.QuoteMeta("update audit.run_steps")).
		WithArgs(append([]any{int64(7), "success"}, append(any5()[:4], containsArg{`"dropped_headers"`})...)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w := New(mock, t.TempDir())
	err := w.Step(context.Background(), runID, StepValidate, "db_barras", func(ctx context.Context, c *Counters) error {
		c.SetRowsIn(10)
		c.SetRowsOut(7)
		c.SetRowsRejected(3)
		c.Detail("dropped_headers", []string{"unnamed_0"})
		return nil
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStep_FailureIsRecordedAndReturned(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()
	boom := errors.New("[db_barras] required column missing: coddv")

	expectStart(mock, runID, StepValidate, 8)
	mock.ExpectExec(regexp.QuoteMeta("update audit.run_steps")).
		WithArgs(int64(8), "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgtype.Text{String: boom.Error(), Valid: true}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w := New(mock, t.TempDir())
	err := w.Step(context.Background(), runID, StepValidate, "db_barras", func(context.Context, *Counters) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Step() error = %v, want %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStep_PanicFinalizesThenRepanics(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()

	expectStart(mock, runID, StepPromote, 9)
	mock.ExpectExec(regexp.QuoteMeta("update audit.run_steps")).
		WithArgs(int64(9), "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgtype.Text{String: "kaboom", Valid: true}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w := New(mock, t.TempDir())
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_ = w.Step(context.Background(), runID, StepPromote, "db_barras", func(context.Context, *Counters) error {
			panic("kaboom")
		})
	}()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStep_FinalizesAfterCancel(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()

	expectStart(mock, runID, StepLoadStaging, 10)
	mock.ExpectExec(regexp.QuoteMeta("update audit.run_steps")).
		WithArgs(append([]any{int64(10), "failed"}, any5()...)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx, cancel := context.WithCancel(context.Background())
	w := New(mock, t.TempDir())
	err := w.Step(ctx, runID, StepLoadStaging, "db_barras", func(ctx context.Context, _ *Counters) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Step() error = %v, want context.Canceled", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunLifecycle(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("insert into audit.runs")).
		WithArgs(pgxmock.AnyArg(), "1.2.0", "abc", "cfg", pgtype.Text{}, pgtype.Text{String: "cli", Valid: true}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("notes = coalesce($3, notes)")).
		WithArgs(pgxmock.AnyArg(), "partial", pgtype.Text{String: "db_rotas: boom", Valid: true}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w := New(mock, t.TempDir())
	runID, err := w.StartRun(context.Background(), RunInfo{AppVersion: "1.2.0", MachineID: "abc", ConfigHash: "cfg", TriggeredBy: "cli"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if !runID.Valid {
		t.Fatal("StartRun() returned invalid run id")
	}
	if err := w.FinishRun(context.Background(), runID, StatusPartial, "db_rotas: boom"); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWriteMetadata(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()

	mock.ExpectExec(regexp.QuoteMeta("on conflict (run_id, table_name, meta_key)")).
		WithArgs(runID, "db_avulso", "incremental_watermark", containsArg{`"cutoff":null`, `"lookback_days":7`}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := New(mock, t.TempDir()).WriteMetadata(context.Background(), runID, "db_avulso", "incremental_watermark",
		map[string]any{"watermark_column": "dt_mov", "lookback_days": 7, "cutoff": nil, "incoming_max": nil})
	if err != nil {
		t.Fatalf("WriteMetadata() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWriteSnapshot(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()

	mock.ExpectQuery(regexp.QuoteMeta(`from app."db_barras"`)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "md5"}).AddRow(int64(42), "d41d8cd98f00b204e9800998ecf8427e"))
	mock.ExpectExec(regexp.QuoteMeta("insert into audit.table_snapshots")).
		WithArgs(runID, "db_barras", int64(42), "d41d8cd98f00b204e9800998ecf8427e").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	snap, err := New(mock, t.TempDir()).WriteSnapshot(context.Background(), runID, "db_barras")
	if err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if snap.RowCount != 42 {
		t.Errorf("RowCount = %d, want 42", snap.RowCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWriteRejections(t *testing.T) {
	mock := newMock(t)
	runID := core.NewRunID()
	dir := filepath.Join(t.TempDir(), "rejections")

	mock.ExpectCopyFrom(pgx.Identifier{"audit", "rejections_db_barras"}, rejectionColumns).WillReturnResult(2)

	w := New(mock, dir)
	w.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, core.Location()) }

	rejections := []core.Rejection{
		{Table: "db_barras", SourceRowNumber: 4, Reason: core.ReasonRequiredNull, Detail: "Required columns null: coddv",
			Payload: map[string]any{"barras": "789", "dt": pgtype.Date{Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Valid: true}}},
		{Table: "db_barras", SourceRowNumber: 0, Reason: core.ReasonDuplicateUniqueKeySummary, Detail: "summary"},
	}
	n, path, err := w.WriteRejections(context.Background(), runID, "db_barras", rejections)
	if err != nil {
		t.Fatalf("WriteRejections() error = %v", err)
	}
	if n != 2 {
		t.Errorf("WriteRejections() = %d, want 2", n)
	}

	wantName := "rejections_db_barras_" + core.PgUUIDToString(runID) + "_20240506T070809-0300.csv"
	if filepath.Base(path) != wantName {
		t.Errorf("export name = %s, want %s", filepath.Base(path), wantName)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || strings.Join(records[0], ",") != strings.Join(exportHeader, ",") {
		t.Fatalf("export = %v", records)
	}
	if records[1][4] != `{"barras":"789","dt":"2024-01-02"}` {
		t.Errorf("payload = %s", records[1][4])
	}
	if records[2][4] != "{}" {
		t.Errorf("empty payload = %s, want {}", records[2][4])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWriteRejections_EmptyIsNoop(t *testing.T) {
	n, path, err := New(nil, t.TempDir()).WriteRejections(context.Background(), core.NewRunID(), "db_barras", nil)
	if n != 0 || path != "" || err != nil {
		t.Errorf("WriteRejections(nil) = %d, %q, %v", n, path, err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from audit.runs where run_id = $1")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"run_id"}))

	_, err := New(mock, t.TempDir()).GetRun(context.Background(), core.NewRunID())
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	mock := newMock(t)
	started := time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)
	finished := pgtype.Timestamptz{Time: started.Add(time.Minute), Valid: true}

	mock.ExpectQuery(regexp.QuoteMeta("from audit.runs order by started_at desc limit $1")).
		WithArgs(DefaultHistoryLimit).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "started_at", "finished_at", "status", "app_version", "machine_id", "config_hash", "notes", "triggered_by"}).
			AddRow("r1", started, finished, "success", "1.0", "m", "h", "sync completed", "cli").
			AddRow("r2", started, pgtype.Timestamptz{}, "running", "1.0", "m", "h", "", "serve"))

	runs, err := New(mock, t.TempDir()).ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].Status != StatusSuccess || runs[0].FinishedAt == nil || runs[0].Notes != "sync completed" {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if runs[1].FinishedAt != nil {
		t.Errorf("running run has FinishedAt = %v", runs[1].FinishedAt)
	}
}
