package staging

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

var stagingColumns = []string{"coddv", "descricao", "barras", "run_id", "source_file", "source_row_number", "ingested_at"}

func testFrame() *core.Frame {
	return &core.Frame{
		Columns: []string{"coddv", "barras", "observacao"},
		Records: []core.Record{
			{SourceFile: "barras.csv", SourceRowNumber: 2, Values: map[string]any{"coddv": int64(1), "barras": "789", "observacao": "x"}},
			{SourceFile: "barras.csv", SourceRowNumber: 5, Values: map[string]any{"coddv": int64(2), "barras": nil}},
		},
	}
}

func TestBuildRows(t *testing.T) {
	runID := core.NewRunID()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, core.Location())

	rows := BuildRows(stagingColumns, testFrame(), runID, at)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	r := rows[0]
	if len(r) != len(stagingColumns) {
		t.Fatalf("row width = %d, want %d", len(r), len(stagingColumns))
	}
	if r[0] != int64(1) || r[2] != "789" {
		t.Errorf("business values = %v", r)
	}
	if r[1] != nil {
		t.Errorf("missing column should be nil, got %v", r[1])
	}
	if r[3] != runID || r[4] != "barras.csv" || r[5] != int64(2) || r[6] != at {
		t.Errorf("lineage = %v", r[3:])
	}
	if rows[1][5] != int64(5) {
		t.Errorf("second row number = %v, want 5", rows[1][5])
	}
}

func TestLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	cols := pgxmock.NewRows([]string{"column_name"})
	for _, c := range stagingColumns {
		cols.AddRow(c)
	}
	mock.ExpectQuery(regexp.QuoteMeta("from information_schema.columns")).
		WithArgs("staging", "db_barras").
		WillReturnRows(cols)
	mock.ExpectCopyFrom(pgx.Identifier{"staging", "db_barras"}, stagingColumns).
		WillReturnResult(2)

	n, err := New(mock).Load(context.Background(), "db_barras", testFrame(), core.NewRunID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Load() = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoad_EmptyFrameIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	n, err := New(mock).Load(context.Background(), "db_barras", &core.Frame{}, core.NewRunID())
	if err != nil || n != 0 {
		t.Errorf("Load(empty) = %d, %v; want 0, nil", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoad_TableNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("from information_schema.columns")).
		WithArgs("staging", "db_rotas").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	_, err = New(mock).Load(context.Background(), "db_rotas", testFrame(), core.NewRunID())
	if err == nil || err.Error() != "Table not found: staging.db_rotas" {
		t.Errorf("Load() error = %v, want table not found", err)
	}
}

func TestClear(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	runID := core.NewRunID()
	mock.ExpectExec(regexp.QuoteMeta(`delete from staging."db_barras" where run_id = $1`)).
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta(`truncate table staging."db_barras"`)).
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	l := New(mock)
	n, err := l.ClearRun(context.Background(), "db_barras", runID)
	if err != nil || n != 2 {
		t.Errorf("ClearRun() = %d, %v; want 2, nil", n, err)
	}
	if err := l.ClearTable(context.Background(), "db_barras"); err != nil {
		t.Errorf("ClearTable() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClear_RejectsBadIdentifier(t *testing.T) {
	l := New(nil)
	if err := l.ClearTable(context.Background(), `x"; drop schema app; --`); err == nil || !strings.Contains(err.Error(), "Invalid SQL identifier") {
		t.Errorf("ClearTable() error = %v, want identifier error", err)
	}
}
