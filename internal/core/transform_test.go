package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
)

func testSpec() TableSyncSpec {
	return TableSyncSpec{
		Name:            "db_barras",
		BusinessColumns: []string{"coddv", "descricao", "barras"},
		Types: map[string]string{
			"coddv":     "integer",
			"descricao": "text",
			"barras":    "text",
		},
		Mode:            ModeUpsert,
		UniqueKeys:      []string{"barras"},
		RequiredColumns: []string{"coddv"},
	}
}

func batchOf(columns []string, rows ...[]any) *Batch {
	b := &Batch{Columns: columns}
	for i, cells := range rows {
		b.Rows = append(b.Rows, RawRow{
			SourceFile:      "barras.csv",
			SourceRowNumber: FirstDataRow + i,
			Cells:           cells,
		})
	}
	return b
}

func TestTransform_CountsAndKeepLast(t *testing.T) {
	cols := []string{"CODDV", "Descrição", "Barras"}
	batch := batchOf(cols,
		[]any{"1", "a", "100"},
		[]any{nil, "b", "101"}, // required null
		[]any{"3", "c", "102"},
		[]any{"4", "d", "103"},
		[]any{"", "e", "104"}, // required null after text normalization
		[]any{"6", "f", "105"},
		[]any{"7", "g", "106"},
		[]any{"8", "old", "107"}, // duplicate, dropped
		[]any{"9", "i", "108"},
		[]any{"10", "new", "107"}, // duplicate, kept
	)

	res, err := Transform(testSpec(), batch)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	if res.RowsIn != 10 || res.RowsRejected != 3 || res.RowsOut != 7 {
		t.Errorf("counts in/rejected/out = %d/%d/%d, want 10/3/7", res.RowsIn, res.RowsRejected, res.RowsOut)
	}
	if res.RowsIn != res.RowsOut+res.RowsRejected {
		t.Error("rows_in must equal rows_out + rows_rejected")
	}

	var kept map[string]any
	for _, rec := range res.Frame.Records {
		if rec.Values["barras"] == "107" {
			kept = rec.Values
		}
	}
	if kept == nil || kept["descricao"] != "new" || kept["coddv"] != int64(10) {
		t.Errorf("kept duplicate = %v, want last occurrence", kept)
	}

	var reasons []string
	for _, r := range res.Rejections {
		reasons = append(reasons, string(r.Reason))
	}
	want := "required_null,required_null,duplicate_unique_key"
	if got := strings.Join(reasons, ","); got != want {
		t.Errorf("reasons = %s, want %s", got, want)
	}
	if d := res.Rejections[0].Detail; d != "Required columns null: coddv" {
		t.Errorf("detail = %q", d)
	}
	if d := res.Rejections[2].Detail; d != "Duplicate row for unique keys [barras]; kept last occurrence" {
		t.Errorf("detail = %q", d)
	}
	if res.Rejections[2].SourceRowNumber != 9 {
		t.Errorf("duplicate source row = %d, want 9", res.Rejections[2].SourceRowNumber)
	}
	if res.Rejections[2].Payload[ColSourceFile] != "barras.csv" {
		t.Errorf("payload missing lineage: %v", res.Rejections[2].Payload)
	}
}

func TestTransform_CastErrorKeepsRow(t *testing.T) {
	spec := testSpec()
	spec.RequiredColumns = nil

	batch := batchOf([]string{"coddv", "descricao", "barras"},
		[]any{"1.5", "a", "100"},
	)

	res, err := Transform(spec, batch)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	if len(res.Rejections) != 1 || res.Rejections[0].Reason != ReasonTypeCastError {
		t.Fatalf("rejections = %+v, want one type_cast_error", res.Rejections)
	}
	if d := res.Rejections[0].Detail; d != "Invalid value for column 'coddv' as integer" {
		t.Errorf("detail = %q", d)
	}
	if res.Rejections[0].Payload["coddv"] != "1.5" {
		t.Errorf("payload should hold the raw value, got %v", res.Rejections[0].Payload["coddv"])
	}
	if res.RowsOut != 1 || res.RowsRejected != 0 || res.CastErrors != 1 {
		t.Errorf("out/rejected/castErrors = %d/%d/%d, want 1/0/1", res.RowsOut, res.RowsRejected, res.CastErrors)
	}
	if v := res.Frame.Records[0].Values["coddv"]; v != nil {
		t.Errorf("failed cast should null the field, got %v", v)
	}
}

func TestTransform_PrunesEmptyBusinessRows(t *testing.T) {
	batch := batchOf([]string{"coddv", "descricao", "barras", "observacao"},
		[]any{"1", "a", "100", nil},
		[]any{nil, " ", nil, "only extra column"},
		[]any{nil, nil, nil, nil},
	)

	res, err := Transform(testSpec(), batch)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if res.DroppedEmptyRows != 2 || res.RowsIn != 1 || len(res.Rejections) != 0 {
		t.Errorf("dropped/in/rejections = %d/%d/%d, want 2/1/0", res.DroppedEmptyRows, res.RowsIn, len(res.Rejections))
	}
}

func TestTransform_MissingColumnsAreConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		wantErr string
	}{
		{"required", []string{"descricao", "barras"}, "[db_barras] required column missing: coddv"},
		{"unique key", []string{"coddv", "descricao"}, "[db_barras] unique key column missing: barras"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform(testSpec(), batchOf(tt.columns, []any{"1", "x"}))
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("Transform() error = %v, want %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrConfig) || !errors.Is(err, ErrMissingColumn) {
				t.Errorf("Transform() error = %v, want ErrConfig and ErrMissingColumn", err)
			}
			if code := MapError(fmt.Errorf("promote: %w", err)).Code; code != "SRC002" {
				t.Errorf("MapError() code = %s, want SRC002", code)
			}
		})
	}
}

func TestTransform_DuplicateCap(t *testing.T) {
	spec := testSpec()
	spec.RequiredColumns = nil

	var rows [][]any
	for i := 0; i < 251; i++ {
		rows = append(rows, []any{strconv.Itoa(i), "x", "same"})
	}

	res, err := Transform(spec, batchOf([]string{"coddv", "descricao", "barras"}, rows...))
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	if res.RowsOut != 1 || res.RowsRejected != 250 || res.DuplicateRows != 250 {
		t.Errorf("out/rejected/dups = %d/%d/%d, want 1/250/250", res.RowsOut, res.RowsRejected, res.DuplicateRows)
	}
	if len(res.Rejections) != MaxDuplicateRejections+1 {
		t.Fatalf("len(Rejections) = %d, want %d", len(res.Rejections), MaxDuplicateRejections+1)
	}

	summary := res.Rejections[len(res.Rejections)-1]
	if summary.Reason != ReasonDuplicateUniqueKeySummary || summary.SourceRowNumber != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Payload["omitted"] != 50 || summary.Payload["total_duplicates"] != 250 {
		t.Errorf("summary payload = %v", summary.Payload)
	}
}

func TestDeduplicate_OrderByNullsLast(t *testing.T) {
	recs := []Record{
		{SourceRowNumber: 2, Values: map[string]any{"k": "a", "ts": int64(3)}},
		{SourceRowNumber: 3, Values: map[string]any{"k": "a", "ts": nil}},
		{SourceRowNumber: 4, Values: map[string]any{"k": "a", "ts": int64(1)}},
		{SourceRowNumber: 5, Values: map[string]any{"k": nil, "ts": int64(1)}},
		{SourceRowNumber: 6, Values: map[string]any{"k": nil, "ts": int64(2)}},
	}

	kept, dups := Deduplicate(recs, []string{"k"}, []string{"ts"})

	// Sorted: 4(1),5(1),6(2),2(3),3(nil). Last per key: a -> 3, nil -> 6.
	if len(kept) != 2 || kept[0].SourceRowNumber != 6 || kept[1].SourceRowNumber != 3 {
		t.Errorf("kept = %+v", kept)
	}
	if len(dups) != 3 {
		t.Errorf("len(dups) = %d, want 3", len(dups))
	}

	all, none := Deduplicate(recs, nil, nil)
	if len(all) != len(recs) || none != nil {
		t.Error("no keys should keep every record")
	}
}

func TestResolve(t *testing.T) {
	Clear()
	defer Clear()
	Register(TableSpec{
		Name:            "db_rotas",
		BusinessColumns: []string{"cd", "filial", "rota"},
		Types:           map[string]string{"cd": "integer", "filial": "bigint", "rota": "text"},
	})

	spec, err := Resolve("db_rotas", Overrides{
		Mode:       ModeUpsert,
		UniqueKeys: []string{"Filial"},
		Types:      map[string]string{"Rota": "integer"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if spec.UniqueKeys[0] != "filial" || spec.Types["rota"] != "integer" {
		t.Errorf("spec = %+v", spec)
	}

	_, err = Resolve("db_rotas", Overrides{Mode: ModeUpsert})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("upsert without keys error = %v, want ErrConfig", err)
	}

	_, err = Resolve("db_rotas", Overrides{Mode: ModeIncremental})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("incremental without watermark error = %v, want ErrConfig", err)
	}

	if _, err := Resolve("nope", Overrides{Mode: ModeFullReplace}); !errors.Is(err, ErrConfig) {
		t.Errorf("unknown table error = %v, want ErrConfig", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	Clear()
	defer Clear()

	spec := TableSpec{Name: "t", BusinessColumns: []string{"a"}, Types: map[string]string{"a": "text"}}
	Register(spec)

	defer func() {
		if recover() == nil {
			t.Error("Register() should panic on duplicate name")
		}
	}()
	Register(spec)
}
