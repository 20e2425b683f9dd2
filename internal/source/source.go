// Package source reads tabular extracts (CSV, XLSX/XLSM, Parquet) into
// row-oriented batches.
//
// Every reader returns the original header row and one core.RawRow per data
// row, tagged with the file's base name and a 1-based source row number in
// which the header is row 1. Empty cells are nil.
package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Request identifies one table's source file.
type Request struct {
	Table string
	Path  string
	Sheet string
}

// Reader reads source files from disk. The zero value is ready to use.
type Reader struct{}

// Read loads the whole file named by req.
func (Reader) Read(ctx context.Context, req Request) (*core.Batch, error) {
	return Read(ctx, req)
}

// Read dispatches on the file extension.
func Read(ctx context.Context, req Request) (*core.Batch, error) {
	if _, err := os.Stat(req.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.SourceErrorf("[%s] source file not found: %s", req.Table, req.Path)
		}
		return nil, core.SourceErrorf("[%s] stat source: %v", req.Table, err)
	}

	var (
		batch *core.Batch
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(req.Path)); ext {
	case ".csv":
		batch, err = readCSV(ctx, req.Path)
	case ".xlsx", ".xlsm":
		if req.Sheet == "" {
			return nil, core.SourceErrorf("[%s] sheet is required for Excel files", req.Table)
		}
		batch, err = readExcel(ctx, req.Path, req.Sheet)
	case ".xls":
		return nil, core.SourceErrorf("[%s] legacy .xls workbooks are not supported; save as .xlsx", req.Table)
	case ".parquet":
		batch, err = readParquet(ctx, req.Path)
	default:
		return nil, core.SourceErrorf("[%s] unsupported extension: %s", req.Table, ext)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, core.SourceErrorf("[%s] read %s: %v", req.Table, filepath.Base(req.Path), err)
	}
	return batch, nil
}

// builder accumulates rows with lineage.
type builder struct {
	file  string
	batch *core.Batch
}

func newBuilder(path string, header []string) *builder {
	return &builder{
		file:  filepath.Base(path),
		batch: &core.Batch{Columns: header},
	}
}

// add appends a data row, padding or trimming it to the header width.
func (b *builder) add(cells []any) {
	width := len(b.batch.Columns)
	row := make([]any, width)
	copy(row, cells)
	b.batch.Rows = append(b.batch.Rows, core.RawRow{
		SourceFile:      b.file,
		SourceRowNumber: core.FirstDataRow + len(b.batch.Rows),
		Cells:           row,
	})
}

// stringCells converts text cells, turning empty strings into nil.
func stringCells(record []string) []any {
	cells := make([]any, len(record))
	for i, v := range record {
		if v != "" {
			cells[i] = v
		}
	}
	return cells
}

// checkEvery is how many rows are read between context checks.
const checkEvery = 4096
