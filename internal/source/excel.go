package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// readExcel streams one worksheet. Cells are read raw so dates arrive as
// serial day numbers and numbers keep full precision; the cast stage
// interprets both.
func readExcel(ctx context.Context, path, sheet string) (*core.Batch, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("sheet %q not found (available: %v)", sheet, f.GetSheetList())
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	opts := excelize.Options{RawCellValue: true}

	if !rows.Next() {
		if err := rows.Error(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty file")
	}
	header, err := rows.Columns(opts)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	b := newBuilder(path, header)

	for n := 0; rows.Next(); n++ {
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := rows.Columns(opts)
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", core.FirstDataRow+n, err)
		}
		b.add(stringCells(record))
	}
	if err := rows.Error(); err != nil {
		return nil, err
	}

	return b.batch, nil
}
