// Package staging bulk-loads validated batches into the staging schema.
//
// Rows are copied with the PostgreSQL COPY protocol after reconciling the
// batch against the staging table's real column list: columns the table has
// but the batch lacks are sent as NULL, batch columns the table lacks are
// dropped. Every row carries its run id, source lineage and ingestion time.
package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Loader writes to staging.<table>.
type Loader struct {
	db  core.CopyDBTX
	now func() time.Time
}

// New creates a Loader.
func New(db core.CopyDBTX) *Loader {
	return &Loader{db: db, now: core.Now}
}

const columnsSQL = `
select column_name
from information_schema.columns
where table_schema = $1 and table_name = $2
order by ordinal_position`

// Columns returns the staging table's columns in ordinal order.
func (l *Loader) Columns(ctx context.Context, table string) ([]string, error) {
	if err := core.ValidateIdentifier(table); err != nil {
		return nil, err
	}
	return tableColumns(ctx, l.db, core.SchemaStaging, table)
}

func tableColumns(ctx context.Context, db core.DBTX, schema, table string) ([]string, error) {
	rows, err := db.Query(ctx, columnsSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("Table not found: %s.%s", schema, table)
	}
	return cols, nil
}

// Load copies frame into staging.<table> tagged with runID and returns the
// number of rows written. An empty frame is a no-op.
func (l *Loader) Load(ctx context.Context, table string, frame *core.Frame, runID pgtype.UUID) (int64, error) {
	if frame == nil || frame.Len() == 0 {
		return 0, nil
	}
	columns, err := l.Columns(ctx, table)
	if err != nil {
		return 0, err
	}

	rows := BuildRows(columns, frame, runID, l.now())
	n, err := l.db.CopyFrom(ctx, pgx.Identifier{core.SchemaStaging, table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into staging.%s: %w", table, err)
	}
	return n, nil
}

// BuildRows aligns records to columns. Lineage columns are filled from the
// record and the run; any other column missing from a record is nil.
func BuildRows(columns []string, frame *core.Frame, runID pgtype.UUID, ingestedAt time.Time) [][]any {
	rows := make([][]any, 0, frame.Len())
	for _, rec := range frame.Records {
		row := make([]any, len(columns))
		for i, col := range columns {
			switch col {
			case core.ColRunID:
				row[i] = runID
			case core.ColSourceFile:
				row[i] = nilIfEmpty(rec.SourceFile)
			case core.ColSourceRowNumber:
				if rec.SourceRowNumber > 0 {
					row[i] = int64(rec.SourceRowNumber)
				}
			case core.ColIngestedAt:
				row[i] = ingestedAt
			default:
				row[i] = rec.Values[col]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ClearRun deletes the staged rows of one run.
func (l *Loader) ClearRun(ctx context.Context, table string, runID pgtype.UUID) (int64, error) {
	if err := core.ValidateIdentifier(table); err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("delete from %s where run_id = $1", core.Qualified(core.SchemaStaging, table))
	tag, err := l.db.Exec(ctx, sql, runID)
	if err != nil {
		return 0, fmt.Errorf("clear staging.%s for run: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// ClearTable truncates staging.<table> regardless of run.
func (l *Loader) ClearTable(ctx context.Context, table string) error {
	if err := core.ValidateIdentifier(table); err != nil {
		return err
	}
	sql := fmt.Sprintf("truncate table %s", core.Qualified(core.SchemaStaging, table))
	if _, err := l.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("truncate staging.%s: %w", table, err)
	}
	return nil
}
