package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// CopyDBTX adds bulk COPY to DBTX. Satisfied by *pgxpool.Pool and pgx.Tx.
type CopyDBTX interface {
	DBTX
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// DB is a CopyDBTX that can open transactions.
type DB interface {
	CopyDBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Schemas that namespace production, staging and audit storage.
const (
	SchemaApp     = "app"
	SchemaStaging = "staging"
	SchemaAudit   = "audit"
)

// Lineage columns carried by staged and promoted rows.
const (
	ColRunID           = "run_id"
	ColSourceFile      = "source_file"
	ColSourceRowNumber = "source_row_number"
	ColIngestedAt      = "ingested_at"
	ColSourceRunID     = "source_run_id"
	ColUpdatedAt       = "updated_at"
)

// FirstDataRow is the source row number of the first data row; the header is row 1.
const FirstDataRow = 2

// SyncMode selects a promotion strategy.
type SyncMode string

const (
	ModeFullReplace SyncMode = "full_replace"
	ModeUpsert      SyncMode = "upsert"
	ModeIncremental SyncMode = "incremental"
	ModeInsertNew   SyncMode = "insert_new"
)

// Valid reports whether m names a known strategy.
func (m SyncMode) Valid() bool {
	switch m {
	case ModeFullReplace, ModeUpsert, ModeIncremental, ModeInsertNew:
		return true
	}
	return false
}

// ColumnType is the declared SQL type family of a business column.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeBigint    ColumnType = "bigint"
	TypeNumeric   ColumnType = "numeric"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamptz"
	TypeBoolean   ColumnType = "boolean"
)

// TableSpec is the static definition of a warehouse table: its ordered
// business columns and their SQL types. Registered at init time.
type TableSpec struct {
	Name            string
	BusinessColumns []string
	Types           map[string]string

	// HasCD marks tables partitioned by distribution center (column cd).
	// Row-level security policies filter these by the caller's cd.
	HasCD bool
}

// Watermark configures incremental promotion.
type Watermark struct {
	Column       string
	LookbackDays int
}

// TableSyncSpec is the effective per-run contract for one table: the static
// spec merged with the runtime configuration.
type TableSyncSpec struct {
	Name            string
	BusinessColumns []string
	Types           map[string]string
	Mode            SyncMode
	UniqueKeys      []string
	RequiredColumns []string
	DedupeOrderBy   []string
	Watermark       *Watermark
}

// Validate checks the sync-mode contract and every identifier.
func (s TableSyncSpec) Validate() error {
	if err := ValidateIdentifier(s.Name); err != nil {
		return err
	}
	if len(s.BusinessColumns) == 0 {
		return configErrorf("[%s] no business columns declared", s.Name)
	}
	if err := ValidateIdentifiers(s.BusinessColumns...); err != nil {
		return err
	}
	if err := ValidateIdentifiers(s.UniqueKeys...); err != nil {
		return err
	}
	if !s.Mode.Valid() {
		return configErrorf("[%s] unsupported sync mode: %s", s.Name, s.Mode)
	}
	switch s.Mode {
	case ModeUpsert:
		if len(s.UniqueKeys) == 0 {
			return configErrorf("[%s] upsert requires unique_keys", s.Name)
		}
	case ModeIncremental:
		if s.Watermark == nil || s.Watermark.Column == "" {
			return configErrorf("[%s] incremental config is required", s.Name)
		}
		if err := ValidateIdentifier(s.Watermark.Column); err != nil {
			return err
		}
		if s.Watermark.LookbackDays < 0 {
			return configErrorf("[%s] lookback_days must be >= 0", s.Name)
		}
	}
	return nil
}

// RawRow is one source row as read from a file, aligned to Batch.Columns.
// Empty cells are nil.
type RawRow struct {
	SourceFile      string
	SourceRowNumber int
	Cells           []any
}

// Batch is a row-oriented source extract with its original headers.
type Batch struct {
	Columns []string
	Rows    []RawRow
}

// Record is one row after header normalization, keyed by normalized column.
// A missing key and a nil value both mean null.
type Record struct {
	SourceFile      string
	SourceRowNumber int
	Values          map[string]any
}

// Frame is a normalized batch.
type Frame struct {
	Columns []string
	Records []Record
}

// HasColumn reports whether the frame carries col.
func (f *Frame) HasColumn(col string) bool {
	for _, c := range f.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Len returns the number of records.
func (f *Frame) Len() int { return len(f.Records) }

func (r Record) String() string {
	return fmt.Sprintf("%s:%d", r.SourceFile, r.SourceRowNumber)
}
