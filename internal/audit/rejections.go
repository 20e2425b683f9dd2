package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// RejectionTable is the audit sink for a business table.
func RejectionTable(table string) string {
	return "rejections_" + table
}

var rejectionColumns = []string{"run_id", "source_row_number", "reason_code", "reason_detail", "payload", "created_at"}

var exportHeader = []string{"table_name", "source_row_number", "reason_code", "reason_detail", "payload", "run_id"}

// ExportFileName is the CSV export name for a table's rejections in a run.
func ExportFileName(table string, runID pgtype.UUID, at string) string {
	return fmt.Sprintf("rejections_%s_%s_%s.csv", table, core.PgUUIDToString(runID), at)
}

// WriteRejections copies rejections into audit.rejections_<table> and
// exports them as CSV. It returns the number of records written and the
// export path; nothing is written for an empty set.
func (w *Writer) WriteRejections(ctx context.Context, runID pgtype.UUID, table string, rejections []core.Rejection) (int, string, error) {
	if len(rejections) == 0 {
		return 0, "", nil
	}
	if err := core.ValidateIdentifier(table); err != nil {
		return 0, "", err
	}

	now := w.now()
	payloads := make([]string, len(rejections))
	rows := make([][]any, len(rejections))
	for i, r := range rejections {
		payloads[i] = encodePayload(r.Payload)
		rows[i] = []any{
			runID,
			int64(r.SourceRowNumber),
			string(r.Reason),
			r.Detail,
			[]byte(payloads[i]),
			now,
		}
	}

	_, err := w.db.CopyFrom(ctx, pgx.Identifier{core.SchemaAudit, RejectionTable(table)}, rejectionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, "", fmt.Errorf("write rejections for %s: %w", table, err)
	}

	path, err := w.exportCSV(table, runID, rejections, payloads)
	if err != nil {
		return len(rejections), "", err
	}
	return len(rejections), path, nil
}

func encodePayload(payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(core.JSONSafe(payload))
	if err != nil {
		b, _ = json.Marshal(map[string]any{"raw": fmt.Sprint(payload)})
	}
	return string(b)
}

func (w *Writer) exportCSV(table string, runID pgtype.UUID, rejections []core.Rejection, payloads []string) (string, error) {
	if err := os.MkdirAll(w.rejectionsDir, 0o755); err != nil {
		return "", fmt.Errorf("create rejections dir: %w", err)
	}
	path := filepath.Join(w.rejectionsDir, ExportFileName(table, runID, w.now().Format("20060102T150405-0700")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create rejection export: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(exportHeader); err != nil {
		return "", err
	}
	id := core.PgUUIDToString(runID)
	for i, r := range rejections {
		record := []string{
			table,
			strconv.Itoa(r.SourceRowNumber),
			string(r.Reason),
			r.Detail,
			payloads[i],
			id,
		}
		if err := cw.Write(record); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("write rejection export: %w", err)
	}
	return path, f.Close()
}
