package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// TransformResult is the outcome of running the pipeline over one batch.
type TransformResult struct {
	// Frame holds the valid, cast, deduplicated records in promotion order.
	Frame *Frame

	// Rejections holds cast errors, required-null rows, duplicate rows
	// and at most one duplicate summary record.
	Rejections []Rejection

	// RowsIn counts records after empty-row pruning.
	RowsIn int
	// RowsOut counts valid records.
	RowsOut int
	// RowsRejected counts distinct records excluded from the valid set.
	RowsRejected int

	DroppedHeaders   []string
	DroppedEmptyRows int
	CastErrors       int
	DuplicateRows    int
}

// Transform runs header normalization, text normalization, type casting,
// empty-row pruning, required-column validation and keep-last deduplication,
// strictly in that order.
//
// Data quality problems become rejections. A required or unique-key column
// absent from the source is a configuration error and aborts the table.
func Transform(spec TableSyncSpec, batch *Batch) (*TransformResult, error) {
	frame, dropped := NormalizeBatch(batch)
	res := &TransformResult{DroppedHeaders: dropped}

	res.Rejections = append(res.Rejections, castFrame(spec, frame)...)
	res.CastErrors = len(res.Rejections)

	res.DroppedEmptyRows = pruneEmptyRows(spec.BusinessColumns, frame)
	res.RowsIn = frame.Len()

	for _, col := range spec.RequiredColumns {
		if !frame.HasColumn(col) {
			return nil, &MissingColumnError{Table: spec.Name, Kind: "required", Column: col}
		}
	}

	valid, requiredRejections := rejectRequiredNulls(spec, frame.Records)
	res.Rejections = append(res.Rejections, requiredRejections...)

	for _, key := range spec.UniqueKeys {
		if !frame.HasColumn(key) {
			return nil, &MissingColumnError{Table: spec.Name, Kind: "unique key", Column: key}
		}
	}

	kept, duplicates := Deduplicate(valid, spec.UniqueKeys, effectiveOrder(spec.DedupeOrderBy, frame))
	res.Rejections = append(res.Rejections, duplicateRejections(spec, duplicates)...)
	res.DuplicateRows = len(duplicates)

	res.Frame = &Frame{Columns: frame.Columns, Records: kept}
	res.RowsOut = len(kept)
	res.RowsRejected = len(requiredRejections) + len(duplicates)
	return res, nil
}

// castOrder returns the typed columns in a deterministic order: business
// columns first, then any extra typed column by name.
func castOrder(spec TableSyncSpec) []string {
	seen := make(map[string]bool, len(spec.Types))
	var order []string
	for _, c := range spec.BusinessColumns {
		if _, ok := spec.Types[c]; ok {
			order = append(order, c)
			seen[c] = true
		}
	}
	var extra []string
	for c := range spec.Types {
		if !seen[c] {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func castFrame(spec TableSyncSpec, frame *Frame) []Rejection {
	var rejections []Rejection

	for _, col := range castOrder(spec) {
		if !frame.HasColumn(col) {
			continue
		}
		typeName := spec.Types[col]
		cast, ok := CasterFor(typeName)
		if !ok {
			continue
		}

		for i := range frame.Records {
			rec := &frame.Records[i]
			in := rec.Values[col]
			out := cast(in)
			if in != nil && out == nil {
				rejections = append(rejections, Rejection{
					Table:           spec.Name,
					SourceRowNumber: rec.SourceRowNumber,
					Reason:          ReasonTypeCastError,
					Detail:          fmt.Sprintf("Invalid value for column '%s' as %s", col, typeName),
					Payload:         rowPayload(*rec),
				})
			}
			rec.Values[col] = out
		}
	}

	return rejections
}

// pruneEmptyRows drops records whose business columns are all null.
// It is a no-op when the frame carries none of the business columns.
func pruneEmptyRows(business []string, frame *Frame) int {
	var present []string
	for _, c := range business {
		if frame.HasColumn(c) {
			present = append(present, c)
		}
	}
	if len(present) == 0 {
		return 0
	}

	kept := frame.Records[:0]
	dropped := 0
	for _, rec := range frame.Records {
		empty := true
		for _, c := range present {
			if rec.Values[c] != nil {
				empty = false
				break
			}
		}
		if empty {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	frame.Records = kept
	return dropped
}

func rejectRequiredNulls(spec TableSyncSpec, records []Record) ([]Record, []Rejection) {
	if len(spec.RequiredColumns) == 0 {
		return records, nil
	}

	valid := make([]Record, 0, len(records))
	var rejections []Rejection
	for _, rec := range records {
		var missing []string
		for _, c := range spec.RequiredColumns {
			if rec.Values[c] == nil {
				missing = append(missing, c)
			}
		}
		if len(missing) == 0 {
			valid = append(valid, rec)
			continue
		}
		rejections = append(rejections, Rejection{
			Table:           spec.Name,
			SourceRowNumber: rec.SourceRowNumber,
			Reason:          ReasonRequiredNull,
			Detail:          "Required columns null: " + strings.Join(missing, ", "),
			Payload:         rowPayload(rec),
		})
	}
	return valid, rejections
}

func effectiveOrder(order []string, frame *Frame) []string {
	var out []string
	for _, c := range order {
		if frame.HasColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// Deduplicate stable-sorts records by orderBy (nulls last) and keeps the
// last record of each unique-key group. Null key values compare equal to
// each other. Both returned slices preserve sort order. Without keys every
// record is kept.
func Deduplicate(records []Record, keys, orderBy []string) (kept, duplicates []Record) {
	if len(keys) == 0 {
		return records, nil
	}

	work := make([]Record, len(records))
	copy(work, records)
	if len(orderBy) > 0 {
		sort.SliceStable(work, func(i, j int) bool {
			for _, c := range orderBy {
				if cmp := compareNullsLast(work[i].Values[c], work[j].Values[c]); cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
	}

	last := make(map[string]int, len(work))
	for i, rec := range work {
		last[groupKey(rec, keys)] = i
	}

	kept = make([]Record, 0, len(last))
	for i, rec := range work {
		if last[groupKey(rec, keys)] == i {
			kept = append(kept, rec)
		} else {
			duplicates = append(duplicates, rec)
		}
	}
	return kept, duplicates
}

func groupKey(rec Record, keys []string) string {
	var b strings.Builder
	for _, k := range keys {
		v := rec.Values[k]
		if v == nil {
			b.WriteString("\x00")
		} else {
			fmt.Fprintf(&b, "%T=%v", v, JSONSafe(v))
		}
		b.WriteString("\x1f")
	}
	return b.String()
}

// compareNullsLast orders values of the same cast type; nil sorts after
// everything. Mixed types fall back to their text form.
func compareNullsLast(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return compareOrdered(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return compareOrdered(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case pgtype.Date:
		if y, ok := b.(pgtype.Date); ok {
			return x.Time.Compare(y.Time)
		}
	}
	return strings.Compare(fmt.Sprint(JSONSafe(a)), fmt.Sprint(JSONSafe(b)))
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func duplicateRejections(spec TableSyncSpec, duplicates []Record) []Rejection {
	if len(duplicates) == 0 {
		return nil
	}

	keys := "[" + strings.Join(spec.UniqueKeys, ", ") + "]"
	detailed := duplicates
	if len(detailed) > MaxDuplicateRejections {
		detailed = detailed[:MaxDuplicateRejections]
	}

	rejections := make([]Rejection, 0, len(detailed)+1)
	for _, rec := range detailed {
		rejections = append(rejections, Rejection{
			Table:           spec.Name,
			SourceRowNumber: rec.SourceRowNumber,
			Reason:          ReasonDuplicateUniqueKey,
			Detail:          fmt.Sprintf("Duplicate row for unique keys %s; kept last occurrence", keys),
			Payload:         rowPayload(rec),
		})
	}

	if omitted := len(duplicates) - len(detailed); omitted > 0 {
		rejections = append(rejections, Rejection{
			Table:           spec.Name,
			SourceRowNumber: 0,
			Reason:          ReasonDuplicateUniqueKeySummary,
			Detail: fmt.Sprintf("%d additional duplicate rows for unique keys %s omitted (total duplicates: %d)",
				omitted, keys, len(duplicates)),
			Payload: map[string]any{
				"omitted":          omitted,
				"total_duplicates": len(duplicates),
				"detailed":         len(detailed),
				"unique_keys":      spec.UniqueKeys,
			},
		})
	}
	return rejections
}
