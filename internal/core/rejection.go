package core

import (
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ReasonCode classifies a rejected source row.
type ReasonCode string

const (
	ReasonRequiredNull              ReasonCode = "required_null"
	ReasonTypeCastError             ReasonCode = "type_cast_error"
	ReasonDuplicateUniqueKey        ReasonCode = "duplicate_unique_key"
	ReasonDuplicateUniqueKeySummary ReasonCode = "duplicate_unique_key_summary"
)

// MaxDuplicateRejections bounds the detailed duplicate-key records emitted
// per validation pass. The remainder is folded into one summary record.
const MaxDuplicateRejections = 200

// Rejection is one source row excluded or flagged during transformation.
type Rejection struct {
	Table           string
	SourceRowNumber int
	Reason          ReasonCode
	Detail          string
	Payload         map[string]any
}

// rowPayload snapshots a record as a JSON-safe map including its lineage.
func rowPayload(rec Record) map[string]any {
	payload := make(map[string]any, len(rec.Values)+2)
	for k, v := range rec.Values {
		payload[k] = JSONSafe(v)
	}
	payload[ColSourceFile] = rec.SourceFile
	payload[ColSourceRowNumber] = rec.SourceRowNumber
	return payload
}

// JSONSafe converts cast values to types encoding/json renders faithfully:
// dates become ISO strings and non-finite floats become nil.
func JSONSafe(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case pgtype.Date:
		if !x.Valid {
			return nil
		}
		return x.Time.Format("2006-01-02")
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case []byte:
		return string(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = JSONSafe(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = JSONSafe(vv)
		}
		return out
	}
	return v
}
