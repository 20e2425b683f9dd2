package core

// convert.go casts normalized source values to the declared column types.
//
// These functions handle the messy reality of spreadsheet extracts:
//   - Day-first dates (02/01/2024 is 2 January), ISO dates and Excel serial days
//   - Locale numbers where ',' is the decimal point and '.' groups thousands
//   - Portuguese and English boolean words
//
// A cast returns nil when the value is null or cannot be converted. Callers
// compare input and output to detect cast failures.

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

var integerRegex = regexp.MustCompile(`^[+-]?\d+$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts, most specific first. Slash, dash and dot layouts are day-first.
var (
	isoLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"2006/01/02 15:04:05",
		"2006/01/02",
		"20060102",
	}
	dayFirstLayouts = []string{
		"2/1/2006 15:04:05", "2/1/2006 15:04", "2/1/2006",
		"2-1-2006 15:04:05", "2-1-2006 15:04", "2-1-2006",
		"2.1.2006 15:04:05", "2.1.2006",
	}
	twoDigitYearLayouts = []string{
		"2/1/06 15:04", "2/1/06", "2-1-06", "2.1.06",
	}
)

// excelEpoch is day zero of the 1900 date system as used by Excel serials.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Largest serial Excel accepts (9999-12-31).
const maxExcelSerial = 2958465

// CastFunc converts one value; nil means null or unconvertible.
type CastFunc func(v any) any

// CasterFor returns the cast for a declared type name. Unknown type names
// report false and are left uncast.
func CasterFor(typeName string) (CastFunc, bool) {
	switch strings.ToLower(strings.TrimSpace(typeName)) {
	case "text", "varchar", "string":
		return CastText, true
	case "int", "integer", "bigint":
		return CastInteger, true
	case "float", "double", "numeric", "decimal":
		return CastNumeric, true
	case "date":
		return CastDate, true
	case "timestamp", "timestamptz", "datetime":
		return CastTimestamp, true
	case "bool", "boolean":
		return CastBool, true
	}
	return nil, false
}

// CastText trims strings and renders scalars as text. Blank becomes nil.
func CastText(v any) any {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case pgtype.Date:
		if !x.Valid {
			return nil
		}
		return x.Time.Format("2006-01-02")
	}
	s, ok := formatScalar(v)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

// ParseNumber parses a general number. When the text contains ',' every '.'
// is treated as a thousands separator and ',' as the decimal point.
func ParseNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		f := float64(x)
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	case bool:
		return 0, false
	}

	s, ok := formatScalar(v)
	if !ok {
		return 0, false
	}
	s = normalizeNumberText(s)
	if s == "" || !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func normalizeNumberText(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}

// CastNumeric casts to float64.
func CastNumeric(v any) any {
	f, ok := ParseNumber(v)
	if !ok {
		return nil
	}
	return f
}

// CastInteger casts to int64. Values with a non-zero fractional part are
// rejected; integral floats are rounded.
func CastInteger(v any) any {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case string:
		// Exact path for long integers that float64 cannot hold.
		s := strings.TrimSpace(x)
		if integerRegex.MatchString(s) {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
	}

	f, ok := ParseNumber(v)
	if !ok {
		return nil
	}
	if f != math.Trunc(f) {
		return nil
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
	if f >= 1<<63 || f < -(1<<63) {
		return nil
	}
	return int64(math.Round(f))
}

// CastBool maps a fixed truthy/falsy vocabulary to bool.
func CastBool(v any) any {
	if b, ok := v.(bool); ok {
		return b
	}
	s, ok := formatScalar(v)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "sim":
		return true
	case "0", "false", "f", "no", "n", "nao", "não":
		return false
	}
	return nil
}

// CastDate casts to pgtype.Date. Time-of-day is discarded.
func CastDate(v any) any {
	t, ok := ParseDateTime(v)
	if !ok {
		return nil
	}
	return pgtype.Date{
		Time:  time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
		Valid: true,
	}
}

// CastTimestamp casts to a UTC time.Time. Values without a zone are read as UTC.
func CastTimestamp(v any) any {
	t, ok := ParseDateTime(v)
	if !ok {
		return nil
	}
	return t.UTC()
}

// ParseDateTime parses ISO layouts, day-first layouts and Excel serial day numbers.
func ParseDateTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return x, true
	case pgtype.Date:
		return x.Time, x.Valid
	case float64, float32, int64, int32, int:
		f, _ := ParseNumber(x)
		return fromExcelSerial(f)
	}

	s, ok := formatScalar(v)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range dayFirstLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	// Raw spreadsheet cells carry dates as serial day numbers.
	if numericRegex.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromExcelSerial(f)
		}
	}

	return time.Time{}, false
}

func fromExcelSerial(f float64) (time.Time, bool) {
	if f < 1 || f > maxExcelSerial || math.IsNaN(f) {
		return time.Time{}, false
	}
	days := math.Floor(f)
	frac := f - days
	t := excelEpoch.AddDate(0, 0, int(days))
	t = t.Add(time.Duration(math.Round(frac*86400)) * time.Second)
	return t, true
}
