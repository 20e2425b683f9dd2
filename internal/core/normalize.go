package core

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// headerAliases maps normalized header spellings to canonical column names.
var headerAliases = map[string]string{
	"desc": "descricao",
}

var nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

// SnakeCase canonicalizes a header: diacritics are stripped, the result is
// lowercased, runs of non-alphanumerics become a single underscore and a
// leading digit gets a "col_" prefix. It returns "" when nothing survives.
//
//	SnakeCase("Descrição do Item") // "descricao_do_item"
//	SnakeCase("2º Turno")          // "col_2o_turno"
func SnakeCase(s string) string {
	// NFKD splits accents off their base letters and folds NBSP to a space.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	ascii, _, err := transform.String(t, s)
	if err != nil {
		ascii = s
	}

	ascii = strings.ToLower(strings.TrimSpace(ascii))
	ascii = nonAlnumRE.ReplaceAllString(ascii, "_")
	ascii = strings.Trim(ascii, "_")
	if ascii == "" {
		return ""
	}
	if ascii[0] >= '0' && ascii[0] <= '9' {
		return "col_" + ascii
	}
	return ascii
}

// NormalizeColumnName applies SnakeCase and header aliases.
func NormalizeColumnName(s string) string {
	n := SnakeCase(s)
	if alias, ok := headerAliases[n]; ok {
		return alias
	}
	return n
}

// NormalizeColumnNames normalizes every name in a configured column list.
func NormalizeColumnNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, NormalizeColumnName(n))
	}
	return out
}

// NormalizeText trims a textual cell after folding non-breaking spaces.
// Blank strings become nil; non-string values pass through.
func NormalizeText(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
	if s == "" {
		return nil
	}
	return s
}

// NormalizeBatch converts a raw batch into a Frame with canonical column
// names and normalized text values. Headers that normalize to nothing or to
// an "unnamed" placeholder are dropped and returned. Source columns that
// normalize to the same name are merged, keeping the first non-nil value in
// source column order.
func NormalizeBatch(b *Batch) (*Frame, []string) {
	var dropped []string
	target := make([]int, len(b.Columns)) // source index -> frame column index, -1 when dropped
	index := make(map[string]int)
	frame := &Frame{}

	for i, original := range b.Columns {
		name := NormalizeColumnName(original)
		if name == "" || strings.HasPrefix(name, "unnamed") {
			dropped = append(dropped, original)
			target[i] = -1
			continue
		}
		pos, ok := index[name]
		if !ok {
			pos = len(frame.Columns)
			index[name] = pos
			frame.Columns = append(frame.Columns, name)
		}
		target[i] = pos
	}

	frame.Records = make([]Record, 0, len(b.Rows))
	for _, row := range b.Rows {
		rec := Record{
			SourceFile:      row.SourceFile,
			SourceRowNumber: row.SourceRowNumber,
			Values:          make(map[string]any, len(frame.Columns)),
		}
		for i, cell := range row.Cells {
			if i >= len(target) || target[i] < 0 {
				continue
			}
			col := frame.Columns[target[i]]
			if rec.Values[col] != nil {
				continue
			}
			rec.Values[col] = NormalizeText(cell)
		}
		frame.Records = append(frame.Records, rec)
	}

	return frame, dropped
}

// formatScalar renders a non-string source value as text.
func formatScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(x), true
	case []byte:
		return string(x), true
	}
	return "", false
}
