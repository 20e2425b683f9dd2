package source

// encoding.go normalizes raw CSV bytes before parsing:
//
//   - The UTF-8 BOM (0xEF 0xBB 0xBF) written by Windows programs is removed
//   - Files that are not valid UTF-8 are decoded as Windows-1252, the code
//     page Excel uses for "CSV (separated by semicolons)" exports on
//     Portuguese-language Windows

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Encodings reported by decodeText.
const (
	encodingUTF8        = "utf-8"
	encodingWindows1252 = "windows-1252"
)

// decodeText returns UTF-8 text and the encoding it was read as.
func decodeText(data []byte) ([]byte, string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	if utf8.Valid(data) {
		return data, encodingUTF8, nil
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", err
	}
	return decoded, encodingWindows1252, nil
}

// sniffDelimiter picks ';' when the header line has more semicolons than
// commas, which is how Excel writes CSV under a comma-decimal locale.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}
