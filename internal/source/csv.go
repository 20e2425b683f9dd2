package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func readCSV(ctx context.Context, path string) (*core.Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data, enc, err := decodeText(raw)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if enc != encodingUTF8 {
		slog.Info("csv is not utf-8, decoded as legacy code page", "file", path, "encoding", enc)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid csv header: %w", err)
	}
	b := newBuilder(path, append([]string(nil), header...))

	for n := 0; ; n++ {
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid csv: %w", err)
		}
		b.add(stringCells(record))
	}

	return b.batch, nil
}
