package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// parquetBatchSize is the number of rows decoded per ReadRows call.
const parquetBatchSize = 512

// leafDecoder converts one physical value of a leaf column.
type leafDecoder func(parquet.Value) any

// readParquet reads a flat Parquet file. Nested columns are exposed by
// their dotted path.
func readParquet(ctx context.Context, path string) (*core.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, err
	}

	schema := pf.Schema()
	paths := schema.Columns()
	header := make([]string, len(paths))
	decoders := make([]leafDecoder, len(paths))
	for i, p := range paths {
		header[i] = strings.Join(p, ".")
		leaf, ok := schema.Lookup(p...)
		if !ok {
			return nil, fmt.Errorf("column %s not found in schema", header[i])
		}
		decoders[leaf.ColumnIndex] = decoderFor(leaf.Node.Type())
	}
	b := newBuilder(path, header)

	reader := parquet.NewReader(pf)
	defer reader.Close()

	buf := make([]parquet.Row, parquetBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			cells := make([]any, len(header))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(cells) || v.IsNull() {
					continue
				}
				// Repeated leaves keep their first element.
				if cells[col] == nil {
					cells[col] = decoders[col](v)
				}
			}
			b.add(cells)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return b.batch, nil
}

// decoderFor maps a leaf type to Go values the cast stage understands:
// int64, float64, bool, string and time.Time.
func decoderFor(t parquet.Type) leafDecoder {
	lt := t.LogicalType()

	switch {
	case lt != nil && lt.Date != nil:
		return func(v parquet.Value) any {
			return time.Unix(int64(v.Int32())*86400, 0).UTC()
		}
	case lt != nil && lt.Timestamp != nil:
		unit := lt.Timestamp.Unit
		return func(v parquet.Value) any {
			n := v.Int64()
			switch {
			case unit.Millis != nil:
				return time.UnixMilli(n).UTC()
			case unit.Micros != nil:
				return time.UnixMicro(n).UTC()
			default:
				return time.Unix(0, n).UTC()
			}
		}
	case lt != nil && lt.Decimal != nil:
		return decimalDecoder(lt.Decimal)
	}

	switch t.Kind() {
	case parquet.Boolean:
		return func(v parquet.Value) any { return v.Boolean() }
	case parquet.Int32:
		return func(v parquet.Value) any { return int64(v.Int32()) }
	case parquet.Int64:
		return func(v parquet.Value) any { return v.Int64() }
	case parquet.Float:
		return func(v parquet.Value) any { return float64(v.Float()) }
	case parquet.Double:
		return func(v parquet.Value) any { return v.Double() }
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return func(v parquet.Value) any { return string(v.ByteArray()) }
	}
	return func(v parquet.Value) any { return v.String() }
}

func decimalDecoder(d *format.DecimalType) leafDecoder {
	scale := math.Pow10(int(d.Scale))
	return func(v parquet.Value) any {
		switch v.Kind() {
		case parquet.Int32:
			return float64(v.Int32()) / scale
		case parquet.Int64:
			return float64(v.Int64()) / scale
		}
		return v.String()
	}
}
