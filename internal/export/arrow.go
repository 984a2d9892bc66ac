package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/loom-data/loom/engine/internal/domain"
)

var allocator = memory.NewGoAllocator()

// arrowType maps an inferred schema field to an Arrow type. Compound
// and unknown types degrade to string.
func arrowType(field domain.SchemaField) arrow.DataType {
	switch field.Type {
	case "integer":
		return arrow.PrimitiveTypes.Int64
	case "float":
		return arrow.PrimitiveTypes.Float64
	case "boolean":
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// recordsToIPC renders a record set as one Arrow IPC stream with a
// single batch. Field order is sorted for a stable layout.
func recordsToIPC(schema domain.Schema, records []domain.Record) ([]byte, error) {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	builders := make([]array.Builder, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrowType(schema[name]), Nullable: true}
		builders[i] = array.NewBuilder(allocator, fields[i].Type)
	}
	arrowSchema := arrow.NewSchema(fields, nil)

	for _, rec := range records {
		for i, name := range names {
			if err := appendValue(builders[i], rec[name]); err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		b.Release()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	batch := array.NewRecord(arrowSchema, cols, int64(len(records)))
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(arrowSchema), ipc.WithAllocator(allocator))
	if err := w.Write(batch); err != nil {
		w.Close()
		return nil, fmt.Errorf("write arrow batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close arrow stream: %w", err)
	}
	return buf.Bytes(), nil
}

// appendValue writes one cell into the column builder, coercing JSON
// values into the column's Arrow type.
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		n, err := toNumber(v)
		if err != nil {
			return err
		}
		builder.Append(int64(n))
	case *array.Float64Builder:
		n, err := toNumber(v)
		if err != nil {
			return err
		}
		builder.Append(n)
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		builder.Append(val)
	case *array.StringBuilder:
		builder.Append(cellText(v))
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

func toNumber(v any) (float64, error) {
	switch val := v.(type) {
	case json.Number:
		return val.Float64()
	case float64:
		return val, nil
	case int64:
		return float64(val), nil
	case int:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// IPCToRecords reads an Arrow IPC stream back into records. Used by the
// query surface and by the export round-trip tests.
func IPCToRecords(data []byte) ([]domain.Record, error) {
	if len(data) == 0 {
		return []domain.Record{}, nil
	}
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(allocator))
	if err != nil {
		return nil, fmt.Errorf("open arrow reader: %w", err)
	}
	defer reader.Release()

	var records []domain.Record
	for reader.Next() {
		batch := reader.RecordBatch()
		for i := 0; i < int(batch.NumRows()); i++ {
			rec := make(domain.Record, int(batch.NumCols()))
			for j := 0; j < int(batch.NumCols()); j++ {
				rec[batch.ColumnName(j)] = columnValue(batch.Column(j), i)
			}
			records = append(records, rec)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read arrow batches: %w", err)
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

// columnValue extracts one value, nil for nulls. Unknown types fall
// back to their string rendering.
func columnValue(col arrow.Array, idx int) any {
	if col.IsNull(idx) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(idx)
	case *array.Float64:
		return c.Value(idx)
	case *array.Boolean:
		return c.Value(idx)
	case *array.String:
		return c.Value(idx)
	case *array.LargeString:
		return c.Value(idx)
	case *array.Timestamp:
		dt := c.DataType().(*arrow.TimestampType)
		return c.Value(idx).ToTime(dt.Unit).UTC().Format(time.RFC3339)
	default:
		return col.String()
	}
}
