package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/loom-data/loom/engine/internal/domain"
)

// parseCSV reads header + rows into records with typed cells: integer,
// float, and boolean values are recognized, everything else stays a
// string. Empty cells become null.
func parseCSV(r io.Reader) ([]domain.Record, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid file format: csv header: %w", err)
	}

	var records []domain.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid file format: csv row: %w", err)
		}
		rec := make(domain.Record, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = typedCell(row[i])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// typedCell converts one csv cell to its JSON-typed value.
func typedCell(s string) any {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(n, 10))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	}
	switch s {
	case "true", "TRUE", "True":
		return true
	case "false", "FALSE", "False":
		return false
	}
	return s
}

// parseJSONRecords decodes a JSON document into records. Accepted shapes:
// an array of objects, a single object holding an array under
// recordsField, or (when recordsField is empty) a single object whose
// first array-of-objects field is taken.
func parseJSONRecords(data []byte, recordsField string) ([]domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid file format: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		return toRecords(v)
	case map[string]any:
		if recordsField != "" {
			arr, ok := v[recordsField].([]any)
			if !ok {
				return nil, fmt.Errorf("invalid file format: field %q is not an array", recordsField)
			}
			return toRecords(arr)
		}
		for _, value := range v {
			if arr, ok := value.([]any); ok {
				if recs, err := toRecords(arr); err == nil {
					return recs, nil
				}
			}
		}
		return nil, fmt.Errorf("invalid file format: no array of objects found")
	}
	return nil, fmt.Errorf("invalid file format: expected array or object")
}

// toRecords asserts every element is an object.
func toRecords(items []any) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid file format: element %d is not an object", i)
		}
		records = append(records, domain.Record(obj))
	}
	return records, nil
}
