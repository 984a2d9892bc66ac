package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
)

// timeLayout is the fixed-width UTC text form timestamps take inside the
// stores. Lexicographic order equals chronological order, so SQL range
// predicates and ORDER BY work on the raw text.
const timeLayout = "2006-01-02 15:04:05.000000000"

// formatTime renders a timestamp in store text form.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a store text timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// formatTimePtr renders a nullable timestamp.
func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTimePtr reads a nullable store timestamp.
func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// textOrNull converts a Go string to a nullable column value.
// Empty string stores as NULL.
func textOrNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// textPtrToNullable converts a *string to a nullable column value.
func textPtrToNullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableToPtr converts a nullable column value to *string.
func nullableToPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// nullableToString converts a nullable column value to a Go string.
func nullableToString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

// intPtrToNullable converts a *int to a nullable column value.
func intPtrToNullable(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// nullableToIntPtr converts a nullable column value to *int.
func nullableToIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// marshalJSON encodes v for a JSON column, storing NULL for nil.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON decodes a JSON column into out, leaving out untouched for
// NULL or empty values. Numbers decode as json.Number so integral values
// keep their exact text form.
func unmarshalJSON(raw sql.NullString, out any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(raw.String))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Used to map name collisions to domain.ErrAlreadyExists.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapConflict rewrites unique violations to the domain sentinel.
func mapConflict(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}
