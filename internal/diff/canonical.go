// Package diff computes and applies record-level change sets between
// versions of a data source. Record identity is the configured primary key
// value when present, otherwise the canonical JSON of the whole record.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// Canonical returns the canonical JSON encoding of v: object keys sorted
// lexicographically, numbers in shortest round-trip form, minimal string
// escaping, no insignificant whitespace. Two deeply equal values always
// canonicalize to the same bytes.
func Canonical(v any) (string, error) {
	var b strings.Builder
	if err := appendCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func appendCanonical(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case string:
		appendQuoted(b, x)
	case json.Number:
		return appendNumber(b, x)
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		return appendFloat(b, x)
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := appendCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		return appendObject(b, x)
	case domain.Record:
		return appendObject(b, map[string]any(x))
	case []domain.Record:
		b.WriteByte('[')
		for i, r := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := appendObject(b, map[string]any(r)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Uncommon leaf types (e.g. time.Time in metadata) round-trip
		// through encoding/json without HTML escaping.
		raw, err := marshalNoEscape(x)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		// Re-decode so nested maps get sorted too.
		var decoded any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return appendCanonical(b, decoded)
	}
	return nil
}

func appendObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		appendQuoted(b, k)
		b.WriteByte(':')
		if err := appendCanonical(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func appendNumber(b *strings.Builder, n json.Number) error {
	s := string(n)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Integral text is already canonical (JSON forbids leading zeros).
		b.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicalize number %q: %w", s, err)
	}
	return appendFloat(b, f)
}

func appendFloat(b *strings.Builder, f float64) error {
	if f != f || f > maxJSONFloat || f < -maxJSONFloat {
		return fmt.Errorf("canonicalize: %v is not a valid JSON number", f)
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const maxJSONFloat = 1.797693134862315708145274237317043567981e+308

func appendQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func marshalNoEscape(v any) (string, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Key returns the identity of a record: the canonical form of its primary
// key value when primaryKey is set and present, otherwise the canonical
// form of the whole record.
func Key(rec domain.Record, primaryKey string) (string, error) {
	if primaryKey != "" {
		if v, ok := rec[primaryKey]; ok && v != nil {
			return Canonical(v)
		}
	}
	return Canonical(rec)
}

// Hash returns the hex SHA-256 of the canonical form of rec projected to
// the given fields (the whole record when fields is empty). Used by
// hash-mode delta sync.
func Hash(rec domain.Record, fields []string) (string, error) {
	v := any(rec)
	if len(fields) > 0 {
		projected := make(map[string]any, len(fields))
		for _, f := range fields {
			if val, ok := rec[f]; ok {
				projected[f] = val
			}
		}
		v = projected
	}
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:]), nil
}

// valueEqual compares two values by canonical form, so json.Number("1"),
// int64(1), and float64(1) all compare equal.
func valueEqual(a, b any) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}
