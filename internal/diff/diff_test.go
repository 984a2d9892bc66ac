package diff_test

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
)

func TestCanonical_SortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := diff.Canonical(domain.Record{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, got)
}

func TestCanonical_NestedStructures(t *testing.T) {
	rec := domain.Record{
		"outer": map[string]any{"z": []any{1, "two", nil}, "a": map[string]any{"k": false}},
	}
	got, err := diff.Canonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":{"k":false},"z":[1,"two",null]}}`, got)
}

func TestCanonical_NumberForms(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{json.Number("42"), "42"},
		{json.Number("42.0"), "42"},
		{json.Number("0.5"), "0.5"},
		{int64(7), "7"},
		{float64(7), "7"},
		{float64(2.5), "2.5"},
	}
	for _, tt := range tests {
		got, err := diff.Canonical(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCanonical_EquivalentNumbersMatch(t *testing.T) {
	a, err := diff.Canonical(domain.Record{"n": json.Number("3")})
	require.NoError(t, err)
	b, err := diff.Canonical(domain.Record{"n": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonical_StringEscaping(t *testing.T) {
	got, err := diff.Canonical(`line1
line2	"quoted" \ <tag>`)
	require.NoError(t, err)
	assert.Equal(t, `"line1\nline2\t\"quoted\" \\ <tag>"`, got)
}

func TestKey_PrimaryKeyAndFallback(t *testing.T) {
	rec := domain.Record{"id": json.Number("1"), "v": "a"}

	withPK, err := diff.Key(rec, "id")
	require.NoError(t, err)
	assert.Equal(t, "1", withPK)

	whole, err := diff.Key(rec, "")
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"v":"a"}`, whole)

	// Missing primary key falls back to the whole record.
	missing, err := diff.Key(rec, "nope")
	require.NoError(t, err)
	assert.Equal(t, whole, missing)
}

func TestCompute_AddModifyRemove(t *testing.T) {
	v1 := []domain.Record{
		{"id": json.Number("1"), "v": "a"},
		{"id": json.Number("2"), "v": "b"},
	}
	v2 := []domain.Record{
		{"id": json.Number("1"), "v": "a"},
		{"id": json.Number("2"), "v": "B"},
		{"id": json.Number("3"), "v": "c"},
	}

	d, err := diff.Compute(v1, v2, "id")
	require.NoError(t, err)

	require.Len(t, d.Added, 1)
	assert.Equal(t, "c", d.Added[0]["v"])

	assert.Empty(t, d.Removed)

	require.Len(t, d.Modified, 1)
	m := d.Modified[0]
	assert.Equal(t, "2", m.Key)
	require.Contains(t, m.Fields, "v")
	assert.Equal(t, "b", m.Fields["v"].Old)
	assert.Equal(t, "B", m.Fields["v"].New)
}

func TestCompute_RemovedRecords(t *testing.T) {
	v1 := []domain.Record{
		{"id": json.Number("1")},
		{"id": json.Number("2")},
	}
	v2 := []domain.Record{
		{"id": json.Number("2")},
	}

	d, err := diff.Compute(v1, v2, "id")
	require.NoError(t, err)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, json.Number("1"), d.Removed[0]["id"])
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Modified)
}

func TestCompute_FieldAddedAndDropped(t *testing.T) {
	v1 := []domain.Record{{"id": json.Number("1"), "old_field": "x"}}
	v2 := []domain.Record{{"id": json.Number("1"), "new_field": "y"}}

	d, err := diff.Compute(v1, v2, "id")
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	fields := d.Modified[0].Fields
	assert.Equal(t, domain.FieldChange{Old: "x", New: nil}, fields["old_field"])
	assert.Equal(t, domain.FieldChange{Old: nil, New: "y"}, fields["new_field"])
}

func TestCompute_IdenticalSetsAreEmpty(t *testing.T) {
	recs := []domain.Record{{"id": json.Number("1"), "v": "a"}}
	d, err := diff.Compute(recs, recs, "id")
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestApply_RoundTrips(t *testing.T) {
	tests := []struct {
		name       string
		primaryKey string
		old        []domain.Record
		new        []domain.Record
	}{
		{
			name:       "modify and add",
			primaryKey: "id",
			old: []domain.Record{
				{"id": json.Number("1"), "v": "a"},
				{"id": json.Number("2"), "v": "b"},
			},
			new: []domain.Record{
				{"id": json.Number("1"), "v": "a"},
				{"id": json.Number("2"), "v": "B"},
				{"id": json.Number("3"), "v": "c"},
			},
		},
		{
			name:       "remove everything",
			primaryKey: "id",
			old:        []domain.Record{{"id": json.Number("1")}, {"id": json.Number("2")}},
			new:        []domain.Record{},
		},
		{
			name:       "from empty",
			primaryKey: "id",
			old:        []domain.Record{},
			new:        []domain.Record{{"id": json.Number("9"), "v": "z"}},
		},
		{
			name:       "no primary key",
			primaryKey: "",
			old:        []domain.Record{{"a": "1"}, {"a": "2"}},
			new:        []domain.Record{{"a": "2"}, {"a": "3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := diff.Compute(tt.old, tt.new, tt.primaryKey)
			require.NoError(t, err)

			got, err := diff.Apply(tt.old, d, tt.primaryKey)
			require.NoError(t, err)
			assert.Equal(t, canonicalSet(t, tt.new), canonicalSet(t, got))
		})
	}
}

func TestHash_ProjectionAndStability(t *testing.T) {
	rec := domain.Record{"id": json.Number("1"), "name": "a", "updated": "2026-01-01"}

	full1, err := diff.Hash(rec, nil)
	require.NoError(t, err)
	full2, err := diff.Hash(domain.Record{"updated": "2026-01-01", "name": "a", "id": json.Number("1")}, nil)
	require.NoError(t, err)
	assert.Equal(t, full1, full2, "hash must not depend on map iteration order")

	// Projection ignores unselected columns.
	proj1, err := diff.Hash(rec, []string{"id", "name"})
	require.NoError(t, err)
	changed := domain.Record{"id": json.Number("1"), "name": "a", "updated": "2027-12-31"}
	proj2, err := diff.Hash(changed, []string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, proj1, proj2)

	renamed := domain.Record{"id": json.Number("1"), "name": "b"}
	proj3, err := diff.Hash(renamed, []string{"id", "name"})
	require.NoError(t, err)
	assert.NotEqual(t, proj1, proj3)
}

// canonicalSet renders records as a sorted slice of canonical strings so
// two record sets can be compared without regard to order.
func canonicalSet(t *testing.T, recs []domain.Record) []string {
	t.Helper()
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		c, err := diff.Canonical(r)
		require.NoError(t, err)
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
