package diff

import (
	"fmt"

	"github.com/loom-data/loom/engine/internal/domain"
)

// Compute returns the change set that turns old into new. Records are
// matched by identity (see Key); a record present in both sides with any
// differing field is reported as modified with per-field old/new values.
// Output ordering follows input ordering so diffs are deterministic.
func Compute(old, new []domain.Record, primaryKey string) (*domain.RecordDiff, error) {
	oldByKey := make(map[string]domain.Record, len(old))
	oldKeys := make([]string, 0, len(old))
	for _, rec := range old {
		k, err := Key(rec, primaryKey)
		if err != nil {
			return nil, fmt.Errorf("key old record: %w", err)
		}
		if _, seen := oldByKey[k]; !seen {
			oldKeys = append(oldKeys, k)
		}
		oldByKey[k] = rec
	}

	d := &domain.RecordDiff{
		Added:    []domain.Record{},
		Removed:  []domain.Record{},
		Modified: []domain.ModifiedRecord{},
	}

	newKeys := make(map[string]struct{}, len(new))
	for _, rec := range new {
		k, err := Key(rec, primaryKey)
		if err != nil {
			return nil, fmt.Errorf("key new record: %w", err)
		}
		newKeys[k] = struct{}{}

		prev, existed := oldByKey[k]
		if !existed {
			d.Added = append(d.Added, rec)
			continue
		}
		if fields := changedFields(prev, rec); len(fields) > 0 {
			d.Modified = append(d.Modified, domain.ModifiedRecord{
				Key:    k,
				Old:    prev,
				New:    rec,
				Fields: fields,
			})
		}
	}

	for _, k := range oldKeys {
		if _, stillThere := newKeys[k]; !stillThere {
			d.Removed = append(d.Removed, oldByKey[k])
		}
	}

	return d, nil
}

// changedFields returns the per-field changes between two records sharing
// an identity. Fields present on only one side appear with a nil
// counterpart.
func changedFields(old, new domain.Record) map[string]domain.FieldChange {
	fields := make(map[string]domain.FieldChange)
	for name, oldVal := range old {
		newVal, ok := new[name]
		if !ok {
			fields[name] = domain.FieldChange{Old: oldVal, New: nil}
			continue
		}
		if !valueEqual(oldVal, newVal) {
			fields[name] = domain.FieldChange{Old: oldVal, New: newVal}
		}
	}
	for name, newVal := range new {
		if _, ok := old[name]; !ok {
			fields[name] = domain.FieldChange{Old: nil, New: newVal}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Apply replays a change set on top of old and returns the resulting
// record set: removed identities drop, modified identities are replaced
// in place, added records append. Applying Compute(old, new) to old
// yields a set equal to new.
func Apply(old []domain.Record, d *domain.RecordDiff, primaryKey string) ([]domain.Record, error) {
	if d.Empty() {
		out := make([]domain.Record, len(old))
		copy(out, old)
		return out, nil
	}

	removed := make(map[string]struct{}, len(d.Removed))
	for _, rec := range d.Removed {
		k, err := Key(rec, primaryKey)
		if err != nil {
			return nil, fmt.Errorf("key removed record: %w", err)
		}
		removed[k] = struct{}{}
	}
	replacements := make(map[string]domain.Record, len(d.Modified))
	for _, m := range d.Modified {
		replacements[m.Key] = m.New
	}

	out := make([]domain.Record, 0, len(old)+len(d.Added))
	for _, rec := range old {
		k, err := Key(rec, primaryKey)
		if err != nil {
			return nil, fmt.Errorf("key record: %w", err)
		}
		if _, gone := removed[k]; gone {
			continue
		}
		if repl, ok := replacements[k]; ok {
			out = append(out, repl)
			continue
		}
		out = append(out, rec)
	}
	out = append(out, d.Added...)
	return out, nil
}
