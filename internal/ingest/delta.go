package ingest

import (
	"fmt"
	"strconv"

	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
)

// deltaResult is the outcome of reducing a batch against the last sync
// state. merged is always a full snapshot; changed is false when the
// reduction found nothing new (no version is appended then).
type deltaResult struct {
	merged    []domain.Record
	watermark *string           // new lastSyncValue, nil when unchanged
	hashes    map[string]string // replacement hash map, hash mode only
	changed   bool
}

// reduceDelta applies the configured delta mode. latest is the previous
// version's record set (nil for an empty store). cdc mode is handled by
// the engine via mergeChanges and never reaches here.
func reduceDelta(cfg *SourceConfig, batch, latest []domain.Record, lastSyncValue *string, storedHashes map[string]string) (*deltaResult, error) {
	switch cfg.Delta.Mode {
	case DeltaNone:
		return &deltaResult{merged: batch, changed: true}, nil
	case DeltaTimestamp, DeltaVersion:
		return reduceByTrackColumn(cfg, batch, latest, lastSyncValue)
	case DeltaHash:
		return reduceByHash(cfg, batch, latest, storedHashes)
	}
	return nil, fmt.Errorf("delta mode %q is not supported here", cfg.Delta.Mode)
}

// reduceByTrackColumn keeps records whose track column is strictly
// greater than the persisted watermark and upserts them onto the latest
// snapshot.
func reduceByTrackColumn(cfg *SourceConfig, batch, latest []domain.Record, lastSyncValue *string) (*deltaResult, error) {
	watermark := ""
	if lastSyncValue != nil {
		watermark = *lastSyncValue
	}

	var kept []domain.Record
	maxSeen := watermark
	for _, rec := range batch {
		v, ok := rec[cfg.Delta.TrackColumn]
		if !ok {
			return nil, fmt.Errorf("missing required field: track column %q", cfg.Delta.TrackColumn)
		}
		text := trackText(v)
		if watermark == "" || compareTrack(text, watermark) > 0 {
			kept = append(kept, rec)
		}
		if maxSeen == "" || compareTrack(text, maxSeen) > 0 {
			maxSeen = text
		}
	}

	if len(kept) == 0 {
		return &deltaResult{merged: latest, changed: false}, nil
	}
	merged, err := upsertAll(latest, kept, cfg.PrimaryKey)
	if err != nil {
		return nil, err
	}
	return &deltaResult{merged: merged, watermark: &maxSeen, changed: true}, nil
}

// reduceByHash compares per-key row hashes against the persisted map.
// Changed or new keys are upserts; with fullEnumeration, stored keys
// missing from the batch are deletes.
func reduceByHash(cfg *SourceConfig, batch, latest []domain.Record, storedHashes map[string]string) (*deltaResult, error) {
	newHashes := make(map[string]string, len(batch))
	var upserts []domain.Record
	for _, rec := range batch {
		key, err := diff.Key(rec, cfg.PrimaryKey)
		if err != nil {
			return nil, fmt.Errorf("hash delta key: %w", err)
		}
		hash, err := diff.Hash(rec, cfg.Delta.HashColumns)
		if err != nil {
			return nil, fmt.Errorf("hash delta row: %w", err)
		}
		newHashes[key] = hash
		if storedHashes[key] != hash {
			upserts = append(upserts, rec)
		}
	}

	var deletes map[string]bool
	if cfg.Delta.FullEnumeration {
		for key := range storedHashes {
			if _, ok := newHashes[key]; !ok {
				if deletes == nil {
					deletes = make(map[string]bool)
				}
				deletes[key] = true
			}
		}
	}

	if len(upserts) == 0 && len(deletes) == 0 {
		return &deltaResult{merged: latest, hashes: newHashes, changed: false}, nil
	}

	merged, err := upsertAll(latest, upserts, cfg.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if len(deletes) > 0 {
		filtered := merged[:0:0]
		for _, rec := range merged {
			key, err := diff.Key(rec, cfg.PrimaryKey)
			if err != nil {
				return nil, err
			}
			if !deletes[key] {
				filtered = append(filtered, rec)
			}
		}
		merged = filtered
	}
	return &deltaResult{merged: merged, hashes: newHashes, changed: true}, nil
}

// mergeChanges applies a cdc change feed onto the latest snapshot.
func mergeChanges(latest []domain.Record, changes []Change, primaryKey string) ([]domain.Record, error) {
	index := make(map[string]int, len(latest))
	merged := make([]domain.Record, len(latest))
	copy(merged, latest)
	for i, rec := range merged {
		key, err := diff.Key(rec, primaryKey)
		if err != nil {
			return nil, err
		}
		index[key] = i
	}

	deleted := make(map[string]bool)
	for _, ch := range changes {
		key := ch.Key
		if key == "" && ch.Record != nil {
			k, err := diff.Key(ch.Record, primaryKey)
			if err != nil {
				return nil, err
			}
			key = k
		}
		switch ch.Op {
		case "upsert":
			if i, ok := index[key]; ok {
				merged[i] = ch.Record
				delete(deleted, key)
			} else {
				index[key] = len(merged)
				merged = append(merged, ch.Record)
			}
		case "delete":
			deleted[key] = true
		default:
			return nil, fmt.Errorf("change feed: unknown op %q", ch.Op)
		}
	}

	if len(deleted) == 0 {
		return merged, nil
	}
	result := merged[:0:0]
	for _, rec := range merged {
		key, err := diff.Key(rec, primaryKey)
		if err != nil {
			return nil, err
		}
		if !deleted[key] {
			result = append(result, rec)
		}
	}
	return result, nil
}

// upsertAll overlays updates onto base by record key, preserving base
// order and appending new keys in update order.
func upsertAll(base, updates []domain.Record, primaryKey string) ([]domain.Record, error) {
	index := make(map[string]int, len(base))
	merged := make([]domain.Record, len(base))
	copy(merged, base)
	for i, rec := range merged {
		key, err := diff.Key(rec, primaryKey)
		if err != nil {
			return nil, err
		}
		index[key] = i
	}
	for _, rec := range updates {
		key, err := diff.Key(rec, primaryKey)
		if err != nil {
			return nil, err
		}
		if i, ok := index[key]; ok {
			merged[i] = rec
		} else {
			index[key] = len(merged)
			merged = append(merged, rec)
		}
	}
	return merged, nil
}

// trackText renders a track column value for watermark comparison.
func trackText(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case fmt.Stringer:
		return n.String()
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprint(v)
	}
}

// compareTrack compares two watermark texts: numerically when both
// parse as numbers, lexicographically otherwise (which is correct for
// RFC 3339 and the store's fixed-width timestamps).
func compareTrack(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
