package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Persister loads and saves whole-engine snapshots. Implementations must write
// atomically: after a failed or interrupted Save, Load still returns the
// previous snapshot in full. Load treats
// missing or unreadable parts as empty and only errors when the backend itself
// is unusable.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Snapshot is the persisted form of the engine: one record array per tier
// plus the bookkeeping metadata.
type Snapshot struct {
	Hot  []Record
	Warm []Record
	Cold []Record
	Meta Metadata
}

func (s Snapshot) Len() int {
	return len(s.Hot) + len(s.Warm) + len(s.Cold)
}

// Records returns the snapshot's records for tier t.
func (s Snapshot) Records(t Tier) []Record {
	switch t {
	case TierHot:
		return s.Hot
	case TierWarm:
		return s.Warm
	case TierCold:
		return s.Cold
	}
	return nil
}

// Metadata carries access bookkeeping as [id, value] pairs plus counters.
type Metadata struct {
	AccessCounts []CountEntry `json:"accessCounts"`
	LastAccessed []TimeEntry  `json:"lastAccessed"`
	Stats        Counters     `json:"stats"`
}

// CountEntry encodes as [id, count].
type CountEntry struct {
	ID    string
	Count int
}

func (e CountEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ID, e.Count})
}

func (e *CountEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("access count entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("access count id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Count); err != nil {
		return fmt.Errorf("access count value: %w", err)
	}
	return nil
}

// TimeEntry encodes as [id, unixMillis].
type TimeEntry struct {
	ID string
	At time.Time
}

func (e TimeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ID, e.At.UnixMilli()})
}

func (e *TimeEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("last accessed entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("last accessed id: %w", err)
	}
	var ms int64
	if err := json.Unmarshal(pair[1], &ms); err != nil {
		return fmt.Errorf("last accessed value: %w", err)
	}
	e.At = time.UnixMilli(ms).UTC()
	return nil
}

// buildMetadata derives the bookkeeping tables from live records.
func buildMetadata(records []*Record, counters Counters) Metadata {
	meta := Metadata{
		AccessCounts: make([]CountEntry, 0, len(records)),
		LastAccessed: make([]TimeEntry, 0, len(records)),
		Stats:        counters,
	}
	for _, r := range records {
		meta.AccessCounts = append(meta.AccessCounts, CountEntry{ID: r.ID, Count: r.AccessCount})
		meta.LastAccessed = append(meta.LastAccessed, TimeEntry{ID: r.ID, At: r.LastAccessedAt})
	}
	return meta
}
