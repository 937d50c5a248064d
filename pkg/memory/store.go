package memory

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v3"
)

// TierStore owns the three tier collections. Each tier is an insertion-ordered
// map so retrieval ties and capacity eviction follow arrival order. All tier
// membership changes go through its methods; it is not safe for concurrent use
// and relies on the Engine lock.
type TierStore struct {
	tiers map[Tier]*orderedmap.OrderedMap[string, *Record]
	index map[string]Tier
}

func NewTierStore() *TierStore {
	s := &TierStore{
		tiers: make(map[Tier]*orderedmap.OrderedMap[string, *Record], len(Tiers)),
		index: map[string]Tier{},
	}
	for _, t := range Tiers {
		s.tiers[t] = orderedmap.NewOrderedMap[string, *Record]()
	}
	return s
}

// Add inserts a new record into the hot tier.
func (s *TierStore) Add(r *Record) error {
	return s.insert(TierHot, r)
}

func (s *TierStore) insert(t Tier, r *Record) error {
	if r == nil || r.ID == "" {
		return &ValidationError{Field: "id", Reason: "record id is required"}
	}
	if !t.Valid() {
		return &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", t)}
	}
	if existing, ok := s.index[r.ID]; ok {
		return &ConsistencyViolation{ID: r.ID, Detail: fmt.Sprintf("already present in %s tier", existing)}
	}
	r.Tier = t
	s.tiers[t].Set(r.ID, r)
	s.index[r.ID] = t
	return nil
}

// Remove deletes a record from whichever tier holds it.
func (s *TierStore) Remove(id string) (*Record, bool) {
	t, ok := s.index[id]
	if !ok {
		return nil, false
	}
	r, _ := s.tiers[t].Get(id)
	s.tiers[t].Delete(id)
	delete(s.index, id)
	return r, true
}

func (s *TierStore) Get(id string) (*Record, bool) {
	t, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.tiers[t].Get(id)
}

// TierOf reports which tier currently holds id.
func (s *TierStore) TierOf(id string) (Tier, bool) {
	t, ok := s.index[id]
	return t, ok
}

// Move deletes the record from its current tier and appends it to the back
// of the destination tier. No other field than Tier is touched.
func (s *TierStore) Move(id string, to Tier) error {
	r, ok := s.Remove(id)
	if !ok {
		return fmt.Errorf("move %s: %w", id, ErrNotFound)
	}
	return s.insert(to, r)
}

func (s *TierStore) Len(t Tier) int {
	m, ok := s.tiers[t]
	if !ok {
		return 0
	}
	return m.Len()
}

func (s *TierStore) Total() int {
	return len(s.index)
}

// List returns the tier's records front to back. The pointers are live.
func (s *TierStore) List(t Tier) []*Record {
	m, ok := s.tiers[t]
	if !ok {
		return nil
	}
	out := make([]*Record, 0, m.Len())
	for el := m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// All returns hot, warm, then cold records.
func (s *TierStore) All() []*Record {
	out := make([]*Record, 0, s.Total())
	for _, t := range Tiers {
		out = append(out, s.List(t)...)
	}
	return out
}

// ReplaceTier swaps the full contents of a tier. Records currently in the
// tier that are absent from records are dropped.
func (s *TierStore) ReplaceTier(t Tier, records []*Record) error {
	if !t.Valid() {
		return &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", t)}
	}
	for _, r := range s.List(t) {
		s.tiers[t].Delete(r.ID)
		delete(s.index, r.ID)
	}
	for _, r := range records {
		if err := s.insert(t, r); err != nil {
			return err
		}
	}
	return nil
}

// Reset empties every tier.
func (s *TierStore) Reset() {
	for _, t := range Tiers {
		s.tiers[t] = orderedmap.NewOrderedMap[string, *Record]()
	}
	s.index = map[string]Tier{}
}

// Check verifies tier exclusivity and that every record's Tier field agrees
// with the collection holding it.
func (s *TierStore) Check() error {
	seen := make(map[string]Tier, len(s.index))
	for _, t := range Tiers {
		for el := s.tiers[t].Front(); el != nil; el = el.Next() {
			if prev, dup := seen[el.Key]; dup {
				return &ConsistencyViolation{ID: el.Key, Detail: fmt.Sprintf("present in %s and %s tiers", prev, t)}
			}
			seen[el.Key] = t
			if el.Value.Tier != t {
				return &ConsistencyViolation{ID: el.Key, Detail: fmt.Sprintf("tier field %q disagrees with %s collection", el.Value.Tier, t)}
			}
			if s.index[el.Key] != t {
				return &ConsistencyViolation{ID: el.Key, Detail: "tier index out of sync"}
			}
		}
	}
	if len(seen) != len(s.index) {
		return &ConsistencyViolation{Detail: fmt.Sprintf("index holds %d ids, tiers hold %d", len(s.index), len(seen))}
	}
	return nil
}
