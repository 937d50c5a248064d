package memory

import (
	"time"
)

// migrator moves records hot→warm→cold. Idle records move first; capacity
// pressure then moves only the excess, oldest arrivals first.
type migrator struct {
	store *TierStore
	cfg   *Config
}

// idleSince is the reference point for age rules.
func idleSince(r *Record) time.Time {
	if r.LastAccessedAt.IsZero() {
		return r.CreatedAt
	}
	return r.LastAccessedAt
}

func (m *migrator) run(now time.Time) (toWarm, toCold int) {
	toWarm = m.hotToWarm(now)
	toCold = m.warmToCold(now)
	return toWarm, toCold
}

func (m *migrator) hotToWarm(now time.Time) int {
	moved := 0
	for _, r := range m.store.List(TierHot) {
		if now.Sub(idleSince(r)) > m.cfg.HotToWarmAge {
			if m.move(r, TierWarm) {
				moved++
			}
		}
	}

	over := m.store.Len(TierHot) - m.cfg.HotLimit
	if over <= 0 {
		return moved
	}
	for _, r := range m.store.List(TierHot) {
		if over == 0 {
			break
		}
		if r.AccessCount < 2 && m.move(r, TierWarm) {
			moved++
			over--
		}
	}
	// Everything left is frequently accessed; the bound still wins.
	for _, r := range m.store.List(TierHot) {
		if over == 0 {
			break
		}
		if m.move(r, TierWarm) {
			moved++
			over--
		}
	}
	return moved
}

func (m *migrator) warmToCold(now time.Time) int {
	moved := 0
	for _, r := range m.store.List(TierWarm) {
		if now.Sub(idleSince(r)) > m.cfg.WarmToColdAge {
			if m.move(r, TierCold) {
				moved++
			}
		}
	}

	over := m.store.Len(TierWarm) - m.cfg.WarmLimit
	for _, r := range m.store.List(TierWarm) {
		if over <= 0 {
			break
		}
		if m.move(r, TierCold) {
			moved++
			over--
		}
	}
	return moved
}

func (m *migrator) move(r *Record, to Tier) bool {
	return m.store.Move(r.ID, to) == nil
}
