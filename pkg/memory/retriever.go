package memory

import (
	"sort"
	"time"

	"github.com/dotsetgreg/dotmem/pkg/logger"
)

// ScoredRecord is a ranked retrieval candidate.
type ScoredRecord struct {
	Record    Record
	Score     float64
	Breakdown ScoreBreakdown
}

type scoredCandidate struct {
	record    *Record
	breakdown ScoreBreakdown
	score     float64
}

// visible applies cross-platform isolation. Without a query platform every
// record is visible.
func visible(r *Record, q Query) bool {
	if q.Platform == "" || !r.PlatformSpecific {
		return true
	}
	return r.Platform == q.Platform
}

// rank scores the visible records and sorts them best first. Ties keep tier
// order then insertion order.
func rank(records []*Record, q Query, now time.Time) []scoredCandidate {
	scored := make([]scoredCandidate, 0, len(records))
	for _, r := range records {
		if !visible(r, q) {
			continue
		}
		b := Explain(r, q, now)
		scored = append(scored, scoredCandidate{record: r, breakdown: b, score: b.Total()})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	return scored
}

// RetrieveRelevant returns up to limit records ranked for q, best first.
// A limit <= 0 uses the configured default. Returned records have their
// access count bumped and last-access time set; returned cold records that
// reach the promotion threshold move to warm. Nothing else is touched.
func (e *Engine) RetrieveRelevant(q Query, limit int) []Record {
	if limit <= 0 {
		limit = e.cfg.RetrievalLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := normalizeTime(e.clock.Now())
	scored := rank(e.store.All(), q, now)
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]Record, 0, len(scored))
	promoted := 0
	for _, s := range scored {
		r := s.record
		r.AccessCount++
		r.LastAccessedAt = now
		if r.Tier == TierCold && r.AccessCount >= e.cfg.PromotionThreshold {
			if err := e.store.Move(r.ID, TierWarm); err != nil {
				logger.ErrorCF("memory", "Promotion failed", map[string]any{
					"id":    r.ID,
					"error": err.Error(),
				})
			} else {
				promoted++
			}
		}
		out = append(out, r.Clone())
	}

	e.counters.Retrievals++
	e.counters.Promotions += promoted
	if promoted > 0 {
		logger.DebugCF("memory", "Promoted cold memories", map[string]any{
			"count": promoted,
		})
		if e.store.Len(TierWarm) > e.cfg.WarmLimit {
			e.maintainLocked(now)
		}
	}

	logger.DebugCF("memory", "Memories retrieved", map[string]any{
		"username": q.Username,
		"platform": q.Platform,
		"returned": len(out),
	})
	return out
}

// Rank is a read-only RetrieveRelevant: same filter, scores, and order, with
// the per-term breakdown and no bookkeeping.
func (e *Engine) Rank(q Query, limit int) []ScoredRecord {
	if limit <= 0 {
		limit = e.cfg.RetrievalLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scored := rank(e.store.All(), q, normalizeTime(e.clock.Now()))
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]ScoredRecord, 0, len(scored))
	for _, s := range scored {
		out = append(out, ScoredRecord{Record: s.record.Clone(), Score: s.score, Breakdown: s.breakdown})
	}
	return out
}
