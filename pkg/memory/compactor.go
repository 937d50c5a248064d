package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

const (
	minClusterSize     = 3
	summaryKeywordTopN = 5
	unknownUser        = "unknown"
)

// compactor replaces clusters of old cold records with summary records.
type compactor struct {
	store *TierStore
	newID func() string
}

type compactionResult struct {
	Candidates int
	Summaries  []*Record
	Unmodified int
	Kept       int
	Saved      int
}

// run compacts the cold tier. The newer half is kept as-is; the older half is
// clustered by (month, user). The new cold tier is only installed after the
// provenance check passes.
func (c *compactor) run(now time.Time) (compactionResult, error) {
	cold := c.store.List(TierCold)
	sort.SliceStable(cold, func(i, j int) bool {
		return cold[i].CreatedAt.Before(cold[j].CreatedAt)
	})

	keep := (len(cold) + 1) / 2
	split := len(cold) - keep
	candidates := cold[:split]
	kept := cold[split:]

	summaries, unmodified := c.cluster(candidates, now)

	if err := verifyCompaction(candidates, summaries, unmodified); err != nil {
		return compactionResult{}, err
	}

	next := make([]*Record, 0, len(summaries)+len(unmodified)+len(kept))
	next = append(next, summaries...)
	next = append(next, unmodified...)
	next = append(next, kept...)
	if err := c.store.ReplaceTier(TierCold, next); err != nil {
		return compactionResult{}, err
	}

	res := compactionResult{
		Candidates: len(candidates),
		Summaries:  summaries,
		Unmodified: len(unmodified),
		Kept:       len(kept),
	}
	for _, s := range summaries {
		res.Saved += s.CompressedCount - 1
	}
	return res, nil
}

// cluster groups candidates by month and user. A record with several users
// fans out into several groups but is absorbed by at most one summary: groups
// are visited in first-seen order and only unclaimed members count toward
// the minimum cluster size.
func (c *compactor) cluster(candidates []*Record, now time.Time) (summaries, unmodified []*Record) {
	groups := orderedmap.NewOrderedMap[string, []*Record]()
	for _, r := range candidates {
		month := r.CreatedAt.UTC().Format("2006-01")
		users := r.InvolvedUsers
		if len(users) == 0 {
			users = []string{unknownUser}
		}
		for _, u := range users {
			key := month + "_" + u
			members, _ := groups.Get(key)
			groups.Set(key, append(members, r))
		}
	}

	claimed := make(map[string]bool, len(candidates))
	for el := groups.Front(); el != nil; el = el.Next() {
		free := make([]*Record, 0, len(el.Value))
		for _, r := range el.Value {
			if !claimed[r.ID] {
				free = append(free, r)
			}
		}
		if len(free) < minClusterSize {
			continue
		}
		for _, r := range free {
			claimed[r.ID] = true
		}
		summaries = append(summaries, c.summarize(free, now))
	}

	for _, r := range candidates {
		if !claimed[r.ID] {
			unmodified = append(unmodified, r)
		}
	}
	return summaries, unmodified
}

func (c *compactor) summarize(members []*Record, now time.Time) *Record {
	importance := members[0].EmotionalImportance
	platformSpecific := false
	var users []string
	seenUser := map[string]bool{}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.EmotionalImportance > importance {
			importance = m.EmotionalImportance
		}
		if m.PlatformSpecific {
			platformSpecific = true
		}
		for _, u := range m.InvolvedUsers {
			if !seenUser[u] {
				seenUser[u] = true
				users = append(users, u)
			}
		}
		ids = append(ids, m.ID)
	}

	return &Record{
		ID:                  c.newID(),
		Tier:                TierCold,
		Kind:                KindSummary,
		CreatedAt:           members[0].CreatedAt,
		LastAccessedAt:      normalizeTime(now),
		EmotionalImportance: importance,
		Platform:            members[0].Platform,
		PlatformSpecific:    platformSpecific,
		InvolvedUsers:       users,
		Content:             fmt.Sprintf("Summary of %d interactions", len(members)),
		Context:             summaryContext(members),
		CompressedCount:     len(members),
		OriginalIDs:         ids,
	}
}

func summaryContext(members []*Record) string {
	tone := "mixed emotions"
	for _, m := range members {
		if m.EmotionalImportance > ImportanceMedium {
			tone = "mostly positive"
			break
		}
	}
	topics := SummaryKeywords(members, summaryKeywordTopN)
	return fmt.Sprintf("Discussed: %s. Tone: %s", strings.Join(topics, ", "), tone)
}

// verifyCompaction checks that every candidate is reachable exactly once:
// either listed in one summary's OriginalIDs or kept unmodified.
func verifyCompaction(candidates, summaries, unmodified []*Record) error {
	want := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		want[r.ID] = true
	}

	seen := make(map[string]int, len(candidates))
	total := 0
	for _, s := range summaries {
		if s.CompressedCount < minClusterSize {
			return &ConsistencyViolation{ID: s.ID, Detail: fmt.Sprintf("summary compresses %d records", s.CompressedCount)}
		}
		if s.CompressedCount != len(s.OriginalIDs) {
			return &ConsistencyViolation{ID: s.ID, Detail: "compressed count does not match provenance"}
		}
		for _, id := range s.OriginalIDs {
			seen[id]++
		}
		total += s.CompressedCount
	}
	for _, r := range unmodified {
		seen[r.ID]++
		total++
	}

	if total != len(candidates) {
		return &ConsistencyViolation{Detail: fmt.Sprintf("compaction accounts for %d of %d candidates", total, len(candidates))}
	}
	for id, n := range seen {
		if !want[id] {
			return &ConsistencyViolation{ID: id, Detail: "compaction output references a non-candidate"}
		}
		if n != 1 {
			return &ConsistencyViolation{ID: id, Detail: fmt.Sprintf("reachable %d times after compaction", n)}
		}
	}
	return nil
}
