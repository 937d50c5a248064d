package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coldStore(t *testing.T, records ...Record) *TierStore {
	t.Helper()
	s := NewTierStore()
	for i := range records {
		r := records[i]
		require.NoError(t, s.insert(TierCold, &r))
	}
	return s
}

func TestCompaction_BobScenario(t *testing.T) {
	old := testStart.Add(-40 * 24 * time.Hour)
	var cold []Record
	for i := 0; i < 3; i++ {
		r := seedRecord(fmt.Sprintf("mem-bob-%d", i), old.Add(time.Duration(i)*time.Hour), "bob")
		r.EmotionalImportance = ImportanceHigh
		cold = append(cold, r)
	}
	for i := 0; i < 3; i++ {
		cold = append(cold, seedRecord(fmt.Sprintf("mem-recent-%d", i), testStart.Add(-time.Duration(i+1)*time.Hour), "alice"))
	}

	e, _ := seededEngine(t, Config{CompactionThreshold: 5}, Snapshot{Cold: cold})
	rep := e.Maintain()
	assert.Equal(t, 1, rep.Summaries)
	assert.Equal(t, 3, rep.Compacted)

	var summaries []Record
	for _, r := range e.List(TierCold) {
		if r.Kind == KindSummary {
			summaries = append(summaries, r)
		}
	}
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, 3, s.CompressedCount)
	assert.Equal(t, []string{"bob"}, s.InvolvedUsers)
	assert.Contains(t, s.Context, "mostly positive")
	assert.Equal(t, "Summary of 3 interactions", s.Content)
	assert.Equal(t, []string{"mem-bob-0", "mem-bob-1", "mem-bob-2"}, s.OriginalIDs)
	assert.Equal(t, ImportanceHigh, s.EmotionalImportance)
	assert.Equal(t, old, s.CreatedAt)

	stats := e.GetStats()
	assert.Equal(t, 4, stats.Tiers.Cold)
	assert.Equal(t, 1, stats.Compactions)
	assert.Equal(t, 2, stats.CompressionsSaved)
	for i := 0; i < 3; i++ {
		_, live := e.Get(fmt.Sprintf("mem-bob-%d", i))
		assert.False(t, live)
	}
	assert.NoError(t, e.CheckConsistency())
}

func TestCompaction_ConservationWithFanOut(t *testing.T) {
	feb := time.Date(2024, time.February, 3, 9, 0, 0, 0, time.UTC)
	apr := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)

	records := []Record{
		seedRecord("c1", feb, "bob"),
		seedRecord("c2", feb.Add(time.Hour), "bob"),
		seedRecord("c3", feb.Add(2*time.Hour), "bob"),
		seedRecord("c4", feb.Add(3*time.Hour), "bob", "carol"),
		seedRecord("c5", feb.Add(4*time.Hour), "carol"),
		seedRecord("c6", feb.Add(5*time.Hour), "carol"),
	}
	for i := 0; i < 6; i++ {
		records = append(records, seedRecord(fmt.Sprintf("k%d", i), apr.Add(time.Duration(i)*time.Hour), "dave"))
	}

	s := coldStore(t, records...)
	c := &compactor{store: s, newID: sequentialIDs()}
	res, err := c.run(testStart)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Candidates)
	assert.Equal(t, 6, res.Kept)
	require.Len(t, res.Summaries, 1)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, res.Summaries[0].OriginalIDs)
	assert.Equal(t, []string{"bob", "carol"}, res.Summaries[0].InvolvedUsers)
	assert.Equal(t, 2, res.Unmodified)
	assert.Equal(t, 3, res.Saved)

	compressed := 0
	for _, sum := range res.Summaries {
		compressed += sum.CompressedCount
	}
	assert.Equal(t, res.Candidates, compressed+res.Unmodified)

	reach := map[string]int{}
	for _, r := range s.List(TierCold) {
		if r.Kind == KindSummary {
			for _, id := range r.OriginalIDs {
				reach[id]++
			}
			continue
		}
		reach[r.ID]++
	}
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		assert.Equal(t, 1, reach[id], id)
	}
	assert.Equal(t, 9, s.Len(TierCold))
	assert.NoError(t, s.Check())
}

func TestCompaction_KeepsNewerHalfOfOddCount(t *testing.T) {
	base := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	var records []Record
	for i := 0; i < 7; i++ {
		records = append(records, seedRecord(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Hour)))
	}
	s := coldStore(t, records...)
	c := &compactor{store: s, newID: sequentialIDs()}

	res, err := c.run(testStart)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 4, res.Kept)
	require.Len(t, res.Summaries, 1)
	assert.Empty(t, res.Summaries[0].InvolvedUsers)
	assert.Equal(t, []string{"r0", "r1", "r2"}, res.Summaries[0].OriginalIDs)
}

func TestCompaction_SmallGroupsUntouched(t *testing.T) {
	jan := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		seedRecord("a1", jan, "ann"),
		seedRecord("b1", jan.Add(time.Hour), "ben"),
		seedRecord("a2", jan.AddDate(0, 1, 0), "ann"),
		seedRecord("n1", mar), seedRecord("n2", mar), seedRecord("n3", mar),
	}
	s := coldStore(t, records...)
	before, _ := s.Get("a1")
	snapshot := before.Clone()

	c := &compactor{store: s, newID: sequentialIDs()}
	res, err := c.run(testStart)
	require.NoError(t, err)
	assert.Empty(t, res.Summaries)
	assert.Equal(t, 3, res.Unmodified)

	after, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, snapshot, after.Clone())
}

func TestCompaction_SummaryPlatformAndTone(t *testing.T) {
	day := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	var records []Record
	for i := 0; i < 3; i++ {
		r := seedRecord(fmt.Sprintf("g%d", i), day.Add(time.Duration(i)*time.Minute), "bob")
		r.Content = "gardening tomatoes together"
		r.Platform = "discord"
		r.PlatformSpecific = i == 2
		records = append(records, r)
	}
	for i := 0; i < 3; i++ {
		records = append(records, seedRecord(fmt.Sprintf("n%d", i), day.AddDate(0, 2, i)))
	}
	s := coldStore(t, records...)
	c := &compactor{store: s, newID: sequentialIDs()}

	res, err := c.run(testStart)
	require.NoError(t, err)
	require.Len(t, res.Summaries, 1)
	sum := res.Summaries[0]
	assert.Equal(t, "discord", sum.Platform)
	assert.True(t, sum.PlatformSpecific)
	assert.Equal(t, "Discussed: gardening, tomatoes, together. Tone: mixed emotions", sum.Context)
	assert.Equal(t, normalizeTime(testStart), sum.LastAccessedAt)
}

func TestVerifyCompactionRejectsBrokenProvenance(t *testing.T) {
	a := &Record{ID: "a"}
	b := &Record{ID: "b"}
	c := &Record{ID: "c"}
	candidates := []*Record{a, b, c}

	double := &Record{ID: "s1", Kind: KindSummary, CompressedCount: 3, OriginalIDs: []string{"a", "b", "c"}}
	err := verifyCompaction(candidates, []*Record{double}, []*Record{c})
	assert.ErrorIs(t, err, ErrConsistency)

	missing := &Record{ID: "s2", Kind: KindSummary, CompressedCount: 3, OriginalIDs: []string{"a", "b", "x"}}
	err = verifyCompaction(candidates, []*Record{missing}, nil)
	assert.ErrorIs(t, err, ErrConsistency)

	tooSmall := &Record{ID: "s3", Kind: KindSummary, CompressedCount: 2, OriginalIDs: []string{"a", "b"}}
	err = verifyCompaction(candidates, []*Record{tooSmall}, []*Record{c})
	assert.ErrorIs(t, err, ErrConsistency)

	ok := &Record{ID: "s4", Kind: KindSummary, CompressedCount: 3, OriginalIDs: []string{"a", "b", "c"}}
	assert.NoError(t, verifyCompaction(candidates, []*Record{ok}, nil))
}
