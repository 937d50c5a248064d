package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRestorationMovesExactlyOne(t *testing.T) {
	e, _ := newTestEngine(t, Config{HotLimit: 100})

	var first string
	for i := 0; i < 100; i++ {
		id := mustAdd(t, e, fmt.Sprintf("entry %d", i))
		if i == 0 {
			first = id
		}
	}
	require.Equal(t, TierCounts{Hot: 100}, e.GetStats().Tiers)

	mustAdd(t, e, "the one that crosses the limit")

	stats := e.GetStats()
	assert.Equal(t, TierCounts{Hot: 100, Warm: 1}, stats.Tiers)
	assert.Equal(t, 1, stats.Migrations)
	assert.Equal(t, []string{first}, ids(e.List(TierWarm)))
}

func TestCapacityPrefersRarelyAccessed(t *testing.T) {
	e, _ := newTestEngine(t, Config{HotLimit: 3})
	alpha := mustAdd(t, e, "alpha")
	bravo := mustAdd(t, e, "bravo")
	mustAdd(t, e, "charlie")

	e.RetrieveRelevant(Query{Topic: "alpha"}, 1)
	e.RetrieveRelevant(Query{Topic: "alpha"}, 1)

	mustAdd(t, e, "delta")

	assert.Equal(t, []string{bravo}, ids(e.List(TierWarm)))
	r, _ := e.Get(alpha)
	assert.Equal(t, TierHot, r.Tier)
}

func TestCapacityBackstopIgnoresAccessCounts(t *testing.T) {
	var hot []Record
	for i := 0; i < 4; i++ {
		r := seedRecord(fmt.Sprintf("mem-busy-%d", i), testStart)
		r.AccessCount = 5
		hot = append(hot, r)
	}
	e, _ := seededEngine(t, Config{HotLimit: 2}, Snapshot{Hot: hot})

	rep := e.Maintain()
	assert.Equal(t, 2, rep.ToWarm)
	assert.Equal(t, []string{"mem-busy-0", "mem-busy-1"}, ids(e.List(TierWarm)))
	assert.Equal(t, []string{"mem-busy-2", "mem-busy-3"}, ids(e.List(TierHot)))
}

func TestWarmOverflowCascadesToCold(t *testing.T) {
	e, _ := newTestEngine(t, Config{HotLimit: 1, WarmLimit: 2})
	r1 := mustAdd(t, e, "one")
	r2 := mustAdd(t, e, "two")
	r3 := mustAdd(t, e, "three")
	r4 := mustAdd(t, e, "four")

	assert.Equal(t, []string{r4}, ids(e.List(TierHot)))
	assert.Equal(t, []string{r2, r3}, ids(e.List(TierWarm)))
	assert.Equal(t, []string{r1}, ids(e.List(TierCold)))
}

func TestIdleRecordsMigrate(t *testing.T) {
	e, clock := newTestEngine(t, Config{})
	a := mustAdd(t, e, "first idle record")
	b := mustAdd(t, e, "second idle record")

	clock.Advance(29 * time.Minute)
	rep := e.Maintain()
	assert.Equal(t, MaintenanceReport{}, rep)

	clock.Advance(2 * time.Minute)
	rep = e.Maintain()
	assert.Equal(t, 2, rep.ToWarm)
	assert.Equal(t, []string{a, b}, ids(e.List(TierWarm)))

	clock.Advance(24 * time.Hour)
	rep = e.Maintain()
	assert.Equal(t, 2, rep.ToCold)
	assert.Equal(t, []string{a, b}, ids(e.List(TierCold)))
	assert.Equal(t, 4, e.GetStats().Migrations)
}

func TestMigrationLeavesAccessFieldsAlone(t *testing.T) {
	e, clock := newTestEngine(t, Config{})
	id := mustAdd(t, e, "bookkept")
	accessedAt := clock.Advance(time.Minute)
	e.RetrieveRelevant(Query{}, 1)

	clock.Advance(25 * time.Hour)
	e.Maintain()

	r, _ := e.Get(id)
	assert.Equal(t, TierCold, r.Tier)
	assert.Equal(t, 1, r.AccessCount)
	assert.Equal(t, accessedAt, r.LastAccessedAt)
}

func TestRecentlyAccessedStaysHot(t *testing.T) {
	e, clock := newTestEngine(t, Config{})
	id := mustAdd(t, e, "keep me warm")

	clock.Advance(20 * time.Minute)
	e.RetrieveRelevant(Query{}, 1)
	clock.Advance(20 * time.Minute)
	e.Maintain()

	r, _ := e.Get(id)
	assert.Equal(t, TierHot, r.Tier)
}
