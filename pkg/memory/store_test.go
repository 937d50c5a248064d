package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeRecord(id string) *Record {
	return &Record{ID: id, Kind: KindEvent, CreatedAt: testStart, LastAccessedAt: testStart, Content: id}
}

func TestTierStoreAddMoveRemove(t *testing.T) {
	s := NewTierStore()
	require.NoError(t, s.Add(storeRecord("a")))
	require.NoError(t, s.Add(storeRecord("b")))

	tier, ok := s.TierOf("a")
	require.True(t, ok)
	assert.Equal(t, TierHot, tier)

	require.NoError(t, s.Move("a", TierWarm))
	r, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, TierWarm, r.Tier)
	assert.Equal(t, 1, s.Len(TierHot))
	assert.Equal(t, 1, s.Len(TierWarm))
	assert.Equal(t, 2, s.Total())

	removed, ok := s.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	_, ok = s.Remove("a")
	assert.False(t, ok)
	assert.NoError(t, s.Check())
}

func TestTierStoreMoveAppendsToBack(t *testing.T) {
	s := NewTierStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(storeRecord(id)))
	}
	require.NoError(t, s.Move("a", TierWarm))
	require.NoError(t, s.Move("a", TierHot))

	var ids []string
	for _, r := range s.List(TierHot) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestTierStoreMoveMissing(t *testing.T) {
	s := NewTierStore()
	err := s.Move("ghost", TierCold)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTierStoreRejectsDuplicateID(t *testing.T) {
	s := NewTierStore()
	require.NoError(t, s.Add(storeRecord("a")))
	err := s.Add(storeRecord("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsistency)

	var cv *ConsistencyViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "a", cv.ID)
}

func TestTierStoreRejectsEmptyID(t *testing.T) {
	s := NewTierStore()
	err := s.Add(&Record{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, s.Total())
}

func TestTierStoreCheckDetectsTierFieldMismatch(t *testing.T) {
	s := NewTierStore()
	r := storeRecord("a")
	require.NoError(t, s.Add(r))
	r.Tier = TierCold
	assert.ErrorIs(t, s.Check(), ErrConsistency)
}

func TestTierStoreReplaceTier(t *testing.T) {
	s := NewTierStore()
	require.NoError(t, s.insert(TierCold, storeRecord("old-1")))
	require.NoError(t, s.insert(TierCold, storeRecord("old-2")))

	fresh := storeRecord("fresh")
	fresh.CreatedAt = testStart.Add(time.Hour)
	require.NoError(t, s.ReplaceTier(TierCold, []*Record{fresh, storeRecord("old-2")}))

	_, ok := s.Get("old-1")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len(TierCold))
	assert.Equal(t, "fresh", s.List(TierCold)[0].ID)
	assert.NoError(t, s.Check())
}
