package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedPair(t *testing.T, st *Store) *Pair {
	t.Helper()

	a := &Tracker{Name: "a", URL: "https://gitlab-a.example.com", AccessToken: "glpat-a"}
	b := &Tracker{Name: "b", URL: "https://gitlab-b.example.com", AccessToken: "glpat-b"}
	for _, tr := range []*Tracker{a, b} {
		created, err := st.CreateTracker(tr)
		require.NoError(t, err)
		require.True(t, created)
	}

	pair := &Pair{
		Name:            "a-b",
		SourceTrackerID: a.ID,
		SourceProject:   "group/alpha",
		TargetTrackerID: b.ID,
		TargetProject:   "group/beta",
		Enabled:         true,
		Bidirectional:   true,
	}
	created, err := st.CreatePair(pair)
	require.NoError(t, err)
	require.True(t, created)
	return pair
}

func TestTrackerNameUnique(t *testing.T) {
	st := openTestStore(t)

	created, err := st.CreateTracker(&Tracker{Name: "a", URL: "https://x", AccessToken: "tok"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.CreateTracker(&Tracker{Name: "a", URL: "https://y", AccessToken: "tok"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMappingUniquenessSwallowsDuplicates(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	inserted, err := st.InsertMapping(&Mapping{PairID: pair.ID, SourceIID: 5, TargetIID: 7, LastSyncedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same source, different target: the (pair, source) constraint fires.
	inserted, err = st.InsertMapping(&Mapping{PairID: pair.ID, SourceIID: 5, TargetIID: 8, LastSyncedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same target, different source: the (pair, target) constraint fires.
	inserted, err = st.InsertMapping(&Mapping{PairID: pair.ID, SourceIID: 6, TargetIID: 7, LastSyncedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)

	mappings, err := st.ListMappings(pair.ID)
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
}

func TestMappingLookups(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	_, err := st.InsertMapping(&Mapping{PairID: pair.ID, SourceIID: 5, TargetIID: 7, LastSyncedAt: time.Now()})
	require.NoError(t, err)

	bySource, err := st.MappingBySource(pair.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, bySource)
	assert.Equal(t, 7, bySource.TargetIID)

	byTarget, err := st.MappingByTarget(pair.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, byTarget)
	assert.Equal(t, 5, byTarget.SourceIID)

	missing, err := st.MappingBySource(pair.ID, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	both, err := st.MappingByBothSides(pair.ID, 5, 7)
	require.NoError(t, err)
	assert.NotNil(t, both)

	mismatched, err := st.MappingByBothSides(pair.ID, 5, 8)
	require.NoError(t, err)
	assert.Nil(t, mismatched)
}

func TestResolveUsernameBothDirections(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	created, err := st.CreateUserMapping(&UserMapping{
		SourceTrackerID: pair.SourceTrackerID,
		SourceUsername:  "alice",
		TargetTrackerID: pair.TargetTrackerID,
		TargetUsername:  "alice.b",
	})
	require.NoError(t, err)
	require.True(t, created)

	// Forward.
	username, ok, err := st.ResolveUsername("alice", pair.SourceTrackerID, pair.TargetTrackerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice.b", username)

	// Reverse: the same row serves the opposite direction.
	username, ok, err = st.ResolveUsername("alice.b", pair.TargetTrackerID, pair.SourceTrackerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", username)

	// Unknown user.
	_, ok, err = st.ResolveUsername("mallory", pair.SourceTrackerID, pair.TargetTrackerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConflictLifecycle(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	m := &Mapping{PairID: pair.ID, SourceIID: 5, TargetIID: 7, LastSyncedAt: time.Now()}
	_, err := st.InsertMapping(m)
	require.NoError(t, err)

	open, err := st.HasUnresolvedConflict(m.ID)
	require.NoError(t, err)
	assert.False(t, open)

	tiid := 7
	require.NoError(t, st.AddConflict(&Conflict{
		PairID:      pair.ID,
		MappingID:   &m.ID,
		SourceIID:   5,
		TargetIID:   &tiid,
		Type:        ConflictConcurrentUpdate,
		Description: "Concurrent updates detected on both instances",
	}))

	open, err = st.HasUnresolvedConflict(m.ID)
	require.NoError(t, err)
	assert.True(t, open)

	unresolved := false
	conflicts, err := st.ListConflicts(&unresolved, pair.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	resolved, err := st.ResolveConflict(conflicts[0].ID, "kept instance A")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.True(t, resolved.Resolved)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "kept instance A", resolved.ResolutionNotes)

	open, err = st.HasUnresolvedConflict(m.ID)
	require.NoError(t, err)
	assert.False(t, open)

	missing, err := st.ResolveConflict(999, "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWatermarkAdvance(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)
	require.Nil(t, pair.LastSyncAt)

	mark := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.AdvanceWatermark(pair.ID, mark))

	reloaded, err := st.GetPair(pair.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastSyncAt)
	assert.True(t, reloaded.LastSyncAt.Equal(mark))
}

func TestListLogsLimitAndFilter(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	for i := 0; i < 5; i++ {
		iid := i
		require.NoError(t, st.AppendLog(&SyncLog{
			PairID:    pair.ID,
			SourceIID: &iid,
			Status:    StatusSuccess,
			Direction: DirectionSourceToTarget,
			Message:   "ok",
		}))
	}

	logs, err := st.ListLogs(pair.ID, 3)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = st.ListLogs(0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 5)

	logs, err = st.ListLogs(999, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestLogStatusCountsSince(t *testing.T) {
	st := openTestStore(t)
	pair := seedPair(t, st)

	require.NoError(t, st.AppendLog(&SyncLog{PairID: pair.ID, Status: StatusSuccess}))
	require.NoError(t, st.AppendLog(&SyncLog{PairID: pair.ID, Status: StatusSuccess}))
	require.NoError(t, st.AppendLog(&SyncLog{PairID: pair.ID, Status: StatusFailed}))

	counts, err := st.LogStatusCountsSince(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusSuccess])
	assert.Equal(t, int64(1), counts[StatusFailed])

	counts, err = st.LogStatusCountsSince(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, counts)
}
