package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/issuebridge/internal/store"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

// mirrorDescription builds the body a previously mirrored issue would carry.
func mirrorDescription(origin models.Issue, instanceURL, projectID string) string {
	return addSyncReference(origin.Description, instanceURL, projectID, origin.IID, markerFields(origin))
}

func TestRepairRebuildsMappingFromMarkers(t *testing.T) {
	h := newHarness(t, true)

	origin := h.src.addIssue(models.Issue{IID: 5, Title: "Bug X", Description: "body", UpdatedAt: testEpoch})
	h.dst.addIssue(models.Issue{
		IID:         7,
		Title:       "Bug X",
		Description: mirrorDescription(*origin, h.src.baseURL, "group/alpha"),
		UpdatedAt:   testEpoch,
	})

	stats, err := h.eng.RepairMappings(context.Background(), h.pairID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PairsFound)
	assert.Equal(t, 1, stats.Created)
	assert.Zero(t, stats.Conflicts)

	mapping, err := h.st.MappingBySource(h.pairID, 5)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, 7, mapping.TargetIID)
	assert.NotEmpty(t, mapping.Fingerprint)

	// A reconciliation after repair reuses the pairing instead of creating
	// a third issue.
	h.reconcile(t)
	assert.Len(t, h.src.issues, 1)
	assert.Len(t, h.dst.issues, 1)
}

func TestRepairIsIdempotentOnIntactMappings(t *testing.T) {
	h := newHarness(t, true)
	h.src.addIssue(models.Issue{IID: 5, Title: "Bug X", UpdatedAt: testEpoch})
	h.reconcile(t)

	stats, err := h.eng.RepairMappings(context.Background(), h.pairID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PairsFound)
	assert.Zero(t, stats.Created)
	assert.Equal(t, 1, stats.SkippedExisting)
}

func TestRepairReportsOneSidedMappingAsConflict(t *testing.T) {
	h := newHarness(t, true)

	origin := h.src.addIssue(models.Issue{IID: 5, Title: "Bug X", UpdatedAt: testEpoch})
	h.dst.addIssue(models.Issue{IID: 7, Title: "Bug X", UpdatedAt: testEpoch})
	h.dst.addIssue(models.Issue{
		IID:         9,
		Title:       "Bug X (duplicate mirror)",
		Description: mirrorDescription(*origin, h.src.baseURL, "group/alpha"),
		UpdatedAt:   testEpoch,
	})

	// The mapping says #5 pairs with #7; the marker on #9 disagrees.
	inserted, err := h.st.InsertMapping(&store.Mapping{
		PairID:    h.pairID,
		SourceIID: 5,
		SourceID:  1005,
		TargetIID: 7,
		TargetID:  1007,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	stats, err := h.eng.RepairMappings(context.Background(), h.pairID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Conflicts)
	assert.Zero(t, stats.Created)

	conflicts, err := h.st.ListConflicts(nil, h.pairID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.ConflictAmbiguousMapping, conflicts[0].Type)

	// The disputed pairing is not merged.
	disputed, err := h.st.MappingByTarget(h.pairID, 9)
	require.NoError(t, err)
	assert.Nil(t, disputed)
}

func TestRepairSkipsInaccessibleReference(t *testing.T) {
	h := newHarness(t, true)

	// The mirror's marker points at an origin the credential cannot see.
	ghost := models.Issue{IID: 5, Title: "Hidden", Description: "body"}
	h.src.forbiddenIssues[5] = true
	h.dst.addIssue(models.Issue{
		IID:         7,
		Title:       "Hidden",
		Description: mirrorDescription(ghost, h.src.baseURL, "group/alpha"),
		UpdatedAt:   testEpoch,
	})

	stats, err := h.eng.RepairMappings(context.Background(), h.pairID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PairsFound)
	assert.Zero(t, stats.Created)

	mapping, err := h.st.MappingByTarget(h.pairID, 7)
	require.NoError(t, err)
	assert.Nil(t, mapping)
}

func TestRepairBackfillsMissingRelationships(t *testing.T) {
	h := newHarness(t, true)

	origin := h.src.addIssue(models.Issue{
		IID:       5,
		Title:     "Bug X",
		Milestone: "v2.0",
		UpdatedAt: testEpoch,
	})
	// The mirror lost its milestone but its marker still remembers it.
	h.dst.addIssue(models.Issue{
		IID:         7,
		Title:       "Bug X",
		Description: mirrorDescription(*origin, h.src.baseURL, "group/alpha"),
		UpdatedAt:   testEpoch,
	})

	inserted, err := h.st.InsertMapping(&store.Mapping{
		PairID:    h.pairID,
		SourceIID: 5,
		SourceID:  1005,
		TargetIID: 7,
		TargetID:  1007,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	stats, err := h.eng.RepairMappings(context.Background(), h.pairID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SkippedExisting)
	// Only the side missing the milestone is written; the origin keeps its
	// own.
	assert.Equal(t, 1, h.dst.updates)
	assert.Zero(t, h.src.updates)

	// The backfill payload is relationship-only; content stays with the
	// reconciler.
	require.Len(t, h.dst.writes, 1)
	w := h.dst.writes[0]
	assert.Empty(t, w.Title)
	assert.Nil(t, w.Description)
	assert.Nil(t, w.Labels)
	assert.Nil(t, w.AssigneeIDs)
	require.NotNil(t, w.MilestoneID)
	assert.NotZero(t, *w.MilestoneID)
}

func TestRepairUnknownPair(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.eng.RepairMappings(context.Background(), 999)
	assert.ErrorIs(t, err, ErrPairNotFound)
}
