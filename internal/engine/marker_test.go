package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/issuebridge/pkg/models"
)

func TestAddSyncReferenceIdempotent(t *testing.T) {
	desc := "Original issue body"
	once := addSyncReference(desc, "https://gitlab-a.example.com/", "group/proj", 5, markerPayload{})
	twice := addSyncReference(once, "https://gitlab-a.example.com", "group/proj", 5, markerPayload{})

	assert.Equal(t, once, twice)
	assert.Contains(t, once, "*Synced from: https://gitlab-a.example.com/-/issues/5*")
	assert.Contains(t, once, "<!-- gl-issue-sync:")
}

func TestAddSyncReferenceNeverStacksMarkers(t *testing.T) {
	// A body that already carries a marker for a different origin must not
	// gain a second one, or bidirectional sync would grow descriptions on
	// every round trip.
	desc := addSyncReference("body", "https://gitlab-b.example.com", "other/proj", 9, markerPayload{})
	result := addSyncReference(desc, "https://gitlab-a.example.com", "group/proj", 5, markerPayload{})

	assert.Equal(t, desc, result)
	assert.Equal(t, 1, len(issueMarkerRe.FindAllString(result, -1)))
}

func TestAddSyncReferenceUpgradesLegacyBody(t *testing.T) {
	legacy := "body\n\n---\n*Synced from: https://gitlab-a.example.com/-/issues/5*"
	upgraded := addSyncReference(legacy, "https://gitlab-a.example.com", "group/proj", 5, markerPayload{})

	assert.True(t, hasIssueMarker(upgraded))
	// The human-readable line is not duplicated.
	assert.Equal(t, 1, len(syncRefRe.FindAllString(upgraded, -1)))
}

func TestParseSyncReference(t *testing.T) {
	testCases := []struct {
		name        string
		description string
		wantURL     string
		wantIID     int
		wantOK      bool
	}{
		{
			name:        "structured marker",
			description: addSyncReference("body", "https://gitlab-a.example.com", "group/proj", 42, markerPayload{}),
			wantURL:     "https://gitlab-a.example.com",
			wantIID:     42,
			wantOK:      true,
		},
		{
			name:        "legacy line only",
			description: "body\n\n---\n*Synced from: https://gitlab-b.example.com/-/issues/7*",
			wantURL:     "https://gitlab-b.example.com",
			wantIID:     7,
			wantOK:      true,
		},
		{
			name:        "marker wins over a diverging legacy line",
			description: "*Synced from: https://stale.example.com/-/issues/1*\n" + issueMarker(markerPayload{Version: 1, SourceInstanceURL: "https://gitlab-a.example.com", SourceProjectID: "group/proj", SourceIssueIID: 42}),
			wantURL:     "https://gitlab-a.example.com",
			wantIID:     42,
			wantOK:      true,
		},
		{
			name:        "plain body",
			description: "no references here",
			wantOK:      false,
		},
		{
			name:        "corrupt marker payload",
			description: "<!-- gl-issue-sync:bm90anNvbg== -->",
			wantOK:      false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			url, iid, ok := parseSyncReference(tc.description)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantURL, url)
				assert.Equal(t, tc.wantIID, iid)
			}
		})
	}
}

func TestMarkerCarriesRelationshipFields(t *testing.T) {
	issue := models.Issue{
		IID:       5,
		Title:     "Bug X",
		IssueType: "incident",
		Milestone: "v2.0",
		Iteration: &models.Iteration{Title: "Sprint 12", StartDate: "2026-08-01", DueDate: "2026-08-14"},
		Epic:      &models.Epic{Title: "Stability"},
	}

	desc := addSyncReference("body", "https://gitlab-a.example.com", "group/proj", issue.IID, markerFields(issue))
	p, ok := parseIssueMarker(desc)
	require.True(t, ok)

	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "incident", p.IssueType)
	assert.Equal(t, "v2.0", p.MilestoneTitle)
	assert.Equal(t, "Sprint 12", p.IterationTitle)
	assert.Equal(t, "2026-08-01", p.IterationStartDate)
	assert.Equal(t, "Stability", p.EpicTitle)
	assert.True(t, p.hasRelationshipFields())
}

func TestNoteMarkerRoundTrip(t *testing.T) {
	body := "a comment\n\n---\n" + noteMarker("https://gitlab-a.example.com/", "group/proj", 5, 991)

	require.True(t, hasNoteMarker(body))
	p, ok := parseNoteMarker(body)
	require.True(t, ok)
	assert.Equal(t, "https://gitlab-a.example.com", p.SourceInstanceURL)
	assert.Equal(t, 5, p.SourceIssueIID)
	assert.Equal(t, 991, p.SourceNoteID)
}

func TestFingerprintIgnoresUpdatedAt(t *testing.T) {
	issue := models.Issue{
		IID:       5,
		Title:     "Bug X",
		State:     "opened",
		Labels:    []string{"bug"},
		UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	later := issue
	later.UpdatedAt = later.UpdatedAt.Add(48 * time.Hour)

	assert.Equal(t, contentFingerprint(issue, nil), contentFingerprint(later, nil))
}

func TestFingerprintOrderInsensitive(t *testing.T) {
	a := models.Issue{
		Labels:    []string{"bug", "backend"},
		Assignees: []models.User{{Username: "alice"}, {Username: "bob"}},
	}
	b := models.Issue{
		Labels:    []string{"backend", "bug"},
		Assignees: []models.User{{Username: "bob"}, {Username: "alice"}},
	}

	assert.Equal(t, contentFingerprint(a, nil), contentFingerprint(b, nil))
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	base := models.Issue{Title: "Bug X", State: "opened"}

	changed := base
	changed.Title = "Bug X (fixed)"
	assert.NotEqual(t, contentFingerprint(base, nil), contentFingerprint(changed, nil))

	closed := base
	closed.State = "closed"
	assert.NotEqual(t, contentFingerprint(base, nil), contentFingerprint(closed, nil))

	hidden := base
	hidden.Confidential = true
	assert.NotEqual(t, contentFingerprint(base, nil), contentFingerprint(hidden, nil))
}

func TestFingerprintHonorsFieldAllowlist(t *testing.T) {
	fields := NewFieldSet([]string{FieldTitle, FieldDescription})

	a := models.Issue{Title: "Bug X", Labels: []string{"bug"}}
	b := models.Issue{Title: "Bug X", Labels: []string{"feature"}}

	assert.Equal(t, contentFingerprint(a, fields), contentFingerprint(b, fields))
	assert.NotEqual(t, contentFingerprint(a, nil), contentFingerprint(b, nil))
}

func TestSyncedFingerprintStableUnderMarkerInsertion(t *testing.T) {
	// The baseline is computed over the content as written to the mirror.
	// Hashing the mirror's own content must therefore match the baseline as
	// long as nothing changed.
	source := models.Issue{IID: 5, Title: "Bug X", Description: "body", State: "opened"}
	baseline := syncedFingerprint(source, "https://gitlab-a.example.com", "group/proj", nil)

	mirror := source
	mirror.IID = 7
	mirror.Description = addSyncReference(source.Description, "https://gitlab-a.example.com", "group/proj", source.IID, markerFields(source))

	assert.Equal(t, baseline, contentFingerprint(mirror, nil))
	// Re-hashing the source in synced form is also stable.
	assert.Equal(t, baseline, syncedFingerprint(source, "https://gitlab-a.example.com", "group/proj", nil))
}
