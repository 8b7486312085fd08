package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/danielolaszy/issuebridge/pkg/models"
)

// Mirrored issues and notes carry a versioned marker in their body: a
// base64-encoded JSON payload inside an HTML comment, plus a human-readable
// "Synced from" line kept for older mirrors. The marker is the system's only
// wire protocol; it is what makes mapping repair possible after data loss.

var (
	issueMarkerRe = regexp.MustCompile(`(?i)<!--\s*gl-issue-sync:([A-Za-z0-9+/=]+)\s*-->`)
	noteMarkerRe  = regexp.MustCompile(`(?i)<!--\s*gl-issue-sync-note:([A-Za-z0-9+/=]+)\s*-->`)
	syncRefRe     = regexp.MustCompile(`(?i)\*Synced from:\s*(https?://[^\s*]+?)/-?/issues/(\d+)\*`)
)

// markerPayload is the structured content of an issue or note marker.
// Version 1 carries only the origin coordinates; version 2 adds a
// denormalized snapshot of relationship fields, stored as titles because
// numeric ids differ across instances.
type markerPayload struct {
	Version            int    `json:"v"`
	SourceInstanceURL  string `json:"source_instance_url"`
	SourceProjectID    string `json:"source_project_id"`
	SourceIssueIID     int    `json:"source_issue_iid"`
	SourceNoteID       int    `json:"source_note_id,omitempty"`
	IssueType          string `json:"issue_type,omitempty"`
	MilestoneTitle     string `json:"milestone_title,omitempty"`
	IterationTitle     string `json:"iteration_title,omitempty"`
	IterationStartDate string `json:"iteration_start_date,omitempty"`
	IterationDueDate   string `json:"iteration_due_date,omitempty"`
	EpicTitle          string `json:"epic_title,omitempty"`
}

// hasRelationshipFields reports whether the payload carries any v2 fields
// worth backfilling during repair.
func (p *markerPayload) hasRelationshipFields() bool {
	return p.IssueType != "" || p.MilestoneTitle != "" || p.IterationTitle != "" || p.EpicTitle != ""
}

// normalizeURL strips the trailing slash so marker comparisons are exact.
func normalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

func encodeMarker(p markerPayload) string {
	raw, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeMarker(b64 string) (*markerPayload, bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false
	}
	var p markerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p.SourceInstanceURL == "" || p.SourceIssueIID == 0 {
		return nil, false
	}
	p.SourceInstanceURL = normalizeURL(p.SourceInstanceURL)
	return &p, true
}

// issueMarker renders the structured marker comment for an issue body.
func issueMarker(p markerPayload) string {
	return fmt.Sprintf("<!-- gl-issue-sync:%s -->", encodeMarker(p))
}

// noteMarker renders the structured marker comment for a mirrored note.
func noteMarker(instanceURL, projectID string, issueIID, noteID int) string {
	return fmt.Sprintf("<!-- gl-issue-sync-note:%s -->", encodeMarker(markerPayload{
		Version:           1,
		SourceInstanceURL: normalizeURL(instanceURL),
		SourceProjectID:   projectID,
		SourceIssueIID:    issueIID,
		SourceNoteID:      noteID,
	}))
}

// parseIssueMarker extracts the structured payload from an issue body.
func parseIssueMarker(description string) (*markerPayload, bool) {
	m := issueMarkerRe.FindStringSubmatch(description)
	if m == nil {
		return nil, false
	}
	return decodeMarker(m[1])
}

// hasIssueMarker reports whether the body already carries a marker for any
// origin. Insertion must be idempotent on this check or bidirectional sync
// would grow descriptions on every round trip.
func hasIssueMarker(description string) bool {
	return issueMarkerRe.MatchString(description)
}

// hasNoteMarker reports whether a note body carries a note marker, readable
// or not. An unreadable payload still means the note is this tool's own
// prior output and must not be mirrored back.
func hasNoteMarker(body string) bool {
	return noteMarkerRe.MatchString(body)
}

// parseNoteMarker extracts the structured payload from a note body.
func parseNoteMarker(body string) (*markerPayload, bool) {
	m := noteMarkerRe.FindStringSubmatch(body)
	if m == nil {
		return nil, false
	}
	return decodeMarker(m[1])
}

// parseSyncReference detects that an issue is a mirror and returns its
// origin instance URL and issue number. The structured marker wins over the
// legacy human-readable line when both are present.
func parseSyncReference(description string) (string, int, bool) {
	if p, ok := parseIssueMarker(description); ok {
		return p.SourceInstanceURL, p.SourceIssueIID, true
	}
	m := syncRefRe.FindStringSubmatch(description)
	if m == nil {
		return "", 0, false
	}
	iid, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return normalizeURL(m[1]), iid, true
}

// markerFields extracts the relationship snapshot embedded in v2 markers.
func markerFields(issue models.Issue) markerPayload {
	p := markerPayload{IssueType: issue.IssueType, MilestoneTitle: issue.Milestone}
	if issue.Iteration != nil && issue.Iteration.Title != "" {
		p.IterationTitle = issue.Iteration.Title
		p.IterationStartDate = issue.Iteration.StartDate
		p.IterationDueDate = issue.Iteration.DueDate
	}
	if issue.Epic != nil {
		p.EpicTitle = issue.Epic.Title
	}
	return p
}

// addSyncReference appends the sync reference block (legacy line + marker)
// to a description. If a marker for any origin is already present the
// description is returned unchanged.
func addSyncReference(description, instanceURL, projectID string, issueIID int, fields markerPayload) string {
	if hasIssueMarker(description) {
		return description
	}

	base := normalizeURL(instanceURL)
	fields.Version = 2
	fields.SourceInstanceURL = base
	fields.SourceProjectID = projectID
	fields.SourceIssueIID = issueIID
	marker := "\n" + issueMarker(fields)

	// Older mirrors carry only the human-readable line; append just the
	// marker to upgrade them without duplicating the reference.
	if syncRefRe.MatchString(description) {
		if !strings.Contains(description, marker) {
			return description + marker
		}
		return description
	}

	ref := fmt.Sprintf("\n\n---\n*Synced from: %s/-/issues/%d*%s", base, issueIID, marker)
	if strings.Contains(description, ref) {
		return description
	}
	return description + ref
}

// fingerprintPayload fixes the canonical field order for hashing.
type fingerprintPayload struct {
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	State               string   `json:"state"`
	Labels              []string `json:"labels"`
	Assignees           []string `json:"assignees"`
	DueDate             string   `json:"due_date"`
	Milestone           string   `json:"milestone"`
	Weight              *int     `json:"weight"`
	TimeEstimateSeconds int      `json:"time_estimate_seconds"`
	Confidential        bool     `json:"confidential"`
	IssueType           string   `json:"issue_type"`
	Iteration           string   `json:"iteration"`
	Epic                string   `json:"epic"`
}

// contentFingerprint hashes an issue's semantically relevant fields. The
// remote updated-at timestamp is deliberately excluded: it moves on comment
// and system activity without the content changing. Fields outside the
// configured allowlist are excluded so disabled fields can drift freely.
func contentFingerprint(issue models.Issue, fields FieldSet) string {
	payload := fingerprintPayload{}
	if fields.Enabled(FieldTitle) {
		payload.Title = issue.Title
	}
	if fields.Enabled(FieldDescription) {
		payload.Description = issue.Description
	}
	if fields.Enabled(FieldState) {
		payload.State = issue.State
	}
	if fields.Enabled(FieldLabels) {
		payload.Labels = append([]string(nil), issue.Labels...)
		sort.Strings(payload.Labels)
	}
	if fields.Enabled(FieldAssignees) {
		for _, a := range issue.Assignees {
			if a.Username != "" {
				payload.Assignees = append(payload.Assignees, a.Username)
			}
		}
		sort.Strings(payload.Assignees)
	}
	if fields.Enabled(FieldDueDate) {
		payload.DueDate = issue.DueDate
	}
	if fields.Enabled(FieldMilestone) {
		payload.Milestone = issue.Milestone
	}
	if fields.Enabled(FieldWeight) {
		payload.Weight = issue.Weight
	}
	if fields.Enabled(FieldTimeEstimate) {
		payload.TimeEstimateSeconds = issue.TimeEstimateSeconds
	}
	if fields.Enabled(FieldConfidential) {
		payload.Confidential = issue.Confidential
	}
	if fields.Enabled(FieldIssueType) {
		payload.IssueType = issue.IssueType
	}
	if fields.Enabled(FieldIteration) && issue.Iteration != nil {
		payload.Iteration = issue.Iteration.Title
	}
	if fields.Enabled(FieldEpic) && issue.Epic != nil {
		payload.Epic = issue.Epic.Title
	}

	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// syncedFingerprint hashes the content as it will be written to the mirror,
// i.e. with the sync reference already appended to the description. Storing
// this form as the baseline makes marker insertion fingerprint-stable.
func syncedFingerprint(issue models.Issue, instanceURL, projectID string, fields FieldSet) string {
	mirrored := issue
	mirrored.Description = addSyncReference(issue.Description, instanceURL, projectID, issue.IID, markerFields(issue))
	return contentFingerprint(mirrored, fields)
}
