package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

// candidate is a (source, target) issue pairing declared by an embedded
// marker on either side, with the marker's relationship snapshot kept for
// backfill.
type candidate struct {
	sourceIID int
	targetIID int
	payload   markerPayload
}

// RepairMappings rebuilds lost mapping rows purely from the markers embedded
// in issue bodies. Both projects are fully scanned; every issue whose marker
// declares an origin in the opposite project of this pair yields a candidate
// pairing. Candidates with an intact mapping are left alone (relationship
// fields are opportunistically backfilled), one-sided matches become
// conflicts, and fully orphaned pairings get a fresh mapping row. Issue
// bodies are never written.
func (e *Engine) RepairMappings(ctx context.Context, pairID uint) (models.RepairStats, error) {
	var stats models.RepairStats

	pair, err := e.store.GetPair(pairID)
	if err != nil {
		return stats, err
	}
	if pair == nil {
		return stats, ErrPairNotFound
	}

	logging.Info("starting mapping repair", "pair", pair.Name)

	r, err := e.buildRun(pair)
	if err != nil {
		e.appendLog(pair.ID, store.StatusFailed, "", nil, nil, fmt.Sprintf("Repair failed: %v", err))
		return stats, err
	}

	sourceIssues, err := r.source.client.ListIssues(ctx, r.source.project, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to scan source project: %w", err)
	}
	targetIssues, err := r.target.client.ListIssues(ctx, r.target.project, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to scan target project: %w", err)
	}

	sourceByIID := make(map[int]models.Issue, len(sourceIssues))
	for _, i := range sourceIssues {
		sourceByIID[i.IID] = i
	}
	targetByIID := make(map[int]models.Issue, len(targetIssues))
	for _, i := range targetIssues {
		targetByIID[i.IID] = i
	}

	candidates := collectCandidates(r, sourceIssues, targetIssues)
	stats.PairsFound = len(candidates)

	for _, c := range candidates {
		if err := e.repairCandidate(ctx, r, c, sourceByIID, targetByIID, &stats); err != nil {
			logging.Error("failed to repair candidate",
				"source_iid", c.sourceIID,
				"target_iid", c.targetIID,
				"error", err)
			iid := c.sourceIID
			tiid := c.targetIID
			e.appendLog(pair.ID, store.StatusFailed, "", &iid, &tiid,
				fmt.Sprintf("Failed to repair mapping: %v", err))
		}
	}

	logging.Info("mapping repair complete",
		"pair", pair.Name,
		"pairs_found", stats.PairsFound,
		"created", stats.Created,
		"skipped_existing", stats.SkippedExisting,
		"conflicts", stats.Conflicts)
	e.appendLog(pair.ID, store.StatusSuccess, "", nil, nil, fmt.Sprintf("Repair completed: %+v", stats))

	return stats, nil
}

// collectCandidates extracts marker-declared pairings from both scans,
// deduplicating when both sides carry a marker for the same pairing.
func collectCandidates(r *run, sourceIssues, targetIssues []models.Issue) []candidate {
	sourceBase := normalizeURL(r.source.tracker.URL)
	targetBase := normalizeURL(r.target.tracker.URL)

	seen := make(map[[2]int]bool)
	var out []candidate

	add := func(c candidate) {
		key := [2]int{c.sourceIID, c.targetIID}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	// A marker on a target issue declares its origin on the source side.
	for _, issue := range targetIssues {
		p, ok := parseIssueMarker(issue.Description)
		if !ok {
			continue
		}
		if p.SourceInstanceURL != sourceBase || p.SourceProjectID != r.source.project {
			continue
		}
		add(candidate{sourceIID: p.SourceIssueIID, targetIID: issue.IID, payload: *p})
	}

	// A marker on a source issue means the source issue is itself a mirror
	// of a target-origin issue.
	for _, issue := range sourceIssues {
		p, ok := parseIssueMarker(issue.Description)
		if !ok {
			continue
		}
		if p.SourceInstanceURL != targetBase || p.SourceProjectID != r.target.project {
			continue
		}
		add(candidate{sourceIID: issue.IID, targetIID: p.SourceIssueIID, payload: *p})
	}

	return out
}

// repairCandidate reconciles one marker-declared pairing against the mapping
// table.
func (e *Engine) repairCandidate(ctx context.Context, r *run, c candidate, sourceByIID, targetByIID map[int]models.Issue, stats *models.RepairStats) error {
	exact, err := e.store.MappingByBothSides(r.pair.ID, c.sourceIID, c.targetIID)
	if err != nil {
		return err
	}
	if exact != nil {
		stats.SkippedExisting++
		if c.payload.hasRelationshipFields() {
			e.backfillRelationships(ctx, r, c, sourceByIID, targetByIID)
		}
		return nil
	}

	bySource, err := e.store.MappingBySource(r.pair.ID, c.sourceIID)
	if err != nil {
		return err
	}
	byTarget, err := e.store.MappingByTarget(r.pair.ID, c.targetIID)
	if err != nil {
		return err
	}
	if bySource != nil || byTarget != nil {
		// The marker disagrees with an existing mapping row; merging would
		// guess which one is right. Leave it to a human.
		logging.Warn("ambiguous mapping during repair",
			"source_iid", c.sourceIID,
			"target_iid", c.targetIID)
		stats.Conflicts++
		tiid := c.targetIID
		detail, _ := json.Marshal(map[string]any{
			"marker_source_iid": c.sourceIID,
			"marker_target_iid": c.targetIID,
			"mapped_by_source":  bySource != nil,
			"mapped_by_target":  byTarget != nil,
		})
		return e.store.AddConflict(&store.Conflict{
			PairID:      r.pair.ID,
			SourceIID:   c.sourceIID,
			TargetIID:   &tiid,
			Type:        store.ConflictAmbiguousMapping,
			Description: "Marker-declared pairing conflicts with an existing mapping",
			SourceData:  string(detail),
		})
	}

	sourceIssue, ok, err := e.lookupIssue(ctx, r.source, c.sourceIID, sourceByIID)
	if err != nil || !ok {
		return err
	}
	targetIssue, ok, err := e.lookupIssue(ctx, r.target, c.targetIID, targetByIID)
	if err != nil || !ok {
		return err
	}

	mapping := &store.Mapping{
		PairID:       r.pair.ID,
		SourceIID:    sourceIssue.IID,
		SourceID:     sourceIssue.ID,
		TargetIID:    targetIssue.IID,
		TargetID:     targetIssue.ID,
		LastSyncedAt: e.now(),
		Fingerprint:  syncedFingerprint(*sourceIssue, r.source.tracker.URL, r.source.project, e.fields),
	}
	inserted, err := e.store.InsertMapping(mapping)
	if err != nil {
		return err
	}
	if inserted {
		logging.Info("repaired mapping",
			"source_iid", mapping.SourceIID,
			"target_iid", mapping.TargetIID)
		stats.Created++
	} else {
		stats.SkippedExisting++
	}
	return nil
}

// lookupIssue returns an issue from the scan cache or, when absent, fetches
// it directly. A gone or inaccessible issue disqualifies the candidate.
func (e *Engine) lookupIssue(ctx context.Context, s side, iid int, cache map[int]models.Issue) (*models.Issue, bool, error) {
	if issue, ok := cache[iid]; ok {
		return &issue, true, nil
	}
	issue, outcome, err := s.client.GetIssue(ctx, s.project, iid)
	if err != nil {
		return nil, false, err
	}
	if outcome != models.OutcomeFound {
		logging.Warn("referenced issue not fetchable, skipping candidate",
			"issue_iid", iid, "outcome", outcome.String())
		return nil, false, nil
	}
	return issue, true, nil
}

// backfillRelationships fills missing milestone and iteration fields from
// the marker's v2 snapshot on whichever side lacks them. Already-set values
// are never overwritten, and failures only log; the mapping row is the
// repair's real output.
func (e *Engine) backfillRelationships(ctx context.Context, r *run, c candidate, sourceByIID, targetByIID map[int]models.Issue) {
	if issue, ok := sourceByIID[c.sourceIID]; ok {
		e.backfillIssue(ctx, r.source, issue, c.payload)
	}
	if issue, ok := targetByIID[c.targetIID]; ok {
		e.backfillIssue(ctx, r.target, issue, c.payload)
	}
}

// backfillIssue patches missing relationship fields from the marker's v2
// snapshot. The payload carries only the fields being backfilled; titles,
// bodies, labels and assignees are never part of it, so a repair cannot
// clobber content the reconciler owns.
func (e *Engine) backfillIssue(ctx context.Context, s side, issue models.Issue, p markerPayload) {
	var w models.IssueWrite

	if issue.Milestone == "" && p.MilestoneTitle != "" && e.fields.Enabled(FieldMilestone) {
		id, err := s.client.EnsureMilestone(ctx, s.project, p.MilestoneTitle)
		if err != nil {
			logging.Warn("failed to backfill milestone", "issue_iid", issue.IID, "error", err)
		} else if id != 0 {
			w.MilestoneID = &id
		}
	}

	if issue.Iteration == nil && p.IterationTitle != "" && e.fields.Enabled(FieldIteration) {
		id, err := s.client.ResolveIteration(ctx, s.project, models.Iteration{
			Title:     p.IterationTitle,
			StartDate: p.IterationStartDate,
			DueDate:   p.IterationDueDate,
		})
		if err != nil {
			logging.Warn("failed to backfill iteration", "issue_iid", issue.IID, "error", err)
		} else if id != 0 {
			w.IterationID = id
		}
	}

	if w.MilestoneID != nil || w.IterationID != 0 {
		if _, err := s.client.UpdateIssue(ctx, s.project, issue.IID, w); err != nil {
			logging.Warn("failed to backfill relationships", "issue_iid", issue.IID, "error", err)
		}
	}

	if issue.Epic == nil && p.EpicTitle != "" && e.fields.Enabled(FieldEpic) {
		if err := s.client.LinkEpicByTitle(ctx, s.project, p.EpicTitle, issue.ID); err != nil {
			logging.Warn("failed to backfill epic", "issue_iid", issue.IID, "error", err)
		}
	}
}
