// Package engine implements the synchronization core: per-direction
// reconciliation, conflict detection, bidirectional orchestration and
// mapping repair for configured project pairs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

// ErrPairNotFound is returned when the requested pair does not exist.
var ErrPairNotFound = errors.New("pair not found")

// DefaultOverlapWindow is subtracted from watermarks to tolerate clock skew
// between this host and the remote instances.
const DefaultOverlapWindow = 2 * time.Minute

// Tracker is the remote-side collaborator the engine drives. The GitLab
// client implements it; tests substitute mocks.
type Tracker interface {
	BaseURL() string
	ListIssues(ctx context.Context, project string, updatedAfter *time.Time) ([]models.Issue, error)
	GetIssue(ctx context.Context, project string, iid int) (*models.Issue, models.Outcome, error)
	CreateIssue(ctx context.Context, project string, w models.IssueWrite) (*models.Issue, error)
	UpdateIssue(ctx context.Context, project string, iid int, w models.IssueWrite) (*models.Issue, error)
	ListNotes(ctx context.Context, project string, iid int) ([]models.Note, models.Outcome, error)
	CreateNote(ctx context.Context, project string, iid int, body string) error
	EnsureLabels(ctx context.Context, project string, labels []string) error
	EnsureMilestone(ctx context.Context, project, title string) (int, error)
	ResolveUser(ctx context.Context, username string) (int, bool, error)
	SetTimeEstimate(ctx context.Context, project string, iid, seconds int) error
	ResetTimeEstimate(ctx context.Context, project string, iid int) error
	ResolveIteration(ctx context.Context, project string, it models.Iteration) (int, error)
	LinkEpicByTitle(ctx context.Context, project, title string, issueID int) error
}

// ClientFactory builds a Tracker client for a configured instance. Clients
// are created per reconciliation run and discarded with it; there is no
// process-wide cache.
type ClientFactory func(t store.Tracker) (Tracker, error)

// Engine executes reconciliation runs against the mapping store.
type Engine struct {
	store   *store.Store
	factory ClientFactory
	overlap time.Duration
	fields  FieldSet
	now     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithOverlapWindow sets the clock-skew overlap window.
func WithOverlapWindow(d time.Duration) Option {
	return func(e *Engine) { e.overlap = d }
}

// WithFields restricts mirroring to the given field allowlist.
func WithFields(fields []string) Option {
	return func(e *Engine) { e.fields = NewFieldSet(fields) }
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(st *store.Store, factory ClientFactory, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		factory: factory,
		overlap: DefaultOverlapWindow,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// side bundles one end of a directed sync: its configured tracker row, its
// live client and its project.
type side struct {
	tracker *store.Tracker
	client  Tracker
	project string
}

// run holds the per-run state for one pair: the resolved clients and the
// cursor captured once at run start.
type run struct {
	pair   *store.Pair
	source side
	target side
	cursor *time.Time
}

// direction is a directed view over a run; from/to swap for the reverse leg
// so the per-issue algorithm is written once.
type direction struct {
	run  *run
	name string
	from side
	to   side
}

// mappingFor looks up the mapping keyed by the from-side issue number.
func (e *Engine) mappingFor(d direction, iid int) (*store.Mapping, error) {
	if d.name == store.DirectionSourceToTarget {
		return e.store.MappingBySource(d.run.pair.ID, iid)
	}
	return e.store.MappingByTarget(d.run.pair.ID, iid)
}

// mirrorIID returns the to-side issue number recorded in a mapping.
func (d direction) mirrorIID(m *store.Mapping) int {
	if d.name == store.DirectionSourceToTarget {
		return m.TargetIID
	}
	return m.SourceIID
}

// setMirror records the to-side issue identifiers on a mapping.
func (d direction) setMirror(m *store.Mapping, issue *models.Issue) {
	if d.name == store.DirectionSourceToTarget {
		m.TargetIID = issue.IID
		m.TargetID = issue.ID
	} else {
		m.SourceIID = issue.IID
		m.SourceID = issue.ID
	}
}

// newMapping builds a mapping row with from/to oriented back to the pair's
// configured source/target, regardless of which leg created it.
func (d direction) newMapping(from models.Issue, to *models.Issue) *store.Mapping {
	if d.name == store.DirectionSourceToTarget {
		return &store.Mapping{
			PairID:    d.run.pair.ID,
			SourceIID: from.IID,
			SourceID:  from.ID,
			TargetIID: to.IID,
			TargetID:  to.ID,
		}
	}
	return &store.Mapping{
		PairID:    d.run.pair.ID,
		SourceIID: to.IID,
		SourceID:  to.ID,
		TargetIID: from.IID,
		TargetID:  from.ID,
	}
}

// Reconcile runs one reconciliation pass for a pair: source→target, then
// target→source for bidirectional pairs, both against a single cursor
// captured at run start. The watermark advances exactly once, after both
// directions finished; a run-level failure leaves it untouched.
func (e *Engine) Reconcile(ctx context.Context, pairID uint) (models.SyncStats, error) {
	var stats models.SyncStats

	pair, err := e.store.GetPair(pairID)
	if err != nil {
		return stats, err
	}
	if pair == nil {
		return stats, ErrPairNotFound
	}
	if !pair.Enabled {
		logging.Info("sync disabled for pair", "pair", pair.Name)
		return stats, nil
	}

	logging.Info("starting reconciliation", "pair", pair.Name, "bidirectional", pair.Bidirectional)

	r, err := e.buildRun(pair)
	if err != nil {
		stats.Errors++
		e.appendLog(pair.ID, store.StatusFailed, "", nil, nil, fmt.Sprintf("Sync failed: %v", err))
		return stats, err
	}

	forward := direction{run: r, name: store.DirectionSourceToTarget, from: r.source, to: r.target}
	dirStats, err := e.syncDirection(ctx, forward)
	stats.Add(dirStats)
	if err != nil {
		stats.Errors++
		e.appendLog(pair.ID, store.StatusFailed, forward.name, nil, nil, fmt.Sprintf("Sync failed: %v", err))
		return stats, err
	}

	if pair.Bidirectional {
		reverse := direction{run: r, name: store.DirectionTargetToSource, from: r.target, to: r.source}
		dirStats, err := e.syncDirection(ctx, reverse)
		stats.Add(dirStats)
		if err != nil {
			stats.Errors++
			e.appendLog(pair.ID, store.StatusFailed, reverse.name, nil, nil, fmt.Sprintf("Sync failed: %v", err))
			return stats, err
		}
	}

	if err := e.store.AdvanceWatermark(pair.ID, e.now()); err != nil {
		stats.Errors++
		return stats, err
	}

	logging.Info("reconciliation complete",
		"pair", pair.Name,
		"created", stats.Created,
		"updated", stats.Updated,
		"conflicts", stats.Conflicts,
		"skipped", stats.Skipped,
		"skipped_inaccessible", stats.SkippedInaccessible,
		"errors", stats.Errors)
	e.appendLog(pair.ID, store.StatusSuccess, "", nil, nil, fmt.Sprintf("Sync completed: %+v", stats))

	return stats, nil
}

// buildRun resolves both tracker configurations, constructs their clients
// and captures the incremental cursor once.
func (e *Engine) buildRun(pair *store.Pair) (*run, error) {
	sourceTracker, err := e.store.GetTracker(pair.SourceTrackerID)
	if err != nil {
		return nil, err
	}
	targetTracker, err := e.store.GetTracker(pair.TargetTrackerID)
	if err != nil {
		return nil, err
	}
	if sourceTracker == nil || targetTracker == nil {
		return nil, fmt.Errorf("pair %d references a missing tracker", pair.ID)
	}

	sourceClient, err := e.factory(*sourceTracker)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for tracker %q: %w", sourceTracker.Name, err)
	}
	targetClient, err := e.factory(*targetTracker)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for tracker %q: %w", targetTracker.Name, err)
	}

	r := &run{
		pair:   pair,
		source: side{tracker: sourceTracker, client: sourceClient, project: pair.SourceProject},
		target: side{tracker: targetTracker, client: targetClient, project: pair.TargetProject},
	}
	// Full scan on the first run; afterwards only issues updated since the
	// watermark minus the overlap window, to tolerate remote clock skew.
	if pair.LastSyncAt != nil {
		cursor := pair.LastSyncAt.UTC().Add(-e.overlap)
		r.cursor = &cursor
	}
	return r, nil
}

// syncDirection reconciles every candidate issue of one directed leg.
// Per-issue failures are isolated; only the candidate listing itself is a
// run-level failure.
func (e *Engine) syncDirection(ctx context.Context, d direction) (models.SyncStats, error) {
	var stats models.SyncStats

	issues, err := d.from.client.ListIssues(ctx, d.from.project, d.run.cursor)
	if err != nil {
		return stats, fmt.Errorf("failed to list issues for %s: %w", d.name, err)
	}

	for _, issue := range issues {
		if err := e.processIssue(ctx, d, issue, &stats); err != nil {
			logging.Error("failed to sync issue",
				"direction", d.name,
				"issue_iid", issue.IID,
				"error", err)
			stats.Errors++
			iid := issue.IID
			e.appendLog(d.run.pair.ID, store.StatusFailed, d.name, &iid, nil,
				fmt.Sprintf("Failed to sync issue: %v", err))
		}
	}

	return stats, nil
}

// processIssue reconciles a single from-side issue against its mirror.
func (e *Engine) processIssue(ctx context.Context, d direction, issue models.Issue, stats *models.SyncStats) error {
	mapping, err := e.mappingFor(d, issue.IID)
	if err != nil {
		return err
	}
	if mapping != nil {
		return e.syncMapped(ctx, d, issue, mapping, stats)
	}
	return e.syncUnmapped(ctx, d, issue, stats)
}

// syncMapped handles an issue that already has a mapping row.
func (e *Engine) syncMapped(ctx context.Context, d direction, issue models.Issue, mapping *store.Mapping, stats *models.SyncStats) error {
	mirrorIID := d.mirrorIID(mapping)
	mirror, outcome, err := d.to.client.GetIssue(ctx, d.to.project, mirrorIID)
	if err != nil {
		return err
	}

	switch outcome {
	case models.OutcomeForbidden:
		// An under-scoped credential must never cause recreation; that way
		// lies a duplicate storm once access is restored.
		logging.Warn("mirror inaccessible, skipping",
			"issue_iid", issue.IID, "mirror_iid", mirrorIID)
		stats.SkippedInaccessible++
		iid := issue.IID
		e.appendLog(d.run.pair.ID, store.StatusSkipped, d.name, &iid, &mirrorIID,
			"Skipped: mirror issue inaccessible")
		return nil

	case models.OutcomeNotFound:
		// The mirror is gone; recreate it from current source content and
		// repair the mapping to the new identifier.
		recreated, err := e.createMirror(ctx, d, issue, stats)
		if err != nil {
			return err
		}
		d.setMirror(mapping, recreated)
		mapping.LastSyncedAt = e.now()
		mapping.Fingerprint = syncedFingerprint(issue, d.from.tracker.URL, d.from.project, e.fields)
		if err := e.store.SaveMapping(mapping); err != nil {
			return err
		}
		stats.Updated++
		return nil
	}

	if e.detectConflict(mapping, d, issue, *mirror) {
		recorded, err := e.recordConflict(d, mapping, issue, *mirror)
		if err != nil {
			return err
		}
		if recorded {
			stats.Conflicts++
		}
		return nil
	}

	freshHash := syncedFingerprint(issue, d.from.tracker.URL, d.from.project, e.fields)
	// Remote timestamps are second-granular and remote clocks can drift
	// relative to ours; compare against the watermark minus the overlap so
	// legitimate updates near the boundary are not dropped.
	changedSince := issue.UpdatedAt.After(mapping.LastSyncedAt.Add(-e.overlap))

	switch {
	case mapping.Fingerprint != freshHash && changedSince:
		if err := e.updateMirror(ctx, d, issue, *mirror, stats); err != nil {
			return err
		}
		mapping.LastSyncedAt = e.now()
		mapping.Fingerprint = freshHash
		if err := e.store.SaveMapping(mapping); err != nil {
			return err
		}
		stats.Updated++

	case changedSince:
		// Timestamp moved but content did not: comment or system activity.
		created, err := e.syncComments(ctx, d, issue, d.to, mirror.IID, stats)
		if err != nil {
			return err
		}
		mapping.LastSyncedAt = e.now()
		if err := e.store.SaveMapping(mapping); err != nil {
			return err
		}
		if created > 0 {
			stats.Updated++
		} else {
			stats.Skipped++
		}

	default:
		stats.Skipped++
	}
	return nil
}

// syncUnmapped handles an issue with no mapping row. It may be genuinely
// new, or the mirror image created moments earlier by the opposite
// direction, or an orphan whose mapping was lost; the embedded marker
// decides.
func (e *Engine) syncUnmapped(ctx context.Context, d direction, issue models.Issue, stats *models.SyncStats) error {
	if refURL, refIID, ok := parseSyncReference(issue.Description); ok {
		if refURL == normalizeURL(d.to.tracker.URL) {
			other, outcome, err := d.to.client.GetIssue(ctx, d.to.project, refIID)
			if err != nil {
				return err
			}
			switch outcome {
			case models.OutcomeFound:
				// The referenced mirror exists: synthesize the mapping
				// instead of creating a duplicate.
				rebuilt := d.newMapping(issue, other)
				rebuilt.LastSyncedAt = e.now()
				rebuilt.Fingerprint = syncedFingerprint(issue, d.from.tracker.URL, d.from.project, e.fields)
				inserted, err := e.store.InsertMapping(rebuilt)
				if err != nil {
					return err
				}
				if inserted {
					stats.Created++
				} else {
					stats.Skipped++
				}
				return nil
			case models.OutcomeForbidden:
				// The marker says a mirror exists but we cannot see it;
				// creating another copy would duplicate.
				logging.Warn("marked mirror inaccessible, skipping",
					"issue_iid", issue.IID, "mirror_iid", refIID)
				stats.SkippedInaccessible++
				iid := issue.IID
				e.appendLog(d.run.pair.ID, store.StatusSkipped, d.name, &iid, &refIID,
					"Skipped: marked mirror issue inaccessible")
				return nil
			}
			// Not found: the referenced issue is gone, treat as new.
		}
	}

	created, err := e.createMirror(ctx, d, issue, stats)
	if err != nil {
		return err
	}

	mapping := d.newMapping(issue, created)
	mapping.LastSyncedAt = e.now()
	mapping.Fingerprint = syncedFingerprint(issue, d.from.tracker.URL, d.from.project, e.fields)
	inserted, err := e.store.InsertMapping(mapping)
	if err != nil {
		return err
	}
	if inserted {
		stats.Created++
	} else {
		stats.Skipped++
	}
	return nil
}

// detectConflict reports a genuine concurrent update. Both sides must have
// moved past the mapping watermark, and neither side's fingerprint may
// still equal the stored baseline. A matching baseline means that side's
// timestamp move was comment or system noise, not a content change.
func (e *Engine) detectConflict(mapping *store.Mapping, d direction, issue, mirror models.Issue) bool {
	last := mapping.LastSyncedAt
	if last.IsZero() {
		return false
	}
	if !issue.UpdatedAt.After(last) || !mirror.UpdatedAt.After(last) {
		return false
	}
	if mapping.Fingerprint == "" {
		return true
	}
	// The baseline is stored in synced form. Depending on direction, a side
	// may carry the marker in its body (plain hash matches) or not (synced
	// hash matches); either match means that side's timestamp move was
	// comment or system noise.
	if contentFingerprint(issue, e.fields) == mapping.Fingerprint ||
		syncedFingerprint(issue, d.from.tracker.URL, d.from.project, e.fields) == mapping.Fingerprint {
		return false
	}
	if contentFingerprint(mirror, e.fields) == mapping.Fingerprint ||
		syncedFingerprint(mirror, d.to.tracker.URL, d.to.project, e.fields) == mapping.Fingerprint {
		return false
	}
	return true
}

// recordConflict persists an immutable snapshot of both sides, once per
// mapping: the reverse direction of the same run (and later runs) would
// otherwise re-detect the same divergence. No tracker writes happen for a
// conflicting issue.
func (e *Engine) recordConflict(d direction, mapping *store.Mapping, issue, mirror models.Issue) (bool, error) {
	open, err := e.store.HasUnresolvedConflict(mapping.ID)
	if err != nil {
		return false, err
	}
	if open {
		return false, nil
	}
	snapshot := func(i models.Issue) string {
		raw, _ := json.Marshal(map[string]string{
			"title":      i.Title,
			"state":      i.State,
			"updated_at": i.UpdatedAt.Format(time.RFC3339),
		})
		return string(raw)
	}

	sourceIID, targetIID := issue.IID, mirror.IID
	if d.name == store.DirectionTargetToSource {
		sourceIID, targetIID = mirror.IID, issue.IID
	}

	logging.Warn("conflict detected",
		"pair", d.run.pair.Name,
		"source_iid", sourceIID,
		"target_iid", targetIID)

	mappingID := mapping.ID
	err = e.store.AddConflict(&store.Conflict{
		PairID:      d.run.pair.ID,
		MappingID:   &mappingID,
		SourceIID:   sourceIID,
		TargetIID:   &targetIID,
		Type:        store.ConflictConcurrentUpdate,
		Description: "Concurrent updates detected on both instances",
		SourceData:  snapshot(issue),
		TargetData:  snapshot(mirror),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// buildWrite assembles the mirror write payload for an issue, honoring the
// field allowlist and translating assignees, milestone and iteration to the
// receiving instance. Disabled fields are left unset so the client omits
// them from the request; a disabled field must never be cleared on the
// mirror just because the source payload carried no value for it.
func (e *Engine) buildWrite(ctx context.Context, d direction, issue models.Issue) (models.IssueWrite, error) {
	w := models.IssueWrite{}

	if e.fields.Enabled(FieldTitle) {
		w.Title = issue.Title
	}
	if e.fields.Enabled(FieldDescription) {
		desc := addSyncReference(issue.Description, d.from.tracker.URL, d.from.project, issue.IID, markerFields(issue))
		w.Description = &desc
	}

	if e.fields.Enabled(FieldLabels) {
		if len(issue.Labels) > 0 {
			if err := d.to.client.EnsureLabels(ctx, d.to.project, issue.Labels); err != nil {
				return w, err
			}
		}
		labels := append([]string(nil), issue.Labels...)
		w.Labels = &labels
	}

	if e.fields.Enabled(FieldAssignees) {
		ids, err := e.mapAssignees(ctx, d, issue.Assignees)
		if err != nil {
			return w, err
		}
		w.AssigneeIDs = &ids
	}

	if e.fields.Enabled(FieldMilestone) {
		if issue.Milestone == "" {
			// The source genuinely has no milestone; 0 clears it on update.
			zero := 0
			w.MilestoneID = &zero
		} else {
			id, err := d.to.client.EnsureMilestone(ctx, d.to.project, issue.Milestone)
			if err != nil {
				return w, err
			}
			if id != 0 {
				w.MilestoneID = &id
			}
		}
	}

	if e.fields.Enabled(FieldDueDate) && issue.DueDate != "" {
		due := issue.DueDate
		w.DueDate = &due
	}
	if e.fields.Enabled(FieldWeight) {
		w.Weight = issue.Weight
	}
	if e.fields.Enabled(FieldConfidential) {
		confidential := issue.Confidential
		w.Confidential = &confidential
	}
	if e.fields.Enabled(FieldIssueType) {
		w.IssueType = issue.IssueType
	}
	if e.fields.Enabled(FieldIteration) && issue.Iteration != nil {
		id, err := d.to.client.ResolveIteration(ctx, d.to.project, *issue.Iteration)
		if err != nil {
			logging.Warn("failed to resolve iteration", "title", issue.Iteration.Title, "error", err)
		} else {
			w.IterationID = id
		}
	}

	return w, nil
}

// mapAssignees translates assignee usernames through the user mapping table
// and resolves them on the receiving instance. Unmapped users fall back to
// the target tracker's catch-all username when one is configured.
func (e *Engine) mapAssignees(ctx context.Context, d direction, assignees []models.User) ([]int, error) {
	var ids []int
	for _, a := range assignees {
		if a.Username == "" {
			continue
		}
		username, ok, err := e.store.ResolveUsername(a.Username, d.from.tracker.ID, d.to.tracker.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if d.to.tracker.CatchAllUsername == "" {
				logging.Warn("no mapping found for user", "username", a.Username)
				continue
			}
			username = d.to.tracker.CatchAllUsername
		}
		id, found, err := d.to.client.ResolveUser(ctx, username)
		if err != nil {
			return nil, err
		}
		if found {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// createMirror creates a new mirror issue on the to side, including
// comments, time estimate, epic link and closed state.
func (e *Engine) createMirror(ctx context.Context, d direction, issue models.Issue, stats *models.SyncStats) (*models.Issue, error) {
	w, err := e.buildWrite(ctx, d, issue)
	if err != nil {
		return nil, err
	}

	created, err := d.to.client.CreateIssue(ctx, d.to.project, w)
	if err != nil {
		return nil, err
	}

	if e.fields.Enabled(FieldTimeEstimate) && issue.TimeEstimateSeconds > 0 {
		if err := d.to.client.SetTimeEstimate(ctx, d.to.project, created.IID, issue.TimeEstimateSeconds); err != nil {
			logging.Warn("failed to set time estimate", "issue_iid", created.IID, "error", err)
		}
	}

	if _, err := e.syncComments(ctx, d, issue, d.to, created.IID, stats); err != nil {
		return nil, err
	}

	if e.fields.Enabled(FieldEpic) && issue.Epic != nil && issue.Epic.Title != "" {
		if err := d.to.client.LinkEpicByTitle(ctx, d.to.project, issue.Epic.Title, created.ID); err != nil {
			logging.Warn("failed to link epic", "issue_iid", created.IID, "error", err)
		}
	}

	if e.fields.Enabled(FieldState) && issue.State == "closed" {
		w.StateEvent = "close"
		if _, err := d.to.client.UpdateIssue(ctx, d.to.project, created.IID, w); err != nil {
			return nil, err
		}
		created.State = "closed"
	}

	return created, nil
}

// updateMirror pushes the from-side content onto an existing mirror.
func (e *Engine) updateMirror(ctx context.Context, d direction, issue, mirror models.Issue, stats *models.SyncStats) error {
	w, err := e.buildWrite(ctx, d, issue)
	if err != nil {
		return err
	}

	if e.fields.Enabled(FieldState) && issue.State != mirror.State {
		if issue.State == "closed" {
			w.StateEvent = "close"
		} else {
			w.StateEvent = "reopen"
		}
	}

	if _, err := d.to.client.UpdateIssue(ctx, d.to.project, mirror.IID, w); err != nil {
		return err
	}

	if e.fields.Enabled(FieldTimeEstimate) {
		if issue.TimeEstimateSeconds > 0 {
			err = d.to.client.SetTimeEstimate(ctx, d.to.project, mirror.IID, issue.TimeEstimateSeconds)
		} else {
			err = d.to.client.ResetTimeEstimate(ctx, d.to.project, mirror.IID)
		}
		if err != nil {
			logging.Warn("failed to sync time estimate", "issue_iid", mirror.IID, "error", err)
		}
	}

	if _, err := e.syncComments(ctx, d, issue, d.to, mirror.IID, stats); err != nil {
		return err
	}

	if e.fields.Enabled(FieldEpic) && issue.Epic != nil && issue.Epic.Title != "" {
		if err := d.to.client.LinkEpicByTitle(ctx, d.to.project, issue.Epic.Title, mirror.ID); err != nil {
			logging.Warn("failed to link epic", "issue_iid", mirror.IID, "error", err)
		}
	}

	return nil
}

// syncComments mirrors from-side notes onto the mirror issue, skipping
// system notes, this tool's own prior output, and notes already present.
// Returns the number of notes created.
func (e *Engine) syncComments(ctx context.Context, d direction, issue models.Issue, to side, mirrorIID int, stats *models.SyncStats) (int, error) {
	if !e.fields.Enabled(FieldComments) {
		return 0, nil
	}

	fromBase := normalizeURL(d.from.tracker.URL)

	sourceNotes, outcome, err := d.from.client.ListNotes(ctx, d.from.project, issue.IID)
	if err != nil {
		return 0, err
	}
	if outcome == models.OutcomeForbidden {
		// Confidential notes must not break issue sync.
		logging.Warn("notes inaccessible on origin, skipping comment sync", "issue_iid", issue.IID)
		stats.SkippedInaccessible++
		return 0, nil
	}

	targetNotes, outcome, err := to.client.ListNotes(ctx, to.project, mirrorIID)
	if err != nil {
		return 0, err
	}
	if outcome == models.OutcomeForbidden {
		logging.Warn("notes inaccessible on mirror, skipping comment sync", "issue_iid", mirrorIID)
		stats.SkippedInaccessible++
		return 0, nil
	}

	type noteKey struct {
		url     string
		project string
		iid     int
		noteID  int
	}
	existingBodies := make(map[string]bool)
	existingMarkers := make(map[noteKey]bool)
	for _, n := range targetNotes {
		if n.Body == "" {
			continue
		}
		existingBodies[n.Body] = true
		if p, ok := parseNoteMarker(n.Body); ok {
			existingMarkers[noteKey{p.SourceInstanceURL, p.SourceProjectID, p.SourceIssueIID, p.SourceNoteID}] = true
		}
	}

	created := 0
	for _, note := range sourceNotes {
		if note.System {
			continue
		}
		// A note that already carries a note marker is this tool's own
		// prior output being re-observed; mirroring it back would loop.
		if hasNoteMarker(note.Body) {
			continue
		}

		author := note.Author
		if author == "" {
			author = "unknown"
		}
		marker := ""
		if note.ID != 0 {
			marker = "\n\n---\n" + noteMarker(fromBase, d.from.project, issue.IID, note.ID)
		}
		body := fmt.Sprintf("**Comment by @%s:**\n\n%s%s", author, note.Body, marker)

		if existingBodies[body] {
			continue
		}
		if note.ID != 0 && existingMarkers[noteKey{fromBase, d.from.project, issue.IID, note.ID}] {
			continue
		}

		if err := to.client.CreateNote(ctx, to.project, mirrorIID, body); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// appendLog writes an audit entry, reporting but never propagating failures.
func (e *Engine) appendLog(pairID uint, status, dir string, sourceIID, targetIID *int, message string) {
	err := e.store.AppendLog(&store.SyncLog{
		PairID:    pairID,
		SourceIID: sourceIID,
		TargetIID: targetIID,
		Status:    status,
		Direction: dir,
		Message:   message,
	})
	if err != nil {
		logging.Error("failed to append sync log", "error", err)
	}
}
