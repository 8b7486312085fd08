// Package gitlab provides functionality for interacting with a GitLab
// instance's REST API. It converts the API's payloads into the typed
// structures in pkg/models so the sync engine never inspects raw shapes.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gitlab "github.com/xanzy/go-gitlab"

	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

const (
	defaultLabelColor = "#428BCA"
	perPage           = 100
)

// Classifier maps an HTTP status code to a fetch outcome. It is pluggable
// because some instances conflate "hidden" and "gone"; a stricter deployment
// can classify 404 as forbidden to disable recreation entirely.
type Classifier func(status int) models.Outcome

// DefaultClassifier treats 404 as gone and 401/403 as inaccessible.
func DefaultClassifier(status int) models.Outcome {
	switch status {
	case http.StatusNotFound:
		return models.OutcomeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.OutcomeForbidden
	default:
		return models.OutcomeFound
	}
}

// Client encapsulates the GitLab API client for one instance.
type Client struct {
	gl       *gitlab.Client
	baseURL  string
	classify Classifier

	// groupIDs caches project -> owning group id lookups for the lifetime
	// of this client, which is a single reconciliation run.
	groupIDs map[string]int
}

// Option customizes a Client.
type Option func(*Client)

// WithClassifier overrides the status-code classification.
func WithClassifier(c Classifier) Option {
	return func(cl *Client) { cl.classify = c }
}

// NewClient creates a GitLab API client for the given instance URL and
// personal access token. Transient failures (429, 5xx) are retried with
// bounded exponential backoff by the underlying transport; 4xx responses
// are never retried.
func NewClient(rawURL, token string, opts ...Option) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("gitlab instance url not configured")
	}
	if token == "" {
		return nil, fmt.Errorf("gitlab access token not configured")
	}

	gl, err := gitlab.NewClient(token,
		gitlab.WithBaseURL(rawURL),
		gitlab.WithCustomRetryMax(4),
		gitlab.WithCustomRetryWaitMinMax(time.Second, 30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}

	logging.Debug("gitlab client configured",
		"url", rawURL,
		"token", logging.MaskSensitive(token))

	c := &Client{
		gl:       gl,
		baseURL:  strings.TrimRight(rawURL, "/"),
		classify: DefaultClassifier,
		groupIDs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized instance URL (no trailing slash).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// outcome classifies a failed request. A nil response (transport failure
// after retries) is not classifiable and surfaces as an error.
func (c *Client) outcome(resp *gitlab.Response, err error) (models.Outcome, error) {
	if err == nil {
		return models.OutcomeFound, nil
	}
	if resp == nil {
		return models.OutcomeFound, err
	}
	o := c.classify(resp.StatusCode)
	if o == models.OutcomeFound {
		// Not a status the classifier recognizes; keep the error.
		return models.OutcomeFound, err
	}
	return o, nil
}

// ListIssues retrieves issues from a project, all states, most recently
// updated first. A nil updatedAfter means a full scan.
func (c *Client) ListIssues(ctx context.Context, project string, updatedAfter *time.Time) ([]models.Issue, error) {
	opts := &gitlab.ListProjectIssuesOptions{
		State:        gitlab.Ptr("all"),
		OrderBy:      gitlab.Ptr("updated_at"),
		Sort:         gitlab.Ptr("desc"),
		UpdatedAfter: updatedAfter,
		ListOptions:  gitlab.ListOptions{PerPage: perPage},
	}

	var result []models.Issue
	for {
		issues, resp, err := c.gl.Issues.ListProjectIssues(project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list issues in project %s: %w", project, err)
		}
		for _, issue := range issues {
			result = append(result, toIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetIssue fetches a single issue by its project-scoped number. The second
// return value distinguishes found, gone and inaccessible; err is only
// non-nil for unclassifiable failures.
func (c *Client) GetIssue(ctx context.Context, project string, iid int) (*models.Issue, models.Outcome, error) {
	issue, resp, err := c.gl.Issues.GetIssue(project, iid, gitlab.WithContext(ctx))
	if err != nil {
		o, err := c.outcome(resp, err)
		if err != nil {
			return nil, models.OutcomeFound, fmt.Errorf("failed to get issue #%d in project %s: %w", iid, project, err)
		}
		return nil, o, nil
	}
	converted := toIssue(issue)
	return &converted, models.OutcomeFound, nil
}

// CreateIssue creates an issue from a write payload and returns the created
// issue. Iteration assignment happens in a follow-up call because the issue
// creation endpoint does not accept it.
func (c *Client) CreateIssue(ctx context.Context, project string, w models.IssueWrite) (*models.Issue, error) {
	opts := &gitlab.CreateIssueOptions{
		Title: gitlab.Ptr(w.Title),
	}
	if w.Description != nil {
		opts.Description = gitlab.Ptr(*w.Description)
	}
	if w.Labels != nil && len(*w.Labels) > 0 {
		labels := gitlab.LabelOptions(*w.Labels)
		opts.Labels = &labels
	}
	if w.AssigneeIDs != nil && len(*w.AssigneeIDs) > 0 {
		ids := append([]int(nil), *w.AssigneeIDs...)
		opts.AssigneeIDs = &ids
	}
	if w.MilestoneID != nil && *w.MilestoneID != 0 {
		opts.MilestoneID = w.MilestoneID
	}
	if w.DueDate != nil && *w.DueDate != "" {
		due, err := parseISODate(*w.DueDate)
		if err == nil {
			opts.DueDate = due
		}
	}
	if w.Weight != nil {
		opts.Weight = w.Weight
	}
	if w.Confidential != nil {
		opts.Confidential = w.Confidential
	}
	if w.IssueType != "" {
		opts.IssueType = gitlab.Ptr(w.IssueType)
	}

	issue, _, err := c.gl.Issues.CreateIssue(project, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create issue in project %s: %w", project, err)
	}

	if w.IterationID != 0 {
		if err := c.setIteration(ctx, project, issue.IID, w.IterationID); err != nil {
			logging.Warn("failed to set iteration on created issue",
				"project", project,
				"issue_iid", issue.IID,
				"error", err)
		}
	}

	converted := toIssue(issue)
	return &converted, nil
}

// UpdateIssue applies a write payload to an existing issue. Unset fields are
// omitted from the request entirely, so a payload carrying only some fields
// leaves the rest of the issue untouched. A MilestoneID of 0 clears the
// milestone; a nil one leaves it alone.
func (c *Client) UpdateIssue(ctx context.Context, project string, iid int, w models.IssueWrite) (*models.Issue, error) {
	opts := &gitlab.UpdateIssueOptions{}
	if w.Title != "" {
		opts.Title = gitlab.Ptr(w.Title)
	}
	if w.Description != nil {
		opts.Description = gitlab.Ptr(*w.Description)
	}
	if w.Labels != nil {
		// An empty list clears all labels; nil would serialize as null.
		labels := gitlab.LabelOptions(append([]string{}, *w.Labels...))
		opts.Labels = &labels
	}
	if w.AssigneeIDs != nil {
		// An empty list unassigns everyone; nil would serialize as null.
		ids := append([]int{}, *w.AssigneeIDs...)
		opts.AssigneeIDs = &ids
	}
	if w.MilestoneID != nil {
		opts.MilestoneID = w.MilestoneID
	}
	if w.DueDate != nil && *w.DueDate != "" {
		due, err := parseISODate(*w.DueDate)
		if err == nil {
			opts.DueDate = due
		}
	}
	if w.Weight != nil {
		opts.Weight = w.Weight
	}
	if w.Confidential != nil {
		opts.Confidential = w.Confidential
	}
	if w.IssueType != "" {
		opts.IssueType = gitlab.Ptr(w.IssueType)
	}
	if w.StateEvent != "" {
		opts.StateEvent = gitlab.Ptr(w.StateEvent)
	}

	issue, _, err := c.gl.Issues.UpdateIssue(project, iid, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to update issue #%d in project %s: %w", iid, project, err)
	}

	if w.IterationID != 0 {
		if err := c.setIteration(ctx, project, iid, w.IterationID); err != nil {
			logging.Warn("failed to set iteration on updated issue",
				"project", project,
				"issue_iid", iid,
				"error", err)
		}
	}

	converted := toIssue(issue)
	return &converted, nil
}

// setIteration assigns an iteration via the issue update endpoint's
// iteration_id parameter, which the typed options do not expose.
func (c *Client) setIteration(ctx context.Context, project string, iid, iterationID int) error {
	path := fmt.Sprintf("projects/%s/issues/%d", gitlab.PathEscape(project), iid)
	body := map[string]int{"iteration_id": iterationID}
	req, err := c.gl.NewRequest(http.MethodPut, path, body, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
	if err != nil {
		return err
	}
	_, err = c.gl.Do(req, nil)
	return err
}

// ListNotes retrieves an issue's comments oldest first. 401/403 surface as
// OutcomeForbidden so confidential notes never abort an issue sync.
func (c *Client) ListNotes(ctx context.Context, project string, iid int) ([]models.Note, models.Outcome, error) {
	opts := &gitlab.ListIssueNotesOptions{
		OrderBy:     gitlab.Ptr("created_at"),
		Sort:        gitlab.Ptr("asc"),
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}

	var result []models.Note
	for {
		notes, resp, err := c.gl.Notes.ListIssueNotes(project, iid, opts, gitlab.WithContext(ctx))
		if err != nil {
			o, err := c.outcome(resp, err)
			if err != nil {
				return nil, models.OutcomeFound, fmt.Errorf("failed to list notes on issue #%d: %w", iid, err)
			}
			return nil, o, nil
		}
		for _, note := range notes {
			n := models.Note{
				ID:     note.ID,
				Body:   note.Body,
				System: note.System,
			}
			if note.Author.Username != "" {
				n.Author = note.Author.Username
			}
			if note.CreatedAt != nil {
				n.CreatedAt = *note.CreatedAt
			}
			result = append(result, n)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, models.OutcomeFound, nil
}

// CreateNote adds a comment to an issue.
func (c *Client) CreateNote(ctx context.Context, project string, iid int, body string) error {
	_, _, err := c.gl.Notes.CreateIssueNote(project, iid, &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create note on issue #%d: %w", iid, err)
	}
	return nil
}

// EnsureLabels creates any of the given labels missing from the project.
func (c *Client) EnsureLabels(ctx context.Context, project string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}

	existing := make(map[string]bool)
	opts := &gitlab.ListLabelsOptions{ListOptions: gitlab.ListOptions{PerPage: perPage}}
	for {
		page, resp, err := c.gl.Labels.ListLabels(project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to list labels in project %s: %w", project, err)
		}
		for _, l := range page {
			existing[l.Name] = true
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, label := range labels {
		if existing[label] {
			continue
		}
		_, _, err := c.gl.Labels.CreateLabel(project, &gitlab.CreateLabelOptions{
			Name:  gitlab.Ptr(label),
			Color: gitlab.Ptr(defaultLabelColor),
		}, gitlab.WithContext(ctx))
		if err != nil {
			// Label creation is best-effort; a lost race with another run
			// leaves the label in place anyway.
			logging.Warn("failed to create label", "label", label, "project", project, "error", err)
		}
	}
	return nil
}

// EnsureMilestone finds a milestone by title, creating it when missing.
// Returns the milestone id, or 0 when title is empty or creation failed.
func (c *Client) EnsureMilestone(ctx context.Context, project, title string) (int, error) {
	if title == "" {
		return 0, nil
	}

	opts := &gitlab.ListMilestonesOptions{ListOptions: gitlab.ListOptions{PerPage: perPage}}
	for {
		milestones, resp, err := c.gl.Milestones.ListMilestones(project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("failed to list milestones in project %s: %w", project, err)
		}
		for _, m := range milestones {
			if m.Title == title {
				return m.ID, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	milestone, _, err := c.gl.Milestones.CreateMilestone(project, &gitlab.CreateMilestoneOptions{
		Title: gitlab.Ptr(title),
	}, gitlab.WithContext(ctx))
	if err != nil {
		logging.Warn("failed to create milestone", "title", title, "project", project, "error", err)
		return 0, nil
	}
	return milestone.ID, nil
}

// ResolveUser looks up a user id by username.
func (c *Client) ResolveUser(ctx context.Context, username string) (int, bool, error) {
	users, _, err := c.gl.Users.ListUsers(&gitlab.ListUsersOptions{
		Username: gitlab.Ptr(username),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	if len(users) == 0 {
		return 0, false, nil
	}
	return users[0].ID, true, nil
}

// SetTimeEstimate sets an issue's time estimate via its dedicated endpoint.
func (c *Client) SetTimeEstimate(ctx context.Context, project string, iid, seconds int) error {
	_, _, err := c.gl.Issues.SetTimeEstimate(project, iid, &gitlab.SetTimeEstimateOptions{
		Duration: gitlab.Ptr(fmt.Sprintf("%ds", seconds)),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to set time estimate on issue #%d: %w", iid, err)
	}
	return nil
}

// ResetTimeEstimate clears an issue's time estimate.
func (c *Client) ResetTimeEstimate(ctx context.Context, project string, iid int) error {
	_, _, err := c.gl.Issues.ResetTimeEstimate(project, iid, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to reset time estimate on issue #%d: %w", iid, err)
	}
	return nil
}

// groupID resolves the group owning a project, caching per client. Returns
// 0 for user-namespace projects, which have no iterations or epics.
func (c *Client) groupID(ctx context.Context, project string) (int, error) {
	if id, ok := c.groupIDs[project]; ok {
		return id, nil
	}
	p, _, err := c.gl.Projects.GetProject(project, &gitlab.GetProjectOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to get project %s: %w", project, err)
	}
	id := 0
	if p.Namespace != nil && strings.EqualFold(p.Namespace.Kind, "group") {
		id = p.Namespace.ID
	}
	c.groupIDs[project] = id
	return id, nil
}

// ResolveIteration maps an iteration to this instance by title within the
// project's group, creating it when missing and dates are known. Returns 0
// when it cannot be resolved; iteration linkage is best-effort.
func (c *Client) ResolveIteration(ctx context.Context, project string, it models.Iteration) (int, error) {
	if it.Title == "" {
		return 0, nil
	}
	gid, err := c.groupID(ctx, project)
	if err != nil || gid == 0 {
		return 0, err
	}

	iterations, _, err := c.gl.GroupIterations.ListGroupIterations(gid, &gitlab.ListGroupIterationsOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}, gitlab.WithContext(ctx))
	if err != nil {
		logging.Warn("failed to list group iterations", "group_id", gid, "error", err)
		return 0, nil
	}
	for _, gi := range iterations {
		if strings.TrimSpace(gi.Title) == strings.TrimSpace(it.Title) {
			return gi.ID, nil
		}
	}

	if it.StartDate == "" || it.DueDate == "" {
		return 0, nil
	}
	// Manual iteration creation is rejected on instances using iteration
	// cadences; treat failure as unresolved.
	created, err := c.createGroupIteration(ctx, gid, it)
	if err != nil {
		logging.Warn("failed to create group iteration", "group_id", gid, "title", it.Title, "error", err)
		return 0, nil
	}
	return created, nil
}

func (c *Client) createGroupIteration(ctx context.Context, gid int, it models.Iteration) (int, error) {
	path := fmt.Sprintf("groups/%d/iterations", gid)
	body := map[string]string{
		"title":      it.Title,
		"start_date": it.StartDate,
		"due_date":   it.DueDate,
	}
	req, err := c.gl.NewRequest(http.MethodPost, path, body, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int `json:"id"`
	}
	if _, err := c.gl.Do(req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// LinkEpicByTitle attaches an issue to the group epic with the given title,
// when one exists. Best-effort: unresolvable epics are reported, not fatal.
func (c *Client) LinkEpicByTitle(ctx context.Context, project, title string, issueID int) error {
	if title == "" || issueID == 0 {
		return nil
	}
	gid, err := c.groupID(ctx, project)
	if err != nil {
		return err
	}
	if gid == 0 {
		return nil
	}

	epics, _, err := c.gl.Epics.ListGroupEpics(gid, &gitlab.ListGroupEpicsOptions{
		Search: gitlab.Ptr(title),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to list epics in group %d: %w", gid, err)
	}
	for _, e := range epics {
		if strings.TrimSpace(e.Title) == strings.TrimSpace(title) {
			_, _, err := c.gl.EpicIssues.AssignEpicIssue(gid, e.IID, issueID, gitlab.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("failed to assign issue %d to epic %q: %w", issueID, title, err)
			}
			return nil
		}
	}
	return nil
}

// parseISODate converts a YYYY-MM-DD string to the API's date type.
func parseISODate(value string) (*gitlab.ISOTime, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	iso := gitlab.ISOTime(t)
	return &iso, nil
}

// toIssue converts an API issue payload to the tracker-neutral model.
func toIssue(issue *gitlab.Issue) models.Issue {
	out := models.Issue{
		IID:          issue.IID,
		ID:           issue.ID,
		Title:        issue.Title,
		Description:  issue.Description,
		State:        issue.State,
		Labels:       append([]string(nil), issue.Labels...),
		Confidential: issue.Confidential,
	}

	for _, a := range issue.Assignees {
		if a == nil {
			continue
		}
		out.Assignees = append(out.Assignees, models.User{ID: a.ID, Username: a.Username})
	}
	if issue.Milestone != nil {
		out.Milestone = issue.Milestone.Title
	}
	if issue.DueDate != nil {
		out.DueDate = time.Time(*issue.DueDate).Format("2006-01-02")
	}
	if issue.Weight != 0 {
		w := issue.Weight
		out.Weight = &w
	}
	if issue.TimeStats != nil {
		out.TimeEstimateSeconds = issue.TimeStats.TimeEstimate
	}
	if issue.IssueType != nil {
		out.IssueType = *issue.IssueType
	}
	if issue.Iteration != nil {
		it := models.Iteration{
			ID:    issue.Iteration.ID,
			Title: issue.Iteration.Title,
		}
		if issue.Iteration.StartDate != nil {
			it.StartDate = time.Time(*issue.Iteration.StartDate).Format("2006-01-02")
		}
		if issue.Iteration.DueDate != nil {
			it.DueDate = time.Time(*issue.Iteration.DueDate).Format("2006-01-02")
		}
		out.Iteration = &it
	}
	if issue.Epic != nil {
		out.Epic = &models.Epic{
			ID:    issue.Epic.ID,
			IID:   issue.Epic.IID,
			Title: issue.Epic.Title,
		}
	}
	if issue.UpdatedAt != nil {
		out.UpdatedAt = issue.UpdatedAt.UTC()
	}
	return out
}
