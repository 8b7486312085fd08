// Package models defines the typed structures exchanged with issue trackers
// and the counter types returned by sync operations.
package models

import (
	"time"
)

// Issue is the tracker-neutral view of a remote issue. Relationship fields
// are carried as titles because numeric ids differ across instances.
type Issue struct {
	// IID is the project-scoped issue number (e.g. #42).
	IID int

	// ID is the instance-global internal id.
	ID int

	Title       string
	Description string

	// State is "opened" or "closed".
	State string

	Labels    []string
	Assignees []User

	// DueDate is an ISO date (YYYY-MM-DD), empty when unset.
	DueDate string

	// Milestone is the milestone title, empty when unset.
	Milestone string

	// Weight is nil when unset; zero is a valid weight.
	Weight *int

	// TimeEstimateSeconds is 0 when no estimate is set.
	TimeEstimateSeconds int

	// IssueType is "issue", "incident" or "task"; empty when the tracker
	// did not report one.
	IssueType string

	Confidential bool

	Iteration *Iteration
	Epic      *Epic

	UpdatedAt time.Time
}

// User identifies a tracker account.
type User struct {
	ID       int
	Username string
}

// Note is a single issue comment.
type Note struct {
	ID     int
	Body   string
	Author string

	// System is true for tracker-generated activity notes, which are
	// never mirrored.
	System bool

	CreatedAt time.Time
}

// Iteration is a group iteration, matched across instances by title.
type Iteration struct {
	ID        int
	Title     string
	StartDate string
	DueDate   string
}

// Epic is a group epic, matched across instances by title.
type Epic struct {
	ID    int
	IID   int
	Title string
}

// IssueWrite is the payload for creating or updating a mirror issue. Every
// field is tri-state: a nil pointer (or empty Title/IssueType) is omitted
// from the remote request entirely, so fields outside the configured
// allowlist are never touched on the mirror.
type IssueWrite struct {
	Title       string
	Description *string
	Labels      *[]string
	AssigneeIDs *[]int

	// MilestoneID of 0 clears the milestone on update; nil leaves it alone.
	MilestoneID *int

	DueDate      *string
	Weight       *int
	Confidential *bool

	IssueType string

	// IterationID is only set when the iteration resolved on the
	// receiving instance.
	IterationID int

	// StateEvent is "close", "reopen" or empty.
	StateEvent string
}

// SyncStats aggregates the outcome of one reconciliation run.
type SyncStats struct {
	Created             int `json:"created"`
	Updated             int `json:"updated"`
	Conflicts           int `json:"conflicts"`
	Skipped             int `json:"skipped"`
	SkippedInaccessible int `json:"skipped_inaccessible"`
	Errors              int `json:"errors"`
}

// Add accumulates per-direction stats into a run total.
func (s *SyncStats) Add(other SyncStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Conflicts += other.Conflicts
	s.Skipped += other.Skipped
	s.SkippedInaccessible += other.SkippedInaccessible
	s.Errors += other.Errors
}

// RepairStats aggregates the outcome of one mapping-repair run.
type RepairStats struct {
	Created         int `json:"created"`
	SkippedExisting int `json:"skipped_existing"`
	Conflicts       int `json:"conflicts"`
	PairsFound      int `json:"pairs_found"`
}
