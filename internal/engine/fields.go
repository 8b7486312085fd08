package engine

// Syncable field names, matching the SYNC_FIELDS configuration values.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldState        = "state"
	FieldLabels       = "labels"
	FieldAssignees    = "assignees"
	FieldDueDate      = "due_date"
	FieldMilestone    = "milestone"
	FieldWeight       = "weight"
	FieldTimeEstimate = "time_estimate"
	FieldConfidential = "confidential"
	FieldIssueType    = "issue_type"
	FieldIteration    = "iteration"
	FieldEpic         = "epic"
	FieldComments     = "comments"
)

// FieldSet is the allowlist of issue fields the engine mirrors. The zero
// value (or an empty set) enables every field.
type FieldSet map[string]bool

// NewFieldSet builds a FieldSet from configured field names. An empty list
// returns nil, which Enabled treats as "everything".
func NewFieldSet(fields []string) FieldSet {
	if len(fields) == 0 {
		return nil
	}
	set := make(FieldSet, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// Enabled reports whether a field participates in mirroring.
func (s FieldSet) Enabled(field string) bool {
	if len(s) == 0 {
		return true
	}
	return s[field]
}
