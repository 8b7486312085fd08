package models

// Outcome is the three-way result of fetching a remote resource. The engine
// pattern-matches on it instead of unwinding nested errors: NotFound
// triggers self-healing recreation, Forbidden is skipped and never recreated.
type Outcome int

const (
	// OutcomeFound means the resource was fetched.
	OutcomeFound Outcome = iota
	// OutcomeNotFound means the remote API unambiguously reported the
	// resource gone.
	OutcomeNotFound
	// OutcomeForbidden means the resource exists but the credential cannot
	// see it (or authentication failed).
	OutcomeForbidden
)

// String implements fmt.Stringer for log output.
func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}
