package inference

import "fmt"

// Phase names used in errors and logs.
const (
	PhaseThink    = "think"
	PhasePlan     = "plan"
	PhaseFeedback = "feedback"
)

// CallError is a failed or timed-out AI round-trip.
type CallError struct {
	Phase string
	Err   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Phase, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// SchemaError is model output that does not match the expected structure or
// names a capability outside the allowed schema.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "invalid plan: " + e.Reason
}
