package tools

import (
	"fmt"
	"strings"
)

// Status is the outcome of an action.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusScheduled Status = "scheduled"
)

// Result is the structured return value a tool may produce.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(message string, data map[string]any) *Result {
	return &Result{Status: StatusSuccess, Message: message, Data: data}
}

// Skipped builds a skipped result. Skips are not failures and never count
// against the circuit breaker.
func Skipped(reason string) *Result {
	return &Result{Status: StatusSkipped, Message: reason}
}

// UnknownToolError reports a capability name missing from the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown capability: %s", e.Name)
}

// ValidationError reports required parameters missing from an action.
type ValidationError struct {
	Tool    string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing required parameters: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// ExternalCallError wraps a failure raised while a tool talked to an
// external system, including recovered panics.
type ExternalCallError struct {
	Tool string
	Err  error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }
