package api

import (
	"errors"
	"fmt"
	"strings"
)

// Failure error codes shared across transports.
const (
	CodeValidation       = "validation"
	CodeInvalidOwner     = "invalid_owner"
	CodeInvalidTTL       = "invalid_ttl"
	CodeLockHeld         = "lock_held"
	CodeNotOwner         = "not_owner"
	CodeLockExpired      = "lock_expired"
	CodeStaleCursor      = "stale_cursor"
	CodeInvalidCursor    = "invalid_cursor"
	CodeOwnerRequired    = "owner_required"
	CodeNotFound         = "not_found"
	CodeUnknownTool      = "unknown_tool"
	CodeMethodNotFound   = "method_not_found"
	CodeNotInitialized   = "not_initialized"
	CodeSessionClosed    = "session_closed"
	CodeArchivedConflict = "archived_conflict"
	CodeExecutionFailure = "execution_failure"
	CodeStreamBudget     = "stream_budget_exhausted"
	CodeIOFailure        = "io_failure"
	CodeCorruption       = "corruption"
)

// FieldViolation reports one schema violation on tool input. Validation
// aggregates every violation so correction is a single round-trip.
type FieldViolation struct {
	// Field is the violating input field in JSON naming.
	Field string `json:"field"`
	// Constraint is the violated constraint tag.
	Constraint string `json:"constraint"`
	// Detail is a human-readable description of the violation.
	Detail string `json:"detail,omitempty"`
}

// Failure captures transport-neutral error details that adapters map onto
// line-protocol, HTTP, and MCP error envelopes.
type Failure struct {
	Code       string
	Detail     string
	Hint       string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
	Fields     []FieldViolation
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// FailureCode extracts the machine code from err, or "internal" when err is
// not a Failure.
func FailureCode(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return "internal"
}

// FailureHint extracts the human hint from err, if any.
func FailureHint(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Hint
	}
	return ""
}

// IsCode reports whether err is a Failure carrying code.
func IsCode(err error, code string) bool {
	var f Failure
	return errors.As(err, &f) && f.Code == code
}

// ValidationFailure builds the aggregated validation Failure for a set of
// field violations.
func ValidationFailure(violations []FieldViolation) Failure {
	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
	}
	return Failure{
		Code:       CodeValidation,
		Detail:     fmt.Sprintf("input failed validation on %d field(s)", len(violations)),
		Hint:       "fix fields: " + strings.Join(fields, ", "),
		HTTPStatus: 400,
		Fields:     violations,
	}
}
