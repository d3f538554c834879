package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OverlapDetail describes the sibling interval a candidate collided with.
type OverlapDetail struct {
	ConflictID     string
	MachineID      string
	CandidateStart time.Time
	CandidateEnd   time.Time
	ConflictStart  time.Time
	ConflictEnd    time.Time
}

// ValidationError represents malformed input, a missing required field or an interval overlap.
type ValidationError struct {
	Field    string
	Message  string
	Conflict *OverlapDetail
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// StateTransitionError represents an illegal status change, including historical-lock violations.
type StateTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	if e.From == "" && e.To == "" {
		return fmt.Sprintf("state transition denied: %s", e.Reason)
	}
	return fmt.Sprintf("state transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

// APIError wraps a failed remote query or mutation with the context it was issued in.
type APIError struct {
	Op         string
	RecordID   string
	MachineID  string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("api error: ")
	b.WriteString(e.Op)
	if e.RecordID != "" {
		fmt.Fprintf(&b, " record=%s", e.RecordID)
	}
	if e.MachineID != "" {
		fmt.Fprintf(&b, " machine=%s", e.MachineID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// FieldError is one field-level form problem.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// FormError collects field-level validation problems reported before an edit reaches the core.
type FormError struct {
	Fields []FieldError
}

func (e *FormError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "form error: " + strings.Join(parts, "; ")
}

// Business logic errors
var (
	ErrNotFound       = errors.New("not found")
	ErrHistorical     = errors.New("record is historical")
	ErrNotEditable    = errors.New("work order is no longer editable")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidTime    = errors.New("invalid timestamp")
	ErrInvalidRange   = errors.New("invalid time range")
	ErrNoBackend      = errors.New("backend not configured")
	ErrEditorInactive = errors.New("editor is not open")
)

// IsValidation checks if an error is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStateTransition checks if an error is a StateTransitionError
func IsStateTransition(err error) bool {
	var v *StateTransitionError
	return errors.As(err, &v)
}

// IsAPI checks if an error is an APIError
func IsAPI(err error) bool {
	var v *APIError
	return errors.As(err, &v)
}

// IsForm checks if an error is a FormError
func IsForm(err error) bool {
	var v *FormError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NewOverlapError reports a conflicting sibling interval.
func NewOverlapError(d OverlapDetail) error {
	return &ValidationError{
		Field: "interval",
		Message: fmt.Sprintf("overlaps record %s on machine %s ([%s, %s) vs [%s, %s))",
			d.ConflictID, d.MachineID,
			d.CandidateStart.Format(time.RFC3339), d.CandidateEnd.Format(time.RFC3339),
			d.ConflictStart.Format(time.RFC3339), d.ConflictEnd.Format(time.RFC3339)),
		Conflict: &d,
	}
}

// NewStateTransitionError creates a new StateTransitionError
func NewStateTransitionError(from, to, reason string) error {
	return &StateTransitionError{From: from, To: to, Reason: reason}
}
