package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Submit once the engine loop has exited.
var ErrStopped = errors.New("engine stopped")

// RuntimeError is a rejected engine request.
//
// Runtime errors include:
//   - Unknown intersection, approach, or emergency id
//   - Preemption disabled by settings, blocked by an override, or over budget
//   - Invalid request payloads (samples, plans, waves)
//
// RuntimeError includes structured fields so the API can map codes to
// HTTP statuses without parsing messages.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// IntersectionID identifies the affected intersection, if any.
	IntersectionID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidRequest indicates a payload failed validation.
	ErrCodeInvalidRequest RuntimeErrorCode = "INVALID_REQUEST"

	// ErrCodeUnknownIntersection indicates the intersection is not controlled.
	ErrCodeUnknownIntersection RuntimeErrorCode = "UNKNOWN_INTERSECTION"

	// ErrCodeUnknownApproach indicates no phase serves the approach.
	ErrCodeUnknownApproach RuntimeErrorCode = "UNKNOWN_APPROACH"

	// ErrCodeUnknownEmergency indicates the emergency id is not open.
	ErrCodeUnknownEmergency RuntimeErrorCode = "UNKNOWN_EMERGENCY"

	// ErrCodePreemptionDisabled indicates emergency priority is switched off.
	ErrCodePreemptionDisabled RuntimeErrorCode = "PREEMPTION_DISABLED"

	// ErrCodeBudgetExceeded indicates too many preemptions in the window.
	ErrCodeBudgetExceeded RuntimeErrorCode = "PREEMPTION_BUDGET_EXCEEDED"

	// ErrCodeOverrideActive indicates the controller is flashing or off.
	ErrCodeOverrideActive RuntimeErrorCode = "OVERRIDE_ACTIVE"

	// ErrCodeCoordinationDisabled indicates green waves are switched off.
	ErrCodeCoordinationDisabled RuntimeErrorCode = "COORDINATION_DISABLED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.IntersectionID != "" {
		return fmt.Sprintf("%s: %s (intersection=%s)", e.Code, e.Message, e.IntersectionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the RuntimeErrorCode carried by err, or "" if none.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsNotFound reports whether err names an unknown intersection, approach,
// or emergency.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnknownIntersection, ErrCodeUnknownApproach, ErrCodeUnknownEmergency:
		return true
	}
	return false
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	return CodeOf(err) == ErrCodeInvalidRequest
}

// IsBudgetError reports whether err is a preemption budget rejection.
func IsBudgetError(err error) bool {
	return CodeOf(err) == ErrCodeBudgetExceeded
}

// IsConflict reports whether err is a rejection caused by current
// controller or settings state rather than by the request itself.
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case ErrCodePreemptionDisabled, ErrCodeBudgetExceeded, ErrCodeOverrideActive, ErrCodeCoordinationDisabled:
		return true
	}
	return false
}

func newError(code RuntimeErrorCode, intersectionID, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:           code,
		Message:        fmt.Sprintf(format, args...),
		IntersectionID: intersectionID,
	}
}

// NewBudgetError creates a RuntimeError for an exhausted preemption budget.
func NewBudgetError(intersectionID string, used, limit int) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeBudgetExceeded,
		Message:        fmt.Sprintf("preemption budget exhausted (%d >= %d)", used, limit),
		IntersectionID: intersectionID,
		Details: map[string]string{
			"used":  fmt.Sprintf("%d", used),
			"limit": fmt.Sprintf("%d", limit),
		},
	}
}
