package shift

import (
	"errors"
	"fmt"
)

// StateError is returned when an operation does not fit the shift's state.
type StateError struct {
	// Code identifies the error category.
	Code StateErrorCode

	// Message is a human-readable description.
	Message string

	// ShiftID identifies the affected shift, if any.
	ShiftID string

	// Operator identifies the operator, if any.
	Operator string
}

// StateErrorCode categorizes shift errors.
type StateErrorCode string

const (
	// ErrCodeAlreadyActive indicates the operator already has an open shift.
	ErrCodeAlreadyActive StateErrorCode = "SHIFT_ALREADY_ACTIVE"

	// ErrCodeNoActive indicates no open shift was found.
	ErrCodeNoActive StateErrorCode = "NO_ACTIVE_SHIFT"

	// ErrCodeNotFound indicates the shift id is unknown.
	ErrCodeNotFound StateErrorCode = "SHIFT_NOT_FOUND"

	// ErrCodeCompleted indicates the shift is closed and immutable.
	ErrCodeCompleted StateErrorCode = "SHIFT_COMPLETED"

	// ErrCodeInvalidInput indicates a malformed sale or refund request.
	ErrCodeInvalidInput StateErrorCode = "INVALID_INPUT"
)

// Sentinels for errors.Is. They match any StateError with the same code.
var (
	ErrShiftAlreadyActive = &StateError{Code: ErrCodeAlreadyActive}
	ErrNoActiveShift      = &StateError{Code: ErrCodeNoActive}
	ErrShiftNotFound      = &StateError{Code: ErrCodeNotFound}
	ErrShiftCompleted     = &StateError{Code: ErrCodeCompleted}
	ErrInvalidInput       = &StateError{Code: ErrCodeInvalidInput}
)

// Error implements the error interface.
func (e *StateError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	switch {
	case e.ShiftID != "" && e.Operator != "":
		return fmt.Sprintf("%s (shift=%s, operator=%s)", msg, e.ShiftID, e.Operator)
	case e.ShiftID != "":
		return fmt.Sprintf("%s (shift=%s)", msg, e.ShiftID)
	case e.Operator != "":
		return fmt.Sprintf("%s (operator=%s)", msg, e.Operator)
	}
	return msg
}

// Is matches StateErrors by code.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.Code == e.Code
}

// IsNotFound returns true if err is a shift-not-found error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsCompleted returns true if err reports a closed shift.
func IsCompleted(err error) bool { return hasCode(err, ErrCodeCompleted) }

// IsAlreadyActive returns true if err reports an operator's open shift.
func IsAlreadyActive(err error) bool { return hasCode(err, ErrCodeAlreadyActive) }

// IsNoActive returns true if err reports a missing open shift.
func IsNoActive(err error) bool { return hasCode(err, ErrCodeNoActive) }

// IsInvalidInput returns true if err reports a malformed request.
func IsInvalidInput(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

func hasCode(err error, code StateErrorCode) bool {
	var se *StateError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func invalid(format string, args ...any) error {
	return &StateError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}
