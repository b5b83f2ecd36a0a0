package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/tillsync/internal/shift"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the register refused the operation
	ExitCommandError = 2 // the command never reached the register
)

// ExitError carries the exit code a failed command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors without an
// ExitError in their chain count as ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// CodeCommand labels failures that carry no shift error code.
const CodeCommand = "E_COMMAND"

// Printer renders command results as text lines or JSON envelopes.
type Printer struct {
	JSON    bool
	Out     io.Writer
	Diag    io.Writer // notes; Out when nil
	Verbose bool
}

// envelope is one JSON line of command output.
type envelope struct {
	Status string   `json:"status"`
	Data   any      `json:"data,omitempty"`
	Error  *Problem `json:"error,omitempty"`
}

// Problem describes a failed command in JSON output.
type Problem struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Print writes a successful result. Text mode prints v with fmt, so types
// with a String method control their own line.
func (p *Printer) Print(v any) error {
	if p.JSON {
		return json.NewEncoder(p.Out).Encode(envelope{Status: "ok", Data: v})
	}
	_, err := fmt.Fprintln(p.Out, v)
	return err
}

// Fail writes err as the command's result and returns the ExitError to
// hand back to cobra. A shift.StateError keeps its code and shift.
func (p *Printer) Fail(message string, err error) error {
	prob := Problem{Code: CodeCommand, Message: message + ": " + err.Error()}
	var se *shift.StateError
	if errors.As(err, &se) {
		prob.Code = string(se.Code)
		if se.ShiftID != "" {
			prob.Details = map[string]string{"shift_id": se.ShiftID}
		}
	}

	var werr error
	if p.JSON {
		werr = json.NewEncoder(p.Out).Encode(envelope{Status: "error", Error: &prob})
	} else {
		_, werr = fmt.Fprintf(p.Out, "Error [%s]: %s\n", prob.Code, prob.Message)
		if werr == nil && p.Verbose && prob.Details != nil {
			_, werr = fmt.Fprintf(p.Out, "Details: %v\n", prob.Details)
		}
	}
	if werr != nil {
		return WrapExitError(ExitCommandError, "failed to write output", werr)
	}
	return WrapExitError(ExitFailure, message, err)
}

// Notef writes a line to Diag in verbose mode, keeping JSON on Out intact.
func (p *Printer) Notef(format string, args ...any) {
	if !p.Verbose {
		return
	}
	w := p.Diag
	if w == nil {
		w = p.Out
	}
	fmt.Fprintf(w, format+"\n", args...)
}
