package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/threadkeep/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (scenario failures, integrity violations, etc.)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, validation)
	ExitBlocked      = 3 // The action is gated and waits on a checkpoint
	ExitDenied       = 4 // Identity boundary violation
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// exitCodeFor maps a domain error code to a process exit code.
func exitCodeFor(code ir.ErrorCode) int {
	switch code {
	case ir.ErrCodeValidation, ir.ErrCodeNotFound:
		return ExitCommandError
	case ir.ErrCodeCheckpointRequired:
		return ExitBlocked
	case ir.ErrCodeBoundaryViolation:
		return ExitDenied
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status    string    `json:"status"`               // "ok" or "error"
	Data      any       `json:"data,omitempty"`       // success payload
	Error     *CLIError `json:"error,omitempty"`      // error details
	RequestID string    `json:"request_id,omitempty"` // audit correlation id
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code       string `json:"code"`                  // ir.ErrorCode or "ERROR"
	Message    string `json:"message"`               // human-readable message
	Resource   string `json:"resource,omitempty"`    // resource kind, if any
	ResourceID string `json:"resource_id,omitempty"` // resource id, if any
	Details    any    `json:"details,omitempty"`     // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Emit writes data as a JSON envelope, or calls text in text mode.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports a failed operation and returns the ExitError the command
// should return. JSON mode writes an error envelope; text mode leaves the
// message to the caller of Execute.
func (f *OutputFormatter) Fail(op string, err error) error {
	code := ir.CodeOf(err)
	if f.Format == "json" {
		resp := CLIResponse{Status: "error", Error: &CLIError{Code: "ERROR", Message: err.Error()}}
		if e, ok := ir.AsError(err); ok {
			resp.Error.Code = string(e.Code)
			resp.Error.Resource = e.Resource
			resp.Error.ResourceID = e.ResourceID
			if len(e.Details) > 0 {
				resp.Error.Details = e.Details
			}
		}
		if encErr := json.NewEncoder(f.Writer).Encode(resp); encErr != nil {
			return encErr
		}
	}
	return WrapExitError(exitCodeFor(code), op, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
