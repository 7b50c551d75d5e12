// Package fault defines the canonical error envelope and error codes used
// across the runtime and returned to drivers.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a stable, driver-visible error category.
type Code string

// Canonical error codes. These are part of the external contract: drivers
// branch on them and terminal execution records carry them verbatim.
const (
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionNotReady    Code = "SESSION_NOT_READY"
	CodeExecutionNotFound  Code = "EXECUTION_NOT_FOUND"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeBudgetExceeded     Code = "BUDGET_EXCEEDED"
	CodeMaxTurnsExceeded   Code = "MAX_TURNS_EXCEEDED"
	CodeStepTimeout        Code = "STEP_TIMEOUT"
	CodeSandboxASTRejected Code = "SANDBOX_AST_REJECTED"
	CodeSandboxLineLimit   Code = "SANDBOX_LINE_LIMIT"
	CodeSandboxRuntime     Code = "SANDBOX_RUNTIME_ERROR"
	CodeStateInvalidType   Code = "STATE_INVALID_TYPE"
	CodeStateTooLarge      Code = "STATE_TOO_LARGE"
	CodeChecksumMismatch   Code = "CHECKSUM_MISMATCH"
	CodeS3Read             Code = "S3_READ_ERROR"
	CodeParser             Code = "PARSER_ERROR"
	CodeLLMProvider        Code = "LLM_PROVIDER_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Fault is the structured error envelope. Every error that crosses a
// component boundary is either a *Fault or wraps one.
type Fault struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Transient bool           `json:"-"`
	Err       error          `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// WithDetail attaches a detail entry and returns the fault for chaining.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// WithRequestID stamps the fault with the request that produced it.
func (f *Fault) WithRequestID(id string) *Fault {
	f.RequestID = id
	return f
}

// New creates a fault with a formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault around an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Transient creates a fault marked safe to retry.
func Transient(code Code, err error, format string, args ...any) *Fault {
	f := Wrap(code, err, format, args...)
	f.Transient = true
	return f
}

// CodeOf extracts the canonical code from err, walking the wrap chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsTransient reports whether err is marked safe to retry.
func IsTransient(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Transient
	}
	return false
}

// IsCode reports whether err carries the given canonical code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a canonical code to the HTTP status the command surface
// responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeSessionNotFound, CodeExecutionNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeStateInvalidType:
		return http.StatusBadRequest
	case CodeSessionNotReady:
		return http.StatusConflict
	case CodeBudgetExceeded, CodeMaxTurnsExceeded, CodeStateTooLarge:
		return http.StatusUnprocessableEntity
	case CodeChecksumMismatch:
		return http.StatusConflict
	case CodeLLMProvider, CodeS3Read:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
