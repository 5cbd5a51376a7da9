package pipeline

import "errors"

// Stable pipeline error codes.
const (
	CodePipelineError    = "PIPELINE_ERROR"
	CodeInvalidStream    = "INVALID_STREAM"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeStorageFailed    = "STORAGE_FAILED"
	CodeCSRFRejected     = "CSRF_REJECTED"
	CodeRateLimited      = "RATE_LIMITED"
)

// Error is a pipeline failure attributed to a plugin.
type Error struct {
	Code    string
	Plugin  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Plugin != "" {
		msg = e.Plugin + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a pipeline error with a stable code.
func NewError(code, plugin, message string, cause error) *Error {
	return &Error{Code: code, Plugin: plugin, Message: message, Cause: cause}
}

// ErrCode extracts the stable code from err, or "" when err carries none.
func ErrCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return ErrCode(err) == code
}
