package multipart

import "errors"

// Error codes visible at the framework boundary.
const (
	CodeFramingError       = "FRAMING_ERROR"
	CodeInvalidStream      = "INVALID_STREAM"
	CodeLimitFileSize      = "LIMIT_FILE_SIZE"
	CodeLimitTotalSize     = "LIMIT_TOTAL_SIZE"
	CodeLimitFields        = "LIMIT_FIELDS"
	CodeLimitFiles         = "LIMIT_FILES"
	CodeLimitFieldSize     = "LIMIT_FIELD_SIZE"
	CodeLimitFieldNameSize = "LIMIT_FIELD_NAME_SIZE"
	CodeCancelled          = "CANCELLED"
)

// Error represents a parse failure with a stable code
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a parse error with the given code
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewFramingError creates a framing error for malformed input
func NewFramingError(message string, cause error) *Error {
	return &Error{Code: CodeFramingError, Message: message, Cause: cause}
}

// ErrCode extracts the stable code from err, or "" when err carries none.
func ErrCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code
func IsCode(err error, code string) bool {
	return ErrCode(err) == code
}
