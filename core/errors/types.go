package errors

import (
	"fmt"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Validation errors
	CodeInvalidLocator ErrorCode = "INVALID_LOCATOR"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// Channel errors
	CodeSendFailed        ErrorCode = "SEND_FAILED"
	CodeChannelUnknown    ErrorCode = "CHANNEL_UNKNOWN"
	CodeChannelShutdown   ErrorCode = "CHANNEL_SHUTDOWN"
	CodeAllEndpointsDown  ErrorCode = "ALL_ENDPOINTS_DOWN"
	CodeSubscribeFailed   ErrorCode = "SUBSCRIBE_FAILED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeConnectionFailure ErrorCode = "CONNECTION_FAILURE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Persistence errors
	CodeStoreFailure ErrorCode = "STORE_FAILURE"

	// General errors
	CodeUnknownError ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryValidation  ErrorCategory = "VALIDATION"
	CategoryChannel     ErrorCategory = "CHANNEL"
	CategoryRateLimit   ErrorCategory = "RATE_LIMIT"
	CategoryConnection  ErrorCategory = "CONNECTION"
	CategoryPersistence ErrorCategory = "PERSISTENCE"
	CategoryInternal    ErrorCategory = "INTERNAL"
)

// Error is a standardized error with category and code. Channel errors are
// data: the broadcaster folds them into ChannelResults and never raises them
// past itself. Only validation errors reach the caller.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Channel  string        `json:"channel,omitempty"`
	Cause    error         `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("[%s:%s] %s (channel: %s)", e.Category, e.Code, e.Message, e.Channel)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code and category
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code && e.Category == t.Category
	}
	return false
}

// New creates a standardized error
func New(code ErrorCode, category ErrorCategory, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
	}
}

// Wrap wraps an underlying error into a standardized error
func Wrap(code ErrorCode, category ErrorCategory, message string, cause error) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    cause,
	}
}

// WithChannel returns a copy of the error annotated with a channel name
func (e *Error) WithChannel(channel string) *Error {
	clone := *e
	clone.Channel = channel
	return &clone
}

// WithMessage returns a copy of the error with a different message
func (e *Error) WithMessage(message string) *Error {
	clone := *e
	clone.Message = message
	return &clone
}
