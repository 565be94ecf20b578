package fork

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes fatal fork errors.
type ErrorCode string

const (
	// ErrCodeConfiguration covers invalid options, a fork schema whose length
	// differs from the declared branch count, and malformed per-record routing.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeCopyNotSupported indicates a record routed to several branches
	// could not be duplicated.
	ErrCodeCopyNotSupported ErrorCode = "COPY_NOT_SUPPORTED"

	// ErrCodeRouting indicates the operator failed while routing a record.
	ErrCodeRouting ErrorCode = "ROUTING"

	// ErrCodeBranchNotAttached indicates the attach timeout expired before
	// every enabled branch had a consumer.
	ErrCodeBranchNotAttached ErrorCode = "BRANCH_NOT_ATTACHED"
)

// Error is a fatal error of a forked stream. Every branch observes it once
// its queue is drained.
type Error struct {
	Code    ErrorCode
	Message string

	// Branch is the affected branch, or -1.
	Branch int

	// Watermark identifies the record being processed, if any.
	Watermark string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Branch >= 0 {
		msg += fmt.Sprintf(" (branch=%d)", e.Branch)
	}
	if e.Watermark != "" {
		msg += fmt.Sprintf(" (watermark=%s)", e.Watermark)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasCode(err, ErrCodeConfiguration) }

// IsCopyNotSupported reports whether err is a copy failure.
func IsCopyNotSupported(err error) bool { return hasCode(err, ErrCodeCopyNotSupported) }

// IsRoutingError reports whether err is a routing failure.
func IsRoutingError(err error) bool { return hasCode(err, ErrCodeRouting) }

// IsBranchNotAttached reports whether err is an attach timeout.
func IsBranchNotAttached(err error) bool { return hasCode(err, ErrCodeBranchNotAttached) }

func newConfigurationError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...), Branch: -1}
}
