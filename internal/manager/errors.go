package manager

import (
	"errors"
	"fmt"
)

// ErrShutdownInterrupted is returned by Close when the in-flight run did not
// finish within the shutdown timeout. The final commit has still been
// attempted when it is returned.
var ErrShutdownInterrupted = errors.New("shutdown wait interrupted")

// ErrorCode categorizes manager errors.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates invalid construction or start arguments.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeRetrieval indicates the retriever failed. Recovered next tick.
	ErrCodeRetrieval ErrorCode = "RETRIEVAL"

	// ErrCodeCommit indicates storage failed to commit. Recovered next tick.
	ErrCodeCommit ErrorCode = "COMMIT"
)

// Error is a manager error with its category.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasCode(err, ErrCodeConfiguration) }

// IsRetrievalError reports whether err is a retrieval failure.
func IsRetrievalError(err error) bool { return hasCode(err, ErrCodeRetrieval) }

// IsCommitError reports whether err is a commit failure.
func IsCommitError(err error) bool { return hasCode(err, ErrCodeCommit) }
