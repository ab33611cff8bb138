package engine

import (
	"errors"
	"fmt"
)

// ExecutionError describes a failed materialization. It is recorded as the
// errored state's message and never returned to the caller of Trigger.
type ExecutionError struct {
	// Code identifies the error category.
	Code ExecutionErrorCode

	// QueryID identifies the affected query.
	QueryID string

	// Message is a human-readable summary.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ExecutionErrorCode categorizes execution errors.
type ExecutionErrorCode string

const (
	// ErrCodeRenderFailed indicates the query graph could not produce SQL.
	ErrCodeRenderFailed ExecutionErrorCode = "RENDER_FAILED"

	// ErrCodeMaterializeFailed indicates the data source rejected or failed
	// the statement.
	ErrCodeMaterializeFailed ExecutionErrorCode = "MATERIALIZE_FAILED"

	// ErrCodeQueueFull indicates the job could not be queued.
	ErrCodeQueueFull ExecutionErrorCode = "QUEUE_FULL"

	// ErrCodeGraphMissing indicates the query graph was neither cached nor
	// rebuildable from its stored specification.
	ErrCodeGraphMissing ExecutionErrorCode = "GRAPH_MISSING"

	// ErrCodeReclaimed marks an execution moved to errored by the reclaim
	// loop.
	ErrCodeReclaimed ExecutionErrorCode = "RECLAIMED"
)

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.QueryID != "" {
		return fmt.Sprintf("%s: %s (query=%s)", e.Code, e.Message, e.QueryID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err is an ExecutionError with code.
// An empty code matches any ExecutionError.
func IsExecutionError(err error, code ExecutionErrorCode) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return code == "" || ee.Code == code
	}
	return false
}

func newExecutionError(code ExecutionErrorCode, queryID string, err error) *ExecutionError {
	return &ExecutionError{Code: code, QueryID: queryID, Message: err.Error(), Err: err}
}
