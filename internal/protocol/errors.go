package protocol

import "fmt"

// Client-facing messages.
const (
	MsgInvalidJSON = "Invalid JSON request."
	MsgInternal    = "Internal server error."
)

// UnknownActionError is returned when no handler is registered for an
// action.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("Unknown action: '%s'", e.Action)
}

// InternalError is a server defect met while handling an action: a
// parameter mismatch, a handler error or a handler panic. Its Error text is
// for logs; clients only see Message.
type InternalError struct {
	Action string
	// Mismatch is set when the request parameters did not fit the action.
	Mismatch bool
	Cause    error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// Message returns the generic text sent to the client.
func (e *InternalError) Message() string {
	if e.Mismatch {
		return fmt.Sprintf("Internal server error: wrong arguments passed to handler for action '%s'.", e.Action)
	}
	return MsgInternal
}
