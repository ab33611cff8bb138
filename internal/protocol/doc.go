// Package protocol defines the request/reply envelope and the action
// dispatcher.
//
// Every exchange is one Request and one Reply. A Reply always carries a
// status of done, accepted or error, a message that is empty on success, and
// a data mapping or null.
//
// The Dispatcher holds a fixed set of actions, checked when it is built.
// Dispatch never panics and never returns an error: unknown actions,
// parameter mismatches, handler errors and handler panics all become error
// replies, so one bad request cannot affect other clients.
package protocol
