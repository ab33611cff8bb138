// Package engine implements the execution coordinator.
//
// Trigger is the only entry point for new work. It stores the query's
// normalised parameters, performs the atomic unknown/errored -> queued swap
// on the shared state store, and pushes a job onto an in-process FIFO. Only
// the caller that wins the swap enqueues a job, so however many requests
// race for one identity, exactly one materialization runs.
//
// Workers (started by Run) pull jobs, claim them with queued -> running,
// render SQL, and hand it to a Materializer. Children that already have a
// completed result are read from their result tables instead of being
// recomputed. Success records the result location and moves the query to
// completed; any failure becomes the errored state's message.
//
// A reclaim loop moves queries that stay queued or running longer than
// Config.MaxRunning to errored, which covers workers that crashed or
// stalled. A worker that finishes after being reclaimed loses its final
// swap and leaves the errored state in place.
package engine
