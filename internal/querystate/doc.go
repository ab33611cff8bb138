// Package querystate tracks the execution lifecycle of query identities.
//
//	unknown --enqueue--> queued --execute--> running --finish--> completed
//	                                                 --raise---> errored
//	errored --enqueue--> queued      (retry)
//	queued/running --reclaim--> errored   (stuck longer than max age)
//
// Every transition is a compare-and-swap on the shared Store, so for one
// identity at most one caller wins each step no matter how many processes
// share the store. Completed is final.
package querystate
