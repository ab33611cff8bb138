// Package schema is the registry of query kinds.
//
// A client specification is a JSON mapping tagged with query_kind. The
// Registry looks the tag up, validates every field against the kind's Field
// descriptors (recursing into embedded specifications), fills defaults and
// decodes the result into one of the typed Spec variants. A Spec builds its
// query graph into a graph.Builder, sharing nodes with equal identity.
//
// Validation never builds anything: a specification either produces a Spec
// or a *ValidationError keyed by dot-joined field path.
package schema
