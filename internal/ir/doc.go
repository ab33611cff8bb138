// Package ir provides the canonical value types and content-addressed
// identity used by every other flowq package.
//
// ir imports nothing internal. Key constraints:
//   - No float values anywhere in normalised parameters
//   - Canonical JSON (RFC 8785) is the only input to identity hashing
//   - Identity is a pure function of kind, params and ordered child ids
package ir
