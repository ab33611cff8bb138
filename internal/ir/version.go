package ir

// Version constants reported by the server.
const (
	// EngineVersion is the flowq engine version.
	EngineVersion = "0.1.0"

	// IdentityVersion names the identity algorithm; it changes with DomainQuery.
	IdentityVersion = "1"
)
