package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change without colliding with old ids.
const (
	DomainQuery = "flowq/query/v1"
)

// IDLength is the length in hex characters of a query id. Ids are truncated
// SHA-256 digests so that "x" + id fits in a 63 byte PostgreSQL identifier.
const IDLength = 32

// hashWithDomain computes SHA256(domain + 0x00 + data), truncated to IDLength hex characters.
// The null separator keeps domain and data from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:IDLength]
}

// QueryID computes the identity of a query node from its kind, its
// normalised parameters and the ordered ids of its children.
//
// The id is a pure function of structure: two independently built nodes with
// equal kind, params and children get the same id.
func QueryID(kind string, params Object, children []string) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("QueryID: empty kind")
	}
	if params == nil {
		params = Object{}
	}
	obj := Object{
		"kind":     String(kind),
		"params":   params,
		"children": Strings(children...),
	}

	canonical, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("QueryID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainQuery, canonical), nil
}

// MustQueryID is like QueryID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustQueryID(kind string, params Object, children []string) string {
	id, err := QueryID(kind, params, children)
	if err != nil {
		panic(err)
	}
	return id
}

// ValidID reports whether s has the shape of a query id.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
