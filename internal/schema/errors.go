package schema

import (
	"sort"
	"strings"
)

// Validation messages. Clients match on this wording.
const (
	MsgRequired     = "Missing data for required field."
	MsgUnknownField = "Unknown field."
	MsgNotNull      = "Field may not be null."
	MsgOnlyNull     = "Field may only be null."
	MsgNotString    = "Not a valid string."
	MsgNotDate      = "Not a valid date."
	MsgNotDatetime  = "Not a valid datetime."
	MsgNotList      = "Not a valid list."
	MsgInvalidType  = "Invalid input type."
	MsgMatchUnit    = "Must match aggregation_unit."
)

// KindField is the discriminant field carrying the query kind.
const KindField = "query_kind"

// ValidationError reports every problem found in a query specification,
// keyed by dot-joined field path (e.g. "locations.0.date").
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	paths := make([]string, 0, len(e.Fields))
	for p := range e.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	sb.WriteString("invalid query specification")
	for i, p := range paths {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		name := p
		if name == "" {
			name = "_schema"
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e.Fields[p], " "))
	}
	return sb.String()
}

// Data returns the field messages in the shape sent to clients.
func (e *ValidationError) Data() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for p, msgs := range e.Fields {
		if p == "" {
			p = "_schema"
		}
		out[p] = append([]string(nil), msgs...)
	}
	return out
}

// errorSet accumulates messages while validating.
type errorSet map[string][]string

func (es errorSet) add(path, msg string) {
	es[path] = append(es[path], msg)
}

func (es errorSet) has(path string) bool {
	return len(es[path]) > 0
}

func (es errorSet) err() error {
	if len(es) == 0 {
		return nil
	}
	return &ValidationError{Fields: map[string][]string(es)}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
