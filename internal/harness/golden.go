package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/flowq/internal/ir"
)

// TraceSnapshot is the golden form of a run. Saved values are replaced by
// their "$name" so snapshots do not depend on query ids.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Vars         map[string]string
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	r := newRedactor(s.Vars)

	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{"seq": event.Seq}
		if event.Await != "" {
			m["await"] = r.string(event.Await)
			m["state"] = event.State
			trace[i] = m
			continue
		}
		m["action"] = event.Action
		m["request_id"] = event.RequestID
		m["status"] = event.Status
		if len(event.Params) > 0 {
			m["params"] = event.Params
		}
		if event.Msg != "" {
			m["msg"] = r.string(event.Msg)
		}
		if event.Data != nil {
			m["data"] = event.Data
		}
		trace[i] = m
	}

	plain, err := r.value(map[string]any{"scenario_name": s.ScenarioName, "trace": trace})
	if err != nil {
		return nil, err
	}
	v, err := ir.FromAny(plain)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return ir.Marshal(v)
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an existing result with the golden file for name.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace, Vars: result.Vars}
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

type redactor struct {
	names  []string
	values map[string]string
}

func newRedactor(vars map[string]string) *redactor {
	r := &redactor{values: make(map[string]string, len(vars))}
	for name, v := range vars {
		if v == "" {
			continue
		}
		r.names = append(r.names, name)
		r.values[name] = v
	}
	// Longer values first so a value that contains another is replaced whole.
	sort.Slice(r.names, func(i, j int) bool {
		a, b := r.values[r.names[i]], r.values[r.names[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return r.names[i] < r.names[j]
	})
	return r
}

func (r *redactor) string(s string) string {
	for _, name := range r.names {
		s = strings.ReplaceAll(s, r.values[name], "$"+name)
	}
	return s
}

// value converts v to plain JSON values, redacting strings and dropping
// null object members.
func (r *redactor) value(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var plain any
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return r.walk(plain), nil
}

func (r *redactor) walk(v any) any {
	switch val := v.(type) {
	case string:
		return r.string(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if elem == nil {
				continue
			}
			out[r.string(k)] = r.walk(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = r.walk(elem)
		}
		return out
	default:
		return v
	}
}
