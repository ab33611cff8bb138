package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/flowq/internal/querystate"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Await != "" {
				fmt.Fprintf(&buf, "  [%d] await %s -> %s\n", event.Seq, event.Await, event.State)
				continue
			}
			fmt.Fprintf(&buf, "  [%d] %s -> %s %v\n", event.Seq, event.Action, event.Status, event.Data)
		}
	}
	return buf.String()
}

func (h *Harness) checkAssertion(ctx context.Context, trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		data, _ := h.resolve(a.Data).(map[string]any)
		return assertTraceContains(trace, a.Action, a.Status, data)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a.Actions)
	case AssertTraceCount:
		return assertTraceCount(trace, a.Action, a.Count)
	case AssertFinalState:
		id, _ := h.resolve(a.Query).(string)
		rec, err := h.coord.Poll(ctx, id)
		if err != nil {
			return fmt.Errorf("read state of %s: %w", a.Query, err)
		}
		if rec.State != querystate.State(a.State) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s in state %s", a.Query, a.State),
				Actual:   fmt.Sprintf("state %s", rec.State),
			}
		}
		return nil
	case AssertMaterializations:
		id, _ := h.resolve(a.Query).(string)
		if n := h.mat.Count(id); n != a.Count {
			return &AssertionError{
				Type:     AssertMaterializations,
				Expected: fmt.Sprintf("%d materializations of %s", a.Count, a.Query),
				Actual:   fmt.Sprintf("%d materializations", n),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains looks for a reply to action with the given status
// (when set) whose data contains data.
func assertTraceContains(trace []TraceEvent, action, status string, data map[string]any) error {
	for _, event := range trace {
		if event.Action != action {
			continue
		}
		if status != "" && event.Status != status {
			continue
		}
		if data == nil || matchSubset(data, event.Data) {
			return nil
		}
	}

	expected := "action " + action
	if status != "" {
		expected += " with status " + status
	}
	if data != nil {
		expected += fmt.Sprintf(" and data %v", data)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that actions were first sent in the given order.
// Other actions may appear in between.
func assertTraceOrder(trace []TraceEvent, actions []string) error {
	positions := make(map[string]int)
	for _, event := range trace {
		if event.Action == "" {
			continue
		}
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = event.Seq
		}
	}

	for _, action := range actions {
		if _, ok := positions[action]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(actions); i++ {
		prev, curr := actions[i-1], actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that action was sent exactly count times.
func assertTraceCount(trace []TraceEvent, action string, count int) error {
	n := 0
	for _, event := range trace {
		if event.Action == action {
			n++
		}
	}
	if n != count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", count, action),
			Actual:   fmt.Sprintf("%d occurrences", n),
			Trace:    trace,
		}
	}
	return nil
}

// matchSubset reports whether actual contains expected. Objects match when
// every expected key matches; arrays and scalars must be equal. Both sides
// are compared in their JSON form so YAML ints match reply int64s.
func matchSubset(expected, actual any) bool {
	return subset(jsonForm(expected), jsonForm(actual))
}

func subset(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range exp {
			av, ok := act[k]
			if !ok || !subset(v, av) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !subset(exp[i], act[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(expected, actual)
	}
}

// jsonForm round-trips v through encoding/json. Values that cannot be
// encoded are returned unchanged and will only match themselves.
func jsonForm(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
