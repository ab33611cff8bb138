package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/flowq/internal/engine"
	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
	"github.com/roach88/flowq/internal/server"
	"github.com/roach88/flowq/internal/store"
	"github.com/roach88/flowq/internal/testutil"
)

const awaitPollInterval = 5 * time.Millisecond

// Harness runs scenario steps against one in-process server stack.
type Harness struct {
	coord      *engine.Coordinator
	dispatcher *protocol.Dispatcher
	mat        *kindMaterializer
	requests   *testutil.SequenceIDGenerator
	vars       map[string]string
}

// Run executes a scenario and returns its result.
//
// Each run gets a fresh in-memory store and worker pool. A non-nil error
// means the harness itself could not run; failed expectations and
// assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := schema.Default()
	mat := newKindMaterializer(scenario.FailKinds)

	cfg := engine.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRunning = 0
	coord, err := engine.New(querystate.New(st), st, mat,
		engine.WithConfig(cfg),
		engine.WithRebuild(registry.Rebuild),
		engine.WithIDGenerator(testutil.NewSequenceIDGenerator("worker")),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	dispatcher, err := server.NewDispatcher(registry, coord, protocol.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- coord.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	h := &Harness{
		coord:      coord,
		dispatcher: dispatcher,
		mat:        mat,
		requests:   testutil.NewSequenceIDGenerator("req"),
		vars:       make(map[string]string),
	}

	result := NewResult()
	if err := h.executeSteps(runCtx, scenario.Steps, result); err != nil {
		result.AddError(err.Error())
		return result, nil
	}

	for name, value := range h.vars {
		result.Vars[name] = value
		rec, err := coord.Poll(runCtx, value)
		if err != nil {
			return nil, fmt.Errorf("failed to read state of $%s: %w", name, err)
		}
		if rec.State != querystate.Unknown {
			result.States[value] = string(rec.State)
			result.Materializations[value] = mat.Count(value)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.checkAssertion(runCtx, result.Trace, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

// executeSteps stops at the first step that leaves later steps unable to
// run, such as a missing saved field. Mismatched expectations are recorded
// and execution continues.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		var err error
		if step.Send != nil {
			err = h.send(ctx, i, step.Send, result)
		} else {
			err = h.await(ctx, i, step.Await, result)
		}
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) send(ctx context.Context, index int, s *Send, result *Result) error {
	n := max(s.Repeat, 1)
	params, _ := h.resolve(s.Params).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	reqs := make([]protocol.Request, n)
	for i := range reqs {
		reqs[i] = protocol.Request{Action: s.Action, RequestID: h.requests.Generate(), Params: params}
	}
	replies := make([]protocol.Reply, n)
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = h.dispatcher.Dispatch(ctx, reqs[i])
		}()
	}
	wg.Wait()

	for i, reply := range replies {
		result.addEvent(TraceEvent{
			RequestID: reply.RequestID,
			Action:    s.Action,
			Params:    params,
			Status:    string(reply.Status),
			Msg:       reply.Msg,
			Data:      reply.Data,
		})
		if s.Expect == nil {
			continue
		}
		if err := h.checkExpect(s.Expect, reply); err != nil {
			label := fmt.Sprintf("steps[%d]", index)
			if n > 1 {
				label = fmt.Sprintf("steps[%d] reply %d", index, i+1)
			}
			result.AddError(fmt.Sprintf("%s %s: %v", label, s.Action, err))
		}
	}

	names := make([]string, 0, len(s.Save))
	for name := range s.Save {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		field := s.Save[name]
		v, ok := replies[0].Data[field].(string)
		if !ok {
			return fmt.Errorf("save $%s: reply to %s has no string field %q", name, s.Action, field)
		}
		h.vars[name] = v
	}
	return nil
}

func (h *Harness) checkExpect(exp *Expect, reply protocol.Reply) error {
	if string(reply.Status) != exp.Status {
		return fmt.Errorf("expected status %s, got %s (msg %q)", exp.Status, reply.Status, reply.Msg)
	}
	if exp.Msg != nil {
		want := h.expand(*exp.Msg)
		if reply.Msg != want {
			return fmt.Errorf("expected msg %q, got %q", want, reply.Msg)
		}
	}
	if exp.Data != nil {
		want := h.resolve(exp.Data)
		if !matchSubset(want, reply.Data) {
			return fmt.Errorf("expected data %v, got %v", want, reply.Data)
		}
	}
	return nil
}

func (h *Harness) await(ctx context.Context, index int, a *Await, result *Result) error {
	id, _ := h.resolve(a.Query).(string)
	want := querystate.State(a.State)

	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()

	for {
		rec, err := h.coord.Poll(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("await %s: %w", a.Query, err)
		}
		if err == nil {
			reached := rec.State == want
			settled := querystate.IsTerminal(rec.State) || rec.State == querystate.Unknown
			if reached || settled {
				result.addEvent(TraceEvent{Await: id, State: string(rec.State)})
				if !reached {
					result.AddError(fmt.Sprintf("steps[%d] await %s: expected %s, got %s %s",
						index, a.Query, want, rec.State, rec.Message))
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			result.AddError(fmt.Sprintf("steps[%d] await %s: timed out after %s waiting for %s (state %s)",
				index, a.Query, a.timeout(), want, rec.State))
			result.addEvent(TraceEvent{Await: id, State: string(rec.State)})
			return nil
		case <-ticker.C:
		}
	}
}

// resolve replaces "$name" strings with saved values. Unknown names are
// left as they are.
func (h *Harness) resolve(v any) any {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, "$"); ok {
			if saved, ok := h.vars[name]; ok {
				return saved
			}
		}
		return val
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = h.resolve(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = h.resolve(elem)
		}
		return out
	default:
		return v
	}
}

// expand replaces every "$name" inside s with its saved value. Longer
// names are replaced first so $ab is not read as $a followed by b.
func (h *Harness) expand(s string) string {
	names := make([]string, 0, len(h.vars))
	for name := range h.vars {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int { return len(b) - len(a) })
	for _, name := range names {
		s = strings.ReplaceAll(s, "$"+name, h.vars[name])
	}
	return s
}

// kindMaterializer records every call and fails the configured kinds.
type kindMaterializer struct {
	*testutil.RecordingMaterializer
	fail map[string]bool
}

func newKindMaterializer(kinds []string) *kindMaterializer {
	m := &kindMaterializer{
		RecordingMaterializer: testutil.NewRecordingMaterializer(),
		fail:                  make(map[string]bool, len(kinds)),
	}
	for _, k := range kinds {
		m.fail[k] = true
	}
	return m
}

func (m *kindMaterializer) Materialize(ctx context.Context, q *graph.Query, sql string) error {
	if err := m.RecordingMaterializer.Materialize(ctx, q, sql); err != nil {
		return err
	}
	if m.fail[q.Kind()] {
		return testutil.ErrMaterialize
	}
	return nil
}
