package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/engine"
	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
	"github.com/roach88/flowq/internal/testutil"
)

type fixture struct {
	coord      *engine.Coordinator
	dispatcher *protocol.Dispatcher
	reg        *prometheus.Registry
}

func newFixture(t *testing.T, mat engine.Materializer, opts ...protocol.Option) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	registry := schema.Default()

	cfg := engine.DefaultConfig()
	cfg.Workers = 2
	coord, err := engine.New(
		querystate.New(querystate.NewMemoryStore()),
		querystate.NewMemoryCatalog(),
		mat,
		engine.WithConfig(cfg),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithIDGenerator(testutil.NewSequenceIDGenerator("worker")),
		engine.WithRebuild(registry.Rebuild),
	)
	require.NoError(t, err)

	d, err := NewDispatcher(registry, coord, append([]protocol.Option{
		protocol.WithMetrics(protocol.NewMetrics(reg)),
	}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	return &fixture{coord: coord, dispatcher: d, reg: reg}
}

func (f *fixture) call(t *testing.T, action string, params map[string]any) protocol.Reply {
	t.Helper()
	return f.dispatcher.Dispatch(context.Background(), protocol.Request{
		Action:    action,
		RequestID: "test",
		Params:    params,
	})
}

// awaitState polls until id reaches want.
func (f *fixture) awaitState(t *testing.T, id string, want querystate.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.coord.Poll(context.Background(), id)
		return err == nil && rec.State == want
	}, 5*time.Second, 5*time.Millisecond, "query %s never reached %s", id, want)
}

func dummyParams() map[string]any {
	return map[string]any{"query_kind": "dummy_query", "dummy_param": "DUMMY"}
}

// testCounter reads an unlabelled counter from the fixture registry.
func testCounter(t *testing.T, f *fixture, name string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
