package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/sqlexpr"
)

func testQuery(t *testing.T, param string) *graph.Query {
	t.Helper()
	b := graph.NewBuilder()
	h, err := b.Add(graph.Def{
		Kind:    "dummy_query",
		Params:  ir.Object{"dummy_param": ir.String(param)},
		Columns: []string{"dummy_param"},
		Render: func(ir.Object, []sqlexpr.Source) (sqlexpr.Query, error) {
			return sqlexpr.Select{Columns: []sqlexpr.Column{{Expr: "1", As: "dummy_param"}}}, nil
		},
	})
	require.NoError(t, err)
	q, err := b.Query(h)
	require.NoError(t, err)
	return q
}

func TestManualClock(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())

	assert.Equal(t, Epoch.Add(time.Minute), clock.Advance(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestSequenceIDGenerator(t *testing.T) {
	gen := NewSequenceIDGenerator("")
	assert.Equal(t, "req-1", gen.Generate())
	assert.Equal(t, "req-2", gen.Generate())

	custom := NewSequenceIDGenerator("c")
	assert.Equal(t, "c-1", custom.Generate())
}

func TestSequenceIDGenerator_ThreadSafe(t *testing.T) {
	gen := NewSequenceIDGenerator("t")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000, "ids must be unique")
}

func TestRecordingMaterializer(t *testing.T) {
	m := NewRecordingMaterializer()
	q := testQuery(t, "a")

	require.NoError(t, m.Materialize(context.Background(), q, "SELECT 1"))
	m.Fail(q.ID(), ErrMaterialize)
	assert.ErrorIs(t, m.Materialize(context.Background(), q, "SELECT 1"), ErrMaterialize)
	m.Fail(q.ID(), nil)
	require.NoError(t, m.Materialize(context.Background(), q, "SELECT 1"))

	assert.Equal(t, 3, m.Count(q.ID()))
	assert.Equal(t, Materialization{QueryID: q.ID(), Kind: "dummy_query", SQL: "SELECT 1"}, m.Calls()[0])
}

func TestBlockingMaterializer(t *testing.T) {
	m := NewBlockingMaterializer()
	q := testQuery(t, "b")

	done := make(chan error, 1)
	go func() { done <- m.Materialize(context.Background(), q, "SELECT 1") }()

	select {
	case id := <-m.Started():
		assert.Equal(t, q.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("materialization did not start")
	}
	assert.Equal(t, 0, m.Count(q.ID()), "must not complete before release")

	m.Release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.Count(q.ID()))
}

func TestBlockingMaterializer_ContextCancel(t *testing.T) {
	m := NewBlockingMaterializer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Materialize(ctx, testQuery(t, "c"), ""), context.Canceled)
}
