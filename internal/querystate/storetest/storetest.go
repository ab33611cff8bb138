// Package storetest checks a querystate.Store implementation against the
// contract every backend must meet.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/querystate"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) querystate.Store

var base = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// Run runs the conformance suite against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadUnknown", func(t *testing.T) { testLoadUnknown(t, newStore(t)) })
	t.Run("SwapFromUnknown", func(t *testing.T) { testSwapFromUnknown(t, newStore(t)) })
	t.Run("SwapRequiresExpectedState", func(t *testing.T) { testSwapRequiresExpectedState(t, newStore(t)) })
	t.Run("SwapRequiresExpectedAttempt", func(t *testing.T) { testSwapRequiresExpectedAttempt(t, newStore(t)) })
	t.Run("MessageAndTime", func(t *testing.T) { testMessageAndTime(t, newStore(t)) })
	t.Run("Stale", func(t *testing.T) { testStale(t, newStore(t)) })
	t.Run("ConcurrentSwap", func(t *testing.T) { testConcurrentSwap(t, newStore(t)) })
}

func rec(id string, s querystate.State, attempt int64, at time.Time) querystate.Record {
	return querystate.Record{ID: id, State: s, Attempt: attempt, UpdatedAt: at}
}

func testLoadUnknown(t *testing.T, s querystate.Store) {
	got, err := s.Load(context.Background(), "00000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, querystate.Unknown, got.State)
}

func testSwapFromUnknown(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	id := "11111111111111111111111111111111"

	ok, err := s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
	require.NoError(t, err)
	assert.False(t, ok, "second swap from unknown must fail once the record exists")

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, querystate.Queued, got.State)
}

func testSwapRequiresExpectedState(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	id := "22222222222222222222222222222222"

	ok, err := s.CompareAndSwap(ctx, querystate.Queued, 1, rec(id, querystate.Running, 1, base))
	require.NoError(t, err)
	assert.False(t, ok, "absent record is not queued")

	_, err = s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
	require.NoError(t, err)

	ok, err = s.CompareAndSwap(ctx, querystate.Running, 1, rec(id, querystate.Completed, 1, base))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, querystate.Queued, 1, rec(id, querystate.Running, 1, base))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, querystate.Running, got.State)
}

func testSwapRequiresExpectedAttempt(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	id := "23232323232323232323232323232323"

	_, err := s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Queued, 1, rec(id, querystate.Running, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Running, 1, rec(id, querystate.Errored, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Errored, 1, rec(id, querystate.Queued, 2, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Queued, 2, rec(id, querystate.Running, 2, base))
	require.NoError(t, err)

	ok, err := s.CompareAndSwap(ctx, querystate.Running, 1, rec(id, querystate.Completed, 1, base))
	require.NoError(t, err)
	assert.False(t, ok, "an earlier attempt must not complete the current one")

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, querystate.Running, got.State)
	assert.Equal(t, int64(2), got.Attempt)

	ok, err = s.CompareAndSwap(ctx, querystate.Running, 2, rec(id, querystate.Completed, 2, base))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testMessageAndTime(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	id := "33333333333333333333333333333333"
	at := base.Add(90 * time.Second)

	_, err := s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Queued, 1, rec(id, querystate.Running, 1, base))
	require.NoError(t, err)
	ok, err := s.CompareAndSwap(ctx, querystate.Running, 1, querystate.Record{
		ID: id, State: querystate.Errored, Attempt: 1, Message: "relation does not exist", UpdatedAt: at,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, querystate.Errored, got.State)
	assert.Equal(t, "relation does not exist", got.Message)
	assert.True(t, at.Equal(got.UpdatedAt), "want %s got %s", at, got.UpdatedAt)

	// A retry clears the message.
	ok, err = s.CompareAndSwap(ctx, querystate.Errored, 1, rec(id, querystate.Queued, 2, at))
	require.NoError(t, err)
	require.True(t, ok)
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.Message)
	assert.Equal(t, int64(2), got.Attempt)
}

func testStale(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	old := "44444444444444444444444444444444"
	fresh := "55555555555555555555555555555555"
	done := "66666666666666666666666666666666"

	_, err := s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(old, querystate.Queued, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Queued, 1, rec(old, querystate.Running, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(fresh, querystate.Queued, 1, base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(done, querystate.Queued, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Queued, 1, rec(done, querystate.Running, 1, base))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, querystate.Running, 1, rec(done, querystate.Completed, 1, base))
	require.NoError(t, err)

	stale, err := s.Stale(ctx, base.Add(time.Minute), querystate.Queued, querystate.Running)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old, stale[0].ID)
	assert.Equal(t, querystate.Running, stale[0].State)
	assert.Equal(t, int64(1), stale[0].Attempt)

	all, err := s.Stale(ctx, base.Add(2*time.Hour), querystate.Queued, querystate.Running)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testConcurrentSwap(t *testing.T, s querystate.Store) {
	ctx := context.Background()
	id := "77777777777777777777777777777777"
	const n = 16

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.CompareAndSwap(ctx, querystate.Unknown, 0, rec(id, querystate.Queued, 1, base))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one racing swap may win")
}

// CatalogFactory returns a fresh, empty catalog for one subtest.
type CatalogFactory func(t *testing.T) querystate.Catalog

// RunCatalog runs the catalog conformance suite against catalogs made by
// newCatalog.
func RunCatalog(t *testing.T, newCatalog CatalogFactory) {
	t.Run("SpecMissing", func(t *testing.T) { testSpecMissing(t, newCatalog(t)) })
	t.Run("SpecFirstWriteWins", func(t *testing.T) { testSpecFirstWriteWins(t, newCatalog(t)) })
	t.Run("ResultRoundTrip", func(t *testing.T) { testResultRoundTrip(t, newCatalog(t)) })
}

func testSpecMissing(t *testing.T, c querystate.Catalog) {
	ctx := context.Background()
	_, ok, err := c.LoadSpec(ctx, "88888888888888888888888888888888")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.LoadResult(ctx, "88888888888888888888888888888888")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSpecFirstWriteWins(t *testing.T, c querystate.Catalog) {
	ctx := context.Background()
	id := "99999999999999999999999999999999"
	first := ir.Object{
		"query_kind":  ir.String("event_count"),
		"event_types": ir.Strings("calls", "sms"),
		"limit":       ir.Int(9007199254740993),
	}

	require.NoError(t, c.SaveSpec(ctx, id, first))
	require.NoError(t, c.SaveSpec(ctx, id, ir.Object{"query_kind": ir.String("dummy_query")}))

	got, ok, err := c.LoadSpec(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func testResultRoundTrip(t *testing.T, c querystate.Catalog) {
	ctx := context.Background()
	want := querystate.Result{
		ID:          "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Table:       "cache.xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Columns:     []string{"pcod", "total"},
		SQL:         "SELECT pcod, count(*) AS total FROM t GROUP BY pcod",
		Duration:    1500 * time.Millisecond,
		CompletedAt: base.Add(time.Minute),
	}
	require.NoError(t, c.SaveResult(ctx, want))

	got, ok, err := c.LoadResult(ctx, want.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Table, got.Table)
	assert.Equal(t, want.Columns, got.Columns)
	assert.Equal(t, want.SQL, got.SQL)
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, want.CompletedAt.Equal(got.CompletedAt))
}
