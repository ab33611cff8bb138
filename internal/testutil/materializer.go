package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/flowq/internal/graph"
)

// ErrMaterialize is a stand-in warehouse failure for use with Fail.
var ErrMaterialize = errors.New("materialization failed")

// Materialization is one call observed by a RecordingMaterializer.
type Materialization struct {
	QueryID string
	Kind    string
	SQL     string
}

// RecordingMaterializer records every call and succeeds, unless Fail is set
// for the query id.
//
// Thread-safety: All methods are safe for concurrent use.
type RecordingMaterializer struct {
	mu    sync.Mutex
	calls []Materialization
	fail  map[string]error
}

// NewRecordingMaterializer creates an empty recorder.
func NewRecordingMaterializer() *RecordingMaterializer {
	return &RecordingMaterializer{fail: make(map[string]error)}
}

// Materialize records the call.
func (m *RecordingMaterializer) Materialize(_ context.Context, q *graph.Query, sql string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Materialization{QueryID: q.ID(), Kind: q.Kind(), SQL: sql})
	return m.fail[q.ID()]
}

// Fail makes later calls for id return err. A nil err clears it.
func (m *RecordingMaterializer) Fail(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, id)
		return
	}
	m.fail[id] = err
}

// Calls returns a copy of every recorded call in order.
func (m *RecordingMaterializer) Calls() []Materialization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Materialization(nil), m.calls...)
}

// Count returns how many times id was materialised.
func (m *RecordingMaterializer) Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.QueryID == id {
			n++
		}
	}
	return n
}

// BlockingMaterializer holds every call until Release is called, which lets
// tests observe the running state.
type BlockingMaterializer struct {
	*RecordingMaterializer
	started chan string
	release chan struct{}
	once    sync.Once
}

// NewBlockingMaterializer creates a materializer whose calls block.
func NewBlockingMaterializer() *BlockingMaterializer {
	return &BlockingMaterializer{
		RecordingMaterializer: NewRecordingMaterializer(),
		started:               make(chan string, 64),
		release:               make(chan struct{}),
	}
}

// Materialize signals Started and blocks until Release or ctx is done.
func (m *BlockingMaterializer) Materialize(ctx context.Context, q *graph.Query, sql string) error {
	select {
	case m.started <- q.ID():
	default:
	}
	select {
	case <-m.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.RecordingMaterializer.Materialize(ctx, q, sql)
}

// Started delivers the id of each call as it begins.
func (m *BlockingMaterializer) Started() <-chan string {
	return m.started
}

// Release unblocks all current and future calls.
func (m *BlockingMaterializer) Release() {
	m.once.Do(func() { close(m.release) })
}
