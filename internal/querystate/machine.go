package querystate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBadRecord is returned by stores that read a record they cannot decode.
var ErrBadRecord = errors.New("malformed state record")

// Store is the shared state store. Implementations must make
// CompareAndSwap atomic across every process that shares the store.
type Store interface {
	// Load returns the record for id. An id never written yields a record
	// in state Unknown and no error.
	Load(ctx context.Context, id string) (Record, error)

	// CompareAndSwap replaces the record for next.ID with next if and only if
	// its current state is from and its current attempt is attempt. An absent
	// record is Unknown with attempt 0. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, from State, attempt int64, next Record) (bool, error)

	// Stale returns records in any of states last updated before cutoff.
	Stale(ctx context.Context, cutoff time.Time, states ...State) ([]Record, error)
}

// Clock supplies transition timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Machine drives the lifecycle of query identities over a Store.
// It holds no state of its own and is safe for concurrent use.
type Machine struct {
	store Store
	clock Clock
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock used for timestamps.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// New creates a Machine over store.
func New(store Store, opts ...Option) *Machine {
	m := &Machine{store: store, clock: systemClock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Machine) Store() Store { return m.store }

// Get returns the full record for id. It never fails for an unknown id.
func (m *Machine) Get(ctx context.Context, id string) (Record, error) {
	rec, err := m.store.Load(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	if rec.State == "" {
		rec.State = Unknown
	}
	rec.ID = id
	return rec, nil
}

// Current returns the state of id. It is read-only.
func (m *Machine) Current(ctx context.Context, id string) (State, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// Enqueue moves id to Queued if it is Unknown or Errored, starting a new
// attempt. Otherwise it is a no-op that returns the current record.
// triggered is true for exactly one of any number of racing callers, and
// the returned record then carries the attempt the caller owns.
func (m *Machine) Enqueue(ctx context.Context, id string) (triggered bool, rec Record, err error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return false, Record{}, err
	}
	if !CanTransition(cur.State, Queued) {
		return false, cur, nil
	}

	next := m.record(id, Queued, cur.Attempt+1, "")
	ok, err := m.swap(ctx, cur.State, cur.Attempt, next)
	if err != nil {
		return false, Record{}, err
	}
	if ok {
		return true, next, nil
	}

	// Lost the race; report whatever the winner left behind.
	cur, err = m.Get(ctx, id)
	if err != nil {
		return false, Record{}, err
	}
	return false, cur, nil
}

// Execute claims attempt of a queued id for a worker: Queued -> Running.
func (m *Machine) Execute(ctx context.Context, id string, attempt int64) (bool, error) {
	return m.transition(ctx, id, attempt, Queued, Running, "")
}

// Finish records success of attempt: Running -> Completed.
func (m *Machine) Finish(ctx context.Context, id string, attempt int64) (bool, error) {
	return m.transition(ctx, id, attempt, Running, Completed, "")
}

// Raise records failure of attempt: Running -> Errored with msg as the
// summary.
func (m *Machine) Raise(ctx context.Context, id string, attempt int64, msg string) (bool, error) {
	return m.transition(ctx, id, attempt, Running, Errored, msg)
}

// Abandon releases a queued attempt that will not be executed:
// Queued -> Errored.
func (m *Machine) Abandon(ctx context.Context, id string, attempt int64, msg string) (bool, error) {
	return m.transition(ctx, id, attempt, Queued, Errored, msg)
}

// Reclaim moves every Queued or Running record not updated within maxAge to
// Errored and returns the records it moved. Each move is fenced on the
// attempt it observed, so an execution started after the scan is left alone.
func (m *Machine) Reclaim(ctx context.Context, maxAge time.Duration) ([]Record, error) {
	cutoff := m.clock.Now().Add(-maxAge)
	stale, err := m.store.Stale(ctx, cutoff, Queued, Running)
	if err != nil {
		return nil, fmt.Errorf("list stale states: %w", err)
	}

	msg := fmt.Sprintf("execution did not finish within %s", maxAge)
	var moved []Record
	for _, rec := range stale {
		ok, err := m.transition(ctx, rec.ID, rec.Attempt, rec.State, Errored, msg)
		if err != nil {
			return moved, err
		}
		if ok {
			moved = append(moved, rec)
		}
	}
	return moved, nil
}

// transition performs a single checked CAS from -> to within attempt.
// It returns false without error when id is not in state from, or has moved
// on to another attempt.
func (m *Machine) transition(ctx context.Context, id string, attempt int64, from, to State, msg string) (bool, error) {
	if !CanTransition(from, to) {
		return false, &TransitionError{ID: id, From: from, To: to}
	}
	return m.swap(ctx, from, attempt, m.record(id, to, attempt, msg))
}

func (m *Machine) record(id string, st State, attempt int64, msg string) Record {
	return Record{ID: id, State: st, Attempt: attempt, Message: msg, UpdatedAt: m.clock.Now()}
}

func (m *Machine) swap(ctx context.Context, from State, attempt int64, next Record) (bool, error) {
	ok, err := m.store.CompareAndSwap(ctx, from, attempt, next)
	if err != nil {
		return false, fmt.Errorf("%s -> %s for %s (attempt %d): %w", from, next.State, next.ID, attempt, err)
	}
	return ok, nil
}
