package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/flowq/internal/querystate"
)

// Load returns the record for id, or an Unknown record if none exists.
func (s *Store) Load(ctx context.Context, id string) (querystate.Record, error) {
	var (
		state   string
		attempt int64
		message string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, attempt, message, updated_at
		FROM query_states
		WHERE id = ?
	`, id).Scan(&state, &attempt, &message, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return querystate.Record{ID: id, State: querystate.Unknown}, nil
	}
	if err != nil {
		return querystate.Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	return decodeRecord(id, state, attempt, message, updated)
}

// CompareAndSwap writes next if the stored state for next.ID is from and the
// stored attempt is attempt.
func (s *Store) CompareAndSwap(ctx context.Context, from querystate.State, attempt int64, next querystate.Record) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case from == querystate.Unknown && attempt != 0:
		return false, nil
	case from == querystate.Unknown:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO query_states (id, state, attempt, message, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, next.ID, string(next.State), next.Attempt, next.Message, toNanos(next.UpdatedAt))
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE query_states
			SET state = ?, attempt = ?, message = ?, updated_at = ?
			WHERE id = ? AND state = ? AND attempt = ?
		`, string(next.State), next.Attempt, next.Message, toNanos(next.UpdatedAt), next.ID, string(from), attempt)
	}
	if err != nil {
		return false, fmt.Errorf("swap state %s: %w", next.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap state %s: rows affected: %w", next.ID, err)
	}
	return n == 1, nil
}

// Stale returns records in any of states updated before cutoff, ordered by id.
func (s *Store) Stale(ctx context.Context, cutoff time.Time, states ...querystate.State) ([]querystate.Record, error) {
	if len(states) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(states)+1)
	marks := make([]string, len(states))
	for i, st := range states {
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, toNanos(cutoff))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, attempt, message, updated_at
		FROM query_states
		WHERE state IN (`+strings.Join(marks, ", ")+`) AND updated_at < ?
		ORDER BY id ASC COLLATE BINARY
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale states: %w", err)
	}
	defer rows.Close()

	var out []querystate.Record
	for rows.Next() {
		var (
			id, state, message string
			attempt, updated   int64
		)
		if err := rows.Scan(&id, &state, &attempt, &message, &updated); err != nil {
			return nil, fmt.Errorf("scan stale state: %w", err)
		}
		rec, err := decodeRecord(id, state, attempt, message, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale states: %w", err)
	}
	return out, nil
}

func decodeRecord(id, state string, attempt int64, message string, updated int64) (querystate.Record, error) {
	st := querystate.State(state)
	if !st.Valid() || st == querystate.Unknown {
		return querystate.Record{}, fmt.Errorf("%w: %s has state %q", querystate.ErrBadRecord, id, state)
	}
	return querystate.Record{
		ID:        id,
		State:     st,
		Attempt:   attempt,
		Message:   message,
		UpdatedAt: fromNanos(updated),
	}, nil
}
