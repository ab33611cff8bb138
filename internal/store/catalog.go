package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
)

// SaveSpec records params for id. The first write wins.
func (s *Store) SaveSpec(ctx context.Context, id string, params ir.Object) error {
	data, err := marshalParams(params)
	if err != nil {
		return err
	}
	kind := ""
	if k, ok := params[schema.KindField].(ir.String); ok {
		kind = string(k)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_specs (id, kind, params, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, kind, data, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("write spec %s: %w", id, err)
	}
	return nil
}

// LoadSpec returns the params recorded for id.
func (s *Store) LoadSpec(ctx context.Context, id string) (ir.Object, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT params FROM query_specs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load spec %s: %w", id, err)
	}
	params, err := unmarshalParams(data)
	if err != nil {
		return nil, false, fmt.Errorf("load spec %s: %w", id, err)
	}
	return params, true, nil
}

// SaveResult records where the rows for r.ID live.
func (s *Store) SaveResult(ctx context.Context, r querystate.Result) error {
	cols, err := marshalColumns(r.Columns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_results (id, table_name, columns, sql, duration_ns, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			table_name = excluded.table_name,
			columns = excluded.columns,
			sql = excluded.sql,
			duration_ns = excluded.duration_ns,
			completed_at = excluded.completed_at
	`, r.ID, r.Table, cols, r.SQL, int64(r.Duration), toNanos(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("write result %s: %w", r.ID, err)
	}
	return nil
}

// LoadResult returns the result recorded for id.
func (s *Store) LoadResult(ctx context.Context, id string) (querystate.Result, bool, error) {
	var (
		r         = querystate.Result{ID: id}
		cols      string
		duration  int64
		completed int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, columns, sql, duration_ns, completed_at
		FROM query_results
		WHERE id = ?
	`, id).Scan(&r.Table, &cols, &r.SQL, &duration, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return querystate.Result{}, false, nil
	}
	if err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: %w", id, err)
	}
	if r.Columns, err = unmarshalColumns(cols); err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: %w", id, err)
	}
	r.Duration = time.Duration(duration)
	r.CompletedAt = fromNanos(completed)
	return r, true, nil
}
