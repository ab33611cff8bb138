// Package redisstore keeps query lifecycle state in Redis so several flowq
// processes can coordinate on one deployment.
//
// Keys (all under the configured prefix):
//
//	state:<id>        hash {state, attempt, message, updated}
//	by_state:<state>  sorted set of ids scored by update time (Unix ns)
//	spec:<id>         canonical JSON parameters, written once
//	result:<id>       hash {table, columns, sql, duration, completed}
//
// Every transition runs as one Lua script, so the compare and the write are
// atomic on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/querystate"
)

// DefaultPrefix is used when Options.KeyPrefix is empty.
const DefaultPrefix = "flowq:"

var (
	_ querystate.Store   = (*Store)(nil)
	_ querystate.Catalog = (*Store)(nil)
)

// KEYS[1] state hash, KEYS[2] prefix for by_state sets. The index keys are
// derived inside the script, so the store needs a single-node deployment.
// ARGV: expected, next, message, updated, id, expected attempt, next attempt.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then cur = 'unknown' end
if cur ~= ARGV[1] then return 0 end
local attempt = redis.call('HGET', KEYS[1], 'attempt')
if not attempt then attempt = '0' end
if attempt ~= ARGV[6] then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'attempt', ARGV[7], 'message', ARGV[3], 'updated', ARGV[4])
if cur ~= 'unknown' then
  redis.call('ZREM', KEYS[2] .. cur, ARGV[5])
end
redis.call('ZADD', KEYS[2] .. ARGV[2], ARGV[4], ARGV[5])
return 1
`)

// Options configures Dial.
type Options struct {
	Addr      string
	DB        int
	KeyPrefix string
}

// Store implements querystate.Store and querystate.Catalog over Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Dial connects to the server in opts and checks it responds.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return New(client, opts.KeyPrefix), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) stateKey(id string) string  { return s.prefix + "state:" + id }
func (s *Store) indexPrefix() string       { return s.prefix + "by_state:" }
func (s *Store) specKey(id string) string   { return s.prefix + "spec:" + id }
func (s *Store) resultKey(id string) string { return s.prefix + "result:" + id }

// Load returns the record for id, or an Unknown record if none exists.
func (s *Store) Load(ctx context.Context, id string) (querystate.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey(id)).Result()
	if err != nil {
		return querystate.Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	if len(fields) == 0 {
		return querystate.Record{ID: id, State: querystate.Unknown}, nil
	}
	return decodeRecord(id, fields)
}

// CompareAndSwap writes next if the stored state for next.ID is from and the
// stored attempt is attempt.
func (s *Store) CompareAndSwap(ctx context.Context, from querystate.State, attempt int64, next querystate.Record) (bool, error) {
	n, err := casScript.Run(ctx, s.client,
		[]string{s.stateKey(next.ID), s.indexPrefix()},
		string(from), string(next.State), next.Message, nanos(next.UpdatedAt), next.ID,
		strconv.FormatInt(attempt, 10), strconv.FormatInt(next.Attempt, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("swap state %s: %w", next.ID, err)
	}
	return n == 1, nil
}

// Stale returns records in any of states updated before cutoff, ordered by id.
func (s *Store) Stale(ctx context.Context, cutoff time.Time, states ...querystate.State) ([]querystate.Record, error) {
	// Scores are float64, so scan slightly past the cutoff and filter on the
	// exact stored time.
	upper := strconv.FormatInt(nanos(cutoff)+int64(time.Microsecond), 10)

	var out []querystate.Record
	for _, st := range states {
		ids, err := s.client.ZRangeByScore(ctx, s.indexPrefix()+string(st), &redis.ZRangeBy{
			Min: "-inf",
			Max: upper,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s states: %w", st, err)
		}
		for _, id := range ids {
			rec, err := s.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			// The record may have moved on since the index was read.
			if slices.Contains(states, rec.State) && rec.UpdatedAt.Before(cutoff) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return slices.CompactFunc(out, func(a, b querystate.Record) bool { return a.ID == b.ID }), nil
}

func decodeRecord(id string, fields map[string]string) (querystate.Record, error) {
	st := querystate.State(fields["state"])
	if !st.Valid() || st == querystate.Unknown {
		return querystate.Record{}, fmt.Errorf("%w: %s has state %q", querystate.ErrBadRecord, id, fields["state"])
	}
	ns, err := strconv.ParseInt(fields["updated"], 10, 64)
	if err != nil {
		return querystate.Record{}, fmt.Errorf("%w: %s has update time %q", querystate.ErrBadRecord, id, fields["updated"])
	}
	var attempt int64
	if v, ok := fields["attempt"]; ok {
		attempt, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return querystate.Record{}, fmt.Errorf("%w: %s has attempt %q", querystate.ErrBadRecord, id, v)
		}
	}
	return querystate.Record{
		ID:        id,
		State:     st,
		Attempt:   attempt,
		Message:   fields["message"],
		UpdatedAt: fromNanos(ns),
	}, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// SaveSpec records params for id. The first write wins.
func (s *Store) SaveSpec(ctx context.Context, id string, params ir.Object) error {
	if params == nil {
		params = ir.Object{}
	}
	data, err := ir.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := s.client.SetNX(ctx, s.specKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("write spec %s: %w", id, err)
	}
	return nil
}

// LoadSpec returns the params recorded for id.
func (s *Store) LoadSpec(ctx context.Context, id string) (ir.Object, bool, error) {
	data, err := s.client.Get(ctx, s.specKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load spec %s: %w", id, err)
	}
	var params ir.Object
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, false, fmt.Errorf("load spec %s: %w", id, err)
	}
	return params, true, nil
}

// SaveResult records where the rows for r.ID live.
func (s *Store) SaveResult(ctx context.Context, r querystate.Result) error {
	cols, err := json.Marshal(append([]string{}, r.Columns...))
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}
	err = s.client.HSet(ctx, s.resultKey(r.ID),
		"table", r.Table,
		"columns", string(cols),
		"sql", r.SQL,
		"duration", int64(r.Duration),
		"completed", nanos(r.CompletedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("write result %s: %w", r.ID, err)
	}
	return nil
}

// LoadResult returns the result recorded for id.
func (s *Store) LoadResult(ctx context.Context, id string) (querystate.Result, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.resultKey(id)).Result()
	if err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: %w", id, err)
	}
	if len(fields) == 0 {
		return querystate.Result{}, false, nil
	}

	r := querystate.Result{ID: id, Table: fields["table"], SQL: fields["sql"]}
	if err := json.Unmarshal([]byte(fields["columns"]), &r.Columns); err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: columns: %w", id, err)
	}
	d, err := strconv.ParseInt(fields["duration"], 10, 64)
	if err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: duration: %w", id, err)
	}
	c, err := strconv.ParseInt(fields["completed"], 10, 64)
	if err != nil {
		return querystate.Result{}, false, fmt.Errorf("load result %s: completed: %w", id, err)
	}
	r.Duration = time.Duration(d)
	r.CompletedAt = fromNanos(c)
	return r, true, nil
}
