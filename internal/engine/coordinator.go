package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/querystate"
)

// Materializer executes a rendered statement and stores its rows under the
// query's identity. Implementations must be safe for concurrent use.
type Materializer interface {
	Materialize(ctx context.Context, q *graph.Query, sql string) error
}

// RebuildFunc reconstructs a query graph from its stored parameters. It is
// used when a job's graph is no longer cached in this process.
type RebuildFunc func(params ir.Object) (*graph.Query, error)

// Config tunes the coordinator.
type Config struct {
	// Workers is the number of concurrent materializations.
	Workers int
	// QueueCapacity bounds pending jobs. Zero means unbounded.
	QueueCapacity int
	// MaxRunning is how long a query may stay queued or running before the
	// reclaim loop moves it to errored. Zero disables reclaim.
	MaxRunning time.Duration
	// ReclaimInterval is how often the reclaim loop runs.
	ReclaimInterval time.Duration
	// ResultSchema is the schema holding result tables.
	ResultSchema string
	// GraphCacheSize bounds the number of built graphs kept in memory.
	GraphCacheSize int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxRunning:      time.Hour,
		ReclaimInterval: time.Minute,
		ResultSchema:    "cache",
		GraphCacheSize:  1024,
	}
}

// IDGenerator produces worker identifiers for logs.
type IDGenerator interface {
	Generate() string
}

// Coordinator owns the asynchronous materialization of query graphs.
//
// Trigger commits the state transition and returns; the work runs on the
// worker pool started by Run. Failures are recorded as the errored state and
// are only visible to later polls.
//
// Thread-safety: Trigger, Poll and Result are safe from any goroutine.
// Run must be called once.
type Coordinator struct {
	machine *querystate.Machine
	catalog querystate.Catalog
	mat     Materializer
	rebuild RebuildFunc
	cfg     Config
	queue   *jobQueue
	graphs  *lru.Cache[string, *graph.Query]
	metrics *Metrics
	ids     IDGenerator
	clock   querystate.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*run // executing attempt per id in this process
}

// run is one local execution of an attempt.
type run struct {
	attempt int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithMetrics sets the collectors updated by the coordinator.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger for worker events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRebuild sets the function used to rebuild evicted graphs.
func WithRebuild(fn RebuildFunc) Option {
	return func(c *Coordinator) { c.rebuild = fn }
}

// WithIDGenerator sets the worker id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithClock sets the clock used for result timestamps and durations.
func WithClock(clk querystate.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// New creates a Coordinator. It does not start any goroutines.
func New(machine *querystate.Machine, catalog querystate.Catalog, mat Materializer, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		machine: machine,
		catalog: catalog,
		mat:     mat,
		cfg:     DefaultConfig(),
		ids:     UUIDv7Generator{},
		clock:   wallClock{},
		logger:  slog.Default(),
		active:  make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.cfg.Workers < 1 {
		return nil, fmt.Errorf("engine: workers must be at least 1, got %d", c.cfg.Workers)
	}
	if c.cfg.ResultSchema == "" {
		c.cfg.ResultSchema = "cache"
	}
	size := c.cfg.GraphCacheSize
	if size < 1 {
		size = 1
	}
	graphs, err := lru.New[string, *graph.Query](size)
	if err != nil {
		return nil, fmt.Errorf("engine: graph cache: %w", err)
	}
	c.graphs = graphs
	c.queue = newJobQueue(c.cfg.QueueCapacity)
	return c, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// TableName returns the result table for id.
func (c *Coordinator) TableName(id string) string {
	return c.cfg.ResultSchema + ".x" + id
}

// Trigger requests materialization of q. It records the specification,
// moves the identity to queued if it is unknown or errored, and hands the
// work to the pool. It returns the state after the call; when another
// caller already owns the execution this is that execution's state.
func (c *Coordinator) Trigger(ctx context.Context, q *graph.Query, params ir.Object) (querystate.State, error) {
	id := q.ID()
	if err := c.catalog.SaveSpec(ctx, id, params); err != nil {
		return "", fmt.Errorf("trigger %s: %w", id, err)
	}

	triggered, cur, err := c.machine.Enqueue(ctx, id)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", id, err)
	}
	if !triggered {
		c.metrics.deduplicated.Inc()
		return cur.State, nil
	}

	c.metrics.triggered.Inc()
	c.graphs.Add(id, q)
	if !c.queue.Enqueue(id, cur.Attempt) {
		// The identity is ours and queued; release it as errored so a
		// later trigger can retry.
		ee := &ExecutionError{Code: ErrCodeQueueFull, QueryID: id, Message: "execution queue is full"}
		if _, err := c.machine.Abandon(ctx, id, cur.Attempt, ee.Error()); err != nil {
			return "", fmt.Errorf("trigger %s: %w", id, err)
		}
		c.logger.Warn("job rejected", "query_id", id, "error", ee)
		return c.machine.Current(ctx, id)
	}
	c.metrics.queueDepth.Set(float64(c.queue.Len()))
	return querystate.Queued, nil
}

// Poll returns the current state record for id. It never blocks on
// materialization.
func (c *Coordinator) Poll(ctx context.Context, id string) (querystate.Record, error) {
	return c.machine.Get(ctx, id)
}

// Params returns the stored specification for id.
func (c *Coordinator) Params(ctx context.Context, id string) (ir.Object, bool, error) {
	return c.catalog.LoadSpec(ctx, id)
}

// Result returns where the rows for a completed id live.
func (c *Coordinator) Result(ctx context.Context, id string) (querystate.Result, bool, error) {
	return c.catalog.LoadResult(ctx, id)
}

// Run starts the worker pool and the reclaim loop. It blocks until ctx is
// cancelled and returns nil on a clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator starting", "workers", c.cfg.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		worker := c.ids.Generate()
		g.Go(func() error { return c.work(ctx, worker) })
	}
	if c.cfg.MaxRunning > 0 && c.cfg.ReclaimInterval > 0 {
		g.Go(func() error { return c.reclaimLoop(ctx) })
	}

	<-ctx.Done()
	c.queue.Close()
	err := g.Wait()
	c.logger.Info("coordinator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) work(ctx context.Context, worker string) error {
	logger := c.logger.With("worker", worker)
	for {
		if j, ok := c.queue.TryDequeue(); ok {
			c.metrics.queueDepth.Set(float64(c.queue.Len()))
			c.execute(ctx, logger, j)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-c.queue.Wait():
			if !open && c.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// execute runs one job. Every outcome ends in a state transition; errors
// are logged, never returned, so one bad query cannot stop the pool.
func (c *Coordinator) execute(ctx context.Context, logger *slog.Logger, j job) {
	id := j.queryID
	logger = logger.With("query_id", id, "seq", j.seq, "attempt", j.attempt)

	claimed, err := c.machine.Execute(ctx, id, j.attempt)
	if err != nil {
		logger.Error("claim failed", "error", err)
		return
	}
	if !claimed {
		logger.Debug("job skipped: no longer queued")
		return
	}
	logger.Info("query claimed")

	runCtx, release, ok := c.begin(ctx, logger, id, j.attempt)
	if !ok {
		c.metrics.materialized.WithLabelValues("lost").Inc()
		logger.Warn("attempt superseded before it started")
		return
	}
	defer release()

	c.metrics.runningWorkers.Inc()
	defer c.metrics.runningWorkers.Dec()

	started := c.clock.Now()
	res, err := c.materialize(runCtx, id)
	elapsed := c.clock.Now().Sub(started)
	c.metrics.duration.Observe(elapsed.Seconds())

	if err != nil {
		c.fail(ctx, logger, id, j.attempt, err)
		return
	}

	// Do not overwrite the catalog on behalf of an attempt that has lost
	// its claim.
	cur, err := c.machine.Get(ctx, id)
	if err != nil {
		logger.Error("record completion", "error", err)
		return
	}
	if cur.State != querystate.Running || cur.Attempt != j.attempt {
		c.metrics.materialized.WithLabelValues("lost").Inc()
		logger.Warn("query finished after being reclaimed", "current_attempt", cur.Attempt, "current_state", cur.State)
		return
	}

	res.Duration = elapsed
	res.CompletedAt = c.clock.Now()
	if err := c.catalog.SaveResult(ctx, res); err != nil {
		c.fail(ctx, logger, id, j.attempt, fmt.Errorf("record result: %w", err))
		return
	}

	finished, err := c.machine.Finish(ctx, id, j.attempt)
	if err != nil {
		logger.Error("record completion", "error", err)
		return
	}
	if !finished {
		// Reclaimed while running; the reclaim's errored state stands.
		c.metrics.materialized.WithLabelValues("lost").Inc()
		logger.Warn("query finished after being reclaimed")
		return
	}
	c.metrics.materialized.WithLabelValues("completed").Inc()
	logger.Info("query completed", "table", res.Table, "duration", elapsed)
}

// fail records err against attempt. A reclaimed attempt leaves the state
// alone.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, id string, attempt int64, err error) {
	raised, rerr := c.machine.Raise(ctx, id, attempt, err.Error())
	if rerr != nil {
		logger.Error("record failure", "error", rerr)
		return
	}
	if !raised {
		c.metrics.materialized.WithLabelValues("lost").Inc()
		logger.Warn("query failed after being reclaimed", "error", err)
		return
	}
	c.metrics.materialized.WithLabelValues("errored").Inc()
	logger.Error("query errored", "error", err)
}

// begin registers attempt as the local execution of id. If an earlier
// attempt of id is still running here, it is cancelled and begin waits for
// it to return, so one process never materializes an id twice at once.
// ok is false when a later attempt has already started.
func (c *Coordinator) begin(ctx context.Context, logger *slog.Logger, id string, attempt int64) (context.Context, func(), bool) {
	c.mu.Lock()
	prev := c.active[id]
	if prev != nil && prev.attempt > attempt {
		c.mu.Unlock()
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{attempt: attempt, cancel: cancel, done: make(chan struct{})}
	c.active[id] = r
	c.mu.Unlock()

	if prev != nil {
		logger.Warn("waiting for superseded attempt", "previous_attempt", prev.attempt)
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
		}
	}

	release := func() {
		cancel()
		c.mu.Lock()
		if c.active[id] == r {
			delete(c.active, id)
		}
		c.mu.Unlock()
		close(r.done)
	}
	return runCtx, release, true
}

// cancelRun stops the local execution of attempt of id, if any.
func (c *Coordinator) cancelRun(id string, attempt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.active[id]; ok && r.attempt == attempt {
		r.cancel()
	}
}

func (c *Coordinator) materialize(ctx context.Context, id string) (querystate.Result, error) {
	q, err := c.graph(ctx, id)
	if err != nil {
		return querystate.Result{}, err
	}

	resolved, err := c.completedChildren(ctx, q)
	if err != nil {
		return querystate.Result{}, newExecutionError(ErrCodeRenderFailed, id, err)
	}
	sql, err := q.SQL(func(child string) (string, bool) {
		table, ok := resolved[child]
		return table, ok
	})
	if err != nil {
		return querystate.Result{}, newExecutionError(ErrCodeRenderFailed, id, err)
	}

	if err := c.mat.Materialize(ctx, q, sql); err != nil {
		return querystate.Result{}, newExecutionError(ErrCodeMaterializeFailed, id, err)
	}
	return querystate.Result{
		ID:      id,
		Table:   c.TableName(id),
		Columns: q.Columns(),
		SQL:     sql,
	}, nil
}

// graph returns the cached graph for id or rebuilds it from the catalog.
func (c *Coordinator) graph(ctx context.Context, id string) (*graph.Query, error) {
	if q, ok := c.graphs.Get(id); ok {
		return q, nil
	}
	if c.rebuild == nil {
		return nil, &ExecutionError{Code: ErrCodeGraphMissing, QueryID: id, Message: "query graph not cached"}
	}
	params, ok, err := c.catalog.LoadSpec(ctx, id)
	if err != nil {
		return nil, newExecutionError(ErrCodeGraphMissing, id, err)
	}
	if !ok {
		return nil, &ExecutionError{Code: ErrCodeGraphMissing, QueryID: id, Message: "no stored specification"}
	}
	q, err := c.rebuild(params)
	if err != nil {
		return nil, newExecutionError(ErrCodeGraphMissing, id, err)
	}
	if q.ID() != id {
		return nil, &ExecutionError{
			Code:    ErrCodeGraphMissing,
			QueryID: id,
			Message: fmt.Sprintf("stored specification rebuilds to %s", q.ID()),
		}
	}
	c.graphs.Add(id, q)
	return q, nil
}

// completedChildren maps each dependency with a stored result to its table.
func (c *Coordinator) completedChildren(ctx context.Context, q *graph.Query) (map[string]string, error) {
	out := make(map[string]string)
	for _, n := range q.Dependencies() {
		st, err := c.machine.Current(ctx, n.ID())
		if err != nil {
			return nil, err
		}
		if st != querystate.Completed {
			continue
		}
		res, ok, err := c.catalog.LoadResult(ctx, n.ID())
		if err != nil {
			return nil, err
		}
		if ok {
			out[n.ID()] = res.Table
		}
	}
	return out, nil
}

func (c *Coordinator) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Reclaim(ctx); err != nil {
				c.logger.Error("reclaim failed", "error", err)
			}
		}
	}
}

// Reclaim moves executions stalled longer than MaxRunning to errored.
func (c *Coordinator) Reclaim(ctx context.Context) ([]querystate.Record, error) {
	moved, err := c.machine.Reclaim(ctx, c.cfg.MaxRunning)
	for _, rec := range moved {
		c.cancelRun(rec.ID, rec.Attempt)
		c.metrics.reclaimed.Inc()
		c.logger.Warn("query reclaimed", "query_id", rec.ID, "attempt", rec.Attempt, "was", rec.State, "code", ErrCodeReclaimed, "max_running", c.cfg.MaxRunning)
	}
	return moved, err
}
