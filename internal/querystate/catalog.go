package querystate

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/flowq/internal/ir"
)

// Result describes a materialised query result.
type Result struct {
	ID          string
	Table       string   // fully qualified table holding the rows
	Columns     []string // ordered output columns
	SQL         string   // statement the table was built from
	Duration    time.Duration
	CompletedAt time.Time
}

// Catalog records what is known about an identity besides its state: the
// normalised specification that produced it and, once completed, where its
// result lives. Entries are written once and never change.
type Catalog interface {
	// SaveSpec stores params for id unless an entry already exists.
	SaveSpec(ctx context.Context, id string, params ir.Object) error
	// LoadSpec returns the stored params for id.
	LoadSpec(ctx context.Context, id string) (ir.Object, bool, error)
	// SaveResult stores r under r.ID, replacing any earlier entry.
	SaveResult(ctx context.Context, r Result) error
	// LoadResult returns the stored result for id.
	LoadResult(ctx context.Context, id string) (Result, bool, error)
}

// MemoryCatalog is a Catalog for a single process.
type MemoryCatalog struct {
	mu      sync.RWMutex
	specs   map[string]ir.Object
	results map[string]Result
}

// NewMemoryCatalog creates an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		specs:   make(map[string]ir.Object),
		results: make(map[string]Result),
	}
}

func (c *MemoryCatalog) SaveSpec(_ context.Context, id string, params ir.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[id]; !ok {
		c.specs[id] = params.Clone()
	}
	return nil
}

func (c *MemoryCatalog) LoadSpec(_ context.Context, id string) (ir.Object, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.specs[id]
	return p.Clone(), ok, nil
}

func (c *MemoryCatalog) SaveResult(_ context.Context, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Columns = append([]string(nil), r.Columns...)
	c.results[r.ID] = r
	return nil
}

func (c *MemoryCatalog) LoadResult(_ context.Context, id string) (Result, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[id]
	return r, ok, nil
}
