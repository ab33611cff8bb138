package schema

import (
	"fmt"
	"time"

	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/sqlexpr"
)

// Internal node kinds. They appear in query graphs but cannot be requested
// directly.
const (
	NodeEventsUnion         = "events_union"
	NodeSubscriberLocations = "subscriber_locations"
)

// EventTypes are the event tables in the events schema, sorted.
var EventTypes = []string{"calls", "mds", "sms", "topups"}

// AggregationUnits are the supported spatial resolutions.
var AggregationUnits = []string{"admin0", "admin1", "admin2", "admin3"}

// Directions filter events by whether the subscriber initiated them.
var Directions = []string{"in", "out", "both"}

// Location methods for daily_location.
var LocationMethods = []string{"last", "most-common"}

func cellsTable(unit string) string {
	return "geography.cells_" + unit
}

func str(p ir.Object, key string) string {
	s, _ := p[key].(ir.String)
	return string(s)
}

func dayStart(date string) (string, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", err
	}
	return d.Format(datetimeLayout), nil
}

func nextDayStart(date string) (string, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, 1).Format(datetimeLayout), nil
}

// directionFilter restricts on the outgoing flag; "both" adds no condition.
func directionFilter(column, direction string) sqlexpr.Predicate {
	switch direction {
	case "out":
		return sqlexpr.Equals{Column: column, Value: ir.Bool(true)}
	case "in":
		return sqlexpr.Equals{Column: column, Value: ir.Bool(false)}
	default:
		return sqlexpr.And{}
	}
}

// addEventsUnion adds every event of the given types in [start, stop).
func addEventsUnion(b *graph.Builder, start, stop string, types []string) (graph.Handle, error) {
	return b.Add(graph.Def{
		Kind: NodeEventsUnion,
		Params: ir.Object{
			"start":       ir.String(start),
			"stop":        ir.String(stop),
			"event_types": ir.Strings(types...),
		},
		Columns: []string{"subscriber", "msisdn_counterpart", "datetime", "location_id", "outgoing"},
		Render:  renderEventsUnion,
	})
}

func renderEventsUnion(p ir.Object, _ []sqlexpr.Source) (sqlexpr.Query, error) {
	types, _ := p["event_types"].(ir.Array)
	if len(types) == 0 {
		return nil, fmt.Errorf("no event types")
	}
	parts := make([]sqlexpr.Query, len(types))
	for i, t := range types {
		parts[i] = sqlexpr.Select{
			Columns: []sqlexpr.Column{
				{Expr: "msisdn", As: "subscriber"},
				sqlexpr.Col("msisdn_counterpart"),
				sqlexpr.Col("datetime"),
				sqlexpr.Col("location_id"),
				sqlexpr.Col("outgoing"),
			},
			From:  sqlexpr.Table{Name: "events." + string(t.(ir.String))},
			Where: sqlexpr.Range{Column: "datetime", From: p["start"], To: p["stop"]},
		}
	}
	return sqlexpr.UnionAll{Queries: parts}, nil
}

// addSubscriberLocations adds every (subscriber, time, location) sighting in
// [start, stop) at the given aggregation unit.
func addSubscriberLocations(b *graph.Builder, start, stop, unit string) (graph.Handle, error) {
	events, err := addEventsUnion(b, start, stop, EventTypes)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind: NodeSubscriberLocations,
		Params: ir.Object{
			"start":            ir.String(start),
			"stop":             ir.String(stop),
			"aggregation_unit": ir.String(unit),
		},
		Columns: []string{"subscriber", "datetime", "pcod"},
		Render: func(p ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("subscriber"), sqlexpr.Col("datetime"), sqlexpr.Col("pcod")},
				From: sqlexpr.Join{
					Left:  c[0],
					Right: sqlexpr.Table{Name: cellsTable(str(p, "aggregation_unit")), Alias: "cells"},
					Using: []string{"location_id"},
				},
			}, nil
		},
	}, events)
}

// modeOf picks each subscriber's most frequent pcod in src, ties broken by pcod.
func modeOf(src sqlexpr.Source) sqlexpr.Query {
	return sqlexpr.Select{
		DistinctOn: []string{"subscriber"},
		Columns:    []sqlexpr.Column{sqlexpr.Col("subscriber"), sqlexpr.Col("pcod")},
		From: sqlexpr.Subquery{
			Query: sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("subscriber"), sqlexpr.Col("pcod"), {Expr: "count(*)", As: "n"}},
				From:    src,
				GroupBy: []string{"subscriber", "pcod"},
			},
			Alias: "counts",
		},
		OrderBy: []string{"subscriber", "n DESC", "pcod"},
	}
}

func (s DummyQuery) Build(b *graph.Builder) (graph.Handle, error) {
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{"dummy_param": ir.String(s.DummyParam)},
		Columns: []string{"dummy_param"},
		Render: func(p ir.Object, _ []sqlexpr.Source) (sqlexpr.Query, error) {
			lit, err := sqlexpr.Literal(p["dummy_param"])
			if err != nil {
				return nil, err
			}
			return sqlexpr.Select{Columns: []sqlexpr.Column{{Expr: lit, As: "dummy_param"}}}, nil
		},
	})
}

func (s DailyLocation) Build(b *graph.Builder) (graph.Handle, error) {
	start, err := dayStart(s.Date)
	if err != nil {
		return 0, err
	}
	stop, err := nextDayStart(s.Date)
	if err != nil {
		return 0, err
	}
	locs, err := addSubscriberLocations(b, start, stop, s.AggregationUnit)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind: s.Kind(),
		Params: ir.Object{
			"date":             ir.String(s.Date),
			"method":           ir.String(s.Method),
			"aggregation_unit": ir.String(s.AggregationUnit),
		},
		Columns: []string{"subscriber", "pcod"},
		Render: func(p ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			switch str(p, "method") {
			case "last":
				return sqlexpr.Select{
					DistinctOn: []string{"subscriber"},
					Columns:    []sqlexpr.Column{sqlexpr.Col("subscriber"), sqlexpr.Col("pcod")},
					From:       c[0],
					OrderBy:    []string{"subscriber", "datetime DESC"},
				}, nil
			case "most-common":
				return modeOf(c[0]), nil
			default:
				return nil, fmt.Errorf("unknown method %q", str(p, "method"))
			}
		},
	}, locs)
}

func (s ModalLocation) Build(b *graph.Builder) (graph.Handle, error) {
	children := make([]graph.Handle, len(s.Locations))
	for i, l := range s.Locations {
		h, err := l.Build(b)
		if err != nil {
			return 0, fmt.Errorf("locations.%d: %w", i, err)
		}
		children[i] = h
	}
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{"aggregation_unit": ir.String(s.AggregationUnit)},
		Columns: []string{"subscriber", "pcod"},
		Render: func(_ ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			days := make([]sqlexpr.Query, len(c))
			for i, src := range c {
				days[i] = sqlexpr.Select{
					Columns: []sqlexpr.Column{sqlexpr.Col("subscriber"), sqlexpr.Col("pcod")},
					From:    src,
				}
			}
			return modeOf(sqlexpr.Subquery{Query: sqlexpr.UnionAll{Queries: days}, Alias: "days"}), nil
		},
	}, children...)
}

func (s SpatialAggregate) Build(b *graph.Builder) (graph.Handle, error) {
	locs, err := s.Locations.Build(b)
	if err != nil {
		return 0, fmt.Errorf("locations: %w", err)
	}
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{},
		Columns: []string{"pcod", "total"},
		Render: func(_ ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("pcod"), {Expr: "count(*)", As: "total"}},
				From:    c[0],
				GroupBy: []string{"pcod"},
				OrderBy: []string{"pcod"},
			}, nil
		},
	}, locs)
}

func (s EventCount) Build(b *graph.Builder) (graph.Handle, error) {
	start, err := dayStart(s.Start)
	if err != nil {
		return 0, err
	}
	stop, err := dayStart(s.Stop)
	if err != nil {
		return 0, err
	}
	events, err := addEventsUnion(b, start, stop, s.EventTypes)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{"direction": ir.String(s.Direction)},
		Columns: []string{"subscriber", "value"},
		Render: func(p ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("subscriber"), {Expr: "count(*)", As: "value"}},
				From:    c[0],
				Where:   directionFilter("outgoing", str(p, "direction")),
				GroupBy: []string{"subscriber"},
				OrderBy: []string{"subscriber"},
			}, nil
		},
	}, events)
}

func (s UniqueLocations) Build(b *graph.Builder) (graph.Handle, error) {
	start, err := dayStart(s.StartDate)
	if err != nil {
		return 0, err
	}
	stop, err := dayStart(s.EndDate)
	if err != nil {
		return 0, err
	}
	locs, err := addSubscriberLocations(b, start, stop, s.AggregationUnit)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{},
		Columns: []string{"subscriber", "value"},
		Render: func(_ ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("subscriber"), {Expr: "count(DISTINCT pcod)", As: "value"}},
				From:    c[0],
				GroupBy: []string{"subscriber"},
				OrderBy: []string{"subscriber"},
			}, nil
		},
	}, locs)
}

func (s LocationIntroversion) Build(b *graph.Builder) (graph.Handle, error) {
	start, err := dayStart(s.StartDate)
	if err != nil {
		return 0, err
	}
	stop, err := dayStart(s.EndDate)
	if err != nil {
		return 0, err
	}
	events, err := addEventsUnion(b, start, stop, EventTypes)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind: s.Kind(),
		Params: ir.Object{
			"aggregation_unit": ir.String(s.AggregationUnit),
			"direction":        ir.String(s.Direction),
		},
		Columns: []string{"pcod", "value"},
		Render: func(p ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			cells := cellsTable(str(p, "aggregation_unit"))
			pairs := sqlexpr.Join{
				Left:  sqlexpr.As(c[0], "a"),
				Right: sqlexpr.As(c[0], "b"),
				On:    "a.msisdn_counterpart = b.subscriber AND a.datetime = b.datetime",
			}
			located := sqlexpr.Join{
				Left: sqlexpr.Join{
					Left:  pairs,
					Right: sqlexpr.Table{Name: cells, Alias: "ga"},
					On:    "a.location_id = ga.location_id",
				},
				Right: sqlexpr.Table{Name: cells, Alias: "gb"},
				On:    "b.location_id = gb.location_id",
			}
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{
					{Expr: "ga.pcod", As: "pcod"},
					{Expr: "avg(CASE WHEN ga.pcod = gb.pcod THEN 1 ELSE 0 END)", As: "value"},
				},
				From:    located,
				Where:   directionFilter("a.outgoing", str(p, "direction")),
				GroupBy: []string{"ga.pcod"},
				OrderBy: []string{"ga.pcod"},
			}, nil
		},
	}, events)
}

func (s TripsODMatrix) Build(b *graph.Builder) (graph.Handle, error) {
	locs, err := addSubscriberLocations(b, s.StartDate, s.EndDate, s.AggregationUnit)
	if err != nil {
		return 0, err
	}
	return b.Add(graph.Def{
		Kind:    s.Kind(),
		Params:  ir.Object{},
		Columns: []string{"pcod_from", "pcod_to", "value"},
		Render: func(_ ir.Object, c []sqlexpr.Source) (sqlexpr.Query, error) {
			moves := sqlexpr.Select{
				Columns: []sqlexpr.Column{
					sqlexpr.Col("subscriber"),
					{Expr: "pcod", As: "pcod_from"},
					{Expr: "lead(pcod) OVER (PARTITION BY subscriber ORDER BY datetime)", As: "pcod_to"},
				},
				From: c[0],
			}
			return sqlexpr.Select{
				Columns: []sqlexpr.Column{sqlexpr.Col("pcod_from"), sqlexpr.Col("pcod_to"), {Expr: "count(*)", As: "value"}},
				From:    sqlexpr.Subquery{Query: moves, Alias: "moves"},
				Where:   sqlexpr.Raw{SQL: "pcod_to IS NOT NULL AND pcod_from <> pcod_to"},
				GroupBy: []string{"pcod_from", "pcod_to"},
				OrderBy: []string{"pcod_from", "pcod_to"},
			}, nil
		},
	}, locs)
}
