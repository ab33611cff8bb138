package schema

import (
	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
)

// Spec is a validated query specification. It is a closed sum type: the
// variants below are the only implementations.
type Spec interface {
	// Kind returns the discriminant value.
	Kind() string
	// Params returns the normalised specification including KindField.
	// Loading it again yields an equal Spec.
	Params() ir.Object
	// Build adds the specification's nodes to b and returns the root.
	Build(b *graph.Builder) (graph.Handle, error)

	isSpec()
}

// LocationSpec is a Spec that yields one location per subscriber.
type LocationSpec interface {
	Spec
	unit() string
}

// DummyQuery is a trivial query used to exercise the protocol end to end.
type DummyQuery struct {
	DummyParam string
}

// DailyLocation assigns each subscriber one location for a single day.
type DailyLocation struct {
	Date            string // YYYY-MM-DD
	Method          string // last | most-common
	AggregationUnit string
}

// ModalLocation is the most frequent daily location over several days.
type ModalLocation struct {
	Locations       []DailyLocation
	AggregationUnit string
}

// SpatialAggregate counts subscribers per location.
type SpatialAggregate struct {
	Locations LocationSpec
}

// EventCount counts events per subscriber in [Start, Stop).
type EventCount struct {
	Start      string
	Stop       string
	Direction  string
	EventTypes []string
}

// UniqueLocations counts distinct locations visited per subscriber.
type UniqueLocations struct {
	StartDate       string
	EndDate         string
	AggregationUnit string
}

// LocationIntroversion is the share of interactions per location whose
// counterpart was in the same location.
type LocationIntroversion struct {
	StartDate       string
	EndDate         string
	AggregationUnit string
	Direction       string
}

// TripsODMatrix counts moves between consecutive locations.
type TripsODMatrix struct {
	StartDate       string // YYYY-MM-DDTHH:MM:SS
	EndDate         string
	AggregationUnit string
}

func (DummyQuery) isSpec()           {}
func (DailyLocation) isSpec()        {}
func (ModalLocation) isSpec()        {}
func (SpatialAggregate) isSpec()     {}
func (EventCount) isSpec()           {}
func (UniqueLocations) isSpec()      {}
func (LocationIntroversion) isSpec() {}
func (TripsODMatrix) isSpec()        {}

func (DummyQuery) Kind() string           { return "dummy_query" }
func (DailyLocation) Kind() string        { return "daily_location" }
func (ModalLocation) Kind() string        { return "modal_location" }
func (SpatialAggregate) Kind() string     { return "spatial_aggregate" }
func (EventCount) Kind() string           { return "event_count" }
func (UniqueLocations) Kind() string      { return "unique_locations" }
func (LocationIntroversion) Kind() string { return "location_introversion" }
func (TripsODMatrix) Kind() string        { return "trips_od_matrix" }

func (s DailyLocation) unit() string { return s.AggregationUnit }
func (s ModalLocation) unit() string { return s.AggregationUnit }

func (s DummyQuery) Params() ir.Object {
	return ir.Object{
		KindField:     ir.String(s.Kind()),
		"dummy_param": ir.String(s.DummyParam),
	}
}

func (s DailyLocation) Params() ir.Object {
	return ir.Object{
		KindField:          ir.String(s.Kind()),
		"date":             ir.String(s.Date),
		"method":           ir.String(s.Method),
		"aggregation_unit": ir.String(s.AggregationUnit),
	}
}

func (s ModalLocation) Params() ir.Object {
	locs := make(ir.Array, len(s.Locations))
	for i, l := range s.Locations {
		locs[i] = l.Params()
	}
	return ir.Object{
		KindField:          ir.String(s.Kind()),
		"locations":        locs,
		"aggregation_unit": ir.String(s.AggregationUnit),
	}
}

func (s SpatialAggregate) Params() ir.Object {
	return ir.Object{
		KindField:   ir.String(s.Kind()),
		"locations": s.Locations.Params(),
	}
}

func (s EventCount) Params() ir.Object {
	return ir.Object{
		KindField:     ir.String(s.Kind()),
		"start":       ir.String(s.Start),
		"stop":        ir.String(s.Stop),
		"direction":   ir.String(s.Direction),
		"event_types": ir.Strings(s.EventTypes...),
	}
}

func (s UniqueLocations) Params() ir.Object {
	return ir.Object{
		KindField:          ir.String(s.Kind()),
		"start_date":       ir.String(s.StartDate),
		"end_date":         ir.String(s.EndDate),
		"aggregation_unit": ir.String(s.AggregationUnit),
	}
}

func (s LocationIntroversion) Params() ir.Object {
	return ir.Object{
		KindField:          ir.String(s.Kind()),
		"start_date":       ir.String(s.StartDate),
		"end_date":         ir.String(s.EndDate),
		"aggregation_unit": ir.String(s.AggregationUnit),
		"direction":        ir.String(s.Direction),
	}
}

func (s TripsODMatrix) Params() ir.Object {
	return ir.Object{
		KindField:          ir.String(s.Kind()),
		"start_date":       ir.String(s.StartDate),
		"end_date":         ir.String(s.EndDate),
		"aggregation_unit": ir.String(s.AggregationUnit),
	}
}
