package schema

import (
	"fmt"

	"github.com/roach88/flowq/internal/ir"
)

var (
	unitField   = Field{Name: "aggregation_unit", Type: TypeEnum, Required: true, Choices: AggregationUnits}
	subsetField = Field{Name: "subscriber_subset", Type: TypeNull}
)

func directionField() Field {
	return Field{Name: "direction", Type: TypeEnum, Choices: Directions, Default: ir.String("both")}
}

// laterThan reports on stop unless it sorts after start. Normalised dates and
// datetimes compare correctly as strings.
func laterThan(start, stop string) func(ir.Object, func(string, string)) {
	return func(p ir.Object, report func(string, string)) {
		if str(p, stop) <= str(p, start) {
			report(stop, fmt.Sprintf("Must be later than %s.", start))
		}
	}
}

func strList(p ir.Object, key string) []string {
	arr, _ := p[key].(ir.Array)
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = string(v.(ir.String))
	}
	return out
}

// BuiltinKinds returns the exposed query kinds in registration order.
func BuiltinKinds() []Kind {
	return []Kind{
		{
			Name:        "dummy_query",
			Description: "Trivial query returning its parameter.",
			Fields: []Field{
				{Name: "dummy_param", Type: TypeString, Required: true},
			},
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return DummyQuery{DummyParam: str(p, "dummy_param")}, nil
			},
		},
		{
			Name:        "daily_location",
			Description: "One location per subscriber for a single day.",
			Fields: []Field{
				{Name: "date", Type: TypeDate, Required: true},
				{Name: "method", Type: TypeEnum, Required: true, Choices: LocationMethods},
				unitField,
				subsetField,
			},
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return decodeDailyLocation(p), nil
			},
		},
		{
			Name:        "modal_location",
			Description: "Most frequent daily location over a set of days.",
			Fields: []Field{
				{
					Name:     "locations",
					Type:     TypeList,
					Required: true,
					MinItems: 1,
					Item:     &Field{Type: TypeNested, Kinds: []string{"daily_location"}},
				},
				unitField,
			},
			Check: func(p ir.Object, report func(string, string)) {
				want := str(p, "aggregation_unit")
				locs, _ := p["locations"].(ir.Array)
				for i, l := range locs {
					if str(l.(ir.Object), "aggregation_unit") != want {
						report(fmt.Sprintf("locations.%d.aggregation_unit", i), MsgMatchUnit)
					}
				}
			},
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				locs, _ := p["locations"].(ir.Array)
				out := ModalLocation{
					Locations:       make([]DailyLocation, len(locs)),
					AggregationUnit: str(p, "aggregation_unit"),
				}
				for i, l := range locs {
					out.Locations[i] = decodeDailyLocation(l.(ir.Object))
				}
				return out, nil
			},
		},
		{
			Name:        "spatial_aggregate",
			Description: "Number of subscribers per location.",
			Fields: []Field{
				{Name: "locations", Type: TypeNested, Required: true, Kinds: []string{"daily_location", "modal_location"}},
			},
			Decode: func(r *Registry, p ir.Object) (Spec, error) {
				nested, ok := p["locations"].(ir.Object)
				if !ok {
					return nil, fmt.Errorf("locations: not an object")
				}
				inner, err := r.decode(nested)
				if err != nil {
					return nil, err
				}
				loc, ok := inner.(LocationSpec)
				if !ok {
					return nil, fmt.Errorf("locations: %s is not a location query", inner.Kind())
				}
				return SpatialAggregate{Locations: loc}, nil
			},
		},
		{
			Name:        "event_count",
			Description: "Number of events per subscriber.",
			Fields: []Field{
				{Name: "start", Type: TypeDate, Required: true},
				{Name: "stop", Type: TypeDate, Required: true},
				directionField(),
				{
					Name:     "event_types",
					Type:     TypeList,
					MinItems: 1,
					Set:      true,
					Item:     &Field{Type: TypeEnum, Choices: EventTypes},
					Default:  ir.Strings(EventTypes...),
				},
				subsetField,
			},
			Check: laterThan("start", "stop"),
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return EventCount{
					Start:      str(p, "start"),
					Stop:       str(p, "stop"),
					Direction:  str(p, "direction"),
					EventTypes: strList(p, "event_types"),
				}, nil
			},
		},
		{
			Name:        "unique_locations",
			Description: "Number of distinct locations visited per subscriber.",
			Fields: []Field{
				{Name: "start_date", Type: TypeDate, Required: true},
				{Name: "end_date", Type: TypeDate, Required: true},
				unitField,
			},
			Check: laterThan("start_date", "end_date"),
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return UniqueLocations{
					StartDate:       str(p, "start_date"),
					EndDate:         str(p, "end_date"),
					AggregationUnit: str(p, "aggregation_unit"),
				}, nil
			},
		},
		{
			Name:        "location_introversion",
			Description: "Share of interactions per location whose counterpart was in the same location.",
			Fields: []Field{
				{Name: "start_date", Type: TypeDate, Required: true},
				{Name: "end_date", Type: TypeDate, Required: true},
				unitField,
				directionField(),
			},
			Check: laterThan("start_date", "end_date"),
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return LocationIntroversion{
					StartDate:       str(p, "start_date"),
					EndDate:         str(p, "end_date"),
					AggregationUnit: str(p, "aggregation_unit"),
					Direction:       str(p, "direction"),
				}, nil
			},
		},
		{
			Name:        "trips_od_matrix",
			Description: "Number of moves between consecutive locations.",
			Fields: []Field{
				{Name: "start_date", Type: TypeDatetime, Required: true},
				{Name: "end_date", Type: TypeDatetime, Required: true},
				unitField,
			},
			Check: laterThan("start_date", "end_date"),
			Decode: func(_ *Registry, p ir.Object) (Spec, error) {
				return TripsODMatrix{
					StartDate:       str(p, "start_date"),
					EndDate:         str(p, "end_date"),
					AggregationUnit: str(p, "aggregation_unit"),
				}, nil
			},
		},
	}
}

func decodeDailyLocation(p ir.Object) DailyLocation {
	return DailyLocation{
		Date:            str(p, "date"),
		Method:          str(p, "method"),
		AggregationUnit: str(p, "aggregation_unit"),
	}
}
