package query

import "testing"

func TestMarshalUnmarshalDefinitionRoundTrips(t *testing.T) {
	def := QueryDefinition{
		Filter: AndFilter{Filters: []Filter{
			SupertagFilter{SupertagSystemID: "supertag:tag"},
			NotFilter{Filter: PropertyFilter{FieldSystemID: "field:priority", Op: OpGte, Value: float64(3)}},
		}},
		Sort:  []Sort{{Key: SortByContent, Direction: SortAscending}},
		Limit: 20,
	}

	raw, err := MarshalDefinition(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalDefinition(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	and, ok := got.Filter.(AndFilter)
	if !ok || len(and.Filters) != 2 {
		t.Fatalf("expected round-tripped AndFilter with 2 children, got %#v", got.Filter)
	}
	if _, ok := and.Filters[0].(SupertagFilter); !ok {
		t.Fatalf("expected first child to be SupertagFilter, got %#v", and.Filters[0])
	}
	not, ok := and.Filters[1].(NotFilter)
	if !ok {
		t.Fatalf("expected second child to be NotFilter, got %#v", and.Filters[1])
	}
	prop, ok := not.Filter.(PropertyFilter)
	if !ok || prop.FieldSystemID != "field:priority" {
		t.Fatalf("expected nested PropertyFilter, got %#v", not.Filter)
	}
	if got.Limit != 20 {
		t.Fatalf("expected limit to round-trip, got %d", got.Limit)
	}
}
