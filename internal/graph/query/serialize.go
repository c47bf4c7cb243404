package query

import (
	"encoding/json"
	"fmt"
)

// filterEnvelope is the tagged-union wire shape every Filter is encoded as,
// so a persisted automation or computed-field definition can round-trip
// through JSON despite Filter being a Go interface rather than a concrete
// type.
type filterEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type defEnvelope struct {
	Filter             *filterEnvelope `json:"filter,omitempty"`
	Sort               []Sort          `json:"sort,omitempty"`
	Limit              int             `json:"limit,omitempty"`
	Offset             int             `json:"offset,omitempty"`
	ResolveInheritance bool            `json:"resolveInheritance,omitempty"`
}

// MarshalDefinition encodes a QueryDefinition for persistence on an
// automation or computed-field node's field:definition property.
func MarshalDefinition(def QueryDefinition) ([]byte, error) {
	fe, err := marshalFilter(def.Filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(defEnvelope{
		Filter:             fe,
		Sort:               def.Sort,
		Limit:              def.Limit,
		Offset:             def.Offset,
		ResolveInheritance: def.ResolveInheritance,
	})
}

// UnmarshalDefinition decodes a QueryDefinition previously produced by
// MarshalDefinition.
func UnmarshalDefinition(raw []byte) (QueryDefinition, error) {
	var env defEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return QueryDefinition{}, err
	}
	f, err := unmarshalFilter(env.Filter)
	if err != nil {
		return QueryDefinition{}, err
	}
	return QueryDefinition{
		Filter:             f,
		Sort:               env.Sort,
		Limit:              env.Limit,
		Offset:             env.Offset,
		ResolveInheritance: env.ResolveInheritance,
	}, nil
}

func marshalFilter(f Filter) (*filterEnvelope, error) {
	if f == nil {
		return nil, nil
	}
	switch t := f.(type) {
	case SupertagFilter:
		return wrap("supertag", t)
	case PropertyFilter:
		return wrap("property", t)
	case ContentFilter:
		return wrap("content", t)
	case HasFieldFilter:
		return wrap("hasField", t)
	case TemporalFilter:
		return wrap("temporal", t)
	case RelationFilter:
		return wrap("relation", t)
	case AndFilter:
		return wrapChildren("and", t.Filters)
	case OrFilter:
		return wrapChildren("or", t.Filters)
	case NotFilter:
		child, err := marshalFilter(t.Filter)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		return &filterEnvelope{Type: "not", Data: data}, nil
	default:
		return nil, fmt.Errorf("query: unknown filter type %T", f)
	}
}

func wrap(kind string, v interface{}) (*filterEnvelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &filterEnvelope{Type: kind, Data: data}, nil
}

func wrapChildren(kind string, children []Filter) (*filterEnvelope, error) {
	envs := make([]*filterEnvelope, 0, len(children))
	for _, c := range children {
		ce, err := marshalFilter(c)
		if err != nil {
			return nil, err
		}
		envs = append(envs, ce)
	}
	data, err := json.Marshal(envs)
	if err != nil {
		return nil, err
	}
	return &filterEnvelope{Type: kind, Data: data}, nil
}

func unmarshalFilter(e *filterEnvelope) (Filter, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Type {
	case "supertag":
		var f SupertagFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "property":
		var f PropertyFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "content":
		var f ContentFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "hasField":
		var f HasFieldFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "temporal":
		var f TemporalFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "relation":
		var f RelationFilter
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "and", "or":
		var envs []*filterEnvelope
		if err := json.Unmarshal(e.Data, &envs); err != nil {
			return nil, err
		}
		children := make([]Filter, 0, len(envs))
		for _, ce := range envs {
			cf, err := unmarshalFilter(ce)
			if err != nil {
				return nil, err
			}
			children = append(children, cf)
		}
		if e.Type == "and" {
			return AndFilter{Filters: children}, nil
		}
		return OrFilter{Filters: children}, nil
	case "not":
		var child *filterEnvelope
		if err := json.Unmarshal(e.Data, &child); err != nil {
			return nil, err
		}
		cf, err := unmarshalFilter(child)
		if err != nil {
			return nil, err
		}
		return NotFilter{Filter: cf}, nil
	default:
		return nil, fmt.Errorf("query: unknown filter wire type %q", e.Type)
	}
}
