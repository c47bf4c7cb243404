package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ValueKind discriminates the tagged JSON value carried by a Property.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueNumber
	ValueString
	ValueNodeRef
	ValueList
)

// Value is a tagged variant over the JSON types a property can hold, plus
// the encoded string it was parsed from, which the store's assembler carries
// as RawValue for structural comparison. Encode always re-serializes from
// the variant; it does not reuse Raw.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Number float64
	Str    string
	NodeID string
	List   []Value

	// Raw is the exact JSON text this value was decoded from, when known.
	Raw string
}

// NewNull returns the null value.
func NewNull() Value { return Value{Kind: ValueNull} }

// NewBool returns a boolean value.
func NewBool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// NewNumber returns a numeric value.
func NewNumber(n float64) Value { return Value{Kind: ValueNumber, Number: n} }

// NewString returns a string value.
func NewString(s string) Value { return Value{Kind: ValueString, Str: s} }

// NewNodeRef returns a value referencing another node by identifier.
func NewNodeRef(nodeID string) Value { return Value{Kind: ValueNodeRef, NodeID: nodeID} }

// NewList returns a list value.
func NewList(items ...Value) Value { return Value{Kind: ValueList, List: items} }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

// Encode marshals v to its JSON wire representation. Node references are
// encoded as plain strings; the distinction between a string and a node
// reference is carried only by Kind, not by the wire format; the store
// treats "value" as opaque JSON.
func (v Value) Encode() (string, error) {
	switch v.Kind {
	case ValueNull:
		return "null", nil
	case ValueBool:
		b, err := json.Marshal(v.Bool)
		return string(b), err
	case ValueNumber:
		b, err := json.Marshal(v.Number)
		return string(b), err
	case ValueString, ValueNodeRef:
		s := v.Str
		if v.Kind == ValueNodeRef {
			s = v.NodeID
		}
		b, err := json.Marshal(s)
		return string(b), err
	case ValueList:
		raw := make([]json.RawMessage, 0, len(v.List))
		for _, item := range v.List {
			enc, err := item.Encode()
			if err != nil {
				return "", err
			}
			raw = append(raw, json.RawMessage(enc))
		}
		b, err := json.Marshal(raw)
		return string(b), err
	default:
		return "", fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// DecodeValue parses raw JSON text into a Value. Malformed JSON returns an
// error; callers on the read path (evaluator, assembler) treat that as
// "skip this row" rather than failing the query.
func DecodeValue(raw string) (Value, error) {
	var generic interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return Value{}, err
	}
	v, err := fromGeneric(generic)
	if err != nil {
		return Value{}, err
	}
	v.Raw = raw
	return v, nil
}

func fromGeneric(generic interface{}) (Value, error) {
	switch t := generic.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(t), nil
	case float64:
		return NewNumber(t), nil
	case string:
		if looksLikeNodeIdentifier(t) {
			return Value{Kind: ValueNodeRef, NodeID: t, Str: t}, nil
		}
		return NewString(t), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, elem := range t {
			v, err := fromGeneric(elem)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return NewList(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", generic)
	}
}

// looksLikeNodeIdentifier reports whether a string should be decoded as a
// node reference: it must parse as a UUID, which is how this core's node
// identifiers are minted (see NewNodeID).
func looksLikeNodeIdentifier(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// AsString returns the value's scalar string contents, if any is
// meaningful for string-typed filter operations; ok is false for
// numbers/bools/lists/null.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case ValueString:
		return v.Str, true
	case ValueNodeRef:
		return v.NodeID, true
	default:
		return "", false
	}
}

// AsNumber returns the value's numeric contents, coercing numeric strings
// via standard parse (used by the computed-field aggregator). ok is false
// when no numeric interpretation exists.
func (v Value) AsNumber() (float64, bool) {
	if v.Kind == ValueNumber {
		return v.Number, true
	}
	if v.Kind == ValueString {
		var f float64
		if _, err := fmt.Sscanf(v.Str, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Values returns the list of member values for single- or multi-valued
// properties: a ValueList expands to its members, anything else is a
// single-element slice (used by filters that must match "ANY value").
func (v Value) Values() []Value {
	if v.Kind == ValueList {
		return v.List
	}
	return []Value{v}
}
