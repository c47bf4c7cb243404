// Package query implements the closed filter algebra and the pure
// evaluator over it: a QueryDefinition is evaluated against a store.Reader
// to produce a deterministic EvaluationResult.
package query

import "time"

// Filter is the closed sum type every query node implements. The set of
// concrete filters below is exhaustive; evaluator.go type-switches over it
// rather than calling an interface method, so adding a filter kind means
// touching both files together.
type Filter interface {
	isFilter()
}

// SupertagFilter matches nodes carrying the named supertag. When
// IncludeInherited is set, a node also matches through any supertag that
// transitively extends SupertagSystemID, walked via field:extends bounded
// at depth 10.
type SupertagFilter struct {
	SupertagSystemID string
	IncludeInherited bool
}

func (SupertagFilter) isFilter() {}

// PropertyOp is the closed set of property comparison operators.
type PropertyOp string

const (
	OpEq         PropertyOp = "eq"
	OpNeq        PropertyOp = "neq"
	OpGt         PropertyOp = "gt"
	OpGte        PropertyOp = "gte"
	OpLt         PropertyOp = "lt"
	OpLte        PropertyOp = "lte"
	OpContains   PropertyOp = "contains"
	OpStartsWith PropertyOp = "startsWith"
	OpEndsWith   PropertyOp = "endsWith"
	OpIsEmpty    PropertyOp = "isEmpty"
	OpIsNotEmpty PropertyOp = "isNotEmpty"
)

// PropertyFilter matches nodes whose value at FieldSystemID satisfies Op
// against Value. A multi-valued field matches if any member value satisfies
// the comparison.
type PropertyFilter struct {
	FieldSystemID string
	Op            PropertyOp
	Value         interface{} // string, float64, or bool depending on Op
}

func (PropertyFilter) isFilter() {}

// ContentFilter matches nodes whose display content contains Query as a
// substring. Query is trimmed of surrounding whitespace. The default
// comparison lowercases both the display content and Query; CaseSensitive
// switches to a case-exact substring match on the display content. An empty
// Query matches every candidate.
type ContentFilter struct {
	Query         string
	CaseSensitive bool
}

func (ContentFilter) isFilter() {}

// HasFieldFilter matches nodes that carry at least one value for the field,
// regardless of what that value is. Negate inverts the match: an unknown
// field identifier then matches every candidate instead
// of none, since "has no rows for a field nobody can ever set" is
// vacuously true for all of them.
type HasFieldFilter struct {
	FieldSystemID string
	Negate        bool
}

func (HasFieldFilter) isFilter() {}

// TemporalField is the closed set of node timestamps a TemporalFilter can
// compare against.
type TemporalField string

const (
	TemporalCreatedAt TemporalField = "createdAt"
	TemporalUpdatedAt TemporalField = "updatedAt"
)

// TemporalOp is the closed set of temporal comparison operators.
type TemporalOp string

const (
	TemporalWithin TemporalOp = "within"
	TemporalBefore TemporalOp = "before"
	TemporalAfter  TemporalOp = "after"
)

// TemporalFilter matches nodes by their createdAt/updatedAt timestamp.
// "within" treats At as the inclusive lower bound and Until as the
// exclusive upper bound.
type TemporalFilter struct {
	Field TemporalField
	Op    TemporalOp
	At    time.Time
	Until time.Time // only used by TemporalWithin
}

func (TemporalFilter) isFilter() {}

// WithinDays builds the common "touched in the last n days" temporal filter.
func WithinDays(field TemporalField, n int, now time.Time) TemporalFilter {
	return TemporalFilter{
		Field: field,
		Op:    TemporalWithin,
		At:    now.Add(-time.Duration(n) * 24 * time.Hour),
		Until: now.Add(time.Nanosecond),
	}
}

// RelationKind is the closed set of relationships RelationFilter can
// traverse.
type RelationKind string

const (
	RelationChildOf    RelationKind = "childOf"
	RelationOwnedBy    RelationKind = "ownedBy"
	RelationLinksTo    RelationKind = "linksTo"
	RelationLinkedFrom RelationKind = "linkedFrom"
)

// RelationFilter matches nodes connected to TargetNodeID via Relation.
// ownedBy looks at the node's own owner attribute; childOf/linksTo/
// linkedFrom walk NodeRef-valued properties in the direction the name
// implies. An empty TargetNodeID loosens the match to "related to anything":
// ownedBy matches every owned node, linksTo/childOf match any node holding a
// reference-shaped value. FieldSystemID optionally narrows the property walk
// to one field; empty scans every field.
type RelationFilter struct {
	Relation      RelationKind
	TargetNodeID  string
	FieldSystemID string // optional narrowing for childOf/linksTo/linkedFrom, ignored for ownedBy
}

func (RelationFilter) isFilter() {}

// AndFilter matches nodes satisfying every child filter.
type AndFilter struct{ Filters []Filter }

func (AndFilter) isFilter() {}

// OrFilter matches nodes satisfying at least one child filter.
type OrFilter struct{ Filters []Filter }

func (OrFilter) isFilter() {}

// NotFilter matches nodes that do not satisfy its child filter.
type NotFilter struct{ Filter Filter }

func (NotFilter) isFilter() {}

// SortDirection is the closed set of sort directions.
type SortDirection string

const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// SortKey names either a built-in node attribute or a field by its system
// id (anything outside the four built-ins is treated as a field lookup).
type SortKey string

const (
	SortByContent   SortKey = "content"
	SortByCreatedAt SortKey = "createdAt"
	SortByUpdatedAt SortKey = "updatedAt"
	SortBySystemID  SortKey = "systemId"
)

// Sort orders evaluation results. Nodes missing the sort key sort last,
// regardless of direction.
type Sort struct {
	Key       SortKey
	FieldID   string // used when Key is not one of the built-ins
	Direction SortDirection
}

// DefaultLimit is the page size applied when a definition leaves Limit
// unset.
const DefaultLimit = 500

// NoLimit disables result truncation entirely.
const NoLimit = -1

// QueryDefinition is the declarative, serializable description of a live
// view: a root filter plus sort/paging/inheritance knobs.
type QueryDefinition struct {
	Filter             Filter
	Sort               []Sort
	Limit              int // 0 applies DefaultLimit; NoLimit disables truncation
	Offset             int
	ResolveInheritance bool
}
