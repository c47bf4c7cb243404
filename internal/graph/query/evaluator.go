package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/store"
)

// EvaluationResult is the deterministic output of Evaluate: a pure
// function of (store, definition) at a point in time.
type EvaluationResult struct {
	Nodes       []store.AssembledNode
	TotalCount  int
	EvaluatedAt time.Time
}

// Evaluate runs def against reader and returns the matching nodes, sorted
// and paginated. It never mutates the store and never retains state across
// calls; the subscription registry is what turns this into something live.
func Evaluate(ctx context.Context, reader store.Reader, def QueryDefinition) (EvaluationResult, error) {
	ids, err := reader.ListLiveNodeIDs(ctx)
	if err != nil {
		return EvaluationResult{}, graphcoreerr.Store(err)
	}

	es := &evalState{ctx: ctx, reader: reader, inheritance: make(map[string]map[string]bool)}

	matched := make([]store.AssembledNode, 0, len(ids))
	for _, id := range ids {
		var (
			assembled store.AssembledNode
			aErr      error
		)
		if def.ResolveInheritance {
			assembled, aErr = reader.AssembleWithInheritance(ctx, id)
		} else {
			assembled, aErr = reader.Assemble(ctx, id)
		}
		if aErr != nil {
			continue // node vanished mid-scan; skip rather than fail the whole query
		}

		ok, err := matchFilter(es, def.Filter, assembled)
		if err != nil {
			return EvaluationResult{}, err
		}
		if ok {
			matched = append(matched, assembled)
		}
	}

	applySort(matched, def.Sort)

	total := len(matched)
	page := paginate(matched, def.Offset, def.Limit)

	return EvaluationResult{
		Nodes:       page,
		TotalCount:  total,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

func paginate(nodes []store.AssembledNode, offset, limit int) []store.AssembledNode {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(nodes) {
		return []store.AssembledNode{}
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	end := len(nodes)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return nodes[offset:end]
}

// evalState threads the reader and a per-Evaluate-call memoization cache
// for supertag inheritance resolution through the recursive filter matcher.
type evalState struct {
	ctx    context.Context
	reader store.Reader

	// inheritance[supertagSystemID] is the set of system ids (the supertag
	// itself plus every transitive descendant) that satisfy an
	// include_inherited match against supertagSystemID. Built once per
	// target per Evaluate call, not once per node.
	inheritance map[string]map[string]bool
}

func matchFilter(es *evalState, f Filter, n store.AssembledNode) (bool, error) {
	if f == nil {
		return true, nil
	}
	switch t := f.(type) {
	case SupertagFilter:
		if !t.IncludeInherited {
			for _, tag := range n.Supertags {
				if tag.SystemID == t.SupertagSystemID {
					return true, nil
				}
			}
			return false, nil
		}
		matching, err := es.inheritedSupertagSet(t.SupertagSystemID)
		if err != nil {
			return false, err
		}
		for _, tag := range n.Supertags {
			if matching[tag.SystemID] {
				return true, nil
			}
		}
		return false, nil

	case ContentFilter:
		needle := strings.TrimSpace(t.Query)
		if needle == "" {
			return true, nil
		}
		if t.CaseSensitive {
			return strings.Contains(n.Content, needle), nil
		}
		return strings.Contains(strings.ToLower(n.Content), strings.ToLower(needle)), nil

	case HasFieldFilter:
		values, ok := fieldValues(n, t.FieldSystemID)
		has := ok && len(values) > 0
		if t.Negate {
			return !has, nil
		}
		return has, nil

	case PropertyFilter:
		return matchProperty(n, t), nil

	case TemporalFilter:
		return matchTemporal(n, t), nil

	case RelationFilter:
		return matchRelation(es, n, t)

	case AndFilter:
		for _, child := range t.Filters {
			ok, err := matchFilter(es, child, n)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case OrFilter:
		// An empty disjunction is a passthrough, same as an empty AndFilter:
		// no children means no constraint, not "nothing matches".
		if len(t.Filters) == 0 {
			return true, nil
		}
		for _, child := range t.Filters {
			ok, err := matchFilter(es, child, n)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case NotFilter:
		// A bare NotFilter negates a single child; composing multiple
		// conditions under a negation is expressed as
		// NotFilter{Filter: AndFilter{Filters: ...}}. A NotFilter with a nil
		// child matches nothing.
		if t.Filter == nil {
			return false, nil
		}
		ok, err := matchFilter(es, t.Filter, n)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, graphcoreerr.Evaluation("unknown filter type %T", f)
	}
}

// inheritedSupertagSet returns the set of supertag system ids that satisfy
// an include_inherited match against target: target itself plus every
// supertag that transitively extends it, walked via field:extends and
// bounded at depth 10 with a visited set so a cyclic supertag graph
// terminates. Results are memoized per Evaluate call since many nodes can
// share the same filter target.
func (es *evalState) inheritedSupertagSet(target string) (map[string]bool, error) {
	if cached, ok := es.inheritance[target]; ok {
		return cached, nil
	}

	result := make(map[string]bool)
	targetNode, err := es.reader.GetNodeBySystemID(es.ctx, target, false)
	if err != nil {
		// Unknown supertag: empty result set.
		es.inheritance[target] = result
		return result, nil
	}
	result[target] = true

	extendsField, err := es.reader.GetNodeBySystemID(es.ctx, model.FieldExtends, false)
	if err != nil {
		es.inheritance[target] = result
		return result, nil
	}
	rows, err := es.reader.ListPropertiesByField(es.ctx, extendsField.ID)
	if err != nil {
		return nil, graphcoreerr.Store(err)
	}

	parentToChildren := make(map[string][]string)
	idToSystemID := map[string]string{targetNode.ID: target}
	for _, p := range rows {
		if p.Value.Kind != model.ValueNodeRef {
			continue
		}
		parentToChildren[p.Value.NodeID] = append(parentToChildren[p.Value.NodeID], p.NodeID)
	}

	const maxDepth = 10
	type queued struct {
		id    string
		depth int
	}
	visited := map[string]bool{targetNode.ID: true}
	queue := []queued{{targetNode.ID, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, childID := range parentToChildren[cur.id] {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			childSystemID, ok := idToSystemID[childID]
			if !ok {
				childNode, err := es.reader.GetNode(es.ctx, childID, false)
				if err != nil {
					continue
				}
				childSystemID = childNode.SystemID
				idToSystemID[childID] = childSystemID
			}
			if childSystemID != "" {
				result[childSystemID] = true
			}
			queue = append(queue, queued{childID, cur.depth + 1})
		}
	}

	es.inheritance[target] = result
	return result, nil
}

func fieldValues(n store.AssembledNode, fieldSystemID string) ([]store.FieldValue, bool) {
	for _, values := range n.Fields {
		if len(values) > 0 && values[0].FieldSystemID == fieldSystemID {
			return values, true
		}
	}
	return nil, false
}

func matchProperty(n store.AssembledNode, f PropertyFilter) bool {
	values, ok := fieldValues(n, f.FieldSystemID)
	if f.Op == OpIsEmpty {
		return !ok || len(values) == 0
	}
	if f.Op == OpIsNotEmpty {
		return ok && len(values) > 0
	}
	if !ok {
		return false
	}
	for _, fv := range values {
		// A single list-valued row counts as multi-valued: the comparison
		// matches if any member matches.
		for _, member := range fv.Value.Values() {
			if matchOne(member, f.Op, f.Value) {
				return true
			}
		}
	}
	return false
}

func matchOne(actual model.Value, op PropertyOp, want interface{}) bool {
	switch op {
	case OpEq, OpNeq:
		eq := valueEquals(actual, want)
		if op == OpEq {
			return eq
		}
		return !eq
	case OpGt, OpGte, OpLt, OpLte:
		an, aok := actual.AsNumber()
		wn, wok := toNumber(want)
		if !aok || !wok {
			return false
		}
		switch op {
		case OpGt:
			return an > wn
		case OpGte:
			return an >= wn
		case OpLt:
			return an < wn
		default:
			return an <= wn
		}
	case OpContains, OpStartsWith, OpEndsWith:
		as, aok := actual.AsString()
		ws, wok := want.(string)
		if !aok || !wok {
			return false
		}
		// Substring operators compare case-insensitively; they are only
		// defined on strings.
		as, ws = strings.ToLower(as), strings.ToLower(ws)
		switch op {
		case OpContains:
			return strings.Contains(as, ws)
		case OpStartsWith:
			return strings.HasPrefix(as, ws)
		default:
			return strings.HasSuffix(as, ws)
		}
	default:
		return false
	}
}

func valueEquals(actual model.Value, want interface{}) bool {
	if ws, ok := want.(string); ok {
		as, aok := actual.AsString()
		return aok && as == ws
	}
	if wn, ok := toNumber(want); ok {
		an, aok := actual.AsNumber()
		return aok && an == wn
	}
	if wb, ok := want.(bool); ok {
		return actual.Kind == model.ValueBool && actual.Bool == wb
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func matchTemporal(n store.AssembledNode, f TemporalFilter) bool {
	var at time.Time
	switch f.Field {
	case TemporalCreatedAt:
		at = time.Unix(0, n.CreatedAt).UTC()
	case TemporalUpdatedAt:
		at = time.Unix(0, n.UpdatedAt).UTC()
	default:
		return false
	}
	switch f.Op {
	case TemporalBefore:
		return at.Before(f.At)
	case TemporalAfter:
		return at.After(f.At)
	case TemporalWithin:
		return !at.Before(f.At) && at.Before(f.Until)
	default:
		return false
	}
}

func matchRelation(es *evalState, n store.AssembledNode, f RelationFilter) (bool, error) {
	switch f.Relation {
	case RelationOwnedBy:
		if f.TargetNodeID == "" {
			return n.OwnerID != "", nil
		}
		return n.OwnerID == f.TargetNodeID, nil

	case RelationChildOf, RelationLinksTo:
		return hasReferenceTo(n, f.FieldSystemID, f.TargetNodeID), nil

	case RelationLinkedFrom:
		if f.TargetNodeID == "" {
			return false, nil
		}
		target, err := es.reader.Assemble(es.ctx, f.TargetNodeID)
		if err != nil {
			return false, nil // dangling target reference; matches nothing
		}
		return hasReferenceTo(target, f.FieldSystemID, n.ID), nil

	default:
		return false, graphcoreerr.Evaluation("unknown relation kind %q", f.Relation)
	}
}

// hasReferenceTo reports whether n carries a NodeRef-valued property equal to
// targetID, looking only at fieldSystemID when given and at every field
// otherwise. An empty targetID matches any reference-shaped value, i.e. a
// value whose text parses as a node identifier.
func hasReferenceTo(n store.AssembledNode, fieldSystemID, targetID string) bool {
	match := func(values []store.FieldValue) bool {
		for _, fv := range values {
			for _, member := range fv.Value.Values() {
				if member.Kind != model.ValueNodeRef {
					continue
				}
				if targetID == "" || member.NodeID == targetID {
					return true
				}
			}
		}
		return false
	}
	if fieldSystemID != "" {
		values, ok := fieldValues(n, fieldSystemID)
		return ok && match(values)
	}
	for _, values := range n.Fields {
		if match(values) {
			return true
		}
	}
	return false
}

func applySort(nodes []store.AssembledNode, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	// One collator per sort pass; collate.Collator is not safe for
	// concurrent use, and Evaluate may run from several timer goroutines.
	coll := collate.New(language.Und, collate.Loose)
	sort.SliceStable(nodes, func(i, j int) bool {
		for _, s := range sorts {
			cmp := compareBy(coll, nodes[i], nodes[j], s)
			if cmp != 0 {
				if s.Direction == SortDescending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
}

// compareBy returns -1/0/1. A node missing the sort key sorts after one
// that has it, regardless of direction. Textual keys compare through the
// collator; numeric and temporal keys are fixed-width strings whose byte
// order is their natural order.
func compareBy(coll *collate.Collator, a, b store.AssembledNode, s Sort) int {
	av, atext, aok := sortValue(a, s)
	bv, btext, bok := sortValue(b, s)
	if !aok && !bok {
		return 0
	}
	if !aok {
		return 1
	}
	if !bok {
		return -1
	}
	if atext && btext {
		return coll.CompareString(av, bv)
	}
	if av < bv {
		return -1
	}
	if av > bv {
		return 1
	}
	return 0
}

func sortValue(n store.AssembledNode, s Sort) (key string, textual, ok bool) {
	switch s.Key {
	case SortByContent:
		return strings.ToLower(n.Content), true, true
	case SortByCreatedAt:
		return timeSortKey(n.CreatedAt), false, true
	case SortByUpdatedAt:
		return timeSortKey(n.UpdatedAt), false, true
	case SortBySystemID:
		if n.SystemID == "" {
			return "", false, false
		}
		return n.SystemID, true, true
	default:
		values, fok := fieldValues(n, s.FieldID)
		if !fok || len(values) == 0 {
			return "", false, false
		}
		if sv, sok := values[0].Value.AsString(); sok {
			return strings.ToLower(sv), true, true
		}
		if nv, nok := values[0].Value.AsNumber(); nok {
			// IEEE-754 bits with the sign bit flipped (all bits inverted for
			// negatives) give a fixed-width key whose byte order is numeric
			// order, fractions and negative values included.
			bits := math.Float64bits(nv)
			if bits&(1<<63) != 0 {
				bits = ^bits
			} else {
				bits |= 1 << 63
			}
			return fmt.Sprintf("%016x", bits), false, true
		}
		return "", false, false
	}
}

// timeSortKey renders a unix-nanos value as a fixed-width, lexicographically
// sortable decimal string so temporal and string sort keys can share one
// comparison path.
func timeSortKey(v int64) string {
	return fmt.Sprintf("%020d", v)
}
