package query

import "github.com/graphreactor/core/internal/graph/model"

// Fingerprint is a subscription's dependency summary: the
// closed set of signals that, if touched by a mutation, could possibly
// change that subscription's result set. It is deliberately permissive:
// over-including a signal only costs an extra re-evaluation, never a missed
// one.
type Fingerprint struct {
	AnyMutation    bool // set when a filter can't be summarized more precisely
	Supertags      map[string]bool
	Fields         map[string]bool
	Relations      map[string]bool // target node ids referenced by relation filters
	ContentFilters bool
	Temporal       bool

	// HasInheritedSupertag is set when any SupertagFilter in the tree has
	// IncludeInherited=true. The fingerprint can't precompute the
	// descendant closure (it has no store access), so any supertag mutation
	// at all is conservatively treated as a candidate signal instead of
	// only exact Supertags membership; the candidate set must stay a
	// superset of what brute-force re-evaluation would find.
	HasInheritedSupertag bool
}

// BuildFingerprint recursively unions the dependency signals of every node
// in def's filter tree.
func BuildFingerprint(def QueryDefinition) Fingerprint {
	fp := Fingerprint{
		Supertags: make(map[string]bool),
		Fields:    make(map[string]bool),
		Relations: make(map[string]bool),
	}
	if def.Filter == nil {
		fp.AnyMutation = true
	}
	collect(def.Filter, &fp)
	for _, s := range def.Sort {
		if s.FieldID != "" {
			fp.Fields[s.FieldID] = true
		}
	}
	return fp
}

func collect(f Filter, fp *Fingerprint) {
	if f == nil {
		return
	}
	switch t := f.(type) {
	case SupertagFilter:
		fp.Supertags[t.SupertagSystemID] = true
		if t.IncludeInherited {
			fp.HasInheritedSupertag = true
		}
	case PropertyFilter:
		fp.Fields[t.FieldSystemID] = true
	case HasFieldFilter:
		fp.Fields[t.FieldSystemID] = true
	case ContentFilter:
		fp.ContentFilters = true
	case TemporalFilter:
		fp.Temporal = true
	case RelationFilter:
		if t.TargetNodeID == "" {
			// "related to anything" can flip on any reference write, so the
			// fingerprint can't narrow further than "every mutation".
			fp.AnyMutation = true
		} else {
			fp.Relations[t.TargetNodeID] = true
		}
		if t.FieldSystemID != "" {
			fp.Fields[t.FieldSystemID] = true
		}
	case AndFilter:
		for _, c := range t.Filters {
			collect(c, fp)
		}
	case OrFilter:
		for _, c := range t.Filters {
			collect(c, fp)
		}
	case NotFilter:
		collect(t.Filter, fp)
	default:
		fp.AnyMutation = true
	}
}

// MutationTouches reports whether the given change signals intersect fp,
// i.e. whether a subscription carrying fp is a re-evaluation candidate for
// a mutation touching these signals. It is intentionally superset-safe: any
// ambiguity resolves to true.
func (fp Fingerprint) MutationTouches(supertag, field string, relationTargets []string, isContentChange, isTemporalChange bool) bool {
	if fp.AnyMutation {
		return true
	}
	if supertag != "" && supertag != "*" {
		if fp.Supertags[supertag] || fp.HasInheritedSupertag {
			return true
		}
	}
	if field != "" && fp.Fields[field] {
		return true
	}
	// A field:extends write rewires the supertag ancestry, which can pull
	// nodes into (or out of) any inherited-supertag query without touching
	// the nodes themselves.
	if field == model.FieldExtends && fp.HasInheritedSupertag {
		return true
	}
	for _, t := range relationTargets {
		if fp.Relations[t] {
			return true
		}
	}
	if isContentChange && fp.ContentFilters {
		return true
	}
	if isTemporalChange && fp.Temporal {
		return true
	}
	// A node creation or deletion can change membership of any supertag or
	// relation-based query even without a matching field touch; callers
	// signal that case by passing supertag == "*".
	if supertag == "*" {
		return len(fp.Supertags) > 0 || fp.HasInheritedSupertag || len(fp.Relations) > 0 || fp.AnyMutation
	}
	return false
}
