package subscription

import (
	"time"

	"github.com/graphreactor/core/internal/graph/store"
)

// Delta is the membership change between two evaluations of the same live
// query, stamped with the subscription it belongs to and the evaluation
// that produced it.
type Delta struct {
	SubscriptionID string
	Added          []store.AssembledNode
	Removed        []store.AssembledNode
	Changed        []store.AssembledNode
	TotalCount     int
	EvaluatedAt    time.Time
}

// IsEmpty reports whether the delta carries no change at all, which is the
// signal a subscriber's OnChange callback should not be invoked.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// computeDelta compares prev and next result sets, keyed by node id.
// A node present in both but structurally different lands in Changed; pure
// reordering without content change produces an empty delta.
func computeDelta(prev, next []store.AssembledNode) Delta {
	prevByID := make(map[string]store.AssembledNode, len(prev))
	for _, n := range prev {
		prevByID[n.ID] = n
	}
	nextByID := make(map[string]store.AssembledNode, len(next))
	for _, n := range next {
		nextByID[n.ID] = n
	}

	var d Delta
	for _, n := range next {
		old, existed := prevByID[n.ID]
		if !existed {
			d.Added = append(d.Added, n)
			continue
		}
		if !store.StructurallyEqual(old, n) {
			d.Changed = append(d.Changed, n)
		}
	}
	for _, n := range prev {
		if _, stillPresent := nextByID[n.ID]; !stillPresent {
			d.Removed = append(d.Removed, n)
		}
	}
	return d
}
