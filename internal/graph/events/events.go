// Package events implements the typed mutation event bus: every write on
// the graph store emits exactly one event, delivered synchronously, in
// order, to every registered listener.
package events

import (
	"time"

	"github.com/graphreactor/core/internal/graph/model"
)

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	NodeCreated     Kind = "node:created"
	NodeUpdated     Kind = "node:updated"
	NodeDeleted     Kind = "node:deleted"
	PropertySet     Kind = "property:set"
	PropertyCleared Kind = "property:cleared"
	SupertagAdded   Kind = "supertag:added"
	SupertagRemoved Kind = "supertag:removed"
)

// Event is the single payload shape emitted by the store. Only the fields
// relevant to Kind are populated; one flat struct beats seven near-identical
// ones for a payload this small.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	NodeID           string
	SystemID         string // node:created
	SupertagSystemID string // node:created, supertag:added/removed

	BeforeContent string // node:updated
	AfterContent  string // node:updated

	FieldSystemID string      // property:set, property:cleared
	Order         int         // property:set
	BeforeValue   model.Value // property:set
	AfterValue    model.Value // property:set
}
