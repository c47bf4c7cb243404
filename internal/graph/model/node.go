// Package model defines the uniform node/property data model: Node,
// Property, and the tagged Value variant properties carry.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Node is the universal entity. Its kind is determined entirely by
// its supertags; there is no built-in class hierarchy here.
type Node struct {
	ID           string
	Content      string
	ContentPlain string // normalized lowercase, maintained by the store
	SystemID     string // "" when absent
	OwnerID      string // "" when absent
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time // nil when live
}

// IsLive reports whether the node has not been soft-deleted.
func (n Node) IsLive() bool { return n.DeletedAt == nil }

// NewNodeID mints an opaque, monotonically sortable identifier. UUIDv7
// embeds a millisecond timestamp in its high bits, which is what makes
// lexicographic order track creation order well enough for index locality
// without requiring callers to track a separate sequence.
func NewNodeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system entropy source is broken; fall
		// back to a random v4 rather than panic the write path.
		return uuid.NewString()
	}
	return id.String()
}

// Property is a triple (node, field-node, value) with insertion order and
// timestamps. Multi-valued fields use multiple rows distinguished by
// Order.
type Property struct {
	ID            int64
	NodeID        string
	FieldNodeID   string
	FieldSystemID string
	Value         Value
	Order         int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Supertag identifies a node that acts as a type tag, resolved from a
// field:supertag property value into its own node for display purposes.
type Supertag struct {
	ID       string
	SystemID string
	Content  string
}

// CreateNodeOptions configures graph store node creation.
type CreateNodeOptions struct {
	Content            string
	SystemID           string
	OwnerID            string
	SupertagSystemID   string // optional: applied by the store right after the node is inserted
}
