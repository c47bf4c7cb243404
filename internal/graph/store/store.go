// Package store defines the narrow read/write surface the evaluator and
// every reactive component depend on. The evaluator never talks to a
// physical store directly, only to this interface.
package store

import (
	"context"

	"github.com/graphreactor/core/internal/graph/model"
)

// Reader is the read surface of the graph store.
type Reader interface {
	// GetNode fetches a node by identifier. includeDeleted controls
	// whether a soft-deleted node is still returned.
	GetNode(ctx context.Context, id string, includeDeleted bool) (model.Node, error)
	// GetNodeBySystemID fetches a node by its unique system identifier.
	GetNodeBySystemID(ctx context.Context, systemID string, includeDeleted bool) (model.Node, error)
	// ListLiveNodeIDs enumerates all non-soft-deleted node identifiers.
	ListLiveNodeIDs(ctx context.Context) ([]string, error)
	// ListProperties enumerates a node's properties ordered by their order
	// value, then by insertion.
	ListProperties(ctx context.Context, nodeID string) ([]model.Property, error)
	// ListPropertiesByField enumerates every property row across all nodes
	// for a given field-node, required by the evaluator for supertag
	// inheritance resolution.
	ListPropertiesByField(ctx context.Context, fieldNodeID string) ([]model.Property, error)
	// Assemble resolves a node's content, supertags, and field map.
	Assemble(ctx context.Context, nodeID string) (AssembledNode, error)
	// AssembleWithInheritance additionally merges default values supplied
	// by the node's supertags and their ancestors, shallower supertags
	// winning over deeper ones.
	AssembleWithInheritance(ctx context.Context, nodeID string) (AssembledNode, error)
}

// Writer is the write surface of the graph store. A method that changes the
// graph emits one matching event to the injected bus before returning
// success, with these exceptions: CreateNode with a SupertagSystemID emits
// node:created followed by supertag:added; PurgeNode emits no event; a call
// that changes nothing (deleting an already-deleted node, clearing a field
// with no rows, adding a supertag already present, removing one that is
// absent) emits nothing.
type Writer interface {
	CreateNode(ctx context.Context, opts model.CreateNodeOptions) (model.Node, error)
	UpdateNodeContent(ctx context.Context, nodeID, content string) (model.Node, error)
	SoftDeleteNode(ctx context.Context, nodeID string) error
	PurgeNode(ctx context.Context, nodeID string) error

	// SetProperty upserts by (node, field-node, order).
	SetProperty(ctx context.Context, nodeID, fieldNodeID string, order int, value model.Value) (model.Property, error)
	// AddPropertyValue appends with order = max(existing)+1.
	AddPropertyValue(ctx context.Context, nodeID, fieldNodeID string, value model.Value) (model.Property, error)
	// ClearProperty removes every row for a field-node on a node.
	ClearProperty(ctx context.Context, nodeID, fieldNodeID string) error

	AddSupertag(ctx context.Context, nodeID, supertagSystemID string) error
	RemoveSupertag(ctx context.Context, nodeID, supertagSystemID string) error
}

// Store is the full graph store surface.
type Store interface {
	Reader
	Writer
}

// FieldValue is one row of an assembled node's field map.
type FieldValue struct {
	Value         model.Value
	RawValue      string
	FieldNodeID   string
	FieldSystemID string
	Order         int
}

// AssembledNode is the resolved view of a node returned by Assemble: its
// content, its resolved supertags, and a map keyed by field content name.
type AssembledNode struct {
	ID        string
	Content   string
	SystemID  string
	OwnerID   string
	CreatedAt int64 // unix nanos, for cheap structural comparison
	UpdatedAt int64
	Supertags []model.Supertag
	Fields    map[string][]FieldValue
}

// StructurallyEqual reports whether two assembled views of (presumably) the
// same node are identical in every field the subscription diff engine cares
// about. Used to decide whether a node belongs in a delta's "changed" set.
func StructurallyEqual(a, b AssembledNode) bool {
	if a.ID != b.ID || a.Content != b.Content || a.SystemID != b.SystemID ||
		a.OwnerID != b.OwnerID || a.UpdatedAt != b.UpdatedAt {
		return false
	}
	if len(a.Supertags) != len(b.Supertags) {
		return false
	}
	for i := range a.Supertags {
		if a.Supertags[i] != b.Supertags[i] {
			return false
		}
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for key, av := range a.Fields {
		bv, ok := b.Fields[key]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i].RawValue != bv[i].RawValue || av[i].Order != bv[i].Order ||
				av[i].FieldSystemID != bv[i].FieldSystemID {
				return false
			}
		}
	}
	return true
}
