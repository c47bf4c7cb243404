package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/model"
)

func nowNano() int64 { return time.Now().UTC().UnixNano() }

// CreateNode inserts a node and, when a supertag is supplied, then tags it
// through AddSupertag. The two writes are not one transaction: node:created
// is published before the supertag row exists, so a listener that reads the
// node while handling node:created sees it untagged; supertag:added follows.
func (s *Store) CreateNode(ctx context.Context, opts model.CreateNodeOptions) (model.Node, error) {
	if strings.TrimSpace(opts.SystemID) != "" && !looksLikeSystemID(opts.SystemID) {
		return model.Node{}, graphcoreerr.Validation("system id %q is not well-formed", opts.SystemID)
	}

	now := nowNano()
	id := model.NewNodeID()
	n := model.Node{
		ID:           id,
		Content:      opts.Content,
		ContentPlain: strings.ToLower(strings.TrimSpace(opts.Content)),
		SystemID:     opts.SystemID,
		OwnerID:      opts.OwnerID,
		CreatedAt:    time.Unix(0, now).UTC(),
		UpdatedAt:    time.Unix(0, now).UTC(),
	}

	var systemID, ownerID interface{}
	if n.SystemID != "" {
		systemID = n.SystemID
	}
	if n.OwnerID != "" {
		ownerID = n.OwnerID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, content, content_plain, system_id, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.ContentPlain, systemID, ownerID, now, now)
	if err != nil {
		return model.Node{}, graphcoreerr.Store(err)
	}

	s.publish(events.Event{Kind: events.NodeCreated, NodeID: n.ID, SystemID: n.SystemID})

	if opts.SupertagSystemID != "" {
		if err := s.AddSupertag(ctx, n.ID, opts.SupertagSystemID); err != nil {
			return model.Node{}, err
		}
	}

	return n, nil
}

func looksLikeSystemID(id string) bool {
	_, _, ok := model.ParseSystemID(id)
	return ok
}

// UpdateNodeContent rewrites a node's display content and emits
// node:updated with before/after values.
func (s *Store) UpdateNodeContent(ctx context.Context, nodeID, content string) (model.Node, error) {
	before, err := s.GetNode(ctx, nodeID, false)
	if err != nil {
		return model.Node{}, err
	}

	now := nowNano()
	plain := strings.ToLower(strings.TrimSpace(content))
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET content = ?, content_plain = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		content, plain, now, nodeID)
	if err != nil {
		return model.Node{}, graphcoreerr.Store(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Node{}, graphcoreerr.New(graphcoreerr.CodeStore, "node not found: "+nodeID)
	}

	after := before
	after.Content = content
	after.ContentPlain = plain
	after.UpdatedAt = time.Unix(0, now).UTC()

	s.publish(events.Event{
		Kind:          events.NodeUpdated,
		NodeID:        nodeID,
		SystemID:      before.SystemID,
		BeforeContent: before.Content,
		AfterContent:  content,
	})
	return after, nil
}

// SoftDeleteNode marks a node deleted without erasing its row. Idempotent:
// deleting an already-deleted node is a no-op that emits nothing.
func (s *Store) SoftDeleteNode(ctx context.Context, nodeID string) error {
	now := nowNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, nodeID)
	if err != nil {
		return graphcoreerr.Store(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil
	}
	s.publish(events.Event{Kind: events.NodeDeleted, NodeID: nodeID})
	return nil
}

// PurgeNode hard-deletes a node and its properties. It does not emit an
// event: purge is an administrative operation outside the reactive model;
// purged nodes simply stop existing for subscriptions on their next
// re-evaluation.
func (s *Store) PurgeNode(ctx context.Context, nodeID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return graphcoreerr.Store(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_properties WHERE node_id = ? OR field_node_id = ?`, nodeID, nodeID); err != nil {
		return graphcoreerr.Store(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, nodeID); err != nil {
		return graphcoreerr.Store(err)
	}
	if err := tx.Commit(); err != nil {
		return graphcoreerr.Store(err)
	}
	return nil
}

// SetProperty upserts the value at (node, field-node, order), replacing
// whatever value previously lived there. It always emits property:set, even
// when the new value equals the old one; redundant re-evaluations are the
// batch scheduler's problem, not the store's.
func (s *Store) SetProperty(ctx context.Context, nodeID, fieldNodeID string, order int, value model.Value) (model.Property, error) {
	if err := s.checkPropertyWrite(ctx, nodeID, fieldNodeID); err != nil {
		return model.Property{}, err
	}

	before, _ := s.findProperty(ctx, nodeID, fieldNodeID, order)

	prop, err := s.upsertPropertyRow(ctx, nodeID, fieldNodeID, order, value)
	if err != nil {
		return model.Property{}, err
	}

	var beforeValue model.Value
	if before.ID != 0 {
		beforeValue = before.Value
	} else {
		beforeValue = model.NewNull()
	}

	s.publish(events.Event{
		Kind:          events.PropertySet,
		NodeID:        nodeID,
		FieldSystemID: prop.FieldSystemID,
		Order:         order,
		BeforeValue:   beforeValue,
		AfterValue:    prop.Value,
	})
	return prop, nil
}

// checkPropertyWrite enforces the structural invariants on property writes:
// the target node must exist and be live, and the field-node must exist.
// Violations fail before any row is touched and no event is emitted.
func (s *Store) checkPropertyWrite(ctx context.Context, nodeID, fieldNodeID string) error {
	if _, err := s.GetNode(ctx, nodeID, false); err != nil {
		return graphcoreerr.Validation("property write target %q is missing or deleted", nodeID)
	}
	if _, err := s.GetNode(ctx, fieldNodeID, false); err != nil {
		return graphcoreerr.Validation("unknown field node %q", fieldNodeID)
	}
	return nil
}

// upsertPropertyRow writes the row for (node, field-node, order) without
// emitting any event; callers own the event contract.
func (s *Store) upsertPropertyRow(ctx context.Context, nodeID, fieldNodeID string, order int, value model.Value) (model.Property, error) {
	encoded, err := value.Encode()
	if err != nil {
		return model.Property{}, graphcoreerr.Validation("encode property value: %v", err)
	}
	now := nowNano()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_properties (node_id, field_node_id, value, "order", created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, field_node_id, "order")
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		nodeID, fieldNodeID, encoded, order, now, now)
	if err != nil {
		return model.Property{}, graphcoreerr.Store(err)
	}
	return s.findProperty(ctx, nodeID, fieldNodeID, order)
}

// AddPropertyValue appends a new value after the current highest order for
// (node, field-node), implementing multi-valued fields.
func (s *Store) AddPropertyValue(ctx context.Context, nodeID, fieldNodeID string, value model.Value) (model.Property, error) {
	next, err := s.nextOrder(ctx, nodeID, fieldNodeID)
	if err != nil {
		return model.Property{}, err
	}
	return s.SetProperty(ctx, nodeID, fieldNodeID, next, value)
}

func (s *Store) nextOrder(ctx context.Context, nodeID, fieldNodeID string) (int, error) {
	var maxOrder sql.NullInt64
	if err := s.db.GetContext(ctx, &maxOrder, `
		SELECT MAX("order") FROM node_properties WHERE node_id = ? AND field_node_id = ?`,
		nodeID, fieldNodeID); err != nil {
		return 0, graphcoreerr.Store(err)
	}
	if maxOrder.Valid {
		return int(maxOrder.Int64) + 1, nil
	}
	return 0, nil
}

// ClearProperty removes every row for a field-node on a node.
func (s *Store) ClearProperty(ctx context.Context, nodeID, fieldNodeID string) error {
	fieldSystemID, _ := s.lookupNodeSystemID(ctx, fieldNodeID)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM node_properties WHERE node_id = ? AND field_node_id = ?`,
		nodeID, fieldNodeID)
	if err != nil {
		return graphcoreerr.Store(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}

	s.publish(events.Event{
		Kind:          events.PropertyCleared,
		NodeID:        nodeID,
		FieldSystemID: fieldSystemID,
	})
	return nil
}

// AddSupertag tags nodeID with the supertag identified by supertagSystemID.
// A node already carrying that supertag is left untouched.
func (s *Store) AddSupertag(ctx context.Context, nodeID, supertagSystemID string) error {
	fieldNode, err := s.GetNodeBySystemID(ctx, model.FieldSupertag, false)
	if err != nil {
		return err
	}
	supertagNode, err := s.GetNodeBySystemID(ctx, supertagSystemID, false)
	if err != nil {
		return err
	}

	existing, err := s.ListProperties(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p.FieldNodeID == fieldNode.ID && p.Value.NodeID == supertagNode.ID {
			return nil
		}
	}

	if err := s.checkPropertyWrite(ctx, nodeID, fieldNode.ID); err != nil {
		return err
	}
	next, err := s.nextOrder(ctx, nodeID, fieldNode.ID)
	if err != nil {
		return err
	}
	// The row is written without going through SetProperty so the mutation
	// emits exactly one event, the semantically named supertag:added, rather
	// than a property:set plus a supertag:added pair.
	if _, err := s.upsertPropertyRow(ctx, nodeID, fieldNode.ID, next, model.NewNodeRef(supertagNode.ID)); err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.SupertagAdded, NodeID: nodeID, SupertagSystemID: supertagSystemID})
	return nil
}

// RemoveSupertag untags nodeID. Removing a supertag the node doesn't carry
// is a no-op.
func (s *Store) RemoveSupertag(ctx context.Context, nodeID, supertagSystemID string) error {
	fieldNode, err := s.GetNodeBySystemID(ctx, model.FieldSupertag, false)
	if err != nil {
		return err
	}
	supertagNode, err := s.GetNodeBySystemID(ctx, supertagSystemID, false)
	if err != nil {
		return err
	}

	existing, err := s.ListProperties(ctx, nodeID)
	if err != nil {
		return err
	}
	var target *model.Property
	for i := range existing {
		if existing[i].FieldNodeID == fieldNode.ID && existing[i].Value.NodeID == supertagNode.ID {
			target = &existing[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_properties WHERE id = ?`, target.ID); err != nil {
		return graphcoreerr.Store(err)
	}
	s.publish(events.Event{Kind: events.SupertagRemoved, NodeID: nodeID, SupertagSystemID: supertagSystemID})
	return nil
}

func (s *Store) findProperty(ctx context.Context, nodeID, fieldNodeID string, order int) (model.Property, error) {
	var row propertyRow
	query := propertySelect + ` WHERE p.node_id = ? AND p.field_node_id = ? AND p."order" = ?`
	if err := s.db.GetContext(ctx, &row, query, nodeID, fieldNodeID, order); err != nil {
		return model.Property{}, graphcoreerr.Store(err)
	}
	return row.toProperty(), nil
}

func (s *Store) lookupNodeSystemID(ctx context.Context, nodeID string) (string, error) {
	var systemID sql.NullString
	if err := s.db.GetContext(ctx, &systemID, `SELECT system_id FROM nodes WHERE id = ?`, nodeID); err != nil {
		return "", graphcoreerr.Store(err)
	}
	return systemID.String, nil
}
