package sqlite

import (
	"context"

	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/store"
)

const maxInheritanceDepth = 10

// Assemble resolves a node's own content, its directly assigned supertags,
// and a field map keyed by field content name. It does not consult
// supertag defaults; see AssembleWithInheritance for that.
func (s *Store) Assemble(ctx context.Context, nodeID string) (store.AssembledNode, error) {
	n, err := s.GetNode(ctx, nodeID, false)
	if err != nil {
		return store.AssembledNode{}, err
	}

	props, err := s.listPropertyRows(ctx, nodeID)
	if err != nil {
		return store.AssembledNode{}, err
	}

	out := store.AssembledNode{
		ID:        n.ID,
		Content:   n.Content,
		SystemID:  n.SystemID,
		OwnerID:   n.OwnerID,
		CreatedAt: n.CreatedAt.UnixNano(),
		UpdatedAt: n.UpdatedAt.UnixNano(),
		Fields:    make(map[string][]store.FieldValue),
	}

	for _, row := range props {
		prop := row.toProperty()
		if prop.FieldSystemID == model.FieldSupertag {
			tagNode, err := s.GetNode(ctx, prop.Value.NodeID, true)
			if err != nil {
				continue // dangling reference; skip rather than fail the assemble
			}
			out.Supertags = append(out.Supertags, model.Supertag{
				ID:       tagNode.ID,
				SystemID: tagNode.SystemID,
				Content:  tagNode.Content,
			})
			continue
		}
		key := row.FieldContent.String
		if key == "" {
			key = prop.FieldNodeID
		}
		out.Fields[key] = append(out.Fields[key], store.FieldValue{
			Value:         prop.Value,
			RawValue:      prop.Value.Raw,
			FieldNodeID:   prop.FieldNodeID,
			FieldSystemID: prop.FieldSystemID,
			Order:         prop.Order,
		})
	}

	return out, nil
}

// AssembleWithInheritance additionally merges default field values declared
// on a node's supertags and their field:extends ancestors, walking the
// extends chain breadth-first up to maxInheritanceDepth with a visited set
// to stay cycle-safe. A node's own
// field value always wins over any inherited default; among competing
// defaults the shallowest, earliest-assigned supertag wins.
func (s *Store) AssembleWithInheritance(ctx context.Context, nodeID string) (store.AssembledNode, error) {
	base, err := s.Assemble(ctx, nodeID)
	if err != nil {
		return store.AssembledNode{}, err
	}

	present := make(map[string]bool, len(base.Fields))
	for key := range base.Fields {
		present[key] = true
	}

	// levels[d] holds every supertag's depth-d ancestor in assignment order,
	// so defaults merge one depth at a time across all supertags.
	var levels [][]model.Node
	for _, tag := range base.Supertags {
		chain, err := s.extendsChain(ctx, tag.ID)
		if err != nil {
			return store.AssembledNode{}, err
		}
		for d, ancestor := range chain {
			if d == len(levels) {
				levels = append(levels, nil)
			}
			levels[d] = append(levels[d], ancestor)
		}
	}
	for _, level := range levels {
		for _, ancestor := range level {
			ancestorProps, err := s.listPropertyRows(ctx, ancestor.ID)
			if err != nil {
				return store.AssembledNode{}, err
			}
			for _, row := range ancestorProps {
				prop := row.toProperty()
				if prop.FieldSystemID == model.FieldSupertag || prop.FieldSystemID == model.FieldExtends {
					continue
				}
				key := row.FieldContent.String
				if key == "" {
					key = prop.FieldNodeID
				}
				if present[key] {
					continue
				}
				base.Fields[key] = append(base.Fields[key], store.FieldValue{
					Value:         prop.Value,
					RawValue:      prop.Value.Raw,
					FieldNodeID:   prop.FieldNodeID,
					FieldSystemID: prop.FieldSystemID,
					Order:         prop.Order,
				})
			}
			// A field only becomes "present" (blocking deeper ancestors)
			// once the whole ancestor has been scanned, so a single
			// ancestor can contribute several rows of the same
			// multi-valued field without self-blocking.
			for key := range base.Fields {
				present[key] = true
			}
		}
	}

	return base, nil
}

func (s *Store) listPropertyRows(ctx context.Context, nodeID string) ([]propertyRow, error) {
	var rows []propertyRow
	query := propertySelect + ` WHERE p.node_id = ? ORDER BY p."order" ASC, p.id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, nodeID); err != nil {
		return nil, err
	}
	return rows, nil
}

// extendsChain returns startID's supertag node followed by its field:extends
// ancestors, shallowest first, bounded at maxInheritanceDepth hops and
// guarded against cycles with a visited set. A dangling or missing extends
// reference simply ends the chain rather than erroring.
func (s *Store) extendsChain(ctx context.Context, startID string) ([]model.Node, error) {
	start, err := s.GetNode(ctx, startID, true)
	if err != nil {
		return nil, nil
	}

	chain := []model.Node{start}
	visited := map[string]bool{start.ID: true}
	current := start

	for depth := 0; depth < maxInheritanceDepth; depth++ {
		parentID, ok, err := s.lookupExtends(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if !ok || visited[parentID] {
			break
		}
		parent, err := s.GetNode(ctx, parentID, true)
		if err != nil {
			break
		}
		chain = append(chain, parent)
		visited[parentID] = true
		current = parent
	}
	return chain, nil
}

func (s *Store) lookupExtends(ctx context.Context, supertagNodeID string) (string, bool, error) {
	fieldNode, err := s.GetNodeBySystemID(ctx, model.FieldExtends, true)
	if err != nil {
		return "", false, nil
	}
	row, err := s.findProperty(ctx, supertagNodeID, fieldNode.ID, 0)
	if err != nil {
		return "", false, nil
	}
	if row.Value.Kind != model.ValueNodeRef || row.Value.NodeID == "" {
		return "", false, nil
	}
	return row.Value.NodeID, true, nil
}
