package sqlite

import (
	"context"

	"github.com/graphreactor/core/internal/graph/model"
)

type seedNode struct {
	systemID string
	content  string
	extends  string // systemID of field:extends target, "" for none
}

// bootstrapNodes is the fixed set of field- and supertag-nodes every graph
// needs before any user content can be stored: the
// meta-fields that make supertags and inheritance possible, and the root
// entity supertags built on top of them.
var bootstrapNodes = []seedNode{
	{systemID: model.FieldSupertag, content: "Supertag"},
	{systemID: model.FieldExtends, content: "Extends"},
	{systemID: model.FieldFieldType, content: "Field type"},
	{systemID: model.FieldDefinition, content: "Definition"},

	{systemID: model.SupertagSupertag, content: "Supertag"},
	{systemID: model.SupertagField, content: "Field"},
	{systemID: model.SupertagSystem, content: "System"},

	{systemID: model.SupertagItem, content: "Item"},
	{systemID: model.SupertagTag, content: "Tag", extends: model.SupertagItem},
	{systemID: model.SupertagCommand, content: "Command", extends: model.SupertagItem},

	{systemID: model.SupertagAutomation, content: "Automation", extends: model.SupertagItem},
	{systemID: model.SupertagComputedField, content: "Computed field", extends: model.SupertagItem},
}

// Seed idempotently installs the bootstrap node set, looking up each system
// id before inserting so it is safe to call on every process start.
func Seed(ctx context.Context, s *Store) error {
	for _, n := range bootstrapNodes {
		if _, err := s.GetNodeBySystemID(ctx, n.systemID, true); err == nil {
			continue
		}
		if _, err := s.CreateNode(ctx, model.CreateNodeOptions{
			Content:  n.content,
			SystemID: n.systemID,
		}); err != nil {
			return err
		}
	}

	extendsField, err := s.GetNodeBySystemID(ctx, model.FieldExtends, true)
	if err != nil {
		return err
	}

	for _, n := range bootstrapNodes {
		if n.extends == "" {
			continue
		}
		self, err := s.GetNodeBySystemID(ctx, n.systemID, true)
		if err != nil {
			return err
		}
		if s.hasExtends(ctx, self.ID, extendsField.ID) {
			continue
		}
		parent, err := s.GetNodeBySystemID(ctx, n.extends, true)
		if err != nil {
			return err
		}
		if _, err := s.SetProperty(ctx, self.ID, extendsField.ID, 0, model.NewNodeRef(parent.ID)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) hasExtends(ctx context.Context, nodeID, extendsFieldID string) bool {
	_, err := s.findProperty(ctx, nodeID, extendsFieldID, 0)
	return err == nil
}
