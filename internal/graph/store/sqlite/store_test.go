package sqlite

import (
	"context"
	"testing"

	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", events.New(nil), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := Seed(ctx, s); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return s, ctx
}

func TestSeedIsIdempotent(t *testing.T) {
	s, ctx := newTestStore(t)

	if err := Seed(ctx, s); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	n, err := s.GetNodeBySystemID(ctx, model.SupertagTag, false)
	if err != nil {
		t.Fatalf("get supertag:tag: %v", err)
	}
	if n.Content != "Tag" {
		t.Fatalf("expected content %q, got %q", "Tag", n.Content)
	}
}

func TestCreateNodeEmitsEvent(t *testing.T) {
	s, ctx := newTestStore(t)

	var seen []events.Kind
	s.bus.Subscribe(func(ev events.Event) { seen = append(seen, ev.Kind) })

	node, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "hello"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if node.ID == "" {
		t.Fatalf("expected node id to be set")
	}
	if len(seen) != 1 || seen[0] != events.NodeCreated {
		t.Fatalf("expected a single node:created event, got %v", seen)
	}
}

func TestSetPropertyUpsertsAndEmits(t *testing.T) {
	s, ctx := newTestStore(t)

	node, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "hello"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	field, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Priority", SystemID: "field:priority"})
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	if _, err := s.SetProperty(ctx, node.ID, field.ID, 0, model.NewNumber(1)); err != nil {
		t.Fatalf("set property: %v", err)
	}
	if _, err := s.SetProperty(ctx, node.ID, field.ID, 0, model.NewNumber(2)); err != nil {
		t.Fatalf("overwrite property: %v", err)
	}

	props, err := s.ListProperties(ctx, node.ID)
	if err != nil {
		t.Fatalf("list properties: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected exactly one property row, got %d", len(props))
	}
	if got, _ := props[0].Value.AsNumber(); got != 2 {
		t.Fatalf("expected overwritten value 2, got %v", got)
	}
}

func TestAddSupertagIsIdempotentAndAssembles(t *testing.T) {
	s, ctx := newTestStore(t)

	node, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Buy milk"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := s.AddSupertag(ctx, node.ID, model.SupertagTag); err != nil {
		t.Fatalf("add supertag: %v", err)
	}
	if err := s.AddSupertag(ctx, node.ID, model.SupertagTag); err != nil {
		t.Fatalf("add supertag again: %v", err)
	}

	assembled, err := s.Assemble(ctx, node.ID)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(assembled.Supertags) != 1 {
		t.Fatalf("expected exactly one supertag after duplicate add, got %d", len(assembled.Supertags))
	}
	if assembled.Supertags[0].SystemID != model.SupertagTag {
		t.Fatalf("expected supertag:tag, got %q", assembled.Supertags[0].SystemID)
	}

	if err := s.RemoveSupertag(ctx, node.ID, model.SupertagTag); err != nil {
		t.Fatalf("remove supertag: %v", err)
	}
	assembled, err = s.Assemble(ctx, node.ID)
	if err != nil {
		t.Fatalf("re-assemble: %v", err)
	}
	if len(assembled.Supertags) != 0 {
		t.Fatalf("expected supertag removed, got %v", assembled.Supertags)
	}
}

func TestAssembleWithInheritanceMergesAncestorDefaults(t *testing.T) {
	s, ctx := newTestStore(t)

	colorField, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Color", SystemID: "field:color"})
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	if _, err := s.SetProperty(ctx, mustGetSupertag(t, ctx, s, model.SupertagItem).ID, colorField.ID, 0, model.NewString("grey")); err != nil {
		t.Fatalf("set item default: %v", err)
	}

	node, err := s.CreateNode(ctx, model.CreateNodeOptions{
		Content:          "Wash car",
		SupertagSystemID: model.SupertagTag,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	assembled, err := s.AssembleWithInheritance(ctx, node.ID)
	if err != nil {
		t.Fatalf("assemble with inheritance: %v", err)
	}
	values, ok := assembled.Fields["Color"]
	if !ok || len(values) != 1 {
		t.Fatalf("expected inherited Color field, got %v", assembled.Fields)
	}
	if s, _ := values[0].Value.AsString(); s != "grey" {
		t.Fatalf("expected inherited value grey, got %q", s)
	}

	if _, err := s.SetProperty(ctx, node.ID, colorField.ID, 0, model.NewString("red")); err != nil {
		t.Fatalf("set own color: %v", err)
	}
	assembled, err = s.AssembleWithInheritance(ctx, node.ID)
	if err != nil {
		t.Fatalf("re-assemble: %v", err)
	}
	if got, _ := assembled.Fields["Color"][0].Value.AsString(); got != "red" {
		t.Fatalf("expected own value to win over inherited default, got %q", got)
	}
}

func mustGetSupertag(t *testing.T, ctx context.Context, s *Store, systemID string) model.Node {
	t.Helper()
	n, err := s.GetNodeBySystemID(ctx, systemID, false)
	if err != nil {
		t.Fatalf("get supertag %s: %v", systemID, err)
	}
	return n
}
