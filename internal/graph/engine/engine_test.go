package engine

import (
	"context"
	"testing"
	"time"

	"github.com/graphreactor/core/internal/graph/automation"
	"github.com/graphreactor/core/internal/graph/config"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/subscription"
)

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DBPath = ":memory:"
	cfg.MetricsEnabled = false

	eng, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, ctx
}

// TestEngineWiresStartableComponents starts and stops an Engine with no
// registered content, checking every long-running component comes up and
// down cleanly as a unit.
func TestEngineWiresStartableComponents(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	descriptors := eng.Descriptors()
	if len(descriptors) != 4 {
		t.Fatalf("expected 4 descriptor-advertising services, got %d", len(descriptors))
	}
}

// TestAutoCompleteTimestampScenario drives the full stack end to end: an
// automation stamps field:completed_at with the current time the moment a
// task's field:status becomes "done", and a paired exit rule clears it.
func TestAutoCompleteTimestampScenario(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.Store.CreateNode(ctx, model.CreateNodeOptions{
		Content:  "Task",
		SystemID: "supertag:task",
	}); err != nil {
		t.Fatalf("create supertag:task: %v", err)
	}

	statusField, err := eng.Store.CreateNode(ctx, model.CreateNodeOptions{
		Content:  "Status",
		SystemID: "field:status",
	})
	if err != nil {
		t.Fatalf("create field:status: %v", err)
	}
	if _, err := eng.Store.CreateNode(ctx, model.CreateNodeOptions{
		Content:  "Completed at",
		SystemID: "field:completed_at",
	}); err != nil {
		t.Fatalf("create field:completed_at: %v", err)
	}

	runner := eng.Automations
	if _, err := runner.Register(ctx, automation.Definition{
		NodeID:       "test:automation:auto-complete",
		SystemID:     "automation:auto-complete",
		Name:         "Auto-complete timestamp",
		Enabled:      true,
		TriggerEvent: automation.OnEnter,
		Trigger: query.QueryDefinition{
			Filter: query.AndFilter{Filters: []query.Filter{
				query.SupertagFilter{SupertagSystemID: "supertag:task"},
				query.PropertyFilter{FieldSystemID: "field:status", Op: query.OpEq, Value: "done"},
			}},
		},
		Actions: []automation.Action{
			{Kind: automation.ActionSetProperty, FieldSystemID: "field:completed_at", Value: model.NewString("$now")},
		},
	}); err != nil {
		t.Fatalf("register automation: %v", err)
	}

	if _, err := runner.Register(ctx, automation.Definition{
		NodeID:       "test:automation:un-complete",
		SystemID:     "automation:un-complete",
		Name:         "Clear timestamp on exit",
		Enabled:      true,
		TriggerEvent: automation.OnExit,
		Trigger: query.QueryDefinition{
			Filter: query.AndFilter{Filters: []query.Filter{
				query.SupertagFilter{SupertagSystemID: "supertag:task"},
				query.PropertyFilter{FieldSystemID: "field:status", Op: query.OpEq, Value: "done"},
			}},
		},
		Actions: []automation.Action{
			{Kind: automation.ActionSetProperty, FieldSystemID: "field:completed_at", Value: model.NewNull()},
		},
	}); err != nil {
		t.Fatalf("register exit automation: %v", err)
	}

	task, err := eng.Store.CreateNode(ctx, model.CreateNodeOptions{
		Content:          "Ship the release",
		SupertagSystemID: "supertag:task",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	before := time.Now().UTC()
	if _, err := eng.Store.SetProperty(ctx, task.ID, statusField.ID, 0, model.NewString("done")); err != nil {
		t.Fatalf("set status=done: %v", err)
	}
	after := time.Now().UTC()

	assembled, err := eng.Store.Assemble(ctx, task.ID)
	if err != nil {
		t.Fatalf("assemble task: %v", err)
	}
	values, ok := assembled.Fields["Completed at"]
	if !ok || len(values) == 0 {
		t.Fatalf("expected field:completed_at to be set, got fields %#v", assembled.Fields)
	}
	stamped, ok := values[0].Value.AsString()
	if !ok {
		t.Fatalf("completed_at value is not a string: %#v", values[0].Value)
	}
	ts, err := time.Parse(time.RFC3339Nano, stamped)
	if err != nil {
		t.Fatalf("completed_at is not a valid timestamp: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("completed_at %v not between %v and %v", ts, before, after)
	}

	// Flipping the status back takes the task out of the trigger query; the
	// paired onExit rule nulls the stamp.
	if _, err := eng.Store.SetProperty(ctx, task.ID, statusField.ID, 0, model.NewString("pending")); err != nil {
		t.Fatalf("set status=pending: %v", err)
	}
	assembled, err = eng.Store.Assemble(ctx, task.ID)
	if err != nil {
		t.Fatalf("assemble task after exit: %v", err)
	}
	values, ok = assembled.Fields["Completed at"]
	if !ok || len(values) == 0 {
		t.Fatalf("expected field:completed_at to still carry a row, got %#v", assembled.Fields)
	}
	if !values[0].Value.IsNull() {
		t.Fatalf("expected completed_at to be null after exit, got %#v", values[0].Value)
	}
}

// TestSubscribeThroughEngine exercises the convenience passthrough used by
// callers that only import engine and query.
func TestSubscribeThroughEngine(t *testing.T) {
	eng, ctx := newTestEngine(t)

	deltas := make(chan subscription.Delta, 4)
	_, initial, err := eng.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d subscription.Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(initial.Nodes) != 0 {
		t.Fatalf("expected empty initial result, got %d nodes", len(initial.Nodes))
	}

	if _, err := eng.Store.CreateNode(ctx, model.CreateNodeOptions{
		Content:          "a label",
		SupertagSystemID: model.SupertagTag,
	}); err != nil {
		t.Fatalf("create tag node: %v", err)
	}

	select {
	case d := <-deltas:
		if len(d.Added) != 1 {
			t.Fatalf("expected 1 added node, got %d", len(d.Added))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delta")
	}
}
