package subscription

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/store/sqlite"
)

func newTestRegistry(t *testing.T, debounce time.Duration) (*sqlite.Store, *events.Bus, *Registry, context.Context) {
	t.Helper()
	ctx := context.Background()
	bus := events.New(nil)
	s, err := sqlite.Open(ctx, ":memory:", bus, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := sqlite.Seed(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg := New(s, bus, debounce, nil)
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })
	return s, bus, reg, ctx
}

func TestSubscribeReceivesAddedOnMatchingCreate(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	deltas := make(chan Delta, 8)
	_, initial, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if initial.TotalCount != 0 {
		t.Fatalf("expected empty initial result, got %d", initial.TotalCount)
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case d := <-deltas:
		if len(d.Added) != 1 {
			t.Fatalf("expected one added node, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delta")
	}
}

func TestSubscribeIgnoresUnrelatedMutation(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "unrelated", SupertagSystemID: model.SupertagCommand}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case d := <-deltas:
		t.Fatalf("expected no delta for unrelated supertag mutation, got %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivering(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	deltas := make(chan Delta, 8)
	id, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	reg.Unsubscribe(id)

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case d := <-deltas:
		t.Fatalf("expected no delta after unsubscribe, got %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetSmartInvalidationFalseForcesBruteForceReevaluation(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)
	reg.SetSmartInvalidation(false)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// An unrelated supertag mutation would normally be filtered out by the
	// invalidation index; in brute-force mode every subscription
	// re-evaluates regardless, but since the result set genuinely does not
	// change, no delta is still delivered (brute force changes *candidacy*,
	// not diff correctness).
	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "unrelated", SupertagSystemID: model.SupertagCommand}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	select {
	case d := <-deltas:
		t.Fatalf("expected no delta since membership didn't change, got %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	select {
	case d := <-deltas:
		if len(d.Added) != 1 {
			t.Fatalf("expected one added node, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delta")
	}
}

func TestSetDebounceMsAppliesToNewScheduling(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)
	reg.SetDebounceMs(50)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case <-deltas:
		t.Fatalf("expected delivery to wait for the new debounce window")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case d := <-deltas:
		if len(d.Added) != 1 {
			t.Fatalf("expected one added node, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for debounced delta")
	}
}

func TestFlushPendingMutationsForcesDebouncedDelivery(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, time.Hour)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case <-deltas:
		t.Fatalf("expected delivery to wait for the debounce window")
	case <-time.After(50 * time.Millisecond):
	}

	reg.FlushPendingMutations(ctx)

	select {
	case d := <-deltas:
		if len(d.Added) != 1 {
			t.Fatalf("expected one added node after flush, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flushed delta")
	}
}

// TestBurstOfCreatesCoalescesIntoOneDelta drives 100 rapid creates through a
// debounced subscription and expects a single callback carrying all 100
// additions.
func TestBurstOfCreatesCoalescesIntoOneDelta(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 50*time.Millisecond)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
			t.Fatalf("create node %d: %v", i, err)
		}
	}

	select {
	case d := <-deltas:
		if len(d.Added) != 100 {
			t.Fatalf("expected one merged delta with 100 additions, got %d", len(d.Added))
		}
		if d.TotalCount != 100 {
			t.Fatalf("expected total count 100, got %d", d.TotalCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for coalesced delta")
	}

	select {
	case d := <-deltas:
		t.Fatalf("expected exactly one callback for the burst, got a second: %+v", d)
	case <-time.After(150 * time.Millisecond):
	}
}

// TestDeltaCarriesSubscriptionIdentityAndEvaluationStamp checks the delta
// envelope fields alongside the membership sets.
func TestDeltaCarriesSubscriptionIdentityAndEvaluationStamp(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	deltas := make(chan Delta, 8)
	id, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "task", SupertagSystemID: model.SupertagTag}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	select {
	case d := <-deltas:
		if d.SubscriptionID != id {
			t.Fatalf("expected subscription id %q, got %q", id, d.SubscriptionID)
		}
		if d.TotalCount != 1 || d.EvaluatedAt.IsZero() {
			t.Fatalf("expected stamped delta, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delta")
	}
}

// TestDiffDistinguishesChangedFromAddedAndRemoved drives one node through
// enter, change, and exit and checks each membership set in turn.
func TestDiffDistinguishesChangedFromAddedAndRemoved(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	deltas := make(chan Delta, 8)
	_, _, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "v1", SupertagSystemID: model.SupertagTag})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	d := <-deltas
	if len(d.Added) != 1 || len(d.Changed) != 0 || len(d.Removed) != 0 {
		t.Fatalf("expected pure addition, got %+v", d)
	}

	if _, err := s.UpdateNodeContent(ctx, n.ID, "v2"); err != nil {
		t.Fatalf("update content: %v", err)
	}
	d = <-deltas
	if len(d.Changed) != 1 || len(d.Added) != 0 || len(d.Removed) != 0 {
		t.Fatalf("expected pure change, got %+v", d)
	}

	if err := s.SoftDeleteNode(ctx, n.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	d = <-deltas
	if len(d.Removed) != 1 || len(d.Added) != 0 || len(d.Changed) != 0 {
		t.Fatalf("expected pure removal, got %+v", d)
	}
}

// TestSmartInvalidationRoutesMemberMutations sets a property outside the
// subscription's filter fingerprint on a node already inside the result set;
// the mutation must still re-evaluate the subscription (the changed set
// includes any mutation of a member, so candidacy has to be a superset of
// what brute force would deliver).
func TestSmartInvalidationRoutesMemberMutations(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	noteField, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Note", SystemID: "field:note"})
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	deltas := make(chan Delta, 8)
	_, _, err = reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagTag},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "member", SupertagSystemID: model.SupertagTag})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	<-deltas // consume the addition

	if _, err := s.SetProperty(ctx, n.ID, noteField.ID, 0, model.NewString("touched")); err != nil {
		t.Fatalf("set note: %v", err)
	}

	select {
	case d := <-deltas:
		if len(d.Changed) != 1 || d.Changed[0].ID != n.ID {
			t.Fatalf("expected the member in the changed set, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for member-mutation delta")
	}
}

// TestExtendsRewiringReevaluatesInheritedQueries rewires a supertag's
// ancestry after nodes already carry it; the inherited-supertag subscription
// must pick the nodes up even though the mutation never touches them.
func TestExtendsRewiringReevaluatesInheritedQueries(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)

	item, err := s.GetNodeBySystemID(ctx, model.SupertagItem, false)
	if err != nil {
		t.Fatalf("get supertag:item: %v", err)
	}
	task, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Task", SystemID: "supertag:task"})
	if err != nil {
		t.Fatalf("create supertag:task: %v", err)
	}
	extendsField, err := s.GetNodeBySystemID(ctx, model.FieldExtends, false)
	if err != nil {
		t.Fatalf("get field:extends: %v", err)
	}

	n, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "write report", SupertagSystemID: "supertag:task"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	deltas := make(chan Delta, 8)
	_, initial, err := reg.Subscribe(ctx, query.QueryDefinition{
		Filter: query.SupertagFilter{SupertagSystemID: model.SupertagItem, IncludeInherited: true},
	}, func(d Delta) { deltas <- d })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if initial.TotalCount != 0 {
		t.Fatalf("expected no members before the rewiring, got %d", initial.TotalCount)
	}

	// supertag:task now extends supertag:item; the tagged node enters the
	// inherited query without any mutation of its own.
	if _, err := s.SetProperty(ctx, task.ID, extendsField.ID, 0, model.NewNodeRef(item.ID)); err != nil {
		t.Fatalf("set extends: %v", err)
	}

	select {
	case d := <-deltas:
		if len(d.Added) != 1 || d.Added[0].ID != n.ID {
			t.Fatalf("expected the tagged node to enter via the new ancestry, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the rewiring delta")
	}
}

// TestSmartInvalidationKeepsResultsFreshUnderRandomMutations drives a
// seeded random mutation stream against a mixed set of subscriptions with
// smart invalidation on, then checks every subscription's live result set
// against a fresh evaluation. Any candidacy gap in the invalidation index
// shows up here as a stale result set.
func TestSmartInvalidationKeepsResultsFreshUnderRandomMutations(t *testing.T) {
	s, _, reg, ctx := newTestRegistry(t, 0)
	rng := rand.New(rand.NewSource(7))

	parent, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Parent", SystemID: "supertag:parent"})
	if err != nil {
		t.Fatalf("create supertag:parent: %v", err)
	}
	childA, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Child A", SystemID: "supertag:child_a"})
	if err != nil {
		t.Fatalf("create supertag:child_a: %v", err)
	}
	childB, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Child B", SystemID: "supertag:child_b"})
	if err != nil {
		t.Fatalf("create supertag:child_b: %v", err)
	}
	statusField, err := s.CreateNode(ctx, model.CreateNodeOptions{Content: "Status", SystemID: "field:status"})
	if err != nil {
		t.Fatalf("create field:status: %v", err)
	}
	extendsField, err := s.GetNodeBySystemID(ctx, model.FieldExtends, false)
	if err != nil {
		t.Fatalf("get field:extends: %v", err)
	}

	defs := map[string]query.QueryDefinition{}
	for _, def := range []query.QueryDefinition{
		{Filter: query.SupertagFilter{SupertagSystemID: "supertag:parent", IncludeInherited: true}},
		{Filter: query.SupertagFilter{SupertagSystemID: "supertag:child_a"}},
		{Filter: query.PropertyFilter{FieldSystemID: "field:status", Op: query.OpEq, Value: "done"}},
		{Filter: query.ContentFilter{Query: "alpha"}},
	} {
		id, _, err := reg.Subscribe(ctx, def, func(Delta) {})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defs[id] = def
	}

	tags := []string{"supertag:child_a", "supertag:child_b", "supertag:parent"}
	contents := []string{"alpha one", "beta two", "gamma alpha", "delta"}
	statuses := []string{"done", "open"}
	supertagNodes := []model.Node{childA, childB}

	var nodes []model.Node
	for i := 0; i < 80; i++ {
		switch rng.Intn(10) {
		case 0, 1, 2:
			n, err := s.CreateNode(ctx, model.CreateNodeOptions{
				Content:          contents[rng.Intn(len(contents))],
				SupertagSystemID: tags[rng.Intn(len(tags))],
			})
			if err == nil {
				nodes = append(nodes, n)
			}
		case 3, 4:
			if len(nodes) > 0 {
				n := nodes[rng.Intn(len(nodes))]
				// Errors (a deleted target, for one) are part of the stream.
				_, _ = s.SetProperty(ctx, n.ID, statusField.ID, 0, model.NewString(statuses[rng.Intn(len(statuses))]))
			}
		case 5:
			if len(nodes) > 0 {
				n := nodes[rng.Intn(len(nodes))]
				_, _ = s.UpdateNodeContent(ctx, n.ID, contents[rng.Intn(len(contents))])
			}
		case 6:
			// Rewire or sever a child supertag's ancestry mid-stream.
			child := supertagNodes[rng.Intn(len(supertagNodes))]
			if rng.Intn(2) == 0 {
				_, _ = s.SetProperty(ctx, child.ID, extendsField.ID, 0, model.NewNodeRef(parent.ID))
			} else {
				_ = s.ClearProperty(ctx, child.ID, extendsField.ID)
			}
		case 7:
			if len(nodes) > 0 {
				n := nodes[rng.Intn(len(nodes))]
				_ = s.AddSupertag(ctx, n.ID, tags[rng.Intn(len(tags))])
			}
		case 8:
			if len(nodes) > 0 {
				n := nodes[rng.Intn(len(nodes))]
				_ = s.RemoveSupertag(ctx, n.ID, tags[rng.Intn(len(tags))])
			}
		case 9:
			if len(nodes) > 0 && rng.Intn(4) == 0 {
				_ = s.SoftDeleteNode(ctx, nodes[rng.Intn(len(nodes))].ID)
			}
		}
	}

	for id, def := range defs {
		fresh, err := query.Evaluate(ctx, s, def)
		if err != nil {
			t.Fatalf("fresh evaluate: %v", err)
		}
		live, ok := reg.Results(id)
		if !ok {
			t.Fatalf("missing live results for %s", id)
		}
		freshIDs := make(map[string]bool, len(fresh.Nodes))
		for _, n := range fresh.Nodes {
			freshIDs[n.ID] = true
		}
		if len(live) != len(fresh.Nodes) {
			t.Fatalf("subscription %s went stale: live=%d fresh=%d (%+v)", id, len(live), len(fresh.Nodes), def)
		}
		for _, n := range live {
			if !freshIDs[n.ID] {
				t.Fatalf("subscription %s holds node %s a fresh evaluation does not", id, n.ID)
			}
		}
	}
}
