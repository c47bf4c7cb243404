// Package subscription implements the live query registry: each
// subscription keeps its last evaluated result set and is re-evaluated and
// diffed whenever a mutation's fingerprint could have touched it.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/metrics"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/store"
	"github.com/graphreactor/core/internal/graph/system"
	"github.com/graphreactor/core/pkg/logger"
)

// Listener receives the delta produced by a subscription's re-evaluation.
// It is never called with an empty delta.
type Listener func(Delta)

type entry struct {
	id       string
	def      query.QueryDefinition
	fp       query.Fingerprint
	onChange Listener

	mu      sync.Mutex
	results []store.AssembledNode
	ids     map[string]bool // ids of results, for membership-based invalidation
}

func idSet(nodes []store.AssembledNode) map[string]bool {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	return ids
}

func (e *entry) contains(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids[nodeID]
}

// Registry owns every live subscription and the debounce timers that
// coalesce mutation bursts into a single re-evaluation per window.
type Registry struct {
	reader store.Reader
	bus    *events.Bus
	detach events.Unsubscribe
	log    *logger.Logger

	mu                sync.Mutex
	debounce          time.Duration
	smartInvalidation bool
	subs              map[string]*entry
	pending           map[string]*time.Timer
	nextID            uint64
	closed            bool
}

// New creates a registry backed by reader, listening to bus for mutation
// events. debounce is the coalescing window; zero means re-evaluate
// synchronously on every relevant mutation.
func New(reader store.Reader, bus *events.Bus, debounce time.Duration, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("subscription-registry")
	}
	r := &Registry{
		reader:            reader,
		bus:               bus,
		debounce:          debounce,
		smartInvalidation: true,
		log:               log,
		subs:              make(map[string]*entry),
		pending:           make(map[string]*time.Timer),
	}
	if bus != nil {
		r.detach = bus.Subscribe(r.onEvent)
	}
	return r
}

// Name satisfies system.Service.
func (r *Registry) Name() string { return "subscription-registry" }

// Descriptor satisfies system.DescriptorProvider; the composition root
// places the registry in the reactive layer alongside the invalidation
// index and scheduler it owns.
func (r *Registry) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:  r.Name(),
		Layer: system.LayerReactive,
	}.WithCapabilities("smart-invalidation", "batch-scheduling")
}

// Start satisfies system.Service; the registry has no background loop of
// its own beyond the per-subscription debounce timers, so Start is a no-op.
func (r *Registry) Start(ctx context.Context) error { return nil }

// Stop detaches from the event bus and cancels every pending debounce timer.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.detach != nil {
		r.detach()
	}
	for id, timer := range r.pending {
		timer.Stop()
		delete(r.pending, id)
	}
	return nil
}

// Subscribe evaluates def immediately and registers it for live updates.
// onChange is never called for the initial result. It fires inline on the
// goroutine that published the mutation when debounce is zero, and from a
// timer goroutine otherwise; the registry does not serialize its calls.
func (r *Registry) Subscribe(ctx context.Context, def query.QueryDefinition, onChange Listener) (string, query.EvaluationResult, error) {
	result, err := r.evaluate(ctx, def)
	if err != nil {
		return "", query.EvaluationResult{}, err
	}

	id := r.newID()
	e := &entry{
		id:       id,
		def:      def,
		fp:       query.BuildFingerprint(def),
		onChange: onChange,
		results:  result.Nodes,
		ids:      idSet(result.Nodes),
	}

	r.mu.Lock()
	r.subs[id] = e
	count := len(r.subs)
	r.mu.Unlock()
	metrics.SetActiveSubscriptions(count)

	return id, result, nil
}

// Unsubscribe removes a subscription and cancels any pending re-evaluation
// timer for it.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	if timer, ok := r.pending[id]; ok {
		timer.Stop()
		delete(r.pending, id)
	}
	count := len(r.subs)
	r.mu.Unlock()
	metrics.SetActiveSubscriptions(count)
}

// Results returns the subscription's current live result set, the same
// slice the registry diffs against on the next mutation, without issuing a
// redundant query. Used by derived consumers (the computed-field aggregator)
// that need the full result set alongside a delta.
func (r *Registry) Results(id string) ([]store.AssembledNode, bool) {
	r.mu.Lock()
	e, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results, true
}

// RefreshAll forces an immediate re-evaluation of every subscription,
// bypassing the invalidation index and debounce window. Intended for
// administrative recovery after an out-of-band store change.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.reevaluate(ctx, id)
	}
}

// FlushPendingMutations immediately fires every debounce timer currently
// waiting, instead of letting it expire naturally. Useful for tests and for
// a clean shutdown that wants every listener notified before exit.
func (r *Registry) FlushPendingMutations(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id, timer := range r.pending {
		timer.Stop()
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.reevaluate(ctx, id)
	}
}

// Clear removes every subscription and cancels every pending timer, leaving
// the registry empty but still attached to the bus.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, timer := range r.pending {
		timer.Stop()
	}
	r.subs = make(map[string]*entry)
	r.pending = make(map[string]*time.Timer)
	metrics.SetActiveSubscriptions(0)
}

// SetDebounceMs changes the registry-wide debounce window applied to
// subsequently-scheduled re-evaluations. A subscription with
// a timer already armed keeps firing at its original deadline; only new
// scheduling decisions observe the new window.
func (r *Registry) SetDebounceMs(ms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ms <= 0 {
		r.debounce = 0
		return
	}
	r.debounce = time.Duration(ms) * time.Millisecond
}

// SetSmartInvalidation toggles the invalidation index. Disabling it puts
// the registry into brute-force mode: every mutation re-evaluates every
// subscription, which regression tests lean on to check that the candidate
// set is a superset of what brute force would re-evaluate.
func (r *Registry) SetSmartInvalidation(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.smartInvalidation = enabled
}

func (r *Registry) newID() string {
	n := atomic.AddUint64(&r.nextID, 1)
	return fmt.Sprintf("sub_%d", n)
}

func (r *Registry) evaluate(ctx context.Context, def query.QueryDefinition) (query.EvaluationResult, error) {
	start := time.Now()
	result, err := query.Evaluate(ctx, r.reader, def)
	metrics.RecordEvaluation(err == nil, time.Since(start))
	if err != nil {
		return query.EvaluationResult{}, graphcoreerr.Evaluation("subscription evaluation failed: %v", err)
	}
	return result, nil
}

// onEvent is invoked synchronously by the event bus for every mutation. It
// consults the smart invalidation index and schedules a debounced
// re-evaluation for every subscription whose fingerprint could be affected.
func (r *Registry) onEvent(ev events.Event) {
	supertag, field, relationTargets, isContent, isTemporal := signalsFor(ev)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	bruteForce := !r.smartInvalidation
	var candidates []string
	for id, e := range r.subs {
		// A mutation touching a node already inside the result set is always
		// a candidate signal, whatever the fingerprint says: any change to a
		// member node lands in the delta's "changed" set.
		if bruteForce || e.contains(ev.NodeID) ||
			e.fp.MutationTouches(supertag, field, relationTargets, isContent, isTemporal) {
			candidates = append(candidates, id)
		} else {
			metrics.RecordSkippedEvaluation()
		}
	}
	r.mu.Unlock()

	for _, id := range candidates {
		r.scheduleReevaluate(id)
	}
}

func (r *Registry) scheduleReevaluate(id string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if timer, pending := r.pending[id]; pending {
		// Re-arm: the window closes only once it elapses with no further
		// mutations, so a sustained burst collapses into one re-evaluation
		// after its final event.
		timer.Reset(r.debounce)
		r.mu.Unlock()
		return
	}
	if r.debounce <= 0 {
		r.mu.Unlock()
		r.reevaluate(context.Background(), id)
		return
	}
	r.pending[id] = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.reevaluate(context.Background(), id)
	})
	r.mu.Unlock()
}

func (r *Registry) reevaluate(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	result, err := r.evaluate(ctx, e.def)
	if err != nil {
		r.log.WithError(err).WithField("subscription_id", id).Error("subscription re-evaluation failed")
		return
	}

	e.mu.Lock()
	prev := e.results
	e.results = result.Nodes
	e.ids = idSet(result.Nodes)
	e.mu.Unlock()

	delta := computeDelta(prev, result.Nodes)
	if delta.IsEmpty() {
		return
	}
	delta.SubscriptionID = id
	delta.TotalCount = result.TotalCount
	delta.EvaluatedAt = result.EvaluatedAt
	if e.onChange != nil {
		safeNotify(r.log, id, e.onChange, delta)
	}
}

// safeNotify isolates a panicking listener the same way the event bus does,
// so one broken subscriber cannot take down the registry's dispatch loop.
func safeNotify(log *logger.Logger, id string, fn Listener, delta Delta) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("subscription_id", id).WithField("panic", p).
				Error("subscription listener panicked; isolated")
		}
	}()
	fn(delta)
}

// signalsFor maps a mutation event to the invalidation-index query
// parameters. Node creation/deletion and content updates are
// treated as broad membership/content signals since a brand-new node's
// content can satisfy a ContentFilter before it carries any supertag.
func signalsFor(ev events.Event) (supertag, field string, relationTargets []string, isContent, isTemporal bool) {
	switch ev.Kind {
	case events.NodeCreated:
		return "*", "", []string{ev.NodeID}, true, true
	case events.NodeDeleted:
		return "*", "", []string{ev.NodeID}, false, false
	case events.NodeUpdated:
		return "", "", []string{ev.NodeID}, true, true
	case events.PropertySet, events.PropertyCleared:
		return "", ev.FieldSystemID, []string{ev.NodeID}, false, false
	case events.SupertagAdded, events.SupertagRemoved:
		return ev.SupertagSystemID, "", []string{ev.NodeID}, false, false
	default:
		return "*", "", nil, true, true
	}
}
