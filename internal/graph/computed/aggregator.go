// Package computed implements the reactive aggregation primitive: a
// computed field owns one subscription over a live query and
// recomputes COUNT/SUM/AVG/MIN/MAX from that subscription's result set on
// every delta, notifying listeners only when the aggregated value actually
// changes.
package computed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/metrics"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/store"
	"github.com/graphreactor/core/internal/graph/subscription"
	"github.com/graphreactor/core/internal/graph/system"
	"github.com/graphreactor/core/pkg/logger"
)

// Kind is the closed set of aggregations a computed field can perform.
type Kind string

const (
	KindCount Kind = "COUNT"
	KindSum   Kind = "SUM"
	KindAvg   Kind = "AVG"
	KindMin   Kind = "MIN"
	KindMax   Kind = "MAX"
)

// Definition is a persisted computed field: an aggregation over a live
// query, optionally over one field of each result.
type Definition struct {
	NodeID        string
	SystemID      string
	Name          string
	Aggregation   Kind
	Query         query.QueryDefinition
	FieldSystemID string
}

type definitionWire struct {
	Name          string          `json:"name"`
	Aggregation   Kind            `json:"aggregation"`
	Query         json.RawMessage `json:"query"`
	FieldSystemID string          `json:"fieldSystemId,omitempty"`
}

// MarshalJSON implements json.Marshaler for persistence on field:definition.
func (d Definition) MarshalJSON() ([]byte, error) {
	queryRaw, err := query.MarshalDefinition(d.Query)
	if err != nil {
		return nil, err
	}
	return json.Marshal(definitionWire{
		Name:          d.Name,
		Aggregation:   d.Aggregation,
		Query:         queryRaw,
		FieldSystemID: d.FieldSystemID,
	})
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var w definitionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	q, err := query.UnmarshalDefinition(w.Query)
	if err != nil {
		return err
	}
	d.Name = w.Name
	d.Aggregation = w.Aggregation
	d.Query = q
	d.FieldSystemID = w.FieldSystemID
	return nil
}

// ValueChange is delivered to a computed field's listeners whenever its
// aggregated value changes (strict inequality; null is distinct from 0).
type ValueChange struct {
	ID        string
	Previous  *float64
	Current   *float64
	ChangedAt time.Time
}

// Listener receives a ValueChange. Panics are isolated the same way
// subscription and event-bus listeners are.
type Listener func(ValueChange)

type field struct {
	def      Definition
	subID    string
	removeFn func()

	mu       sync.Mutex
	value    *float64
	listener map[string]Listener
	nextID   uint64
}

// Aggregator owns every registered computed field and the subscription
// registry it rides on.
type Aggregator struct {
	st       store.Store
	registry *subscription.Registry
	log      *logger.Logger

	mu     sync.Mutex
	fields map[string]*field
	nextID uint64
}

// New creates an Aggregator backed by registry for live evaluation and st
// for persisted-definition lookups.
func New(st store.Store, registry *subscription.Registry, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewDefault("computed-field-aggregator")
	}
	return &Aggregator{
		st:       st,
		registry: registry,
		log:      log,
		fields:   make(map[string]*field),
	}
}

// Name satisfies system.Service.
func (a *Aggregator) Name() string { return "computed-field-aggregator" }

// Descriptor satisfies system.DescriptorProvider.
func (a *Aggregator) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:  a.Name(),
		Layer: system.LayerReactive,
	}.WithCapabilities("aggregation")
}

// Start loads every persisted computed-field definition.
func (a *Aggregator) Start(ctx context.Context) error { return a.Initialize(ctx) }

// Stop unsubscribes every active computed field.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]*field, 0, len(a.fields))
	for _, f := range a.fields {
		ids = append(ids, f)
	}
	a.fields = make(map[string]*field)
	a.mu.Unlock()

	for _, f := range ids {
		a.registry.Unsubscribe(f.subID)
	}
	return nil
}

// Initialize scans live nodes carrying supertag:computed_field and
// registers each one's persisted definition.
func (a *Aggregator) Initialize(ctx context.Context) error {
	ids, err := a.st.ListLiveNodeIDs(ctx)
	if err != nil {
		return graphcoreerr.Store(err)
	}
	for _, id := range ids {
		assembled, err := a.st.Assemble(ctx, id)
		if err != nil {
			continue
		}
		if !hasSupertag(assembled, model.SupertagComputedField) {
			continue
		}
		def, ok, err := decodeDefinition(assembled)
		if err != nil {
			a.log.WithError(err).WithField("node_id", id).Error("invalid computed field definition, skipping")
			continue
		}
		if !ok {
			continue
		}
		def.NodeID = assembled.ID
		def.SystemID = assembled.SystemID
		if _, err := a.Create(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Create registers def, subscribing its query and computing the initial
// value.
func (a *Aggregator) Create(ctx context.Context, def Definition) (string, error) {
	f := &field{def: def, listener: make(map[string]Listener)}

	id := def.NodeID
	if id == "" {
		id = a.newID()
	}

	subID, result, err := a.registry.Subscribe(ctx, def.Query, func(delta subscription.Delta) {
		a.recompute(id, f)
	})
	if err != nil {
		return "", err
	}
	f.subID = subID
	f.value = aggregate(def, result.Nodes)

	a.mu.Lock()
	a.fields[id] = f
	a.mu.Unlock()

	return id, nil
}

// CreateDefinitionNode persists a new computed field as a node carrying
// supertag:computed_field with its definition JSON-encoded onto
// field:definition, so a restarted process can recover it via Initialize.
func (a *Aggregator) CreateDefinitionNode(ctx context.Context, content string, def Definition) (model.Node, error) {
	payload, err := json.Marshal(def)
	if err != nil {
		return model.Node{}, graphcoreerr.Validation("encode computed field definition: %v", err)
	}

	n, err := a.st.CreateNode(ctx, model.CreateNodeOptions{
		Content:          content,
		SupertagSystemID: model.SupertagComputedField,
	})
	if err != nil {
		return model.Node{}, err
	}

	fieldNode, err := a.st.GetNodeBySystemID(ctx, model.FieldDefinition, false)
	if err != nil {
		return model.Node{}, err
	}
	if _, err := a.st.SetProperty(ctx, n.ID, fieldNode.ID, 0, model.NewString(string(payload))); err != nil {
		return model.Node{}, err
	}
	return n, nil
}

// GetValue returns the current aggregated value, or (nil, false) if id is
// not registered. A nil *float64 with ok=true means the aggregate domain is
// currently empty.
func (a *Aggregator) GetValue(id string) (*float64, bool) {
	a.mu.Lock()
	f, ok := a.fields[id]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, true
}

// OnValueChange registers a listener for id's value changes, returning an
// unsubscribe function.
func (a *Aggregator) OnValueChange(id string, l Listener) (func(), error) {
	a.mu.Lock()
	f, ok := a.fields[id]
	a.mu.Unlock()
	if !ok {
		return nil, graphcoreerr.Validation("no computed field registered with id %q", id)
	}

	f.mu.Lock()
	f.nextID++
	listenerID := f.nextID
	key := itoa(listenerID)
	f.listener[key] = l
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listener, key)
		f.mu.Unlock()
	}, nil
}

// Recompute forces an immediate recompute of id from its subscription's
// current result set.
func (a *Aggregator) Recompute(id string) error {
	a.mu.Lock()
	f, ok := a.fields[id]
	a.mu.Unlock()
	if !ok {
		return graphcoreerr.Validation("no computed field registered with id %q", id)
	}
	a.recompute(id, f)
	return nil
}

// Delete unsubscribes and removes a computed field.
func (a *Aggregator) Delete(id string) {
	a.mu.Lock()
	f, ok := a.fields[id]
	delete(a.fields, id)
	a.mu.Unlock()
	if ok {
		a.registry.Unsubscribe(f.subID)
	}
}

// Clear removes every registered computed field.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	fields := a.fields
	a.fields = make(map[string]*field)
	a.mu.Unlock()
	for _, f := range fields {
		a.registry.Unsubscribe(f.subID)
	}
}

func (a *Aggregator) recompute(id string, f *field) {
	results, ok := a.registry.Results(f.subID)
	if !ok {
		return
	}
	next := aggregate(f.def, results)

	f.mu.Lock()
	prev := f.value
	changed := !floatPtrEqual(prev, next)
	if changed {
		f.value = next
	}
	listeners := make([]Listener, 0, len(f.listener))
	for _, l := range f.listener {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	if !changed {
		return
	}
	metrics.RecordComputedFieldUpdate(f.def.SystemID)
	change := ValueChange{ID: id, Previous: prev, Current: next, ChangedAt: time.Now().UTC()}
	for _, l := range listeners {
		safeNotify(a.log, id, l, change)
	}
}

func (a *Aggregator) newID() string {
	a.nextID++
	return "computed_" + itoa(a.nextID)
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func safeNotify(log *logger.Logger, id string, fn Listener, change ValueChange) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("computed_field_id", id).WithField("panic", p).
				Error("computed field listener panicked; isolated")
		}
	}()
	fn(change)
}

// floatPtrEqual reports whether a and b represent the same aggregate value,
// treating nil (empty domain) as distinct from any numeric value including
// zero.
func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// aggregate computes def's aggregation over results. SUM/AVG/MIN/MAX skip
// values that don't parse as numbers; an empty domain yields nil.
func aggregate(def Definition, results []store.AssembledNode) *float64 {
	if def.Aggregation == KindCount {
		v := float64(len(results))
		return &v
	}

	values := numericValues(def.FieldSystemID, results)
	if len(values) == 0 {
		return nil
	}

	switch def.Aggregation {
	case KindSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return &sum
	case KindAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		avg := sum / float64(len(values))
		return &avg
	case KindMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return &m
	case KindMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return &m
	default:
		return nil
	}
}

func numericValues(fieldSystemID string, results []store.AssembledNode) []float64 {
	if fieldSystemID == "" {
		return nil
	}
	var out []float64
	for _, n := range results {
		for _, values := range n.Fields {
			if len(values) == 0 || values[0].FieldSystemID != fieldSystemID {
				continue
			}
			for _, fv := range values {
				if n, ok := fv.Value.AsNumber(); ok {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

func hasSupertag(n store.AssembledNode, systemID string) bool {
	for _, tag := range n.Supertags {
		if tag.SystemID == systemID {
			return true
		}
	}
	return false
}

func decodeDefinition(n store.AssembledNode) (Definition, bool, error) {
	values, ok := fieldBySystemID(n, model.FieldDefinition)
	if !ok || len(values) == 0 {
		return Definition{}, false, nil
	}
	raw, ok := values[0].Value.AsString()
	if !ok {
		return Definition{}, false, graphcoreerr.Validation("field:definition value is not a string")
	}
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return Definition{}, false, err
	}
	return def, true, nil
}

func fieldBySystemID(n store.AssembledNode, fieldSystemID string) ([]store.FieldValue, bool) {
	for _, values := range n.Fields {
		if len(values) > 0 && values[0].FieldSystemID == fieldSystemID {
			return values, true
		}
	}
	return nil, false
}
