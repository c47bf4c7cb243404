// Package automation implements declarative trigger-to-action rules: a
// rule subscribes to a live query and, for every node that enters, leaves or
// changes within its result set, runs a fixed sequence of store mutations,
// bounded to a small re-entrant depth so one rule cannot drive another into
// an infinite cycle.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/metrics"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/store"
	"github.com/graphreactor/core/internal/graph/subscription"
	"github.com/graphreactor/core/internal/graph/system"
	"github.com/graphreactor/core/internal/graph/webhook"
	"github.com/graphreactor/core/pkg/logger"
)

// ActionKind is the closed set of effects an automation rule can perform.
type ActionKind string

const (
	ActionSetProperty    ActionKind = "set_property"
	ActionClearProperty  ActionKind = "clear_property"
	ActionAddSupertag    ActionKind = "add_supertag"
	ActionRemoveSupertag ActionKind = "remove_supertag"
	ActionWebhook        ActionKind = "webhook"
)

// TriggerEvent is the closed set of membership-delta classes an automation
// can fire on.
type TriggerEvent string

const (
	OnEnter  TriggerEvent = "onEnter"
	OnExit   TriggerEvent = "onExit"
	OnChange TriggerEvent = "onChange"
)

// nowSentinel is the literal property value an action author writes to mean
// "the time this action ran", resolved at execution time.
const nowSentinel = "$now"

var errNoWebhookQueue = errors.New("automation: webhook action used but no webhook queue configured")

// Action is one step of a rule's fixed action sequence. Kind selects which
// fields apply; the rest are zero for kinds that don't use them.
type Action struct {
	Kind             ActionKind        `json:"kind"`
	FieldSystemID    string            `json:"fieldSystemId,omitempty"`
	Value            model.Value       `json:"value,omitempty"`
	SupertagSystemID string            `json:"supertagSystemId,omitempty"`
	WebhookURL       string            `json:"webhookUrl,omitempty"`
	WebhookMethod    string            `json:"webhookMethod,omitempty"` // GET, POST, PUT; default POST
	WebhookHeaders   map[string]string `json:"webhookHeaders,omitempty"`
	WebhookBody      string            `json:"webhookBody,omitempty"`
}

// Definition is a persisted automation rule: a trigger query plus the
// actions to run for every node crossing the trigger's event class within
// that query's live result set.
type Definition struct {
	NodeID       string
	SystemID     string
	Name         string
	Enabled      bool
	Trigger      query.QueryDefinition
	TriggerEvent TriggerEvent
	Actions      []Action
	MaxCycles    int
}

// definitionWire is Definition's JSON wire shape. Trigger is encoded via
// query.MarshalDefinition/UnmarshalDefinition since QueryDefinition.Filter
// is an interface and can't round-trip through plain struct tags.
type definitionWire struct {
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Trigger      json.RawMessage `json:"trigger"`
	TriggerEvent TriggerEvent    `json:"triggerEvent"`
	Actions      []Action        `json:"actions"`
	MaxCycles    int             `json:"maxCycles,omitempty"`
}

// MarshalJSON implements json.Marshaler for persistence on field:definition.
func (d Definition) MarshalJSON() ([]byte, error) {
	triggerRaw, err := query.MarshalDefinition(d.Trigger)
	if err != nil {
		return nil, err
	}
	return json.Marshal(definitionWire{
		Name:         d.Name,
		Enabled:      d.Enabled,
		Trigger:      triggerRaw,
		TriggerEvent: d.TriggerEvent,
		Actions:      d.Actions,
		MaxCycles:    d.MaxCycles,
	})
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var w definitionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	trigger, err := query.UnmarshalDefinition(w.Trigger)
	if err != nil {
		return err
	}
	d.Name = w.Name
	d.Enabled = w.Enabled
	d.Trigger = trigger
	d.TriggerEvent = w.TriggerEvent
	if d.TriggerEvent == "" {
		d.TriggerEvent = OnEnter
	}
	d.Actions = w.Actions
	d.MaxCycles = w.MaxCycles
	return nil
}

const defaultMaxDepth = 8

// Runner owns every registered automation rule and enforces the global
// cycle-depth limit across all of them: a rule's actions can trigger a
// mutation that re-enters the same or a different rule on the same
// synchronous call stack, and the depth counter bounds that recursion.
type Runner struct {
	st       store.Store
	registry *subscription.Registry
	webhooks *webhook.Queue
	log      *logger.Logger
	maxDepth int

	depth int
	rules map[string]string // definition node id -> subscription id
}

// New creates a Runner. webhooks may be nil if no rule uses the webhook
// action.
func New(st store.Store, registry *subscription.Registry, webhooks *webhook.Queue, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("automation-runner")
	}
	return &Runner{
		st:       st,
		registry: registry,
		webhooks: webhooks,
		log:      log,
		maxDepth: defaultMaxDepth,
		rules:    make(map[string]string),
	}
}

// SetMaxDepth overrides the default cycle-depth limit. Values below 1 are
// ignored.
func (r *Runner) SetMaxDepth(n int) {
	if n >= 1 {
		r.maxDepth = n
	}
}

// Name satisfies system.Service.
func (r *Runner) Name() string { return "automation-runner" }

// Descriptor satisfies system.DescriptorProvider.
func (r *Runner) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:  r.Name(),
		Layer: system.LayerReactive,
	}.WithCapabilities("cycle-limited-actions")
}

// Start loads every persisted automation definition and subscribes it.
func (r *Runner) Start(ctx context.Context) error { return r.Initialize(ctx) }

// Stop unsubscribes every active rule.
func (r *Runner) Stop(ctx context.Context) error {
	for _, subID := range r.rules {
		r.registry.Unsubscribe(subID)
	}
	r.rules = make(map[string]string)
	return nil
}

// Initialize scans live nodes carrying supertag:automation and registers
// each one's persisted definition.
func (r *Runner) Initialize(ctx context.Context) error {
	ids, err := r.st.ListLiveNodeIDs(ctx)
	if err != nil {
		return graphcoreerr.Store(err)
	}
	for _, id := range ids {
		assembled, err := r.st.Assemble(ctx, id)
		if err != nil {
			continue
		}
		if !hasSupertag(assembled, model.SupertagAutomation) {
			continue
		}
		def, ok, err := decodeDefinition(assembled)
		if err != nil {
			r.log.WithError(err).WithField("node_id", id).Error("invalid automation definition, skipping")
			continue
		}
		if !ok {
			continue
		}
		def.NodeID = assembled.ID
		def.SystemID = assembled.SystemID
		if _, err := r.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Register subscribes def's trigger and wires its actions to fire whenever a
// node crosses def.TriggerEvent's membership boundary in the result set. A
// disabled definition is skipped: it is neither subscribed nor recorded, and
// the returned subscription id is empty.
func (r *Runner) Register(ctx context.Context, def Definition) (string, error) {
	if !def.Enabled {
		return "", nil
	}
	if def.TriggerEvent == "" {
		def.TriggerEvent = OnEnter
	}
	subID, _, err := r.registry.Subscribe(ctx, def.Trigger, func(delta subscription.Delta) {
		r.handleDelta(def, delta)
	})
	if err != nil {
		return "", err
	}
	r.rules[def.NodeID] = subID
	return subID, nil
}

// CreateDefinitionNode persists a new automation rule as a node carrying
// supertag:automation with its definition JSON-encoded onto
// field:definition, so a restarted process can recover it via Initialize.
func (r *Runner) CreateDefinitionNode(ctx context.Context, content string, def Definition) (model.Node, error) {
	payload, err := json.Marshal(def)
	if err != nil {
		return model.Node{}, graphcoreerr.Validation("encode automation definition: %v", err)
	}

	n, err := r.st.CreateNode(ctx, model.CreateNodeOptions{
		Content:          content,
		SupertagSystemID: model.SupertagAutomation,
	})
	if err != nil {
		return model.Node{}, err
	}

	fieldNode, err := r.st.GetNodeBySystemID(ctx, model.FieldDefinition, false)
	if err != nil {
		return model.Node{}, err
	}
	if _, err := r.st.SetProperty(ctx, n.ID, fieldNode.ID, 0, model.NewString(string(payload))); err != nil {
		return model.Node{}, err
	}
	return n, nil
}

func (r *Runner) handleDelta(def Definition, delta subscription.Delta) {
	var targets []store.AssembledNode
	switch def.TriggerEvent {
	case OnExit:
		targets = delta.Removed
	case OnChange:
		targets = delta.Changed
	default: // OnEnter
		targets = delta.Added
	}
	for _, n := range targets {
		r.runActions(def, n)
	}
}

func (r *Runner) runActions(def Definition, n store.AssembledNode) {
	maxDepth := r.maxDepth
	if def.MaxCycles > 0 && def.MaxCycles < maxDepth {
		maxDepth = def.MaxCycles
	}
	if r.depth >= maxDepth {
		r.log.WithField("automation_id", def.SystemID).WithField("node_id", n.ID).
			Error("automation cycle depth limit reached, skipping run")
		metrics.RecordAutomationRun(def.SystemID, false)
		return
	}

	r.depth++
	defer func() { r.depth-- }()

	ctx := context.Background()
	var runErr error
	for _, action := range def.Actions {
		// A failed action is logged and the remaining actions for the delta
		// still run (the error policy for mid-chain action failures).
		if err := r.executeAction(ctx, def, n.ID, action); err != nil {
			runErr = err
			r.log.WithError(err).WithField("automation_id", def.SystemID).WithField("node_id", n.ID).
				Error("automation action failed")
		}
	}
	metrics.RecordAutomationRun(def.SystemID, runErr == nil)
}

func (r *Runner) executeAction(ctx context.Context, def Definition, nodeID string, action Action) error {
	switch action.Kind {
	case ActionSetProperty:
		fieldNode, err := r.st.GetNodeBySystemID(ctx, action.FieldSystemID, false)
		if err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		value := action.Value
		if s, ok := value.AsString(); ok && s == nowSentinel {
			value = model.NewString(time.Now().UTC().Format(time.RFC3339Nano))
		}
		if _, err := r.st.SetProperty(ctx, nodeID, fieldNode.ID, 0, value); err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		return nil

	case ActionClearProperty:
		fieldNode, err := r.st.GetNodeBySystemID(ctx, action.FieldSystemID, false)
		if err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		if err := r.st.ClearProperty(ctx, nodeID, fieldNode.ID); err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		return nil

	case ActionAddSupertag:
		if err := r.st.AddSupertag(ctx, nodeID, action.SupertagSystemID); err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		return nil

	case ActionRemoveSupertag:
		if err := r.st.RemoveSupertag(ctx, nodeID, action.SupertagSystemID); err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		return nil

	case ActionWebhook:
		if r.webhooks == nil {
			return graphcoreerr.AutomationAction(errNoWebhookQueue)
		}
		assembled, err := r.st.Assemble(ctx, nodeID)
		if err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		payload, err := json.Marshal(map[string]interface{}{
			"node": assembled,
			"automation": map[string]string{
				"id":   def.SystemID,
				"name": def.Name,
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return graphcoreerr.AutomationAction(err)
		}
		r.webhooks.Enqueue(webhook.Job{
			ID:           nodeID + ":" + action.WebhookURL + ":" + time.Now().UTC().Format(time.RFC3339Nano),
			AutomationID: def.SystemID,
			URL:          action.WebhookURL,
			Method:       action.WebhookMethod,
			Headers:      action.WebhookHeaders,
			BodyTemplate: action.WebhookBody,
			Context:      payload,
		})
		return nil

	default:
		return graphcoreerr.Validation("unknown automation action kind %q", action.Kind)
	}
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
