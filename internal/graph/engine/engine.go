// Package engine is the composition root for the reactive knowledge-graph
// core: it wires the store, event bus, subscription registry, automation
// runner, computed-field aggregator, and webhook queue into one
// lifecycle-managed unit.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/graphreactor/core/internal/graph/automation"
	"github.com/graphreactor/core/internal/graph/computed"
	"github.com/graphreactor/core/internal/graph/config"
	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/metrics"
	"github.com/graphreactor/core/internal/graph/query"
	"github.com/graphreactor/core/internal/graph/store"
	"github.com/graphreactor/core/internal/graph/store/sqlite"
	"github.com/graphreactor/core/internal/graph/subscription"
	"github.com/graphreactor/core/internal/graph/system"
	"github.com/graphreactor/core/internal/graph/webhook"
	"github.com/graphreactor/core/pkg/logger"
)

// Manager starts and stops a fixed set of system.Service instances in
// registration order, and reverses that order on Stop.
type Manager struct {
	services []system.Service
}

// Register appends svc to the manager's lifecycle list.
func (m *Manager) Register(svc system.Service) {
	m.services = append(m.services, svc)
}

// Start starts every registered service in registration order, stopping
// and returning the first error encountered.
func (m *Manager) Start(ctx context.Context) error {
	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.services[j].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered service in reverse registration order,
// collecting (not short-circuiting on) individual failures.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.services[i].Name(), err)
		}
	}
	return firstErr
}

// Descriptors returns every registered service's advertised Descriptor, for
// services that implement system.DescriptorProvider.
func (m *Manager) Descriptors() []system.Descriptor {
	out := make([]system.Descriptor, 0, len(m.services))
	for _, svc := range m.services {
		if dp, ok := svc.(system.DescriptorProvider); ok {
			out = append(out, dp.Descriptor())
		}
	}
	return out
}

// Engine is the fully wired reactive knowledge-graph core: a store, the
// event bus it emits to, and the reactive layer built on top (subscription
// registry, automation runner, computed-field aggregator, webhook queue).
type Engine struct {
	cfg *config.Config
	log *logger.Logger

	Store         *sqlite.Store
	Bus           *events.Bus
	Subscriptions *subscription.Registry
	Automations   *automation.Runner
	Computed      *computed.Aggregator
	Webhooks      *webhook.Queue

	manager *Manager
}

// New constructs an Engine from cfg, opening the configured store,
// seeding bootstrap nodes, and wiring every reactive component on top
// of one event bus. It does not start any background service; call Start
// for that.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, graphcoreerr.Validation("engine: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, graphcoreerr.Validation("engine: invalid config: %v", err)
	}
	if log == nil {
		log = logger.NewDefault("graph-engine")
	}

	bus := events.New(log)

	st, err := sqlite.Open(ctx, cfg.DBPath, bus, log)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Seed(ctx, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed bootstrap nodes: %w", err)
	}

	registry := subscription.New(st, bus, time.Duration(cfg.DebounceMs)*time.Millisecond, log)
	registry.SetSmartInvalidation(cfg.SmartInvalidation)

	webhookQueue := webhook.New(webhook.Config{
		MaxAttempts:     cfg.WebhookMaxAttempts,
		BaseDelay:       cfg.WebhookBaseDelay,
		MaxDelay:        cfg.WebhookMaxDelay,
		RatePerSecond:   cfg.WebhookRatePerSecond,
		RateBurst:       cfg.WebhookRateBurst,
		ProcessInterval: cfg.WebhookProcessInterval,
	}, nil, log)

	automationRunner := automation.New(st, registry, webhookQueue, log)
	automationRunner.SetMaxDepth(cfg.AutomationMaxDepth)
	aggregator := computed.New(st, registry, log)

	manager := &Manager{}
	manager.Register(registry)
	manager.Register(automationRunner)
	manager.Register(aggregator)
	manager.Register(webhookQueue)

	return &Engine{
		cfg:           cfg,
		log:           log,
		Store:         st,
		Bus:           bus,
		Subscriptions: registry,
		Automations:   automationRunner,
		Computed:      aggregator,
		Webhooks:      webhookQueue,
		manager:       manager,
	}, nil
}

// Start starts the subscription registry, automation runner (which
// re-registers every persisted automation), computed-field aggregator
// (same, for persisted computed fields), and the webhook queue's delivery
// ticker, in that dependency order.
func (e *Engine) Start(ctx context.Context) error {
	return e.manager.Start(ctx)
}

// Stop stops every background component in reverse order and closes the
// store connection.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.manager.Stop(ctx)
	if closeErr := e.Store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Descriptors exposes every wired service's Descriptor for introspection.
func (e *Engine) Descriptors() []system.Descriptor {
	return e.manager.Descriptors()
}

// Subscribe is a convenience passthrough to e.Subscriptions.Subscribe,
// typed against query.QueryDefinition so callers only need to import
// engine and query.
func (e *Engine) Subscribe(ctx context.Context, def query.QueryDefinition, onChange subscription.Listener) (string, query.EvaluationResult, error) {
	return e.Subscriptions.Subscribe(ctx, def, onChange)
}

// Reader exposes the engine's store as the narrow read surface the
// evaluator depends on, for callers that want to run one-shot queries via
// query.Evaluate without going through a subscription.
func (e *Engine) Reader() store.Reader {
	return e.Store
}

// MetricsHandler returns the Prometheus scrape handler for the core's
// collectors, or nil when metrics are disabled by configuration. Binding it
// to a listener is the embedding process's concern.
func (e *Engine) MetricsHandler() http.Handler {
	if !e.cfg.MetricsEnabled {
		return nil
	}
	return metrics.Handler()
}
