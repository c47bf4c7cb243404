// Package system defines the lifecycle contract shared by every long-running
// reactive-core component.
package system

import "context"

// Service is a lifecycle-managed component: the subscription registry's
// scheduler, the automation runner, and the webhook queue all implement it
// so a composition root can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Layer describes which slice of the reactive pipeline a service belongs to.
type Layer string

const (
	LayerStore    Layer = "store"
	LayerReactive Layer = "reactive"
	LayerDelivery Layer = "delivery"
)

// Descriptor advertises a service's placement and capabilities for
// orchestration and documentation purposes; it never changes runtime
// behavior.
type Descriptor struct {
	Name         string
	Layer        Layer
	Capabilities []string
}

// DescriptorProvider is implemented by services that want to advertise a
// Descriptor to the composition root.
type DescriptorProvider interface {
	Descriptor() Descriptor
}

// WithCapabilities returns a copy of d with additional capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
