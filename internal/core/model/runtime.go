package model

import "sync"

// AorOptions is the runtime twin of an AOR: its configuration plus the
// live compositor vector and available-contact count (spec.md §3
// Invariants, §9 cyclic references).
type AorOptions struct {
	mu sync.Mutex

	Config *AOR

	// Compositors lists, by endpoint name, every compositor that
	// references this AOR.
	compositors map[string]*EndpointStateCompositor

	// Available is the number of contacts considered reachable: when
	// Qualifies() the count of Reachable contacts, otherwise the raw
	// contact count (spec.md §3 Invariants).
	Available int
}

// NewAorOptions creates a runtime AOR wrapper around its configuration.
func NewAorOptions(cfg *AOR) *AorOptions {
	return &AorOptions{
		Config:      cfg,
		compositors: make(map[string]*EndpointStateCompositor),
	}
}

// AddCompositor registers a compositor against this AOR (mutated only
// from the AOR's own serializer, spec.md §5 Shared resources).
func (a *AorOptions) AddCompositor(c *EndpointStateCompositor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compositors[c.EndpointName] = c
}

// RemoveCompositor unregisters a compositor by endpoint name.
func (a *AorOptions) RemoveCompositor(endpointName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.compositors, endpointName)
}

// Compositors returns a snapshot slice of the currently attached
// compositors.
func (a *AorOptions) Compositors() []*EndpointStateCompositor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*EndpointStateCompositor, 0, len(a.compositors))
	for _, c := range a.compositors {
		out = append(out, c)
	}
	return out
}

// NotifyCompositors pushes this AOR's current availability to every
// attached compositor (spec.md §4.3 Compositor update). publish is
// invoked once per compositor whose composed state actually changed.
func (a *AorOptions) NotifyCompositors(available bool, publish func(c *EndpointStateCompositor, online bool)) {
	for _, c := range a.Compositors() {
		if online, changed := c.SetAORAvailability(a.Config.ID, available); changed && publish != nil {
			publish(c, online)
		}
	}
}
