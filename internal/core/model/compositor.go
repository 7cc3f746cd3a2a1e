package model

import "sync"

// EndpointStateCompositor aggregates AOR availability bits into a single
// online/offline verdict for one endpoint (spec.md §3, §4.3 Compositor
// update). Keyed by endpoint name rather than owned by pointer, per the
// cyclic-reference note in spec.md §9.
type EndpointStateCompositor struct {
	mu sync.Mutex

	EndpointName string
	aorStatuses  map[string]bool

	// Active gates publishing while the composition is being rebuilt
	// (spec.md §3 Invariants).
	Active bool

	lastPublished bool
	published     bool
}

// NewCompositor creates a compositor for the named endpoint.
func NewCompositor(endpointName string) *EndpointStateCompositor {
	return &EndpointStateCompositor{
		EndpointName: endpointName,
		aorStatuses:  make(map[string]bool),
		Active:       true,
	}
}

// SetAORAvailability sets the availability bit for one AOR. It returns
// (online, changed) where changed indicates a publish is due (spec.md
// §4.3 Compositor update: "if active, recompute... publish if changed").
func (c *EndpointStateCompositor) SetAORAvailability(aor string, available bool) (online bool, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aorStatuses[aor] = available

	online = c.anyAvailableLocked()
	if !c.Active {
		return online, false
	}
	if c.published && online == c.lastPublished {
		return online, false
	}
	c.lastPublished = online
	c.published = true
	return online, true
}

// RemoveAOR drops an AOR from this compositor's tracked set (invariant:
// "every compositor's AOR-status map contains only AORs that still
// reference it", spec.md §3).
func (c *EndpointStateCompositor) RemoveAOR(aor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aorStatuses, aor)
}

func (c *EndpointStateCompositor) anyAvailableLocked() bool {
	for _, v := range c.aorStatuses {
		if v {
			return true
		}
	}
	return false
}

// Online reports the current composed state without mutating anything.
func (c *EndpointStateCompositor) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Active && c.anyAvailableLocked()
}

// SetActive toggles the Active gate (spec.md §3 Invariants: "An
// endpoint's externally published state is Online iff ... the
// compositor is active").
func (c *EndpointStateCompositor) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Active = active
}
