// Package transportmon watches reliable (TCP/TLS/WS) transports and
// fires callbacks on shutdown, replacing duplicate registrations
// (L0, spec.md §2, §4.2 Shutdown). Grounded on the health-check/state
// shape of the teacher's mediaclient.Pool, retargeted from gRPC node
// health to SIP transport liveness.
package transportmon

import (
	"log/slog"
	"sync"
)

// ShutdownCallback is invoked (on the transport's own goroutine,
// spec.md §5 Ordering guarantees) when a monitored transport goes
// away.
type ShutdownCallback func(transportKey string)

// Monitor tracks reliable transports and their registered shutdown
// callbacks. The active-transports map is lock-guarded per lookup;
// per-monitor callback vectors are only mutated under that lock
// (spec.md §5 Shared resources).
type Monitor struct {
	mu        sync.Mutex
	callbacks map[string][]taggedCallback
}

// New creates an empty transport monitor.
func New() *Monitor {
	return &Monitor{callbacks: make(map[string][]taggedCallback)}
}

// Watch registers cb to fire when transportKey shuts down. Calling
// Watch again for the same transportKey from the same owner replaces
// any prior registration for that owner rather than stacking duplicates,
// matching spec.md's "replaces duplicate registrations".
func (m *Monitor) Watch(transportKey, ownerID string, cb ShutdownCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.callbacks[transportKey]
	tagged := taggedCallback{ownerID: ownerID, cb: cb}
	for i, t := range existing {
		if t.ownerID == ownerID {
			existing[i] = tagged
			m.callbacks[transportKey] = existing
			return
		}
	}
	m.callbacks[transportKey] = append(existing, tagged)
}

type taggedCallback struct {
	ownerID string
	cb      ShutdownCallback
}

// Unwatch removes ownerID's registration for transportKey, used when
// an outbound registration is destroyed (spec.md §4.2 Shutdown:
// "release the transport monitor").
func (m *Monitor) Unwatch(transportKey, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.callbacks[transportKey]
	out := existing[:0]
	for _, t := range existing {
		if t.ownerID != ownerID {
			out = append(out, t)
		}
	}
	m.callbacks[transportKey] = out
}

// NotifyShutdown fires every callback registered for transportKey and
// clears them. Called by the transport layer when it detects the
// underlying connection is gone.
func (m *Monitor) NotifyShutdown(transportKey string) {
	m.mu.Lock()
	cbs := m.callbacks[transportKey]
	delete(m.callbacks, transportKey)
	m.mu.Unlock()

	for _, t := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("transport shutdown callback panicked", "transport", transportKey, "panic", r)
				}
			}()
			t.cb(transportKey)
		}()
	}
}
