package serializer

import (
	"fmt"
	"sync"
)

// Registry owns the well-known fixed serializers plus every
// dynamically named one (per-AOR, per-outbound-registration, per-dialog;
// spec.md §5 Threading) and tracks them for the shutdown group.
type Registry struct {
	mu          sync.Mutex
	named       map[string]*Serializer
	partitions  []*Serializer // thread-pool partition for fresh dialogs (§4.4)
	nextPartIdx int
}

// Fixed serializer names (spec.md §5 Threading).
const (
	Management = "management"
	OptionsManage = "pjsip/options/manage"
	Prune         = "prune"
)

// NewRegistry creates a registry with the three fixed serializers
// started and a thread-pool partition of the given size for fresh
// (non-dialog) requests.
func NewRegistry(partitionSize int) *Registry {
	r := &Registry{named: make(map[string]*Serializer)}
	r.named[Management] = New(Management)
	r.named[OptionsManage] = New(OptionsManage)
	r.named[Prune] = New(Prune)
	if partitionSize < 1 {
		partitionSize = 1
	}
	for i := 0; i < partitionSize; i++ {
		r.partitions = append(r.partitions, New(fmt.Sprintf("pool/%d", i)))
	}
	return r
}

// Management returns the fixed "management" serializer.
func (r *Registry) ManagementSerializer() *Serializer {
	return r.get(Management)
}

// PruneSerializer returns the fixed "prune" serializer that periodic
// expired/stale-on-boot contact cleanup runs on.
func (r *Registry) PruneSerializer() *Serializer {
	return r.get(Prune)
}

func (r *Registry) get(name string) *Serializer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.named[name]
}

// ForAOR returns (creating if necessary) the serializer for an AOR's
// qualify cycle: "pjsip/options/<aor>".
func (r *Registry) ForAOR(aor string) *Serializer {
	return r.namedOrCreate("pjsip/options/" + aor)
}

// ForRegistrarAOR returns the inbound-registrar serializer for an AOR:
// "registrar:<aor>".
func (r *Registry) ForRegistrarAOR(aor string) *Serializer {
	return r.namedOrCreate("registrar:" + aor)
}

// ForOutboundRegistration returns the serializer for one outbound
// registration: "pjsip/outreg/<id>".
func (r *Registry) ForOutboundRegistration(id string) *Serializer {
	return r.namedOrCreate("pjsip/outreg/" + id)
}

// ForDialog returns (creating if necessary) a dialog's serializer,
// keyed by a caller-supplied dialog key (Call-ID + tags).
func (r *Registry) ForDialog(dialogKey string) *Serializer {
	return r.namedOrCreate("dialog:" + dialogKey)
}

func (r *Registry) namedOrCreate(name string) *Serializer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.named[name]; ok {
		return s
	}
	s := New(name)
	r.named[name] = s
	return s
}

// NextPartition round-robins across the thread-pool partition, used
// when the distributor submits an initial (non-dialog) request
// (spec.md §4.4 Per-dialog serializer).
func (r *Registry) NextPartition() *Serializer {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.partitions[r.nextPartIdx]
	r.nextPartIdx = (r.nextPartIdx + 1) % len(r.partitions)
	return s
}

// PartitionQueueDepth returns the total queued-task count across every
// thread-pool partition, for the distributor's back-pressure bound
// (spec.md §4.4 Back-pressure).
func (r *Registry) PartitionQueueDepth() int {
	r.mu.Lock()
	parts := append([]*Serializer(nil), r.partitions...)
	r.mu.Unlock()

	total := 0
	for _, p := range parts {
		total += p.QueueLen()
	}
	return total
}

// Remove stops and discards a dynamically named serializer (e.g. when
// a dialog terminates or an AOR/registration is destroyed).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	s, ok := r.named[name]
	if ok {
		delete(r.named, name)
	}
	r.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// All returns every serializer currently tracked, for the shutdown
// group to join against.
func (r *Registry) All() []*Serializer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Serializer, 0, len(r.named)+len(r.partitions))
	for _, s := range r.named {
		out = append(out, s)
	}
	out = append(out, r.partitions...)
	return out
}
