package store

import (
	"sync"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

// ContactStatusTable is the process-wide contact-status map (L1,
// spec.md §3 ContactStatus, §5 Shared resources). Updates replace the
// whole snapshot for a contact id rather than mutating fields in
// place, so readers always see a consistent immutable value — the
// copy-on-write discipline spec.md §5 requires.
type ContactStatusTable struct {
	mu       sync.RWMutex
	statuses map[string]model.ContactStatus
}

// NewContactStatusTable creates an empty table.
func NewContactStatusTable() *ContactStatusTable {
	return &ContactStatusTable{statuses: make(map[string]model.ContactStatus)}
}

// Get returns the current snapshot for a contact id.
func (t *ContactStatusTable) Get(contactID string) (model.ContactStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[contactID]
	return s, ok
}

// Put link-replaces the snapshot for a contact id. The new status's
// LastStatus is filled in from whatever was previously stored (if
// anything), so callers don't need to read-then-write themselves.
func (t *ContactStatusTable) Put(contactID string, next model.ContactStatus) model.ContactStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.statuses[contactID]; ok {
		next.LastStatus = prev.Status
	}
	t.statuses[contactID] = next
	return next
}

// Remove deletes the snapshot for a contact id (spec.md §3 Invariants:
// "removed exactly once when the contact is deleted").
func (t *ContactStatusTable) Remove(contactID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, contactID)
}

// All returns a snapshot slice of every stored status.
func (t *ContactStatusTable) All() []model.ContactStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.ContactStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	return out
}

// ForAOR returns every stored status whose AOR field matches aor.
func (t *ContactStatusTable) ForAOR(aor string) []model.ContactStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.ContactStatus
	for _, s := range t.statuses {
		if s.AOR == aor {
			out = append(out, s)
		}
	}
	return out
}

// CountByStatus returns the number of contacts currently in each
// status value, for the telemetry gauges named in spec.md §6.
func (t *ContactStatusTable) CountByStatus() map[model.ContactStatusValue]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.ContactStatusValue]int)
	for _, s := range t.statuses {
		out[s.Status]++
	}
	return out
}
