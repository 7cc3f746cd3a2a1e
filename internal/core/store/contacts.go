package store

import (
	"time"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

// ContactStore is the typed registry of Contact objects. It is a thin
// convenience wrapper over Registry[*model.Contact] that adds the
// AOR-scoped queries the registrar and availability engine need.
type ContactStore struct {
	*Registry[*model.Contact]
}

// NewContactStore creates an empty contact store.
func NewContactStore() *ContactStore {
	return &ContactStore{Registry: New[*model.Contact]()}
}

// ByAOR returns every contact (dynamic and permanent) bound to aor.
func (s *ContactStore) ByAOR(aor string) []*model.Contact {
	var out []*model.Contact
	for _, c := range s.All() {
		if c.AORID == aor {
			out = append(out, c)
		}
	}
	return out
}

// DynamicByAOR returns only the REGISTER-created (non-permanent)
// contacts bound to aor (spec.md §4.1 Atomicity step 1).
func (s *ContactStore) DynamicByAOR(aor string) []*model.Contact {
	var out []*model.Contact
	for _, c := range s.ByAOR(aor) {
		if !c.Permanent {
			out = append(out, c)
		}
	}
	return out
}

// PermanentByAOR returns only the statically configured contacts bound
// to aor.
func (s *ContactStore) PermanentByAOR(aor string) []*model.Contact {
	var out []*model.Contact
	for _, c := range s.ByAOR(aor) {
		if c.Permanent {
			out = append(out, c)
		}
	}
	return out
}

// PruneExpired deletes every dynamic contact on aor whose expiration
// has passed as of now, returning the ids removed.
func (s *ContactStore) PruneExpired(aor string, now time.Time) []string {
	var removed []string
	for _, c := range s.DynamicByAOR(aor) {
		if c.Expired(now) {
			s.Delete(c.ID)
			removed = append(removed, c.ID)
		}
	}
	return removed
}

// PruneOnBoot deletes every dynamic contact stamped with a reg_server
// other than instanceID and marked PruneOnBoot, across all AORs
// (spec.md §3 supplement: boot-prune from original_source/location.c).
func (s *ContactStore) PruneOnBoot(instanceID string) []string {
	var removed []string
	for _, c := range s.All() {
		if !c.Permanent && c.PruneOnBoot && c.RegServer != instanceID {
			s.Delete(c.ID)
			removed = append(removed, c.ID)
		}
	}
	return removed
}
