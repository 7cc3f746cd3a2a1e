// Package management implements the named show-actions surface (§6):
// PJSIPQualify, PJSIPUnregister, PJSIPRegister, PJSIPShowEndpoint(s),
// PJSIPShowRegistrationsInbound, PJSIPShowRegistrationsOutbound,
// PJSIPShowAors. Every action runs on the fixed "management" serializer
// (spec.md §5 Threading) so a show action never races a concurrent
// reload or REGISTER commit.
//
// Grounded on internal/signaling/api/server.go's provider-interface
// shape (typed read-model over internal state, injected rather than
// imported); the teacher binds those providers to HTTP handlers, this
// package binds them to plain Go methods returning Event values in the
// "<Key>: <value>\r\n" shape §6 names, since an AMI/gRPC transport
// binding is an external collaborator's concern (spec.md §1 Non-goals).
package management

import (
	"context"
	"sort"
	"strconv"

	"github.com/asterisk/pjsipcore/internal/core/availability"
	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/outbound"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/store"
)

// Field is one "<Key>: <value>" line of a management event.
type Field struct {
	Key   string
	Value string
}

// Event is one management response, rendered as CRLF-terminated
// "<Key>: <value>" lines followed by a blank line (§6 Management
// surface).
type Event struct {
	Fields []Field
}

func newEvent() *Event { return &Event{} }

func (e *Event) set(key, value string) *Event {
	e.Fields = append(e.Fields, Field{Key: key, Value: value})
	return e
}

// String renders the event in its wire shape: one "Key: value\r\n" line
// per field, terminated by a blank line.
func (e *Event) String() string {
	out := ""
	for _, f := range e.Fields {
		out += f.Key + ": " + f.Value + "\r\n"
	}
	out += "\r\n"
	return out
}

// EndpointRegistry gives the management view read access to configured
// endpoints, keyed by endpoint id.
type EndpointRegistry func() map[string]*model.Endpoint

// AorRegistry gives the management view read access to configured AORs
// and their runtime options, keyed by AOR id.
type AorRegistry func() map[string]*model.AOR

// View is the management surface. It holds references to the live
// subsystems it reports on; none of them are owned by View.
type View struct {
	Management *serializer.Serializer

	Endpoints EndpointRegistry
	Aors      AorRegistry

	Contacts  *store.ContactStore
	Statuses  *store.ContactStatusTable
	Outbound  *outbound.Manager
	Qualifier *availability.Engine

	// Registrar, if set, lets PJSIPUnregister remove a contact
	// directly (bypassing wire REGISTER processing, as the real
	// action does).
	RemoveContact func(aorName, contactID string)
}

// runSync runs fn on the management serializer and blocks until it
// completes, matching spec.md §5's rule that show actions and mutating
// actions alike serialize through "management".
func (v *View) runSync(fn func()) {
	if v.Management == nil {
		fn()
		return
	}
	v.Management.SyncCall(func(_ context.Context) { fn() })
}

// PJSIPShowEndpoint returns the snapshot for one endpoint, or false if
// it is not configured.
func (v *View) PJSIPShowEndpoint(id string, actionID string) (*Event, bool) {
	var ev *Event
	var ok bool
	v.runSync(func() {
		endpoints := v.Endpoints()
		ep, found := endpoints[id]
		if !found {
			return
		}
		ok = true
		ev = v.endpointEvent(ep, actionID)
	})
	return ev, ok
}

// PJSIPShowEndpoints lists every configured endpoint.
func (v *View) PJSIPShowEndpoints(actionID string) []*Event {
	var events []*Event
	v.runSync(func() {
		endpoints := v.Endpoints()
		ids := make([]string, 0, len(endpoints))
		for id := range endpoints {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			events = append(events, v.endpointEvent(endpoints[id], actionID))
		}
	})
	return events
}

func (v *View) endpointEvent(ep *model.Endpoint, actionID string) *Event {
	ev := newEvent()
	if actionID != "" {
		ev.set("ActionID", actionID)
	}
	ev.set("Event", "EndpointDetail").
		set("ObjectName", ep.ID).
		set("DeviceState", deviceState(ep)).
		set("ActiveChannels", strconv.Itoa(ep.Persistent.ChannelCount)).
		set("Aors", joinStrings(ep.AORs))
	return ev
}

func deviceState(ep *model.Endpoint) string {
	if ep.Persistent.Online {
		return "NOT_INUSE"
	}
	return "UNAVAILABLE"
}

// PJSIPShowAors lists every configured AOR with its live contact count.
func (v *View) PJSIPShowAors(actionID string) []*Event {
	var events []*Event
	v.runSync(func() {
		aors := v.Aors()
		ids := make([]string, 0, len(aors))
		for id := range aors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			aor := aors[id]
			contacts := v.Contacts.ByAOR(id)
			ev := newEvent()
			if actionID != "" {
				ev.set("ActionID", actionID)
			}
			ev.set("Event", "AorDetail").
				set("ObjectName", id).
				set("MaxContacts", strconv.Itoa(aor.MaxContacts)).
				set("TotalContacts", strconv.Itoa(len(contacts))).
				set("QualifyFrequency", strconv.Itoa(aor.QualifyFrequency))
			events = append(events, ev)
		}
	})
	return events
}

// PJSIPShowRegistrationsInbound lists every dynamic contact across
// every AOR with its current reachability status.
func (v *View) PJSIPShowRegistrationsInbound(actionID string) []*Event {
	var events []*Event
	v.runSync(func() {
		for _, s := range v.Statuses.All() {
			ev := newEvent()
			if actionID != "" {
				ev.set("ActionID", actionID)
			}
			ev.set("Event", "ContactStatusDetail").
				set("AOR", s.AOR).
				set("URI", s.URI).
				set("Status", s.Status.String())
			events = append(events, ev)
		}
	})
	return events
}

// PJSIPShowRegistrationsOutbound lists every configured outbound
// registration client with its reduced external state label.
func (v *View) PJSIPShowRegistrationsOutbound(actionID string) []*Event {
	var events []*Event
	v.runSync(func() {
		all := v.Outbound.All()
		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			state := all[id]
			ev := newEvent()
			if actionID != "" {
				ev.set("ActionID", actionID)
			}
			ev.set("Event", "OutboundRegistrationDetail").
				set("ObjectName", id).
				set("Status", state.Status.ExternalLabel()).
				set("LastResponseCode", strconv.Itoa(state.LastResponseCode))
			events = append(events, ev)
		}
	})
	return events
}

// PJSIPQualify triggers an immediate OPTIONS qualify cycle for aorName,
// outside the regular interval schedule.
func (v *View) PJSIPQualify(aorName string) {
	v.Qualifier.Qualify(aorName)
}

// PJSIPUnregister removes contactID from aorName immediately.
func (v *View) PJSIPUnregister(aorName, contactID string) {
	if v.RemoveContact == nil {
		return
	}
	v.runSync(func() {
		v.RemoveContact(aorName, contactID)
	})
}

// PJSIPRegister starts (or restarts) the named outbound registration
// client immediately, bypassing its usual randomized initial delay.
func (v *View) PJSIPRegister(cfg *model.OutboundRegistration) error {
	return v.Outbound.Start(cfg)
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
