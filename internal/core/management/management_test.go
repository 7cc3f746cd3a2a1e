package management

import (
	"strings"
	"testing"
	"time"

	"github.com/asterisk/pjsipcore/internal/core/availability"
	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/outbound"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/store"
)

func newTestView(t *testing.T) (*View, *store.ContactStore, *store.ContactStatusTable) {
	t.Helper()
	contacts := store.NewContactStore()
	statuses := store.NewContactStatusTable()
	serializers := serializer.NewRegistry(1)

	endpoints := map[string]*model.Endpoint{
		"alice": {ID: "alice", AORs: []string{"alice"}},
	}
	aors := map[string]*model.AOR{
		"alice": {ID: "alice", MaxContacts: 1, QualifyFrequency: 30},
	}

	v := &View{
		Management: serializers.ManagementSerializer(),
		Endpoints:  func() map[string]*model.Endpoint { return endpoints },
		Aors:       func() map[string]*model.AOR { return aors },
		Contacts:   contacts,
		Statuses:   statuses,
		Outbound:   outbound.NewManager(serializers, nil, nil),
		Qualifier:  availability.NewEngine(contacts, statuses, serializers, nil, nil),
	}
	return v, contacts, statuses
}

func TestEventStringFormat(t *testing.T) {
	ev := newEvent().set("Event", "Test").set("ActionID", "42")
	want := "Event: Test\r\nActionID: 42\r\n\r\n"
	if got := ev.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPJSIPShowEndpointFound(t *testing.T) {
	v, _, _ := newTestView(t)

	ev, ok := v.PJSIPShowEndpoint("alice", "act1")
	if !ok {
		t.Fatal("expected endpoint alice to be found")
	}
	s := ev.String()
	if !strings.Contains(s, "ObjectName: alice") {
		t.Fatalf("event missing ObjectName: %s", s)
	}
	if !strings.Contains(s, "ActionID: act1") {
		t.Fatalf("event missing ActionID echo: %s", s)
	}
}

func TestPJSIPShowEndpointNotFound(t *testing.T) {
	v, _, _ := newTestView(t)
	_, ok := v.PJSIPShowEndpoint("nobody", "")
	if ok {
		t.Fatal("expected not-found for unconfigured endpoint")
	}
}

func TestPJSIPShowEndpointsListsAll(t *testing.T) {
	v, _, _ := newTestView(t)
	events := v.PJSIPShowEndpoints("")
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
}

func TestPJSIPShowAorsReportsContactCount(t *testing.T) {
	v, contacts, _ := newTestView(t)
	contacts.PruneExpired("alice", time.Now())

	events := v.PJSIPShowAors("")
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].String(), "ObjectName: alice") {
		t.Fatalf("missing AOR object name: %s", events[0].String())
	}
}

func TestPJSIPShowRegistrationsInboundReflectsStatuses(t *testing.T) {
	v, _, statuses := newTestView(t)
	statuses.Put("contact1", model.ContactStatus{
		ContactID: "contact1",
		URI:       "sip:alice@192.168.1.10",
		AOR:       "alice",
		Status:    model.StatusReachable,
	})

	events := v.PJSIPShowRegistrationsInbound("")
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].String(), "Status: Reachable") {
		t.Fatalf("missing reachable status: %s", events[0].String())
	}
}

func TestPJSIPShowRegistrationsOutboundEmptyWhenNoneConfigured(t *testing.T) {
	v, _, _ := newTestView(t)
	events := v.PJSIPShowRegistrationsOutbound("")
	if len(events) != 0 {
		t.Fatalf("len(events) = %d, want 0", len(events))
	}
}

func TestPJSIPUnregisterInvokesCallback(t *testing.T) {
	v, _, _ := newTestView(t)
	var gotAOR, gotContact string
	v.RemoveContact = func(aorName, contactID string) {
		gotAOR, gotContact = aorName, contactID
	}

	v.PJSIPUnregister("alice", "contact1")

	if gotAOR != "alice" || gotContact != "contact1" {
		t.Fatalf("RemoveContact called with (%q, %q), want (alice, contact1)", gotAOR, gotContact)
	}
}
