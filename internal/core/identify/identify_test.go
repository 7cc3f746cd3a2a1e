package identify

import (
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

func mustRule(t *testing.T, endpoint, cidr string) *model.IdentifyRule {
	t.Helper()
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", cidr, err)
	}
	return &model.IdentifyRule{ID: endpoint + "-rule", Endpoint: endpoint, Nets: []*net.IPNet{ipnet}}
}

func newInviteFrom(t *testing.T, fromUser string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:target@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("From", "<sip:"+fromUser+"@example.com>;tag=x"))
	return req
}

func TestByIPMatchesPermitNetwork(t *testing.T) {
	rule := mustRule(t, "trunkA", "203.0.113.0/24")
	b := &ByIP{Rules: func() []*model.IdentifyRule { return []*model.IdentifyRule{rule} }}

	req := newInviteFrom(t, "anything")
	if ep, ok := b.Identify(req, "203.0.113.5:5060"); !ok || ep != "trunkA" {
		t.Fatalf("Identify() = (%q, %v), want (trunkA, true)", ep, ok)
	}
	if _, ok := b.Identify(req, "198.51.100.5:5060"); ok {
		t.Fatal("Identify() matched an address outside the permit network")
	}
}

func TestByIPMatchesHeader(t *testing.T) {
	rule := &model.IdentifyRule{Endpoint: "mobileA", MatchHeaderName: "X-Device-Token", MatchHeaderValue: "abc"}
	b := &ByIP{Rules: func() []*model.IdentifyRule { return []*model.IdentifyRule{rule} }}

	req := newInviteFrom(t, "anything")
	req.AppendHeader(sip.NewHeader("X-Device-Token", "abc"))
	if ep, ok := b.Identify(req, "10.0.0.1:5060"); !ok || ep != "mobileA" {
		t.Fatalf("Identify() = (%q, %v), want (mobileA, true)", ep, ok)
	}
}

func TestByUsernameMatchesFromUser(t *testing.T) {
	ep := &model.Endpoint{ID: "alice", IdentifyMethods: []model.IdentifyMethod{model.IdentifyByUsername}}
	b := &ByUsername{Endpoints: func() map[string]*model.Endpoint { return map[string]*model.Endpoint{"alice": ep} }}

	req := newInviteFrom(t, "alice")
	if got, ok := b.Identify(req, ""); !ok || got != "alice" {
		t.Fatalf("Identify() = (%q, %v), want (alice, true)", got, ok)
	}
}

func TestByUsernameMatchesAuthUsername(t *testing.T) {
	ep := &model.Endpoint{ID: "bob", IdentifyMethods: []model.IdentifyMethod{model.IdentifyByAuthUsername}, InboundAuth: []string{"bobauth"}}
	b := &ByUsername{Endpoints: func() map[string]*model.Endpoint { return map[string]*model.Endpoint{"bob": ep} }}

	req := newInviteFrom(t, "bobauth")
	if got, ok := b.Identify(req, ""); !ok || got != "bob" {
		t.Fatalf("Identify() = (%q, %v), want (bob, true)", got, ok)
	}
}

func TestByLineMatchesRequestURIToken(t *testing.T) {
	b := &ByLine{EndpointForLine: func(token string) (string, bool) {
		if token == "abcd1234" {
			return "trunkline", true
		}
		return "", false
	}}

	var uri sip.Uri
	if err := sip.ParseUri("sip:target@example.com;line=abcd1234", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)

	if got, ok := b.Identify(req, ""); !ok || got != "trunkline" {
		t.Fatalf("Identify() = (%q, %v), want (trunkline, true)", got, ok)
	}
}

func TestChainTriesInOrder(t *testing.T) {
	first := &ByIP{Rules: func() []*model.IdentifyRule { return nil }}
	second := &ByUsername{Endpoints: func() map[string]*model.Endpoint {
		return map[string]*model.Endpoint{"alice": {ID: "alice", IdentifyMethods: []model.IdentifyMethod{model.IdentifyByUsername}}}
	}}
	chain := NewChain(first, second)

	req := newInviteFrom(t, "alice")
	if got, ok := chain.Identify(req, "10.0.0.1:5060"); !ok || got != "alice" {
		t.Fatalf("Identify() = (%q, %v), want (alice, true) via fallthrough to second identifier", got, ok)
	}
}

func TestUnidentifiedFiresAtThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	var fired int
	var firedAddr string
	u := NewUnidentified(3, time.Minute, func() time.Time { return now })
	u.OnSecurityEvent = func(addr string, count int) {
		fired = count
		firedAddr = addr
	}

	u.Record("1.2.3.4")
	u.Record("1.2.3.4")
	if fired != 0 {
		t.Fatalf("OnSecurityEvent fired early at count %d", fired)
	}
	u.Record("1.2.3.4")
	if fired != 3 || firedAddr != "1.2.3.4" {
		t.Fatalf("OnSecurityEvent fired with (%q, %d), want (1.2.3.4, 3)", firedAddr, fired)
	}
}

func TestUnidentifiedClearResetsCount(t *testing.T) {
	now := time.Unix(1000, 0)
	u := NewUnidentified(2, time.Minute, func() time.Time { return now })
	u.Record("1.2.3.4")
	u.Clear("1.2.3.4")

	fired := false
	u.OnSecurityEvent = func(string, int) { fired = true }
	u.Record("1.2.3.4")
	if fired {
		t.Fatal("OnSecurityEvent fired after Clear reset the count below threshold")
	}
}

func TestUnidentifiedWindowResetsStaleCount(t *testing.T) {
	current := time.Unix(1000, 0)
	u := NewUnidentified(2, time.Minute, func() time.Time { return current })
	u.Record("1.2.3.4")

	current = current.Add(2 * time.Minute)
	fired := false
	u.OnSecurityEvent = func(string, int) { fired = true }
	u.Record("1.2.3.4")
	if fired {
		t.Fatal("OnSecurityEvent fired using a stale count outside the window")
	}
}
