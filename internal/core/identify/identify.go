// Package identify implements the distributor's pluggable endpoint
// identification strategies (L3, spec.md §4.4 Endpoint identification):
// by IP/hostname permit rule, by username or auth-username, and by the
// `;line=` token an outbound registration stamped on its Contact.
//
// Grounded on internal/signaling/routing/invite.go's ordered
// identify-then-route shape (To-header user lookup before dispatch),
// generalized into the chain-of-identifiers §4.4 specifies, and on
// original_source/res/res_pjsip_endpoint_identifier_ip.c for the
// permit-network/match_header semantics model.IdentifyRule carries.
package identify

import (
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

// Identifier resolves an endpoint ID from an inbound request, or returns
// ok=false when it has no opinion.
type Identifier interface {
	Identify(req *sip.Request, srcAddr string) (endpointID string, ok bool)
}

// Chain runs a list of Identifiers in order, returning the first match
// (spec.md §4.4: "Identifiers are pluggable and ordered").
type Chain struct {
	identifiers []Identifier
}

// NewChain builds an identify chain from the given identifiers, tried in
// the order given.
func NewChain(identifiers ...Identifier) *Chain {
	return &Chain{identifiers: identifiers}
}

// Identify runs every identifier in order and returns the first match.
func (c *Chain) Identify(req *sip.Request, srcAddr string) (string, bool) {
	for _, id := range c.identifiers {
		if epID, ok := id.Identify(req, srcAddr); ok {
			return epID, true
		}
	}
	return "", false
}

// ByIP identifies a request by source network/hostname permit rule or by
// a configured match_header (spec.md §4.4, by IP).
type ByIP struct {
	// Rules returns the live set of identify rules to check, in
	// configured order.
	Rules func() []*model.IdentifyRule
}

func (b *ByIP) Identify(req *sip.Request, srcAddr string) (string, bool) {
	if b.Rules == nil {
		return "", false
	}
	ip := parseHostIP(srcAddr)
	for _, rule := range b.Rules() {
		if rule.MatchesAddr(ip) {
			return rule.Endpoint, true
		}
		if rule.MatchHeaderName != "" {
			if h := req.GetHeader(rule.MatchHeaderName); h != nil && rule.MatchesHeader(rule.MatchHeaderName, h.Value()) {
				return rule.Endpoint, true
			}
		}
	}
	return "", false
}

func parseHostIP(addr string) net.IP {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

// ByUsername identifies a request by the From-URI user part or the first
// configured inbound-auth username equaling an endpoint id (spec.md
// §4.4, by username / auth-username).
type ByUsername struct {
	// Endpoints returns the live set of endpoints to check against,
	// keyed by ID.
	Endpoints func() map[string]*model.Endpoint
}

func (b *ByUsername) Identify(req *sip.Request, _ string) (string, bool) {
	if b.Endpoints == nil {
		return "", false
	}
	fromUser := fromUser(req)
	endpoints := b.Endpoints()

	if ep, ok := endpoints[fromUser]; ok && hasMethod(ep, model.IdentifyByUsername) {
		return ep.ID, true
	}
	for _, ep := range endpoints {
		if !hasMethod(ep, model.IdentifyByAuthUsername) {
			continue
		}
		if len(ep.InboundAuth) > 0 && ep.InboundAuth[0] == fromUser {
			return ep.ID, true
		}
	}
	return "", false
}

func hasMethod(ep *model.Endpoint, m model.IdentifyMethod) bool {
	for _, im := range ep.IdentifyMethods {
		if im == m {
			return true
		}
	}
	return false
}

func fromUser(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	return from.Address.User
}

// ByLine identifies a request carrying a `;line=<token>` parameter on
// its To-URI or Request-URI, resolving the token against the configured
// line token of a running outbound registration (spec.md §4.4, by
// line).
type ByLine struct {
	// EndpointForLine returns the endpoint bound to an outbound
	// registration's line token, or ok=false if the token is unknown.
	EndpointForLine func(token string) (endpointID string, ok bool)
}

func (b *ByLine) Identify(req *sip.Request, _ string) (string, bool) {
	if b.EndpointForLine == nil {
		return "", false
	}
	if token, ok := lineToken(req.Recipient); ok {
		if epID, ok := b.EndpointForLine(token); ok {
			return epID, true
		}
	}
	if to := req.To(); to != nil {
		if token, ok := lineToken(to.Address); ok {
			if epID, ok := b.EndpointForLine(token); ok {
				return epID, true
			}
		}
	}
	return "", false
}

func lineToken(uri sip.Uri) (string, bool) {
	v, ok := uri.UriParams.Get("line")
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Unidentified tracks sources that have failed every identifier, for the
// security-event threshold spec.md §4.4 describes ("an artificial
// endpoint is substituted ... after a configured number of such
// requests from one source within a window, a security event is
// raised").
type Unidentified struct {
	counts map[string]*model.UnidentifiedRequest

	// Threshold is the number of unidentified requests from one source
	// within Window that triggers OnSecurityEvent.
	Threshold int
	Window    time.Duration

	OnSecurityEvent func(addr string, count int)

	now func() time.Time
}

// NewUnidentified creates an empty unidentified-source tracker. now is
// injected so tests can control the clock.
func NewUnidentified(threshold int, window time.Duration, now func() time.Time) *Unidentified {
	return &Unidentified{
		counts:    make(map[string]*model.UnidentifiedRequest),
		Threshold: threshold,
		Window:    window,
		now:       now,
	}
}

// Record notes one more unidentified request from addr, firing
// OnSecurityEvent once the threshold is crossed within the window.
func (u *Unidentified) Record(addr string) {
	now := u.now()
	rec, ok := u.counts[addr]
	if !ok || now.Sub(rec.LastSeen) > u.Window {
		rec = &model.UnidentifiedRequest{SourceAddr: addr, FirstSeen: now}
		u.counts[addr] = rec
	}
	rec.Count++
	rec.LastSeen = now

	if u.Threshold > 0 && rec.Count >= u.Threshold && u.OnSecurityEvent != nil {
		u.OnSecurityEvent(addr, rec.Count)
	}
}

// Clear removes addr's tracking entry, e.g. once it successfully
// authenticates (spec.md §4.4 Authentication gate, Success outcome).
func (u *Unidentified) Clear(addr string) {
	delete(u.counts, addr)
}
