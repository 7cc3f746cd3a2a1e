package model

import (
	"net"
	"strings"
)

// IdentifyByIP is the network/hostname identify strategy (spec.md §4.4),
// kept separate from IdentifyMethods since an IdentifyRule is matched by
// address/header rather than by ordered method name on the endpoint.
const IdentifyByIP IdentifyMethod = "ip"

// IdentifyRule is one `identify` object: a set of permit networks and/or
// hostnames bound to a single endpoint, plus an optional header match
// (spec.md §4.4 Endpoint identification, by IP).
type IdentifyRule struct {
	ID       string
	Endpoint string

	// Nets is the parsed CIDR/mask permit list.
	Nets []*net.IPNet

	// Hostnames is resolved (directly or via SRV against _sip._udp,
	// _sip._tcp, _sips._tcp) into Nets at load time by the caller; kept
	// here only for display/reload diffing.
	Hostnames []string

	// MatchHeader is an optional "Header: Value" pair; a request whose
	// named header equals Value matches regardless of source address.
	MatchHeaderName  string
	MatchHeaderValue string
}

// MatchesAddr reports whether addr (parsed as an IP) falls within any of
// the rule's permitted networks.
func (r *IdentifyRule) MatchesAddr(addr net.IP) bool {
	if addr == nil {
		return false
	}
	for _, n := range r.Nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// MatchesHeader reports whether headerValue equals the rule's configured
// match_header value, case-sensitively per RFC 3261 header value
// comparison for unstructured fields.
func (r *IdentifyRule) MatchesHeader(headerName, headerValue string) bool {
	if r.MatchHeaderName == "" {
		return false
	}
	return strings.EqualFold(r.MatchHeaderName, headerName) && r.MatchHeaderValue == headerValue
}
