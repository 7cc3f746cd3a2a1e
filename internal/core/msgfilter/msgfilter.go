// Package msgfilter implements the outbound multihoming rewrite and
// inbound URI sanitation that run just below the transport layer (L3),
// ahead of the request distributor.
//
// Grounded on original_source/res/res_pjsip/pjsip_message_ip_updater.c
// (outgoing Contact/From-domain rewrite to the transport that will
// actually carry the message, with a disallow_from_domain_modification
// escape hatch when an endpoint sets fromdomain) and
// pjsip_message_filter.c (rejecting malformed top Route/Contact URIs
// before they reach the distributor). Go shape follows
// internal/signaling/routing/invite.go's advertised-address field and
// header-rewrite style.
package msgfilter

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// BoundTransport describes the local address a message is actually
// going out on, so Contact/Via can be rewritten to match it rather than
// whatever wildcard bind address the transport listened on
// (multihomed_get_udp_transport / multihomed_bound_any in the original).
type BoundTransport struct {
	Host string
	Port int
}

// Restrictions mirrors struct multihomed_message_restrictions: per-message
// flags set by the endpoint that owns this outgoing message, consulted
// before any rewrite is applied.
type Restrictions struct {
	// DisallowFromDomainModification is set true when the endpoint has
	// a configured from_domain; the From URI's host is then left alone.
	DisallowFromDomainModification bool
}

// Filter is the L3 message filter: it rewrites outbound Contact/From
// host/port to the actual transport address in use, and validates
// inbound Request-URI/Contact/Route schemes before a message is handed
// to the distributor.
type Filter struct {
	// AllowedSchemes restricts the URI schemes an inbound message's
	// Request-URI/Contact may carry (spec.md §4.1 ErrBadScheme shares
	// this same restriction for REGISTER).
	AllowedSchemes map[string]bool
}

// New creates a Filter that accepts sip/sips Request-URIs, the common
// configuration for a UDP/TCP/TLS-only deployment.
func New() *Filter {
	return &Filter{AllowedSchemes: map[string]bool{"sip": true, "sips": true}}
}

// SanitizeInbound validates req's Request-URI and top Route header (if
// any), returning an error describing why the message should be
// rejected with a 416 (bad scheme) before it reaches the distributor.
func (f *Filter) SanitizeInbound(req *sip.Request) error {
	if !f.AllowedSchemes[strings.ToLower(req.Recipient.Scheme)] {
		return fmt.Errorf("unsupported request-uri scheme %q", req.Recipient.Scheme)
	}
	if route := req.GetHeader("Route"); route != nil {
		var routeURI sip.Uri
		raw := route.Value()
		if idx := strings.IndexByte(raw, '<'); idx >= 0 {
			if end := strings.IndexByte(raw, '>'); end > idx {
				raw = raw[idx+1 : end]
			}
		}
		if err := sip.ParseUri(raw, &routeURI); err != nil {
			return fmt.Errorf("malformed top route: %w", err)
		}
		if !f.AllowedSchemes[strings.ToLower(routeURI.Scheme)] {
			return fmt.Errorf("unsupported route scheme %q", routeURI.Scheme)
		}
	}
	return nil
}

// RewriteOutboundContact rewrites req's Contact header host/port to
// bound's address, unless restrictions forbid it. This is the
// multihomed_on_tx_message equivalent: a wildcard-bound transport
// otherwise advertises 0.0.0.0, which no peer can dial back.
func (f *Filter) RewriteOutboundContact(req *sip.Request, bound BoundTransport, restrictions Restrictions) {
	contact := req.Contact()
	if contact == nil || bound.Host == "" {
		return
	}
	contact.Address.Host = bound.Host
	if bound.Port != 0 {
		contact.Address.Port = bound.Port
	}

	if restrictions.DisallowFromDomainModification {
		return
	}
	if from := req.From(); from != nil && looksUnbound(from.Address.Host) {
		from.Address.Host = bound.Host
	}
}

// looksUnbound reports whether host is a wildcard bind address that
// should never be advertised to a peer (spec.md's multihomed_bound_any
// equivalent, restricted to the string forms a configured transport
// host can actually take).
func looksUnbound(host string) bool {
	switch host {
	case "0.0.0.0", "::", "[::]":
		return true
	default:
		return false
	}
}
