// Package model holds the shared data types of the SIP core: endpoints,
// AORs, contacts, contact status, and outbound registration state.
package model

import "strings"

// IdentifyMethod is one strategy the distributor uses to resolve an
// endpoint from an inbound request (spec.md §4.4).
type IdentifyMethod string

const (
	IdentifyByUsername     IdentifyMethod = "username"
	IdentifyByAuthUsername IdentifyMethod = "auth_username"
)

// PersistentEndpointState is the externally visible, reload-surviving
// half of an Endpoint (spec.md §3).
type PersistentEndpointState struct {
	Online       bool
	ChannelCount int
}

// Endpoint is configuration for a remote user agent.
type Endpoint struct {
	ID      string
	Context string

	// AORs is the ordered, comma-separated list of AOR names this
	// endpoint may register against or be reached at.
	AORs []string

	IdentifyMethods []IdentifyMethod
	InboundAuth     []string
	OutboundAuth    []string
	TransportName   string

	DTMFMode        string
	SRTPPolicy      string
	Support100rel   bool
	SessionTimers   string
	RTPGroup        string
	PickupGroup     string
	TOS             int
	CoS             int

	Persistent PersistentEndpointState
}

// AORNames parses a comma-separated AOR list the way pjsip_configuration.c
// does: trimmed, empty entries dropped.
func AORNames(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasAOR reports whether name is one of the endpoint's configured AORs.
func (e *Endpoint) HasAOR(name string) bool {
	for _, a := range e.AORs {
		if a == name {
			return true
		}
	}
	return false
}
