// Package ice implements the ICE transport engine (L5, spec.md §4.5):
// candidate encoding, role selection, offer/answer SDP generation, offer
// verification (mismatch/restart detection), and the post-negotiation
// packet flow (component demux, symmetric-RTP learning, loss
// simulation).
//
// Grounded on the teacher's services/rtpmanager/sdp/builder.go for the
// pion/sdp/v3 SessionDescription/MediaDescription/Attribute idiom (no
// Go example in the pack implements ICE itself); candidate format,
// role-selection, mismatch/restart, and NAT-learning semantics are
// supplemented from original_source/res/pjproject/pjmedia/src/pjmedia/
// transport_ice.c.
package ice

import (
	"fmt"
	"strconv"
	"strings"
)

// CandidateType is the ICE candidate type tag (spec.md §4.5 Candidate
// attribute format).
type CandidateType string

const (
	TypeHost  CandidateType = "host"
	TypeSrflx CandidateType = "srflx"
	TypePrflx CandidateType = "prflx"
	TypeRelay CandidateType = "relay"
)

// Candidate is one ICE candidate line (spec.md §4.5 Candidate attribute
// format):
//
//	<foundation> <comp> UDP <prio> <addr> <port> typ <type>[ raddr <addr> rport <port>]
type Candidate struct {
	Foundation     string
	Component      int
	Priority       uint32
	Address        string
	Port           int
	Type           CandidateType
	RelatedAddress string
	RelatedPort    int
}

// String renders the candidate in its wire attribute format.
func (c Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d UDP %d %s %d typ %s", c.Foundation, c.Component, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

// IsIPv6 reports whether the candidate's address is an IPv6 literal,
// inferred from the presence of ":" in the address string (spec.md
// §4.5: "Address family is inferred from the presence of ':' in the
// address string").
func (c Candidate) IsIPv6() bool {
	return strings.Contains(c.Address, ":")
}

// ParseCandidate parses a candidate attribute value (the part after
// "a=candidate:") back into a Candidate. It is the inverse of String,
// satisfying the round-trip law parse(print(X)) == X modulo
// case-insensitive scheme tags (spec.md §8 property 7).
func ParseCandidate(value string) (Candidate, error) {
	fields := strings.Fields(value)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("malformed candidate %q: want at least 8 fields", value)
	}
	comp, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("malformed candidate component %q: %w", fields[1], err)
	}
	if !strings.EqualFold(fields[2], "UDP") {
		return Candidate{}, fmt.Errorf("unsupported candidate transport %q", fields[2])
	}
	prio, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("malformed candidate priority %q: %w", fields[3], err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("malformed candidate port %q: %w", fields[5], err)
	}
	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("malformed candidate, expected \"typ\" at field 7, got %q", fields[6])
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  comp,
		Priority:   uint32(prio),
		Address:    fields[4],
		Port:       port,
		Type:       CandidateType(strings.ToLower(fields[7])),
	}

	if len(fields) >= 10 && fields[8] == "raddr" {
		c.RelatedAddress = fields[9]
		if len(fields) >= 12 && fields[10] == "rport" {
			if rport, err := strconv.Atoi(fields[11]); err == nil {
				c.RelatedPort = rport
			}
		}
	}

	return c, nil
}
