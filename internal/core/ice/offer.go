package ice

import (
	"strconv"

	"github.com/pion/sdp/v3"
)

// EncodeMedia fills in md's port, connection address, and ICE
// attributes per spec.md §4.5 Offer encoding. hasRTCPComponent reports
// whether a component 2 (RTCP) exists at all for this stream; existingRTCP
// is the `a=rtcp` attribute value already present on the offer being
// rebuilt (empty if none).
func (s *Session) EncodeMedia(md *sdp.MediaDescription, hasRTCPComponent bool, existingRTCP string) {
	attrs := make([]sdp.Attribute, 0, 8)

	if s.Completed && !s.Restarting && s.AllNominated() {
		rtpPair := s.Components[1].Nominated
		md.MediaName.Port = sdp.RangedPort{Value: rtpPair.Local.Port}
		md.ConnectionInformation = connectionInfo(rtpPair.Local.Address)

		attrs = append(attrs, candidateAttrs(s.Components[1].LocalCandidates)...)

		if rtcp, ok := s.Components[2]; ok && rtcp.Nominated != nil && existingRTCP != "" {
			attrs = append(attrs, sdp.Attribute{Key: "rtcp", Value: rtcpAttrValue(rtcp.Nominated.Local)})
			attrs = append(attrs, candidateAttrs(rtcp.LocalCandidates)...)
		}

		if s.Role == Controlling {
			attrs = append(attrs, sdp.Attribute{Key: "remote-candidates", Value: remoteCandidatesValue(s)})
		}
	} else {
		for _, comp := range orderedComponents(s) {
			attrs = append(attrs, candidateAttrs(comp.LocalCandidates)...)
		}
	}

	attrs = append(attrs, sdp.Attribute{Key: "ice-ufrag", Value: s.Ufrag})
	attrs = append(attrs, sdp.Attribute{Key: "ice-pwd", Value: s.Pwd})

	if !hasRTCPComponent {
		md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "RS", Bandwidth: 0})
		md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "RR", Bandwidth: 0})
		attrs = dropRTCPAttr(attrs)
	}

	md.Attributes = attrs
}

// VerifyResult is the outcome of checking a remote offer's candidates
// against the negotiated default media destinations (spec.md §4.5 Offer
// verification).
type VerifyResult struct {
	MatchCompCount int
	Mismatch       bool
	Restart        bool
}

// VerifyOffer checks defaultDest (the m=/c= derived default destination
// per component) against the candidates the remote offer advertised,
// and compares the offered ufrag/pwd against any running session to
// detect a restart (spec.md §4.5 Offer verification).
func VerifyOffer(running *Session, remoteCandidates map[int][]Candidate, defaultDest map[int]string, offeredUfrag, offeredPwd string) VerifyResult {
	result := VerifyResult{}

	for comp, dest := range defaultDest {
		matched := false
		for _, c := range remoteCandidates[comp] {
			if candidateCoversDest(c, dest) {
				matched = true
				break
			}
		}
		if !matched {
			result.Mismatch = true
		} else {
			result.MatchCompCount++
		}
	}

	if running != nil && (running.Ufrag != offeredUfrag || running.Pwd != offeredPwd) {
		result.Restart = true
	}

	return result
}

// candidateCoversDest reports whether candidate c's address:port equals
// dest (formatted "host:port").
func candidateCoversDest(c Candidate, dest string) bool {
	return c.Address+":"+strconv.Itoa(c.Port) == dest
}

// EncodeAnswerMedia builds the answer-side attributes. If mismatch is
// true, ICE is disabled for the stream: emit a=ice-mismatch and no
// candidates (spec.md §4.5 Answer encoding).
func (s *Session) EncodeAnswerMedia(md *sdp.MediaDescription, matchCompCount int, mismatch bool) {
	if mismatch {
		md.Attributes = []sdp.Attribute{{Key: "ice-mismatch"}}
		return
	}

	hasRTCP := matchCompCount >= 2
	s.EncodeMedia(md, hasRTCP, "")
}

func connectionInfo(addr string) *sdp.ConnectionInformation {
	addrType := "IP4"
	c := Candidate{Address: addr}
	if c.IsIPv6() {
		addrType = "IP6"
	}
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addrType,
		Address:     &sdp.Address{Address: addr},
	}
}

func candidateAttrs(cands []Candidate) []sdp.Attribute {
	out := make([]sdp.Attribute, 0, len(cands))
	for _, c := range cands {
		out = append(out, sdp.Attribute{Key: "candidate", Value: c.String()})
	}
	return out
}

func rtcpAttrValue(local Candidate) string {
	addrType := "IP4"
	if local.IsIPv6() {
		addrType = "IP6"
	}
	return strconv.Itoa(local.Port) + " IN " + addrType + " " + local.Address
}

func remoteCandidatesValue(s *Session) string {
	out := ""
	for _, comp := range orderedComponents(s) {
		if comp.Nominated == nil {
			continue
		}
		if out != "" {
			out += " "
		}
		out += strconv.Itoa(comp.ID) + " " + comp.Nominated.Remote.Address + " " + strconv.Itoa(comp.Nominated.Remote.Port)
	}
	return out
}

func orderedComponents(s *Session) []*Component {
	out := make([]*Component, 0, len(s.Components))
	if c, ok := s.Components[1]; ok {
		out = append(out, c)
	}
	if c, ok := s.Components[2]; ok {
		out = append(out, c)
	}
	return out
}

func dropRTCPAttr(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Key == "rtcp" {
			continue
		}
		out = append(out, a)
	}
	return out
}
