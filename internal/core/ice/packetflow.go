package ice

import (
	"math/rand"
	"net"
)

// rtpNatProbationCount and rtcpNatProbationCount mirror pjproject's
// PJMEDIA_RTP_NAT_PROBATION_CNT / PJMEDIA_RTCP_NAT_PROBATION_CNT: the
// number of consecutive packets from a new source address required
// before symmetric-RTP/RTCP learning switches the destination. The
// retrieved original_source subset does not carry the #define itself;
// 10 is pjproject's documented default for both.
const (
	rtpNatProbationCount  = 10
	rtcpNatProbationCount = 10
)

// PacketCallback receives a demultiplexed packet's payload and source
// address for a single component.
type PacketCallback func(payload []byte, src *net.UDPAddr)

// sourceLearner implements symmetric-RTP/RTCP learning for the legacy
// (ICE-disabled) path: it only switches the learned remote address
// once probationCount consecutive packets have arrived from the same
// new source (spec.md §4.5 Packet flow; transport_ice.c's NAT
// probation counters).
type sourceLearner struct {
	probationCount int

	learned *net.UDPAddr
	pending *net.UDPAddr
	streak  int
}

func newSourceLearner(probationCount int) *sourceLearner {
	return &sourceLearner{probationCount: probationCount}
}

// Observe records a packet from src and reports the address callers
// should treat as the current remote endpoint.
func (l *sourceLearner) Observe(src *net.UDPAddr) *net.UDPAddr {
	if l.learned == nil {
		l.learned = src
		return l.learned
	}
	if addrEqual(l.learned, src) {
		l.pending = nil
		l.streak = 0
		return l.learned
	}
	if l.pending != nil && addrEqual(l.pending, src) {
		l.streak++
	} else {
		l.pending = src
		l.streak = 1
	}
	if l.streak >= l.probationCount {
		l.learned = l.pending
		l.pending = nil
		l.streak = 0
	}
	return l.learned
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// ComponentFlow demultiplexes packets for one ICE component to RTP and
// RTCP callbacks, applying symmetric learning when iceEnabled is false
// and an optional loss simulation drop rate on the outgoing path.
type ComponentFlow struct {
	ID int

	iceEnabled bool
	rtpLearn   *sourceLearner
	rtcpLearn  *sourceLearner

	OnRTP  PacketCallback
	OnRTCP PacketCallback

	// DropProbability, in [0,1], is the probability an outgoing packet
	// is silently dropped to simulate loss (spec.md §4.5 Packet flow).
	DropProbability float64
	randFloat       func() float64
}

// NewComponentFlow creates a flow for a component. iceEnabled disables
// symmetric learning once ICE has nominated a pair; it stays enabled
// for the legacy non-ICE fallback path.
func NewComponentFlow(id int, iceEnabled bool) *ComponentFlow {
	return &ComponentFlow{
		ID:         id,
		iceEnabled: iceEnabled,
		rtpLearn:   newSourceLearner(rtpNatProbationCount),
		rtcpLearn:  newSourceLearner(rtcpNatProbationCount),
		randFloat:  rand.Float64,
	}
}

// DeliverRTP demultiplexes an inbound RTP packet, applying symmetric
// learning first if ICE is disabled for this stream.
func (f *ComponentFlow) DeliverRTP(payload []byte, src *net.UDPAddr) {
	if !f.iceEnabled {
		src = f.rtpLearn.Observe(src)
	}
	if f.OnRTP != nil {
		f.OnRTP(payload, src)
	}
}

// DeliverRTCP demultiplexes an inbound RTCP packet.
func (f *ComponentFlow) DeliverRTCP(payload []byte, src *net.UDPAddr) {
	if !f.iceEnabled {
		src = f.rtcpLearn.Observe(src)
	}
	if f.OnRTCP != nil {
		f.OnRTCP(payload, src)
	}
}

// ShouldDropOutgoing reports whether an outgoing packet should be
// dropped per DropProbability, for loss simulation.
func (f *ComponentFlow) ShouldDropOutgoing() bool {
	if f.DropProbability <= 0 {
		return false
	}
	return f.randFloat() < f.DropProbability
}
