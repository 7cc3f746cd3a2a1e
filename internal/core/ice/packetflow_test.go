package ice

import (
	"net"
	"testing"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestSourceLearnerLearnsFirstSource(t *testing.T) {
	l := newSourceLearner(10)
	got := l.Observe(udpAddr("192.168.1.10", 5000))
	if !addrEqual(got, udpAddr("192.168.1.10", 5000)) {
		t.Fatalf("learned = %v, want first source", got)
	}
}

func TestSourceLearnerRequiresProbationBeforeSwitching(t *testing.T) {
	l := newSourceLearner(3)
	l.Observe(udpAddr("192.168.1.10", 5000))

	for i := 0; i < 2; i++ {
		got := l.Observe(udpAddr("203.0.113.5", 6000))
		if !addrEqual(got, udpAddr("192.168.1.10", 5000)) {
			t.Fatalf("iteration %d: switched before reaching probation count", i)
		}
	}

	got := l.Observe(udpAddr("203.0.113.5", 6000))
	if !addrEqual(got, udpAddr("203.0.113.5", 6000)) {
		t.Fatal("expected switch after reaching probation count")
	}
}

func TestSourceLearnerResetsStreakOnInterruption(t *testing.T) {
	l := newSourceLearner(3)
	l.Observe(udpAddr("192.168.1.10", 5000))
	l.Observe(udpAddr("203.0.113.5", 6000))
	l.Observe(udpAddr("192.168.1.10", 5000))

	got := l.Observe(udpAddr("203.0.113.5", 6000))
	if !addrEqual(got, udpAddr("192.168.1.10", 5000)) {
		t.Fatal("a packet from the original source should reset the pending streak")
	}
}

func TestComponentFlowDeliverRTPAppliesLearningWhenICEDisabled(t *testing.T) {
	flow := NewComponentFlow(1, false)
	var gotSrc *net.UDPAddr
	flow.OnRTP = func(payload []byte, src *net.UDPAddr) { gotSrc = src }

	flow.DeliverRTP([]byte("payload"), udpAddr("192.168.1.10", 5000))
	if !addrEqual(gotSrc, udpAddr("192.168.1.10", 5000)) {
		t.Fatalf("first delivered source = %v, want learned source", gotSrc)
	}
}

func TestComponentFlowDeliverRTPBypassesLearningWhenICEEnabled(t *testing.T) {
	flow := NewComponentFlow(1, true)
	var gotSrc *net.UDPAddr
	flow.OnRTP = func(payload []byte, src *net.UDPAddr) { gotSrc = src }

	flow.DeliverRTP([]byte("payload"), udpAddr("192.168.1.10", 5000))
	flow.DeliverRTP([]byte("payload"), udpAddr("203.0.113.5", 6000))
	if !addrEqual(gotSrc, udpAddr("203.0.113.5", 6000)) {
		t.Fatal("ICE-enabled flow should pass through the raw source unmodified")
	}
}

func TestShouldDropOutgoingZeroProbabilityNeverDrops(t *testing.T) {
	flow := NewComponentFlow(1, true)
	for i := 0; i < 100; i++ {
		if flow.ShouldDropOutgoing() {
			t.Fatal("zero drop probability should never drop a packet")
		}
	}
}

func TestShouldDropOutgoingFullProbabilityAlwaysDrops(t *testing.T) {
	flow := NewComponentFlow(1, true)
	flow.DropProbability = 1
	flow.randFloat = func() float64 { return 0 }
	if !flow.ShouldDropOutgoing() {
		t.Fatal("probability 1 should always drop")
	}
}
