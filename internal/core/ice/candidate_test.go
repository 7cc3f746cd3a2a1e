package ice

import "testing"

func TestCandidateRoundTrip(t *testing.T) {
	cases := []Candidate{
		{Foundation: "1", Component: 1, Priority: 2130706431, Address: "192.168.1.10", Port: 5000, Type: TypeHost},
		{Foundation: "2", Component: 2, Priority: 1694498815, Address: "203.0.113.5", Port: 5001, Type: TypeSrflx, RelatedAddress: "192.168.1.10", RelatedPort: 5001},
		{Foundation: "3", Component: 1, Priority: 1694498815, Address: "fe80::1", Port: 5002, Type: TypeRelay, RelatedAddress: "203.0.113.5", RelatedPort: 5002},
	}

	for _, want := range cases {
		printed := want.String()
		got, err := ParseCandidate(printed)
		if err != nil {
			t.Fatalf("ParseCandidate(%q): %v", printed, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %#v, got %#v", want, got)
		}
	}
}

func TestCandidateRoundTripCaseInsensitiveType(t *testing.T) {
	c, err := ParseCandidate("1 1 UDP 2130706431 192.168.1.10 5000 typ HOST")
	if err != nil {
		t.Fatalf("ParseCandidate: %v", err)
	}
	if c.Type != TypeHost {
		t.Fatalf("Type = %q, want %q", c.Type, TypeHost)
	}
}

func TestIsIPv6(t *testing.T) {
	if (Candidate{Address: "192.168.1.1"}).IsIPv6() {
		t.Fatal("192.168.1.1 should not be IPv6")
	}
	if !(Candidate{Address: "fe80::1"}).IsIPv6() {
		t.Fatal("fe80::1 should be IPv6")
	}
}

func TestParseCandidateRejectsShortValue(t *testing.T) {
	if _, err := ParseCandidate("1 1 UDP 100"); err == nil {
		t.Fatal("expected error for malformed candidate")
	}
}

func TestParseCandidateRejectsNonUDP(t *testing.T) {
	if _, err := ParseCandidate("1 1 TCP 2130706431 192.168.1.10 5000 typ host"); err == nil {
		t.Fatal("expected error for non-UDP transport")
	}
}
