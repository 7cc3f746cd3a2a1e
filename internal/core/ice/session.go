package ice

import (
	"crypto/rand"
)

// Role is the ICE-agent controlling/controlled role (spec.md §4.5 Role
// selection).
type Role int

const (
	Controlling Role = iota
	Controlled
)

func (r Role) String() string {
	if r == Controlling {
		return "Controlling"
	}
	return "Controlled"
}

// DetermineRole implements spec.md §4.5's role-selection rule: on
// initial offer we are offerer => Controlling; on receiving an offer we
// are answerer => Controlled, unless the offerer advertises
// session-level a=ice-lite, in which case we become Controlling.
func DetermineRole(weAreOfferer bool, peerIsIceLite bool) Role {
	if weAreOfferer {
		return Controlling
	}
	if peerIsIceLite {
		return Controlling
	}
	return Controlled
}

// credentialAlphabet is the "random 8-character alphabet" spec.md §4.5
// specifies for ufrag/pwd regeneration on restart.
const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateCredential returns an 8-character random credential drawn from
// credentialAlphabet, used for both ice-ufrag and ice-pwd.
func GenerateCredential() string {
	return randomString(8)
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader never fails in
		// practice; fall back to a fixed-zero buffer rather than
		// panicking mid-offer.
		for i := range buf {
			buf[i] = 0
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = credentialAlphabet[int(b)%len(credentialAlphabet)]
	}
	return string(out)
}

// CandidatePair is a local/remote candidate pairing, used to describe
// the nominated pair of a completed component.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate
}

// Component holds one component's (RTP=1, RTCP=2) negotiated candidate
// set and nominated pair, once ICE processing has run.
type Component struct {
	ID              int
	LocalCandidates []Candidate

	// Nominated is the highest-priority nominated pair, set once ICE
	// has completed for this component.
	Nominated *CandidatePair

	// RemoteCandidates lists the candidates the peer offered for this
	// component, used for offer verification and a=remote-candidates.
	RemoteCandidates []Candidate
}

// Session is the per-media-stream ICE negotiation state (spec.md §4.5,
// §9 coroutine-style callbacks: modeled here as a plain struct mutated
// by the owning dialog's serializer rather than as a state machine with
// its own goroutine).
type Session struct {
	Role Role

	Ufrag string
	Pwd   string

	Components map[int]*Component

	// Completed is true once ICE processing has produced a nominated
	// pair for every component.
	Completed bool

	// Restarting is true for the one offer/answer exchange that
	// regenerates Ufrag/Pwd (spec.md §4.5 Offer encoding: "If the
	// offer is a restart, regenerate both ufrag and pwd").
	Restarting bool
}

// NewSession creates a fresh ICE session with freshly generated
// credentials and no negotiated components yet.
func NewSession(role Role) *Session {
	return &Session{
		Role:       role,
		Ufrag:      GenerateCredential(),
		Pwd:        GenerateCredential(),
		Components: make(map[int]*Component),
	}
}

// Restart regenerates Ufrag/Pwd and marks the session as mid-restart,
// clearing any nominated pairs so a fresh encode emits the full
// candidate list (spec.md §4.5 Offer encoding).
func (s *Session) Restart() {
	s.Ufrag = GenerateCredential()
	s.Pwd = GenerateCredential()
	s.Restarting = true
	s.Completed = false
	for _, c := range s.Components {
		c.Nominated = nil
	}
}

// SetComponent installs (or replaces) the negotiated candidate set for
// a component.
func (s *Session) SetComponent(c *Component) {
	s.Components[c.ID] = c
}

// AllNominated reports whether every known component has a nominated
// pair, the precondition spec.md §4.5 Offer encoding checks before
// emitting the single-pair form.
func (s *Session) AllNominated() bool {
	if len(s.Components) == 0 {
		return false
	}
	for _, c := range s.Components {
		if c.Nominated == nil {
			return false
		}
	}
	return true
}
