package model

import "time"

// OutboundRegistration is configuration for one outgoing REGISTER client
// (spec.md §3).
type OutboundRegistration struct {
	ID string

	ServerURI string
	ClientURI string // AOR
	ContactUser         string
	ContactHeaderParams map[string]string
	TransportName       string
	OutboundProxy       string

	Expiration              int
	MaxRandomInitialDelay   int
	RetryInterval           int
	ForbiddenRetryInterval  int
	FatalRetryInterval      int
	MaxRetries              int
	AuthRejectionPermanent  bool

	OutboundAuth []string
	SupportPath     bool
	SupportOutbound bool

	Line         bool
	LineEndpoint string

	SecurityNegotiation string // "", "mediasec"
}

// OutboundRegState is the reduced, externally visible label for an
// OutboundRegistrationClientState (spec.md §4.2 States).
type OutboundRegState int

const (
	OutboundUnregistered OutboundRegState = iota
	OutboundRegistered
	OutboundRejectedTemporary
	OutboundRejectedPermanent
	OutboundStopping
	OutboundStopped
)

func (s OutboundRegState) String() string {
	switch s {
	case OutboundUnregistered:
		return "Unregistered"
	case OutboundRegistered:
		return "Registered"
	case OutboundRejectedTemporary:
		return "RejectedTemporary"
	case OutboundRejectedPermanent:
		return "RejectedPermanent"
	case OutboundStopping:
		return "Stopping"
	case OutboundStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ExternalLabel reduces the six internal states to the three an observer
// is allowed to see (spec.md §4.2 States).
func (s OutboundRegState) ExternalLabel() string {
	switch s {
	case OutboundRegistered:
		return "Registered"
	case OutboundRejectedTemporary, OutboundRejectedPermanent:
		return "Rejected"
	default:
		return "Unregistered"
	}
}

// OutboundRegistrationClientState is the per-registration FSM runtime
// record (spec.md §3).
type OutboundRegistrationClientState struct {
	RegistrationName string
	TransportName    string

	Status OutboundRegState

	LastRequestCallID string
	LastRequestCSeq   uint32

	Retries int

	RetryInterval          int
	ForbiddenRetryInterval int
	FatalRetryInterval     int
	MaxRetries             int

	Line string

	LastResponseCode int
	RegistrationExpiresAt time.Time

	// SecurityServerHeaders accumulates RFC 3329 Security-Server values
	// when SecurityNegotiation == "mediasec" (spec.md §4.2 Response handling).
	SecurityServerHeaders []string
}

// IsTemporal classifies a SIP response per spec.md §4.2 Temporal vs
// fatal classification.
func IsTemporal(statusCode int, authRejectionPermanent bool) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	}
	if statusCode >= 600 && statusCode < 700 {
		return true
	}
	if statusCode == 401 || statusCode == 407 {
		return !authRejectionPermanent
	}
	return false
}
