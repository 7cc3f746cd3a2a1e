// Package configstore loads the endpoint/AOR/outbound-registration/
// identify configuration schema (spec.md §6 Configuration schema) from
// a JSON file and serves lock-free reads via copy-on-write snapshots.
//
// Grounded on internal/signaling/dialplan/dialplan.go's
// atomic.Pointer[...] load/reload shape (JSON file -> immutable
// snapshot, swapped atomically on Reload).
package configstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

// endpointFile is the JSON shape of one `endpoint` record (spec.md §3).
type endpointFile struct {
	ID              string   `json:"id"`
	Context         string   `json:"context"`
	Aors            string   `json:"aors"`
	IdentifyBy      []string `json:"identify_by"`
	InboundAuth     []string `json:"inbound_auth"`
	OutboundAuth    []string `json:"outbound_auth"`
	Transport       string   `json:"transport"`
	DTMFMode        string   `json:"dtmf_mode"`
	SRTPPolicy      string   `json:"srtp_policy"`
	Support100rel   bool     `json:"100rel"`
	SessionTimers   string   `json:"session_timers"`
	RTPGroup        string   `json:"rtp_group"`
	PickupGroup     string   `json:"pickup_group"`
	TOS             int      `json:"tos"`
	CoS             int      `json:"cos"`
}

// aorFile is the JSON shape of one `aor` record (spec.md §3).
// Expiration/qualify fields are pointers so an absent field (fall back
// to the process-wide Defaults) is distinguishable from an explicit
// zero (e.g. qualify_frequency: 0, meaning "qualify disabled").
type aorFile struct {
	ID                  string   `json:"id"`
	MaxContacts         int      `json:"max_contacts"`
	MinimumExpiration   *int     `json:"minimum_expiration"`
	DefaultExpiration   int      `json:"default_expiration"`
	MaximumExpiration   *int     `json:"maximum_expiration"`
	QualifyFrequency    *int     `json:"qualify_frequency"`
	QualifyTimeout      *int     `json:"qualify_timeout"`
	AuthenticateQualify bool     `json:"authenticate_qualify"`
	RemoveExisting      bool     `json:"remove_existing"`
	SupportPath         bool     `json:"support_path"`
	PermanentContacts   []string `json:"permanent_contacts"`
}

// Defaults are applied to AOR fields a configuration record omits
// (spec.md §3, same role as res_pjsip's sorcery field defaults:
// minimum_expiration 60, maximum_expiration 7200, qualify_frequency 0,
// qualify_timeout 3 in the original).
type Defaults struct {
	QualifyFrequency  int
	QualifyTimeout    int
	MinimumExpiration int
	MaximumExpiration int
}

func intOr(p *int, fallback int) int {
	if p != nil {
		return *p
	}
	return fallback
}

// outboundFile is the JSON shape of one `registration` record (spec.md §3).
type outboundFile struct {
	ID                     string            `json:"id"`
	ServerURI              string            `json:"server_uri"`
	ClientURI              string            `json:"client_uri"`
	ContactUser            string            `json:"contact_user"`
	ContactHeaderParams    map[string]string `json:"contact_header_params"`
	Transport              string            `json:"transport"`
	OutboundProxy          string            `json:"outbound_proxy"`
	Expiration             int               `json:"expiration"`
	MaxRandomInitialDelay  int               `json:"max_random_initial_delay"`
	RetryInterval          int               `json:"retry_interval"`
	ForbiddenRetryInterval int               `json:"forbidden_retry_interval"`
	FatalRetryInterval     int               `json:"fatal_retry_interval"`
	MaxRetries             int               `json:"max_retries"`
	AuthRejectionPermanent bool              `json:"auth_rejection_permanent"`
	OutboundAuth           []string          `json:"outbound_auth"`
	SupportPath            bool              `json:"support_path"`
	SupportOutbound        bool              `json:"support_outbound"`
	Line                   bool              `json:"line"`
	LineEndpoint           string            `json:"line_endpoint"`
	SecurityNegotiation    string            `json:"security_negotiation"`
}

// identifyFile is the JSON shape of one `identify` record (spec.md §3).
type identifyFile struct {
	ID               string   `json:"id"`
	Endpoint         string   `json:"endpoint"`
	Match            []string `json:"match"`
	MatchHeaderName  string   `json:"match_header_name"`
	MatchHeaderValue string   `json:"match_header_value"`
}

// file is the top-level JSON document shape.
type file struct {
	Endpoints     []endpointFile `json:"endpoints"`
	Aors          []aorFile      `json:"aors"`
	Registrations []outboundFile `json:"registrations"`
	Identify      []identifyFile `json:"identify"`
}

// Snapshot is one immutable, fully parsed configuration generation.
type Snapshot struct {
	Endpoints     map[string]*model.Endpoint
	Aors          map[string]*model.AOR
	Registrations map[string]*model.OutboundRegistration
	IdentifyRules []*model.IdentifyRule
}

// Store serves lock-free reads of the current Snapshot, reloadable
// from disk without disrupting in-flight readers.
type Store struct {
	snapshot atomic.Pointer[Snapshot]
	path     string
	defaults Defaults
}

// New loads path and returns a Store, or an error if the initial load
// fails. AOR fields omitted from the file are left at their Go zero
// value; use NewWithDefaults to apply process-wide fallbacks.
func New(path string) (*Store, error) {
	return NewWithDefaults(path, Defaults{})
}

// NewWithDefaults loads path the same way as New, applying d to any
// AOR expiration/qualify field the file omits.
func NewWithDefaults(path string, d Defaults) (*Store, error) {
	s := &Store{path: path, defaults: d}
	if err := s.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return s, nil
}

// Reload re-reads the configuration file and atomically swaps in the
// new snapshot. A parse failure leaves the prior snapshot in place
// (spec.md §7: configuration errors fail the apply, leave prior state
// intact).
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	snap := &Snapshot{
		Endpoints:     make(map[string]*model.Endpoint, len(f.Endpoints)),
		Aors:          make(map[string]*model.AOR, len(f.Aors)),
		Registrations: make(map[string]*model.OutboundRegistration, len(f.Registrations)),
	}

	for _, e := range f.Endpoints {
		snap.Endpoints[e.ID] = &model.Endpoint{
			ID:              e.ID,
			Context:         e.Context,
			AORs:            model.AORNames(e.Aors),
			IdentifyMethods: identifyMethods(e.IdentifyBy),
			InboundAuth:     e.InboundAuth,
			OutboundAuth:    e.OutboundAuth,
			TransportName:   e.Transport,
			DTMFMode:        e.DTMFMode,
			SRTPPolicy:      e.SRTPPolicy,
			Support100rel:   e.Support100rel,
			SessionTimers:   e.SessionTimers,
			RTPGroup:        e.RTPGroup,
			PickupGroup:     e.PickupGroup,
			TOS:             e.TOS,
			CoS:             e.CoS,
		}
	}

	for _, a := range f.Aors {
		snap.Aors[a.ID] = &model.AOR{
			ID:                  a.ID,
			MaxContacts:         a.MaxContacts,
			MinimumExpiration:   intOr(a.MinimumExpiration, s.defaults.MinimumExpiration),
			DefaultExpiration:   a.DefaultExpiration,
			MaximumExpiration:   intOr(a.MaximumExpiration, s.defaults.MaximumExpiration),
			QualifyFrequency:    intOr(a.QualifyFrequency, s.defaults.QualifyFrequency),
			QualifyTimeout:      intOr(a.QualifyTimeout, s.defaults.QualifyTimeout),
			AuthenticateQualify: a.AuthenticateQualify,
			RemoveExisting:      a.RemoveExisting,
			SupportPath:         a.SupportPath,
			PermanentContacts:   a.PermanentContacts,
		}
	}

	for _, r := range f.Registrations {
		snap.Registrations[r.ID] = &model.OutboundRegistration{
			ID:                     r.ID,
			ServerURI:              r.ServerURI,
			ClientURI:              r.ClientURI,
			ContactUser:            r.ContactUser,
			ContactHeaderParams:    r.ContactHeaderParams,
			TransportName:          r.Transport,
			OutboundProxy:          r.OutboundProxy,
			Expiration:             r.Expiration,
			MaxRandomInitialDelay:  r.MaxRandomInitialDelay,
			RetryInterval:          r.RetryInterval,
			ForbiddenRetryInterval: r.ForbiddenRetryInterval,
			FatalRetryInterval:     r.FatalRetryInterval,
			MaxRetries:             r.MaxRetries,
			AuthRejectionPermanent: r.AuthRejectionPermanent,
			OutboundAuth:           r.OutboundAuth,
			SupportPath:            r.SupportPath,
			SupportOutbound:        r.SupportOutbound,
			Line:                   r.Line,
			LineEndpoint:           r.LineEndpoint,
			SecurityNegotiation:    r.SecurityNegotiation,
		}
	}

	for _, id := range f.Identify {
		rule := &model.IdentifyRule{
			ID:               id.ID,
			Endpoint:         id.Endpoint,
			MatchHeaderName:  id.MatchHeaderName,
			MatchHeaderValue: id.MatchHeaderValue,
		}
		for _, m := range id.Match {
			if _, cidr, err := net.ParseCIDR(m); err == nil {
				rule.Nets = append(rule.Nets, cidr)
				continue
			}
			if ip := net.ParseIP(m); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				rule.Nets = append(rule.Nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
			rule.Hostnames = append(rule.Hostnames, m)
		}
		snap.IdentifyRules = append(snap.IdentifyRules, rule)
	}

	s.snapshot.Store(snap)
	return nil
}

func identifyMethods(raw []string) []model.IdentifyMethod {
	out := make([]model.IdentifyMethod, 0, len(raw))
	for _, r := range raw {
		out = append(out, model.IdentifyMethod(r))
	}
	return out
}

// Endpoints returns the current snapshot's endpoint map.
func (s *Store) Endpoints() map[string]*model.Endpoint {
	return s.snapshot.Load().Endpoints
}

// Aors returns the current snapshot's AOR map.
func (s *Store) Aors() map[string]*model.AOR {
	return s.snapshot.Load().Aors
}

// Registrations returns the current snapshot's outbound registration map.
func (s *Store) Registrations() map[string]*model.OutboundRegistration {
	return s.snapshot.Load().Registrations
}

// IdentifyRules returns the current snapshot's identify rules, in
// configuration file order (spec.md §4.4: identifiers are ordered).
func (s *Store) IdentifyRules() []*model.IdentifyRule {
	return s.snapshot.Load().IdentifyRules
}
