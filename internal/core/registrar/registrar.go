// Package registrar implements the inbound AOR/contact registrar
// (spec.md §4.1, L2): validates and applies REGISTER requests against
// an AOR's contact set, enforcing expiration bounds and max_contacts.
//
// Grounded on internal/signaling/registration/handler.go and
// internal/signaling/location/store.go (the teacher already implements
// "parse REGISTER, validate Contact/Expires, mutate a keyed binding
// store, build 200 OK" for this exact protocol); supplemented from
// original_source/res/res_pjsip/location.c and res_pjsip_registrar.c
// for Path aggregation, the 423 Interval Too Brief path, and the
// contact-id scheme.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/store"
	"github.com/asterisk/pjsipcore/internal/core/telemetry"
)

// Responder is the narrow subset of sip.ServerTransaction the
// registrar needs: sending the one response a REGISTER transaction
// gets.
type Responder interface {
	Respond(res *sip.Response) error
}

// StatusError pairs a SIP status code with a reason phrase, the shape
// every pre-validation rejection in spec.md §4.1 needs.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string { return fmt.Sprintf("%d %s", e.Code, e.Reason) }

// Pre-validation errors (spec.md §4.1 Pre-validation).
var (
	ErrBadScheme        = &StatusError{Code: 416, Reason: "Unsupported URI Scheme"}
	ErrNoMatchingAOR    = &StatusError{Code: 404, Reason: "Not Found"}
	ErrAORDisabled      = &StatusError{Code: 403, Reason: "Forbidden"}
	ErrMalformedContact = &StatusError{Code: 400, Reason: "Bad Request"}
	ErrPathNotSupported = &StatusError{Code: 420, Reason: "Bad Extension"}
	ErrMaxContacts      = &StatusError{Code: 403, Reason: "Forbidden"}
	ErrIntervalTooBrief = &StatusError{Code: 423, Reason: "Interval Too Brief"}
)

// Registrar applies REGISTER requests to the contact store.
type Registrar struct {
	Contacts    *store.ContactStore
	Statuses    *store.ContactStatusTable
	Serializers *serializer.Registry
	Telemetry   telemetry.Telemetry
	InstanceID  string // reg_server stamp for this process

	// OnContactChanged, if set, is invoked (inside the AOR's
	// serializer, after the mutation completes) so the availability
	// engine (spec.md §4.3) can recompute AOR availability.
	OnContactChanged func(aorName string)

	Now func() time.Time // overridable for tests; defaults to time.Now
}

func (r *Registrar) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// contactInput is a parsed, not-yet-applied Contact header value.
type contactInput struct {
	star       bool
	uri        string
	expires    int
	expiresSet bool
}

// HandleRegister validates and applies req against aor, on behalf of
// ep, replying on tx.
func (r *Registrar) HandleRegister(req *sip.Request, tx Responder, ep *model.Endpoint, aorName string, aor *model.AOR) error {
	to := req.To()
	if to == nil || (to.Address.Scheme != "sip" && to.Address.Scheme != "sips") {
		return r.reject(tx, req, ErrBadScheme)
	}
	if aor == nil || ep == nil || !ep.HasAOR(aorName) {
		return r.reject(tx, req, ErrNoMatchingAOR)
	}
	if !aor.RegistrationEnabled() {
		return r.reject(tx, req, ErrAORDisabled)
	}

	inputs, err := parseContacts(req)
	if err != nil {
		return r.reject(tx, req, ErrMalformedContact)
	}

	if len(req.GetHeaders("Path")) > 0 && !supportsPath(req) && !aor.SupportPath {
		return r.reject(tx, req, ErrPathNotSupported)
	}

	if se := r.checkIntervalTooBrief(aor, inputs); se != nil {
		return r.reject(tx, req, se)
	}

	// Apply atomically on the AOR's own serializer (spec.md §4.1
	// Atomicity, §5 Threading: "registrar:<aor>").
	resultCh := make(chan error, 1)
	r.Serializers.ForRegistrarAOR(aorName).Push(func(_ context.Context) {
		resultCh <- r.apply(req, tx, ep, aorName, aor, inputs)
	})
	return <-resultCh
}

// checkIntervalTooBrief implements the original_source/location.c 423
// path: every Contact that requests a nonzero expiration below the
// AOR's minimum_expiration rejects the whole REGISTER rather than
// silently clamping upward.
func (r *Registrar) checkIntervalTooBrief(aor *model.AOR, inputs []contactInput) *StatusError {
	for _, in := range inputs {
		if in.star || !in.expiresSet || in.expires == 0 {
			continue
		}
		if in.expires < aor.MinimumExpiration {
			return ErrIntervalTooBrief
		}
	}
	return nil
}

// apply runs the atomicity steps of spec.md §4.1 inside the AOR
// serializer.
func (r *Registrar) apply(req *sip.Request, tx Responder, ep *model.Endpoint, aorName string, aor *model.AOR, inputs []contactInput) error {
	now := r.now()
	working := r.Contacts.DynamicByAOR(aorName) // step 1+2: dynamic only, permanents untouched

	pathValue := joinPaths(req)
	userAgent := headerValue(req, "User-Agent")

	// Track which working contacts survive this REGISTER so
	// remove_existing can prune the rest in step 4.
	survivors := make(map[string]bool, len(working))
	for _, c := range working {
		survivors[c.ID] = true
	}

	// Pre-check max_contacts against the net effect of applying every
	// input, per spec.md §4.1 Pre-validation's capacity rule: existing
	// minus deletes, plus adds, plus (if !remove_existing) the
	// currently stored contacts themselves.
	if se := r.checkMaxContacts(aor, working, inputs); se != nil {
		return r.reject(tx, req, se)
	}

	for _, in := range inputs {
		if in.star {
			// '*' with Expires: 0 deletes every contact in the working set.
			for _, c := range working {
				r.removeContact(aorName, c, userAgent)
				delete(survivors, c.ID)
			}
			continue
		}

		exp := in.expires
		if !in.expiresSet {
			exp = expiresHeaderValueOrDefault(req, aor.DefaultExpiration)
		}
		exp = aor.ClampExpiration(exp)

		existing := findByURI(working, in.uri)

		switch {
		case existing == nil && exp == 0:
			// Idempotent no-op.
			slog.Info("registrar no-op unregister of unknown contact", "aor", aorName, "uri", in.uri)
		case existing == nil && exp > 0:
			c := &model.Contact{
				ID:             model.NewDynamicContactID(aorName, in.uri),
				AORID:          aorName,
				URI:            in.uri,
				ExpirationTime: now.Add(time.Duration(exp) * time.Second),
				Path:           pathValue,
				UserAgent:      userAgent,
				EndpointName:   ep.ID,
				RegServer:      r.InstanceID,
				PruneOnBoot:    true,
			}
			r.Contacts.Put(c.ID, c)
			r.Statuses.Put(c.ID, model.ContactStatus{ContactID: c.ID, URI: c.URI, AOR: aorName, Status: model.StatusCreated})
			survivors[c.ID] = true
			r.logEvent("created", c.URI, aorName, exp, userAgent)
		case existing != nil && exp > 0:
			updated := *existing
			updated.ExpirationTime = now.Add(time.Duration(exp) * time.Second)
			updated.Path = pathValue
			updated.UserAgent = userAgent
			r.Contacts.Put(updated.ID, &updated)
			survivors[updated.ID] = true
			r.logEvent("refreshed", updated.URI, aorName, exp, userAgent)
		case existing != nil && exp == 0:
			r.removeContact(aorName, existing, userAgent)
			delete(survivors, existing.ID)
		}
	}

	if aor.RemoveExisting {
		for _, c := range working {
			if !survivors[c.ID] {
				continue // already removed above
			}
			// Anything present before this REGISTER that wasn't
			// explicitly refreshed by one of its Contact headers is
			// pruned too (step 4: remove_existing replaces rather
			// than augments).
			if !touchedBy(c, inputs) {
				r.removeContact(aorName, c, userAgent)
				delete(survivors, c.ID)
			}
		}
	}

	r.publishGauges()

	if r.OnContactChanged != nil {
		r.OnContactChanged(aorName)
	}

	return r.sendOK(tx, req, aorName, now)
}

// publishGauges pushes the process-wide contact-state and registration-count
// gauges named in spec.md §6. Cheap enough to recompute on every REGISTER
// since it only scans the in-memory status table.
func (r *Registrar) publishGauges() {
	if r.Telemetry == nil {
		return
	}
	counts := r.Statuses.CountByStatus()
	for _, state := range []model.ContactStatusValue{
		model.StatusCreated, model.StatusUnknown, model.StatusReachable,
		model.StatusUnreachable, model.StatusRemoved,
	} {
		r.Telemetry.SetContactStateGauge(state.String(), counts[state])
	}
	r.Telemetry.SetRegistrationCount(len(r.Statuses.All()))
}

func touchedBy(c *model.Contact, inputs []contactInput) bool {
	for _, in := range inputs {
		if !in.star && in.uri == c.URI {
			return true
		}
	}
	return false
}

func (r *Registrar) removeContact(aorName string, c *model.Contact, userAgent string) {
	r.Contacts.Delete(c.ID)
	r.Statuses.Remove(c.ID)
	r.logEvent("removed", c.URI, aorName, 0, userAgent)
}

// checkMaxContacts implements spec.md §4.1's capacity rule exactly:
// "existing contacts minus deletes, plus adds, plus, when
// remove_existing == false, the currently stored contacts".
func (r *Registrar) checkMaxContacts(aor *model.AOR, working []*model.Contact, inputs []contactInput) *StatusError {
	existingByURI := make(map[string]*model.Contact, len(working))
	for _, c := range working {
		existingByURI[c.URI] = c
	}

	deletes, adds := 0, 0
	for _, in := range inputs {
		if in.star {
			deletes += len(working)
			continue
		}
		exp := in.expires
		if !in.expiresSet {
			exp = aor.DefaultExpiration
		}
		if _, found := existingByURI[in.uri]; found {
			if exp == 0 {
				deletes++
			}
		} else if exp > 0 {
			adds++
		}
	}

	count := len(working) - deletes + adds
	if !aor.RemoveExisting {
		count += len(working)
	}
	if count > aor.MaxContacts {
		return ErrMaxContacts
	}
	return nil
}

func findByURI(contacts []*model.Contact, uri string) *model.Contact {
	for _, c := range contacts {
		if c.URI == uri {
			return c
		}
	}
	return nil
}

func joinPaths(req *sip.Request) string {
	hdrs := req.GetHeaders("Path")
	if len(hdrs) == 0 {
		return ""
	}
	parts := make([]string, len(hdrs))
	for i, h := range hdrs {
		parts[i] = h.Value()
	}
	return strings.Join(parts, ",")
}

func headerValue(req *sip.Request, name string) string {
	h := req.GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}

func supportsPath(req *sip.Request) bool {
	supported := req.GetHeader("Supported")
	if supported == nil {
		return false
	}
	for _, v := range strings.Split(supported.Value(), ",") {
		if strings.TrimSpace(v) == "path" {
			return true
		}
	}
	return false
}

func parseContacts(req *sip.Request) ([]contactInput, error) {
	hdrs := req.GetHeaders("Contact")
	var inputs []contactInput
	starCount := 0
	for _, h := range hdrs {
		ch, ok := h.(*sip.ContactHeader)
		if !ok {
			return nil, errors.New("malformed contact header")
		}
		if ch.Address.Wildcard {
			starCount++
			inputs = append(inputs, contactInput{star: true})
			continue
		}
		in := contactInput{uri: ch.Address.String()}
		if ch.Params != nil {
			if v, ok := ch.Params.Get("expires"); ok {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("malformed expires param: %w", err)
				}
				in.expires = n
				in.expiresSet = true
			}
		}
		inputs = append(inputs, in)
	}

	if starCount > 0 {
		if starCount > 1 || len(inputs) > 1 {
			return nil, errors.New("wildcard contact mixed with other contacts")
		}
		if v := expiresHeaderValue(req); v != 0 {
			return nil, errors.New("wildcard contact requires Expires: 0")
		}
	}
	return inputs, nil
}

// expiresHeaderValue returns the Expires header value, or 0 if absent
// (RFC 3261's default reading for wildcard validation).
func expiresHeaderValue(req *sip.Request) int {
	h := req.GetHeader("Expires")
	if h == nil {
		return 0
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil {
		return 0
	}
	return n
}

func expiresHeaderValueOrDefault(req *sip.Request, def int) int {
	h := req.GetHeader("Expires")
	if h == nil {
		return def
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil {
		return def
	}
	return n
}

func (r *Registrar) reject(tx Responder, req *sip.Request, se *StatusError) error {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(se.Code), se.Reason, nil)
	if se.Code == 423 {
		res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(0)))
	}
	return tx.Respond(res)
}

// sendOK builds the 200 OK enumerating the current binding set
// (spec.md §4.1 step 5): Contact headers with expires= remaining, and
// a Date header in RFC 7231 IMF-fixdate form.
func (r *Registrar) sendOK(tx Responder, req *sip.Request, aorName string, now time.Time) error {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Date", now.UTC().Format(http.TimeFormat)))

	for _, c := range r.Contacts.DynamicByAOR(aorName) {
		var uri sip.Uri
		if err := sip.ParseUri(c.URI, &uri); err != nil {
			continue
		}
		ch := &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
		ch.Params.Add("expires", strconv.Itoa(c.SecondsRemaining(now)))
		res.AppendHeader(ch)
	}

	return tx.Respond(res)
}

func (r *Registrar) logEvent(kind, contact, aor string, expiration int, ua string) {
	slog.Info("registrar contact event", "kind", kind, "contact", contact, "aor", aor, "expiration", expiration, "user_agent", ua)
}
