// Package outbound implements the outbound registration client (L2,
// spec.md §4.2): a per-registration FSM that sends periodic REGISTER
// requests to an upstream registrar and tracks Unregistered/Registered/
// Rejected(Temporary|Permanent)/Stopping/Stopped state.
//
// Grounded on other_examples' flowpbx TrunkRegistrar (trunk.go): the
// registration loop, digest-auth retry, and exponential-backoff shape
// are adapted directly from it, generalized from "one goroutine per
// trunk with a raw time.After loop" to state mutated exclusively on
// this registration's own named serializer (spec.md §5 Threading:
// "pjsip/outreg/<id>") and rescheduled via serializer.ScheduleOnce,
// and the response classification is driven by model.IsTemporal
// instead of flowpbx's trunk-vs-callee distinction. Supplemented from
// original_source/res_pjsip_outbound_registration.c for the
// RejectedTemporary -> RejectedPermanent retry-exhaustion transition
// and the forbidden/fatal retry intervals.
package outbound

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/telemetry"
	"github.com/asterisk/pjsipcore/internal/core/transportmon"
)

// lineTokenAlphabet mirrors the ICE credential alphabet (spec.md §4.5
// GenerateCredential) but draws a separate token: a line token and an
// ICE ufrag/pwd never need to compare equal.
const lineTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const lineTokenLength = 8

// maxLineAllocationAttempts bounds AllocateLine's collision retry
// (SPEC_FULL.md §4.2 supplement, adapted from
// res_pjsip_outbound_registration.c's regenerate-on-collision behavior:
// retry up to 8 times, then fail configuration rather than loop
// forever).
const maxLineAllocationAttempts = 8

func generateLineToken() string {
	buf := make([]byte, lineTokenLength)
	if _, err := crand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = 0
		}
	}
	out := make([]byte, lineTokenLength)
	for i, b := range buf {
		out[i] = lineTokenAlphabet[int(b)%len(lineTokenAlphabet)]
	}
	return string(out)
}

// Client abstracts the SIP transaction-layer calls this package needs,
// so tests can substitute a fake without a live transport.
type Client interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// sipgoClient adapts a *sipgo.Client to Client, building every request
// with the REGISTER-specific option (correct Contact/CSeq handling for
// this package's own send path).
type sipgoClient struct {
	c       *sipgo.Client
	builder sipgo.ClientRequestBuildOption
}

func NewSipgoClient(c *sipgo.Client) Client {
	return &sipgoClient{c: c, builder: sipgo.ClientRequestRegisterBuild}
}

// NewSipgoOptionsClient adapts a *sipgo.Client for plain out-of-dialog
// requests (e.g. the availability engine's qualify OPTIONS pings),
// using the generic request builder rather than the REGISTER-specific
// one, per other_examples' flowpbx trunk.go distinguishing
// ClientRequestBuild (ping) from ClientRequestRegisterBuild (register).
func NewSipgoOptionsClient(c *sipgo.Client) Client {
	return &sipgoClient{c: c, builder: sipgo.ClientRequestBuild}
}

func (s *sipgoClient) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.c.TransactionRequest(ctx, req, s.builder)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer tx.Terminate()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// Registration is one running outbound registration FSM.
type Registration struct {
	Config *model.OutboundRegistration
	State  model.OutboundRegistrationClientState

	client    Client
	serial    *serializer.Serializer
	transport *transportmon.Monitor
	telemetry telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc
	task   *serializer.ScheduledTask
}

// Manager runs the outbound registration FSM for every configured
// OutboundRegistration (spec.md §4.2 L2).
type Manager struct {
	Serializers *serializer.Registry
	Transport   *transportmon.Monitor
	Telemetry   telemetry.Telemetry
	NewClient   func(cfg *model.OutboundRegistration) (Client, error)

	registrations map[string]*Registration
}

// NewManager creates an empty outbound-registration manager.
func NewManager(serializers *serializer.Registry, transport *transportmon.Monitor, tel telemetry.Telemetry) *Manager {
	return &Manager{
		Serializers:   serializers,
		Transport:     transport,
		Telemetry:     tel,
		registrations: make(map[string]*Registration),
	}
}

// Start begins (or restarts) the FSM for cfg.
func (m *Manager) Start(cfg *model.OutboundRegistration) error {
	m.Stop(cfg.ID)

	client, err := m.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("creating client for outbound registration %q: %w", cfg.ID, err)
	}

	reg := &Registration{
		Config: cfg,
		State: model.OutboundRegistrationClientState{
			RegistrationName:       cfg.ID,
			TransportName:          cfg.TransportName,
			Status:                 model.OutboundUnregistered,
			RetryInterval:          cfg.RetryInterval,
			ForbiddenRetryInterval: cfg.ForbiddenRetryInterval,
			FatalRetryInterval:     cfg.FatalRetryInterval,
			MaxRetries:             cfg.MaxRetries,
		},
		client:    client,
		serial:    m.Serializers.ForOutboundRegistration(cfg.ID),
		transport: m.Transport,
		telemetry: m.Telemetry,
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg.ctx = ctx
	reg.cancel = cancel
	m.registrations[cfg.ID] = reg

	if cfg.Line {
		token, lerr := m.AllocateLine(cfg.ID)
		if lerr != nil {
			delete(m.registrations, cfg.ID)
			cancel()
			return fmt.Errorf("starting outbound registration %q: %w", cfg.ID, lerr)
		}
		reg.State.Line = token
	}

	if m.Transport != nil && cfg.TransportName != "" {
		m.Transport.Watch(cfg.TransportName, cfg.ID, func(string) {
			reg.serial.Push(func(ctx context.Context) {
				reg.onTransportShutdown(ctx)
			})
		})
	}

	delay := time.Duration(0)
	if cfg.MaxRandomInitialDelay > 0 {
		delay = time.Duration(rand.IntN(cfg.MaxRandomInitialDelay+1)) * time.Second
	}
	reg.task = serializer.ScheduleOnce(reg.serial, delay, func(_ context.Context) {
		reg.cycle(ctx)
	})

	return nil
}

// Stop tears down the FSM for id, sending a best-effort unregister.
func (m *Manager) Stop(id string) {
	reg, ok := m.registrations[id]
	if !ok {
		return
	}
	delete(m.registrations, id)

	if reg.task != nil {
		reg.task.CancelIfActive()
	}
	reg.State.Status = model.OutboundStopping
	reg.cancel()

	if m.Transport != nil && reg.Config.TransportName != "" {
		m.Transport.Unwatch(reg.Config.TransportName, reg.Config.ID)
	}

	unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unregCancel()
	_, _, _ = reg.sendRegister(unregCtx, 0)
	reg.State.Status = model.OutboundStopped
	m.Serializers.Remove("pjsip/outreg/" + id)
}

// Status returns a snapshot of a running registration's state.
func (m *Manager) Status(id string) (model.OutboundRegistrationClientState, bool) {
	reg, ok := m.registrations[id]
	if !ok {
		return model.OutboundRegistrationClientState{}, false
	}
	return reg.State, true
}

// All returns a snapshot of every running registration's state, keyed
// by registration id, for the management show-actions surface.
func (m *Manager) All() map[string]model.OutboundRegistrationClientState {
	out := make(map[string]model.OutboundRegistrationClientState, len(m.registrations))
	for id, reg := range m.registrations {
		out[id] = reg.State
	}
	return out
}

// AllocateLine draws an 8-character line token unique across every
// other running outbound registration's line, retrying on collision up
// to maxLineAllocationAttempts times (spec.md §3 Invariants: "A line
// token uniquely identifies an OutboundRegistrationState across all
// configured outbound registrations"). excludeID is the registration
// being (re)started, whose own prior token never counts as a collision.
func (m *Manager) AllocateLine(excludeID string) (string, error) {
	for i := 0; i < maxLineAllocationAttempts; i++ {
		token := generateLineToken()
		if !m.lineInUse(token, excludeID) {
			return token, nil
		}
	}
	return "", fmt.Errorf("line token allocation for %q: exhausted %d attempts with persistent collisions", excludeID, maxLineAllocationAttempts)
}

func (m *Manager) lineInUse(token, excludeID string) bool {
	for id, reg := range m.registrations {
		if id == excludeID {
			continue
		}
		if reg.State.Line == token {
			return true
		}
	}
	return false
}

// EndpointForLine resolves a line token to the endpoint configured on
// the registration that owns it, for identify.ByLine (spec.md §4.4, by
// line).
func (m *Manager) EndpointForLine(token string) (string, bool) {
	for _, reg := range m.registrations {
		if reg.State.Line == token && reg.State.Line != "" {
			return reg.Config.LineEndpoint, true
		}
	}
	return "", false
}

// onTransportShutdown forces an immediate re-register when the
// underlying reliable transport the registration used goes away
// (spec.md §4.2 Transport shutdown).
func (r *Registration) onTransportShutdown(_ context.Context) {
	if r.task != nil {
		r.task.CancelIfActive()
	}
	r.State.Status = model.OutboundUnregistered
	r.cycle(r.ctx)
}

// cycle runs one REGISTER attempt and reschedules itself. It always
// runs on the registration's own serializer.
func (r *Registration) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	expiry := r.Config.Expiration
	if expiry <= 0 {
		expiry = 3600
	}

	granted, code, err := r.sendRegister(ctx, expiry)
	now := time.Now()

	switch {
	case err != nil:
		slog.Warn("outbound registration attempt failed", "registration", r.Config.ID, "error", err)
		if r.transport != nil && isReliableTransport(r.Config.TransportName) {
			// A send failure on a reliable transport is this module's
			// only observable signal that the connection itself is
			// gone, sipgo exposes no separate close/error callback at
			// the transport layer (see DESIGN.md). Fan that signal out
			// to every other registration sharing the transport so they
			// re-register immediately too (spec.md §4.2 Shutdown).
			r.transport.NotifyShutdown(r.Config.TransportName)
		}
		r.onTemporaryFailure(ctx, 0)
	case code >= 200 && code < 300:
		r.State.Status = model.OutboundRegistered
		r.State.Retries = 0
		r.State.LastResponseCode = code
		r.State.RegistrationExpiresAt = now.Add(time.Duration(granted) * time.Second)
		refresh := time.Duration(granted-10) * time.Second
		if refresh < 0 {
			refresh = 0
		}
		slog.Info("outbound registration succeeded", "registration", r.Config.ID, "expires_in", granted)
		r.publishGauge()
		r.task = serializer.ScheduleOnce(r.serial, refresh, func(_ context.Context) { r.cycle(r.ctx) })
	case model.IsTemporal(code, r.Config.AuthRejectionPermanent):
		r.State.LastResponseCode = code
		slog.Warn("outbound registration rejected temporarily", "registration", r.Config.ID, "status", code)
		r.onTemporaryFailure(ctx, code)
	default:
		r.State.Status = model.OutboundRejectedPermanent
		r.State.LastResponseCode = code
		slog.Error("outbound registration rejected permanently", "registration", r.Config.ID, "status", code)
		r.publishGauge()
		r.task = serializer.ScheduleOnce(r.serial, time.Duration(r.State.FatalRetryInterval)*time.Second, func(_ context.Context) { r.cycle(r.ctx) })
	}
}

// onTemporaryFailure implements spec.md §4.2's retry-exhaustion rule:
// RejectedTemporary retries at retry_interval (or forbidden_retry_interval
// for a 403) until max_retries is exceeded, after which the registration
// becomes RejectedPermanent and backs off to fatal_retry_interval.
func (r *Registration) onTemporaryFailure(ctx context.Context, code int) {
	r.State.Retries++

	exhausted := r.State.MaxRetries > 0 && r.State.Retries >= r.State.MaxRetries
	if exhausted {
		r.State.Status = model.OutboundRejectedPermanent
	} else {
		r.State.Status = model.OutboundRejectedTemporary
	}

	interval := retryIntervalFor(code, exhausted, r.State.RetryInterval, r.State.ForbiddenRetryInterval, r.State.FatalRetryInterval)

	r.publishGauge()
	r.task = serializer.ScheduleOnce(r.serial, time.Duration(interval)*time.Second, func(_ context.Context) { r.cycle(r.ctx) })
}

// retryIntervalFor picks the wait before the next REGISTER attempt
// (spec.md §4.2 Response handling): a 403 uses forbiddenRetryInterval,
// retry exhaustion (RejectedPermanent) overrides that with
// fatalRetryInterval, and anything else uses retryInterval. 0 or
// negative configuration falls back to 60s rather than busy-looping.
func retryIntervalFor(code int, exhausted bool, retryInterval, forbiddenRetryInterval, fatalRetryInterval int) int {
	interval := retryInterval
	if code == 403 {
		interval = forbiddenRetryInterval
	}
	if exhausted {
		interval = fatalRetryInterval
	}
	if interval <= 0 {
		interval = 60
	}
	return interval
}

func (r *Registration) publishGauge() {
	if r.telemetry == nil {
		return
	}
	r.telemetry.SetRegistrationStateGauge(r.State.Status.ExternalLabel(), 1)
}

// sendRegister sends one REGISTER attempt, handling a single digest
// challenge round-trip. It returns the server-granted expiry and the
// final status code.
func (r *Registration) sendRegister(ctx context.Context, expiry int) (grantedExpiry int, statusCode int, err error) {
	cfg := r.Config

	var recipient sip.Uri
	if perr := sip.ParseUri(cfg.ServerURI, &recipient); perr != nil {
		return 0, 0, fmt.Errorf("parsing server uri: %w", perr)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	if cfg.TransportName != "" {
		req.SetTransport(strings.ToUpper(cfg.TransportName))
	}
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<%s>", cfg.ClientURI)))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", cfg.ClientURI)))

	req.AppendHeader(r.buildContactHeader(recipient))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	var supported []string
	if cfg.SupportPath {
		supported = append(supported, "path")
	}
	if cfg.SupportOutbound {
		supported = append(supported, "outbound")
	}
	if len(supported) > 0 {
		req.AppendHeader(sip.NewHeader("Supported", strings.Join(supported, ", ")))
	}

	res, err := r.client.Do(ctx, req)
	if err != nil {
		return 0, 0, err
	}
	r.State.LastRequestCallID = headerValueOf(res, "Call-ID")

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authRes, aerr := r.authenticate(ctx, req, res)
		if aerr != nil {
			return 0, res.StatusCode, aerr
		}
		res = authRes
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		granted := expiry
		if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
			if v, ok := expiresParam(contactHdr.Value()); ok {
				granted = v
			}
		} else if expHdr := res.GetHeader("Expires"); expHdr != nil {
			if v, ok := atoi(expHdr.Value()); ok {
				granted = v
			}
		}
		return granted, res.StatusCode, nil
	}

	return 0, res.StatusCode, nil
}

// buildContactHeader builds the Contact URI per spec.md §4.2's wire
// surface: `<sip:<user>@<local-ip>[:port][;transport=...][;line=<token>][;<params>]>`,
// tagged with this registration's line token when line mode is on and
// with the configured contact_header_params.
func (r *Registration) buildContactHeader(recipient sip.Uri) *sip.ContactHeader {
	cfg := r.Config

	uri := sip.Uri{User: cfg.ContactUser, Host: recipient.Host, Port: recipient.Port, UriParams: sip.NewParams()}
	if cfg.TransportName != "" {
		uri.UriParams.Add("transport", strings.ToLower(cfg.TransportName))
	}
	if cfg.Line && r.State.Line != "" {
		uri.UriParams.Add("line", r.State.Line)
	}
	for k, v := range cfg.ContactHeaderParams {
		uri.UriParams.Add(k, v)
	}

	return &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
}

// authenticate answers a single 401/407 digest challenge per the
// flowpbx trunk registrar's pattern.
func (r *Registration) authenticate(ctx context.Context, origReq *sip.Request, challenge *sip.Response) (*sip.Response, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if challenge.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	username, password := r.credentials()
	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	return r.client.Do(ctx, authReq)
}

// credentials splits the "username:password" auth configuration entry,
// following the realm-scoped auth reference spec.md §3 AOR/Endpoint
// both carry; outbound registrations hold a single resolved pair here.
func (r *Registration) credentials() (username, password string) {
	if len(r.Config.OutboundAuth) == 0 {
		return "", ""
	}
	parts := strings.SplitN(r.Config.OutboundAuth[0], ":", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// isReliableTransport reports whether name is a connection-oriented
// transport whose loss transportmon.Monitor watches for (spec.md §4.2
// Shutdown names TCP/TLS/WS; UDP has no connection to lose).
func isReliableTransport(name string) bool {
	switch strings.ToLower(name) {
	case "tcp", "tls", "ws", "wss":
		return true
	default:
		return false
	}
}

func headerValueOf(res *sip.Response, name string) string {
	h := res.GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}

func expiresParam(contactValue string) (int, bool) {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0, false
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	return atoi(strings.TrimSpace(rest))
}

func atoi(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
