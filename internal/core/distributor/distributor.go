// Package distributor implements the request distributor and dialog
// router (L3, spec.md §4.4): dialog lookup, per-dialog serializer
// pinning, endpoint identification, back-pressure, and the auth gate
// that stands between identification and handing a request up the
// stack.
//
// Grounded on internal/signaling/dialog/manager.go's Call-ID-keyed
// lookup and internal/signaling/routing/*.go's per-method handler shape
// (InviteHandler/ByeHandler/...), generalized from "one handler per
// method dispatched straight off the server mux" into "identify, gate,
// then dispatch onto the dialog's pinned serializer" per
// original_source/res/res_pjsip/pjsip_distributor.c.
package distributor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/identify"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
)

// AuthOutcome is the result of the auth layer's evaluation of one
// request (spec.md §4.4 Authentication gate).
type AuthOutcome int

const (
	// AuthChallenge means a 401 has already been built by the auth
	// layer; the distributor must send it and stop.
	AuthChallenge AuthOutcome = iota
	// AuthSuccess means the request may proceed up the stack.
	AuthSuccess
	// AuthFailed means the challenge response failed verification; the
	// auth layer's response must be sent and a security event raised.
	AuthFailed
	// AuthError means the auth layer itself errored; respond 500.
	AuthError
)

// Responder is the narrow subset of sip.ServerTransaction the
// distributor needs: sending the one response a transaction gets. Tests
// substitute a bare responder in place of a live transaction.
type Responder interface {
	Respond(res *sip.Response) error
}

// AuthGate evaluates a request against an endpoint's credentials once
// it has been identified (spec.md §4.4 Authentication gate). The real
// digest challenge/response cycle is an external collaborator; this
// package only needs the four-outcome contract to route around it.
type AuthGate interface {
	Authenticate(req *sip.Request, tx Responder, endpointID string) (AuthOutcome, *sip.Response)
}

// AllowAll is a no-op AuthGate that always succeeds, used when no
// endpoint requires inbound authentication.
type AllowAll struct{}

func (AllowAll) Authenticate(*sip.Request, Responder, string) (AuthOutcome, *sip.Response) {
	return AuthSuccess, nil
}

// MethodHandler processes one request once it has cleared identification
// and authentication, running on the dialog's (or a pool partition's)
// serializer.
type MethodHandler func(req *sip.Request, tx Responder, endpointID string)

// DialogKey identifies a dialog by the standard three-tuple (spec.md
// §4.4 Dialog lookup).
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// slot is the distributor-owned state a dialog carries once a
// serializer has been pinned to it.
type slot struct {
	serial *serializer.Serializer
}

// Distributor routes inbound SIP requests to the correct serializer and
// endpoint handler.
type Distributor struct {
	Serializers *serializer.Registry
	Identify    *identify.Chain
	Unidentified *identify.Unidentified
	Auth        AuthGate

	// Handlers dispatches by request method once identification and
	// auth have passed.
	Handlers map[sip.RequestMethod]MethodHandler

	// HighWaterMark is the thread-pool partition's configured high
	// water mark; the distributor answers 503 once aggregate queue
	// depth exceeds 3x this (spec.md §4.4 Back-pressure).
	HighWaterMark int

	// ArtificialEndpoint is substituted when no identifier succeeds, so
	// the auth layer can still challenge (spec.md §4.4).
	ArtificialEndpoint string

	// txSerializer records, per UAC transaction key, the name of the
	// serializer that issued an outbound request, so an out-of-dialog
	// response is processed on the same serializer (spec.md §4.4
	// Transaction-to-serializer propagation).
	mu           sync.Mutex
	dialogSlots  map[string]*slot
	txSerializer map[string]string
}

// New creates a distributor wired to serializers, an identify chain and
// an auth gate.
func New(serializers *serializer.Registry, chain *identify.Chain, auth AuthGate) *Distributor {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Distributor{
		Serializers:  serializers,
		Identify:     chain,
		Auth:         auth,
		Handlers:     make(map[sip.RequestMethod]MethodHandler),
		dialogSlots:  make(map[string]*slot),
		txSerializer: make(map[string]string),
	}
}

// key renders a DialogKey into the map key used internally.
func (k DialogKey) key() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// PinDialog records which serializer a dialog uses for every subsequent
// message, once created (spec.md §4.4 Per-dialog serializer).
func (d *Distributor) PinDialog(key DialogKey, s *serializer.Serializer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialogSlots[key.key()] = &slot{serial: s}
}

// UnpinDialog drops a dialog's serializer slot, e.g. on termination.
func (d *Distributor) UnpinDialog(key DialogKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dialogSlots, key.key())
}

// dialogSerializer returns the serializer already pinned to key, if
// any.
func (d *Distributor) dialogSerializer(key DialogKey) (*serializer.Serializer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.dialogSlots[key.key()]
	if !ok {
		return nil, false
	}
	return s.serial, true
}

// StampTransaction records txKey -> serializer name, so a later
// out-of-dialog response on the same transaction is processed on the
// serializer that sent the request (spec.md §4.4
// Transaction-to-serializer propagation).
func (d *Distributor) StampTransaction(txKey string, serializerName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txSerializer[txKey] = serializerName
}

// SerializerForTransaction resolves a previously stamped transaction
// key back to its serializer, removing the stamp (a transaction answers
// at most once).
func (d *Distributor) SerializerForTransaction(txKey string) (*serializer.Serializer, bool) {
	d.mu.Lock()
	name, ok := d.txSerializer[txKey]
	if ok {
		delete(d.txSerializer, txKey)
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return d.Serializers.ForDialog(name), true
}

// resolveSerializer implements the dialog-lookup/per-dialog-serializer
// rule: use the dialog's pinned serializer if one exists; otherwise pick
// a fresh partition slot (spec.md §4.4 Dialog lookup, Per-dialog
// serializer).
func (d *Distributor) resolveSerializer(key DialogKey) *serializer.Serializer {
	if s, ok := d.dialogSerializer(key); ok {
		return s
	}
	return d.Serializers.NextPartition()
}

// Dispatch is the distributor's single entry point for an inbound
// request: back-pressure, dialog lookup, identification, the auth gate,
// and finally handing off to the method handler, all on the resolved
// serializer (spec.md §4.4 entire section).
func (d *Distributor) Dispatch(req *sip.Request, tx Responder, srcAddr string) {
	if d.overloaded() {
		resp := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		_ = tx.Respond(resp)
		return
	}

	key := dialogKeyOf(req)
	target := d.resolveSerializer(key)

	target.Push(func(_ context.Context) {
		d.process(req, tx, srcAddr)
	})
}

// process runs the identify -> auth -> handler pipeline once on the
// resolved serializer (spec.md §4.4 Endpoint identification,
// Authentication gate).
func (d *Distributor) process(req *sip.Request, tx Responder, srcAddr string) {
	endpointID, identified := "", false
	if d.Identify != nil {
		endpointID, identified = d.Identify.Identify(req, srcAddr)
	}

	if !identified {
		if d.Unidentified != nil {
			d.Unidentified.Record(srcAddr)
		}
		if d.ArtificialEndpoint == "" {
			resp := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
			_ = tx.Respond(resp)
			return
		}
		endpointID = d.ArtificialEndpoint
	}

	outcome, authResp := d.Auth.Authenticate(req, tx, endpointID)
	switch outcome {
	case AuthChallenge:
		if authResp != nil {
			_ = tx.Respond(authResp)
		}
		return
	case AuthFailed:
		if authResp != nil {
			_ = tx.Respond(authResp)
		}
		slog.Warn("distributor: failed challenge", "endpoint", endpointID, "src", srcAddr, "method", req.Method.String())
		return
	case AuthError:
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(resp)
		return
	case AuthSuccess:
		if identified && d.Unidentified != nil {
			d.Unidentified.Clear(srcAddr)
		}
	}

	handler, ok := d.Handlers[req.Method]
	if !ok {
		resp := sip.NewResponseFromRequest(req, 501, "Not Implemented", nil)
		_ = tx.Respond(resp)
		return
	}
	handler(req, tx, endpointID)
}

// overloaded implements spec.md §4.4's back-pressure rule: answer 503
// immediately once the thread-pool's aggregate queue length exceeds 3x
// its configured high water mark.
func (d *Distributor) overloaded() bool {
	if d.HighWaterMark <= 0 {
		return false
	}
	return d.Serializers.PartitionQueueDepth() > 3*d.HighWaterMark
}

// dialogKeyOf derives the dialog three-tuple from a request. CANCEL
// requests without a To-tag have no dialog yet; callers should instead
// match the INVITE transaction by its own key (spec.md §4.4 Dialog
// lookup, tagless CANCEL).
func dialogKeyOf(req *sip.Request) DialogKey {
	var callID, fromTag, toTag string
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}
	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	if to := req.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	return DialogKey{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}
}
