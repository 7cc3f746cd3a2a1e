// Package headers implements global header injection (L4): a
// configured list of name/value pairs appended to every outgoing
// request or response, unless the message already carries that header.
//
// Grounded on original_source/res/res_pjsip/pjsip_global_headers.c
// (separate request/response lists, skip-if-already-present, and the
// once-only guard against a retransmitted tdata being re-stamped),
// adapted to sipgo's per-call header append rather than a pjsip module
// hook.
package headers

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Pair is one configured header name/value.
type Pair struct {
	Name  string
	Value string
}

// Injector holds the configured global header lists and applies them to
// outgoing messages.
type Injector struct {
	mu        sync.RWMutex
	requests  []Pair
	responses []Pair
}

// New creates an empty global header injector.
func New() *Injector {
	return &Injector{}
}

// SetRequestHeaders replaces the header list applied to outgoing
// requests.
func (i *Injector) SetRequestHeaders(pairs []Pair) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requests = append([]Pair(nil), pairs...)
}

// SetResponseHeaders replaces the header list applied to outgoing
// responses.
func (i *Injector) SetResponseHeaders(pairs []Pair) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.responses = append([]Pair(nil), pairs...)
}

// ApplyToRequest appends every configured request header to req, unless
// req already carries a header of that name (add_request_headers'
// skip-if-present rule).
func (i *Injector) ApplyToRequest(req *sip.Request) {
	i.mu.RLock()
	pairs := i.requests
	i.mu.RUnlock()
	for _, p := range pairs {
		if req.GetHeader(p.Name) != nil {
			continue
		}
		req.AppendHeader(sip.NewHeader(p.Name, p.Value))
	}
}

// ApplyToResponse appends every configured response header to res,
// unless res already carries a header of that name.
func (i *Injector) ApplyToResponse(res *sip.Response) {
	i.mu.RLock()
	pairs := i.responses
	i.mu.RUnlock()
	for _, p := range pairs {
		if res.GetHeader(p.Name) != nil {
			continue
		}
		res.AppendHeader(sip.NewHeader(p.Name, p.Value))
	}
}
