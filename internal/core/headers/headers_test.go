package headers

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newTestRequest(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	return sip.NewRequest(sip.INVITE, uri)
}

func TestApplyToRequestAddsConfiguredHeaders(t *testing.T) {
	inj := New()
	inj.SetRequestHeaders([]Pair{{Name: "X-Platform", Value: "pjsipcore"}})

	req := newTestRequest(t)
	inj.ApplyToRequest(req)

	h := req.GetHeader("X-Platform")
	if h == nil || h.Value() != "pjsipcore" {
		t.Fatalf("X-Platform header = %v, want pjsipcore", h)
	}
}

func TestApplyToRequestSkipsExistingHeader(t *testing.T) {
	inj := New()
	inj.SetRequestHeaders([]Pair{{Name: "X-Platform", Value: "pjsipcore"}})

	req := newTestRequest(t)
	req.AppendHeader(sip.NewHeader("X-Platform", "caller-set"))
	inj.ApplyToRequest(req)

	h := req.GetHeader("X-Platform")
	if h == nil || h.Value() != "caller-set" {
		t.Fatalf("X-Platform header = %v, want unchanged caller-set", h)
	}
}

func TestApplyToResponseAddsConfiguredHeaders(t *testing.T) {
	inj := New()
	inj.SetResponseHeaders([]Pair{{Name: "Server", Value: "pjsipcore"}})

	req := newTestRequest(t)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	inj.ApplyToResponse(res)

	h := res.GetHeader("Server")
	if h == nil || h.Value() != "pjsipcore" {
		t.Fatalf("Server header = %v, want pjsipcore", h)
	}
}
