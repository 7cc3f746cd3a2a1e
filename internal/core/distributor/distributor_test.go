package distributor

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/identify"
	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
)

func newTestDistributor() *Distributor {
	return New(serializer.NewRegistry(2), nil, nil)
}

// fakeResponder is a test-local Responder: it records every response
// sent and closes done after the first one, letting a test block until
// Dispatch's async processing reaches a terminal response.
type fakeResponder struct {
	mu   sync.Mutex
	sent []*sip.Response
	done chan struct{}
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{done: make(chan struct{})}
}

func (f *fakeResponder) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, res)
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func (f *fakeResponder) waitForResponse(t *testing.T) *sip.Response {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[0]
}

func newRegisterRequest(t *testing.T, from, callID, fromTag, toTag string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:registrar.example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<sip:%s@example.com>;tag=%s", from, fromTag)))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<sip:bob@example.com>;tag=%s", toTag)))
	return req
}

func TestDialogKeyOfUsesCallIDAndTags(t *testing.T) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", "abc123"))
	req.AppendHeader(sip.NewHeader("From", "<sip:alice@example.com>;tag=fromtag"))
	req.AppendHeader(sip.NewHeader("To", "<sip:bob@example.com>;tag=totag"))

	key := dialogKeyOf(req)
	if key.CallID != "abc123" || key.LocalTag != "fromtag" || key.RemoteTag != "totag" {
		t.Fatalf("dialogKeyOf() = %+v, want CallID=abc123 LocalTag=fromtag RemoteTag=totag", key)
	}
}

func TestPinDialogReusesSameSerializer(t *testing.T) {
	d := newTestDistributor()
	key := DialogKey{CallID: "abc123", LocalTag: "a", RemoteTag: "b"}

	before := d.resolveSerializer(key)
	d.PinDialog(key, before)

	after := d.resolveSerializer(key)
	if after != before {
		t.Fatal("resolveSerializer() returned a different serializer after PinDialog")
	}

	d.UnpinDialog(key)
	if _, ok := d.dialogSerializer(key); ok {
		t.Fatal("dialogSerializer() found a slot after UnpinDialog")
	}
}

func TestStampAndResolveTransaction(t *testing.T) {
	d := newTestDistributor()
	d.StampTransaction("txkey1", "dialog:abc123")

	s, ok := d.SerializerForTransaction("txkey1")
	if !ok || s == nil {
		t.Fatal("SerializerForTransaction() not found after StampTransaction")
	}

	if _, ok := d.SerializerForTransaction("txkey1"); ok {
		t.Fatal("SerializerForTransaction() should only resolve once per stamp")
	}
}

func TestOverloadedRespectsHighWaterMark(t *testing.T) {
	d := newTestDistributor()
	if d.overloaded() {
		t.Fatal("overloaded() = true with HighWaterMark unset, want false")
	}

	d.HighWaterMark = 1
	if d.overloaded() {
		t.Fatal("overloaded() = true with an empty queue, want false")
	}
}

// TestDispatchUnidentifiedRequestGets401 covers the no-identifier,
// no-artificial-endpoint path through Dispatch/process (spec.md §4.4
// Endpoint identification).
func TestDispatchUnidentifiedRequestGets401(t *testing.T) {
	d := newTestDistributor()
	req := newRegisterRequest(t, "alice", "call1", "ftag1", "")
	tx := newFakeResponder()

	d.Dispatch(req, tx, "192.0.2.1:5060")

	res := tx.waitForResponse(t)
	if res.StatusCode != 401 {
		t.Fatalf("status = %d, want 401 for an unidentified request", res.StatusCode)
	}
}

// TestDispatchIdentifiedRequestReachesHandler covers the full
// identify -> auth (AllowAll) -> handler pipeline (spec.md §4.4).
func TestDispatchIdentifiedRequestReachesHandler(t *testing.T) {
	d := newTestDistributor()
	d.Identify = identify.NewChain(&identify.ByUsername{
		Endpoints: func() map[string]*model.Endpoint {
			return map[string]*model.Endpoint{
				"alice": {ID: "alice", IdentifyMethods: []model.IdentifyMethod{model.IdentifyByUsername}},
			}
		},
	})

	var gotEndpoint string
	d.Handlers[sip.INVITE] = func(req *sip.Request, tx Responder, endpointID string) {
		gotEndpoint = endpointID
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	}

	req := newRegisterRequest(t, "alice", "call2", "ftag2", "")
	tx := newFakeResponder()

	d.Dispatch(req, tx, "192.0.2.2:5060")

	res := tx.waitForResponse(t)
	if res.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 once identify.ByUsername resolves the From-URI user", res.StatusCode)
	}
	if gotEndpoint != "alice" {
		t.Fatalf("handler endpointID = %q, want %q", gotEndpoint, "alice")
	}
}

// TestDispatchUnknownMethodGets501 checks the "no handler registered"
// fallback.
func TestDispatchUnknownMethodGets501(t *testing.T) {
	d := newTestDistributor()
	d.ArtificialEndpoint = "artificial"

	req := newRegisterRequest(t, "alice", "call3", "ftag3", "")
	tx := newFakeResponder()

	d.Dispatch(req, tx, "192.0.2.3:5060")

	res := tx.waitForResponse(t)
	if res.StatusCode != 501 {
		t.Fatalf("status = %d, want 501 for a method with no registered handler", res.StatusCode)
	}
}

// TestDispatchPreservesPerDialogOrder is the S7 scenario: 100 requests
// interleaved across two pinned dialogs must still process in
// submission order within each dialog, because each dialog's traffic
// runs on its own serializer (spec.md §4.4 Per-dialog serializer,
// §5 Ordering guarantees).
func TestDispatchPreservesPerDialogOrder(t *testing.T) {
	d := newTestDistributor()

	const perDialog = 50
	dialogs := []DialogKey{
		{CallID: "dlg-a", LocalTag: "a", RemoteTag: "1"},
		{CallID: "dlg-b", LocalTag: "b", RemoteTag: "2"},
	}
	for i, key := range dialogs {
		d.PinDialog(key, d.Serializers.ForDialog(fmt.Sprintf("dialog:%d", i)))
	}

	var mu sync.Mutex
	seen := map[string][]int{"dlg-a": nil, "dlg-b": nil}
	var wg sync.WaitGroup
	wg.Add(2 * perDialog)

	d.ArtificialEndpoint = "artificial"
	d.Handlers[sip.INVITE] = func(req *sip.Request, tx Responder, _ string) {
		cid := ""
		if c := req.CallID(); c != nil {
			cid = string(*c)
		}
		seq, _ := strconv.Atoi(req.GetHeader("X-Seq").Value())
		mu.Lock()
		seen[cid] = append(seen[cid], seq)
		mu.Unlock()
		wg.Done()
	}

	for i := 0; i < perDialog; i++ {
		for _, key := range dialogs {
			req := newRegisterRequest(t, "alice", key.CallID, key.LocalTag, key.RemoteTag)
			req.AppendHeader(sip.NewHeader("X-Seq", strconv.Itoa(i)))
			d.Dispatch(req, newFakeResponder(), "192.0.2.4:5060")
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all 100 dispatched requests to process")
	}

	for _, cid := range []string{"dlg-a", "dlg-b"} {
		got := seen[cid]
		if len(got) != perDialog {
			t.Fatalf("dialog %s processed %d requests, want %d", cid, len(got), perDialog)
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("dialog %s order = %v, want strictly increasing 0..%d", cid, got, perDialog-1)
			}
		}
	}
}
