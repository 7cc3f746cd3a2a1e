package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/transportmon"
)

// fakeClient returns the next status code in codes on each Do call
// (sticking to the last entry once exhausted), building the response
// from the actual request so headers the production code reads
// (Call-ID, Contact) stay consistent.
type fakeClient struct {
	codes []int
	calls int
}

func (f *fakeClient) Do(_ context.Context, req *sip.Request) (*sip.Response, error) {
	code := 500
	if len(f.codes) > 0 {
		i := f.calls
		if i >= len(f.codes) {
			i = len(f.codes) - 1
		}
		code = f.codes[i]
	}
	f.calls++
	return sip.NewResponseFromRequest(req, code, "status", nil), nil
}

// fakeErrClient always fails the send, simulating a dead transport.
type fakeErrClient struct{}

func (fakeErrClient) Do(_ context.Context, _ *sip.Request) (*sip.Response, error) {
	return nil, errors.New("connection refused")
}

func newTestRegistration(t *testing.T, client Client, cfg *model.OutboundRegistration) *Registration {
	t.Helper()
	serial := serializer.New("test-outreg-" + cfg.ID)
	t.Cleanup(serial.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Registration{
		Config: cfg,
		State: model.OutboundRegistrationClientState{
			RegistrationName:       cfg.ID,
			RetryInterval:          cfg.RetryInterval,
			ForbiddenRetryInterval: cfg.ForbiddenRetryInterval,
			FatalRetryInterval:     cfg.FatalRetryInterval,
			MaxRetries:             cfg.MaxRetries,
		},
		client: client,
		serial: serial,
		ctx:    ctx,
		cancel: cancel,
	}
}

func TestExpiresParamFromContact(t *testing.T) {
	cases := []struct {
		value   string
		wantOK  bool
		wantVal int
	}{
		{"<sip:bob@1.2.3.4:5060>;expires=3600", true, 3600},
		{"<sip:bob@1.2.3.4:5060>;expires=120;q=0.5", true, 120},
		{"<sip:bob@1.2.3.4:5060>", false, 0},
		{"<sip:bob@1.2.3.4:5060>;EXPIRES=60", true, 60},
	}
	for _, tc := range cases {
		got, ok := expiresParam(tc.value)
		if ok != tc.wantOK || (ok && got != tc.wantVal) {
			t.Errorf("expiresParam(%q) = (%d, %v), want (%d, %v)", tc.value, got, ok, tc.wantVal, tc.wantOK)
		}
	}
}

func TestAtoi(t *testing.T) {
	if v, ok := atoi("3600"); !ok || v != 3600 {
		t.Fatalf("atoi(3600) = (%d, %v), want (3600, true)", v, ok)
	}
	if _, ok := atoi(""); ok {
		t.Fatal("atoi(\"\") ok = true, want false")
	}
	if _, ok := atoi("abc"); ok {
		t.Fatal("atoi(abc) ok = true, want false")
	}
}

func TestCredentials(t *testing.T) {
	r := &Registration{Config: &model.OutboundRegistration{OutboundAuth: []string{"trunkuser:s3cret"}}}
	u, p := r.credentials()
	if u != "trunkuser" || p != "s3cret" {
		t.Fatalf("credentials() = (%q, %q), want (trunkuser, s3cret)", u, p)
	}

	r = &Registration{Config: &model.OutboundRegistration{}}
	u, p = r.credentials()
	if u != "" || p != "" {
		t.Fatalf("credentials() with no auth = (%q, %q), want empty", u, p)
	}
}

func TestRetryIntervalForPicksConfiguredWindow(t *testing.T) {
	cases := []struct {
		name                                                     string
		code                                                     int
		exhausted                                                bool
		retryInterval, forbiddenRetryInterval, fatalRetryInterval int
		want                                                     int
	}{
		{"ordinary temporary failure uses retry_interval", 500, false, 30, 120, 600, 30},
		{"403 uses forbidden_retry_interval", 403, false, 30, 120, 600, 120},
		{"retry exhaustion uses fatal_retry_interval even for a 500", 500, true, 30, 120, 600, 600},
		{"retry exhaustion overrides a 403's forbidden interval", 403, true, 30, 120, 600, 600},
		{"non-positive configuration falls back to 60s", 500, false, 0, 0, 0, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := retryIntervalFor(tc.code, tc.exhausted, tc.retryInterval, tc.forbiddenRetryInterval, tc.fatalRetryInterval)
			if got != tc.want {
				t.Fatalf("retryIntervalFor(%d, %v, ...) = %d, want %d", tc.code, tc.exhausted, got, tc.want)
			}
		})
	}
}

// TestCycleRetriesExactlyMaxRetriesBeforeGivingUp drives cycle() through
// a run of 500 responses and checks the retry-bound transition lands on
// RejectedPermanent on exactly the max_retries'th attempt, not before or
// after (spec.md §4.2 Retry exhaustion).
func TestCycleRetriesExactlyMaxRetriesBeforeGivingUp(t *testing.T) {
	cfg := &model.OutboundRegistration{ID: "trunk1", ServerURI: "sip:sip.example.com", ClientURI: "sip:alice@example.com", MaxRetries: 3, RetryInterval: 30, FatalRetryInterval: 600}
	client := &fakeClient{codes: []int{500}}
	r := newTestRegistration(t, client, cfg)

	for i := 1; i < cfg.MaxRetries; i++ {
		r.cycle(r.ctx)
		if r.State.Status != model.OutboundRejectedTemporary {
			t.Fatalf("after attempt %d: status = %v, want RejectedTemporary", i, r.State.Status)
		}
		if r.State.Retries != i {
			t.Fatalf("after attempt %d: Retries = %d, want %d", i, r.State.Retries, i)
		}
	}

	r.cycle(r.ctx)
	if r.State.Status != model.OutboundRejectedPermanent {
		t.Fatalf("after %d attempts: status = %v, want RejectedPermanent", cfg.MaxRetries, r.State.Status)
	}
	if r.State.Retries != cfg.MaxRetries {
		t.Fatalf("after %d attempts: Retries = %d, want %d", cfg.MaxRetries, r.State.Retries, cfg.MaxRetries)
	}
}

// TestCycleSucceedsAndSchedulesRefresh exercises the 2xx path: a
// successful REGISTER clears the retry counter and moves to Registered.
func TestCycleSucceedsAndSchedulesRefresh(t *testing.T) {
	cfg := &model.OutboundRegistration{ID: "trunk1", ServerURI: "sip:sip.example.com", ClientURI: "sip:alice@example.com", Expiration: 3600, MaxRetries: 3, RetryInterval: 30}
	client := &fakeClient{codes: []int{500, 200}}
	r := newTestRegistration(t, client, cfg)

	r.cycle(r.ctx)
	if r.State.Status != model.OutboundRejectedTemporary {
		t.Fatalf("after first attempt: status = %v, want RejectedTemporary", r.State.Status)
	}

	r.cycle(r.ctx)
	if r.State.Status != model.OutboundRegistered {
		t.Fatalf("after second attempt: status = %v, want Registered", r.State.Status)
	}
	if r.State.Retries != 0 {
		t.Fatalf("Retries after success = %d, want reset to 0", r.State.Retries)
	}
}

// TestCycleNetworkErrorNotifiesTransportShutdownOnReliableTransport covers
// S5: a send failure on a reliable transport fans a shutdown
// notification out to transportmon so every registration sharing that
// transport re-registers immediately too (spec.md §4.2 Transport
// shutdown).
func TestCycleNetworkErrorNotifiesTransportShutdownOnReliableTransport(t *testing.T) {
	cfg := &model.OutboundRegistration{ID: "trunk1", ServerURI: "sip:sip.example.com", ClientURI: "sip:alice@example.com", TransportName: "tcp", MaxRetries: 0, RetryInterval: 30}
	r := newTestRegistration(t, fakeErrClient{}, cfg)
	r.transport = transportmon.New()

	var notified bool
	r.transport.Watch("tcp", "other-reg", func(string) { notified = true })

	r.cycle(r.ctx)

	if r.State.Status != model.OutboundRejectedTemporary {
		t.Fatalf("after network error: status = %v, want RejectedTemporary", r.State.Status)
	}
	if !notified {
		t.Fatal("expected transportmon.NotifyShutdown to fire the watcher registered on the same transport")
	}
}

// TestCycleUnreliableTransportDoesNotNotifyShutdown checks udp, which
// has no connection to lose, never triggers the shutdown fan-out.
func TestCycleUnreliableTransportDoesNotNotifyShutdown(t *testing.T) {
	cfg := &model.OutboundRegistration{ID: "trunk1", ServerURI: "sip:sip.example.com", ClientURI: "sip:alice@example.com", TransportName: "udp", MaxRetries: 0, RetryInterval: 30}
	r := newTestRegistration(t, fakeErrClient{}, cfg)
	r.transport = transportmon.New()

	var notified bool
	r.transport.Watch("udp", "other-reg", func(string) { notified = true })

	r.cycle(r.ctx)

	if notified {
		t.Fatal("expected no transportmon notification for an unreliable (udp) transport")
	}
}
