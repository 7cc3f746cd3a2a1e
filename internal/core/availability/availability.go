// Package availability implements the OPTIONS qualify cycle and the
// compositor update it drives (L2, spec.md §4.3): periodically pings
// every dynamic contact on a qualifying AOR, updates its ContactStatus,
// and folds the result into that endpoint's availability compositor.
//
// Grounded on the threshold-based healthy/unhealthy transition shape
// of internal/signaling/mediaclient/pool.go's healthChecker/
// checkAllHealth (consecutive-success/failure counters drive a sticky
// healthy bool there; here a single OPTIONS round trip drives a
// ContactStatus transition, per original_source/res/res_pjsip/
// pjsip_options.c, which does not debounce on consecutive counts).
package availability

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/store"
	"github.com/asterisk/pjsipcore/internal/core/telemetry"
)

// Pinger sends an OPTIONS request to uri and reports whether it
// answered within timeout, plus the round-trip time.
type Pinger interface {
	Ping(ctx context.Context, uri string, timeout time.Duration) (ok bool, rtt time.Duration, err error)
}

type sipPinger struct {
	client interface {
		Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	}
}

// NewSipPinger builds a Pinger that sends a real OPTIONS request over
// client.
func NewSipPinger(client interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}) Pinger {
	return &sipPinger{client: client}
}

func (p *sipPinger) Ping(ctx context.Context, uri string, timeout time.Duration) (bool, time.Duration, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return false, 0, err
	}
	req := sip.NewRequest(sip.OPTIONS, recipient)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := p.client.Do(pingCtx, req)
	rtt := time.Since(start)
	if err != nil {
		return false, rtt, err
	}
	return res.StatusCode >= 200 && res.StatusCode < 300, rtt, nil
}

// Engine runs the periodic qualify cycle for every qualifying AOR.
type Engine struct {
	Contacts    *store.ContactStore
	Statuses    *store.ContactStatusTable
	Serializers *serializer.Registry
	Telemetry   telemetry.Telemetry
	Pinger      Pinger

	// AOR returns the live config + runtime AorOptions for name, or
	// false if unknown. Used to read qualify_frequency/qualify_timeout
	// and to drive the endpoint compositors.
	AOR func(name string) (*model.AOR, *model.AorOptions, bool)

	tasks map[string]*serializer.ScheduledTask
}

// NewEngine creates an availability engine with no AORs scheduled yet.
func NewEngine(contacts *store.ContactStore, statuses *store.ContactStatusTable, serializers *serializer.Registry, tel telemetry.Telemetry, pinger Pinger) *Engine {
	return &Engine{
		Contacts:    contacts,
		Statuses:    statuses,
		Serializers: serializers,
		Telemetry:   tel,
		Pinger:      pinger,
		tasks:       make(map[string]*serializer.ScheduledTask),
	}
}

// Schedule arms (or rearms) the periodic qualify cycle for aorName, run
// on that AOR's own "pjsip/options/<aor>" serializer (spec.md §5
// Threading).
func (e *Engine) Schedule(aorName string) {
	e.Unschedule(aorName)

	aor, _, ok := e.AOR(aorName)
	if !ok || !aor.Qualifies() {
		return
	}

	target := e.Serializers.ForAOR(aorName)
	interval := time.Duration(aor.QualifyFrequency) * time.Second
	e.tasks[aorName] = serializer.ScheduleInterval(target, interval, func(ctx context.Context) {
		e.runCycle(ctx, aorName)
	})
}

// Unschedule cancels the qualify cycle for aorName, if one is active.
func (e *Engine) Unschedule(aorName string) {
	if t, ok := e.tasks[aorName]; ok {
		t.CancelIfActive()
		delete(e.tasks, aorName)
	}
}

// Qualify runs one qualify cycle for aorName immediately, on its own
// serializer, outside the regular interval schedule (PJSIPQualify, §6).
func (e *Engine) Qualify(aorName string) {
	target := e.Serializers.ForAOR(aorName)
	target.Push(func(ctx context.Context) {
		e.runCycle(ctx, aorName)
	})
}

// runCycle pings every dynamic contact on aorName and commits the
// resulting ContactStatus transitions (spec.md §4.3 State commit).
func (e *Engine) runCycle(ctx context.Context, aorName string) {
	aor, opts, ok := e.AOR(aorName)
	if !ok {
		e.Unschedule(aorName)
		return
	}

	timeout := time.Duration(aor.QualifyTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	for _, c := range e.Contacts.DynamicByAOR(aorName) {
		reachable, rtt, err := e.Pinger.Ping(ctx, c.URI, timeout)
		_ = err // a failed ping just means unreachable; nothing else to report

		status := model.StatusUnreachable
		if reachable {
			status = model.StatusReachable
		}

		next := e.Statuses.Put(c.ID, model.ContactStatus{
			ContactID: c.ID,
			URI:       c.URI,
			AOR:       aorName,
			Status:    status,
			RTT:       rtt,
		})

		if e.Telemetry != nil && reachable {
			e.Telemetry.ObserveContactRTT(c.ID, rtt)
		}

		if next.TransitionedToReachable() || next.TransitionedFromReachable() {
			e.publishAvailability(opts, aorName)
		}
	}
}

// publishAvailability recomputes whether aorName has at least one
// reachable contact and pushes that bit into every compositor attached
// to it (spec.md §4.3 Compositor update).
func (e *Engine) publishAvailability(opts *model.AorOptions, aorName string) bool {
	available := false
	for _, s := range e.Statuses.ForAOR(aorName) {
		if s.Reachable() {
			available = true
			break
		}
	}

	opts.NotifyCompositors(available, func(c *model.EndpointStateCompositor, online bool) {
		if e.Telemetry != nil {
			label := "offline"
			if online {
				label = "online"
			}
			e.Telemetry.SetRegistrationStateGauge(label, 1)
		}
	})

	return available
}
