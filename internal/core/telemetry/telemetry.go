// Package telemetry defines the gauge/timer surface named in spec.md
// §6. StatsD emission itself is out of scope (spec.md §1); this package
// only defines the interface the rest of the core calls, with a no-op
// default so the core has no hard telemetry dependency.
package telemetry

import "time"

// Telemetry receives the gauge and timer observations spec.md §6 names:
// PJSIP.contacts.states.<state>, PJSIP.registrations.count,
// PJSIP.registrations.state.<label>, and PJSIP.contacts.<id>.rtt.
type Telemetry interface {
	SetContactStateGauge(state string, n int)
	SetRegistrationCount(n int)
	SetRegistrationStateGauge(label string, n int)
	ObserveContactRTT(contactID string, d time.Duration)
}

// NoOp discards every observation. It is the default Telemetry so the
// core can run with no metrics backend wired at all.
type NoOp struct{}

func (NoOp) SetContactStateGauge(string, int)        {}
func (NoOp) SetRegistrationCount(int)                 {}
func (NoOp) SetRegistrationStateGauge(string, int)    {}
func (NoOp) ObserveContactRTT(string, time.Duration)  {}
