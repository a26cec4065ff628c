// Package metrics holds the Prometheus instruments for the coordination hot
// paths. A nil *Metrics is valid and records nothing, so components never
// need to care whether telemetry is wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the counters incremented by the coordination components.
type Metrics struct {
	attemptsStarted   prometheus.Counter
	attemptsSucceeded prometheus.Counter
	attemptsCancelled prometheus.Counter
	attemptsFailed    prometheus.Counter
	cooldownRejects   prometheus.Counter

	computesAnswered prometheus.Counter
	computesDropped  prometheus.Counter

	dispatchTimeouts prometheus.Counter

	finalizeSucceeded prometheus.Counter
	finalizeStale     prometheus.Counter
	finalizeExhausted prometheus.Counter

	presenceWrites prometheus.Counter
}

// New registers the instruments on reg and returns the bundle. A nil
// registerer yields a nil bundle, which records nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpd",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		attemptsStarted:   counter("attempts_started_total", "RTP attempts started."),
		attemptsSucceeded: counter("attempts_succeeded_total", "RTP attempts that reached a teleport or switch."),
		attemptsCancelled: counter("attempts_cancelled_total", "RTP attempts cancelled by movement or supersession."),
		attemptsFailed:    counter("attempts_failed_total", "RTP attempts that ended in failure."),
		cooldownRejects:   counter("cooldown_rejects_total", "RTP attempts rejected by an active cooldown."),
		computesAnswered:  counter("computes_answered_total", "Compute requests answered by this backend."),
		computesDropped:   counter("computes_dropped_total", "Compute requests dropped as malformed."),
		dispatchTimeouts:  counter("dispatch_timeouts_total", "Remote dispatches that timed out waiting for a response."),
		finalizeSucceeded: counter("finalize_succeeded_total", "Pending teleports finalized on join."),
		finalizeStale:     counter("finalize_stale_total", "Pending teleports discarded as stale."),
		finalizeExhausted: counter("finalize_exhausted_total", "Pending teleports deleted after exhausting attempts."),
		presenceWrites:    counter("presence_writes_total", "Presence records written."),
	}
}

// inc tolerates a nil receiver so the exported methods can check m once;
// the field argument must not be read before that check, since Go evaluates
// arguments before the method body runs.
func (m *Metrics) inc(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

// AttemptStarted records a new attempt.
func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.inc(m.attemptsStarted)
}

// AttemptSucceeded records a successful attempt.
func (m *Metrics) AttemptSucceeded() {
	if m == nil {
		return
	}
	m.inc(m.attemptsSucceeded)
}

// AttemptCancelled records a cancelled attempt.
func (m *Metrics) AttemptCancelled() {
	if m == nil {
		return
	}
	m.inc(m.attemptsCancelled)
}

// AttemptFailed records a failed attempt.
func (m *Metrics) AttemptFailed() {
	if m == nil {
		return
	}
	m.inc(m.attemptsFailed)
}

// CooldownRejected records an attempt stopped by an active cooldown.
func (m *Metrics) CooldownRejected() {
	if m == nil {
		return
	}
	m.inc(m.cooldownRejects)
}

// ComputeAnswered records a compute request this backend answered.
func (m *Metrics) ComputeAnswered() {
	if m == nil {
		return
	}
	m.inc(m.computesAnswered)
}

// ComputeDropped records a compute request this backend ignored.
func (m *Metrics) ComputeDropped() {
	if m == nil {
		return
	}
	m.inc(m.computesDropped)
}

// DispatchTimeout records a response-poll deadline expiry.
func (m *Metrics) DispatchTimeout() {
	if m == nil {
		return
	}
	m.inc(m.dispatchTimeouts)
}

// FinalizeSucceeded records a finalized pending teleport.
func (m *Metrics) FinalizeSucceeded() {
	if m == nil {
		return
	}
	m.inc(m.finalizeSucceeded)
}

// FinalizeStale records a pending teleport discarded as stale.
func (m *Metrics) FinalizeStale() {
	if m == nil {
		return
	}
	m.inc(m.finalizeStale)
}

// FinalizeExhausted records a pending teleport that ran out of attempts.
func (m *Metrics) FinalizeExhausted() {
	if m == nil {
		return
	}
	m.inc(m.finalizeExhausted)
}

// PresenceWritten records one presence record write.
func (m *Metrics) PresenceWritten() {
	if m == nil {
		return
	}
	m.inc(m.presenceWrites)
}
