// Package metrics provides a Prometheus implementation of the
// types.MetricsCollector interface. Components default to a no-op
// collector; wire this one in with the WithMetrics options to export.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shoalproj/shoal/types"
)

// Prometheus implements types.MetricsCollector on Prometheus primitives.
//
// Per-document labels are deliberately avoided: document ids are unbounded
// and would blow up series cardinality. Rejections and supersedes are
// counted in aggregate.
type Prometheus struct {
	stateTransitions    *prometheus.CounterVec
	drainRoundsReleased prometheus.Counter
	drainRoundsLeft     prometheus.Gauge
	drainExhausted      prometheus.Counter
	assignmentsClaimed  *prometheus.CounterVec
	assignmentsReleased *prometheus.CounterVec
	admissionRejected   prometheus.Counter
	muteSupersedes      prometheus.Counter
	reconnectAttempts   prometheus.Counter
	heartbeatsSent      prometheus.Counter
	livenessPublishes   *prometheus.CounterVec
}

// Compile-time assertion that Prometheus implements MetricsCollector.
var _ types.MetricsCollector = (*Prometheus)(nil)

// NewPrometheus creates a collector and registers its metrics with reg
// (prometheus.DefaultRegisterer when nil).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "worker_state_transitions_total",
			Help:      "Worker lifecycle state transitions.",
		}, []string{"from", "to"}),
		drainRoundsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "drain_released_total",
			Help:      "Assignments released by drain rounds.",
		}),
		drainRoundsLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoal",
			Name:      "drain_remaining",
			Help:      "Assignments still held after the most recent drain round.",
		}),
		drainExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "drain_exhausted_total",
			Help:      "Assignments still held when the drain retry budget ran out.",
		}),
		assignmentsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "assignments_claimed_total",
			Help:      "Assignment claims settled, by winning worker.",
		}, []string{"worker"}),
		assignmentsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "assignments_released_total",
			Help:      "Assignment releases, by releasing worker.",
		}, []string{"worker"}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "admission_rejected_total",
			Help:      "Requests rejected at the per-document admission ceiling.",
		}),
		muteSupersedes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "mute_supersedes_total",
			Help:      "Operation results discarded because the document was muted mid-flight.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "client_reconnect_attempts_total",
			Help:      "Client reconnect attempts.",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "client_heartbeats_sent_total",
			Help:      "Client keepalive heartbeats sent.",
		}),
		livenessPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoal",
			Name:      "liveness_publishes_total",
			Help:      "Worker liveness mark publishes, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		p.stateTransitions,
		p.drainRoundsReleased,
		p.drainRoundsLeft,
		p.drainExhausted,
		p.assignmentsClaimed,
		p.assignmentsReleased,
		p.admissionRejected,
		p.muteSupersedes,
		p.reconnectAttempts,
		p.heartbeatsSent,
		p.livenessPublishes,
	)

	return p
}

func (p *Prometheus) RecordStateTransition(from, to types.State) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *Prometheus) RecordDrainRound(released, remaining int) {
	p.drainRoundsReleased.Add(float64(released))
	p.drainRoundsLeft.Set(float64(remaining))
}

func (p *Prometheus) RecordDrainExhausted(remaining int) {
	p.drainExhausted.Add(float64(remaining))
}

func (p *Prometheus) RecordAssignmentClaimed(workerID string) {
	p.assignmentsClaimed.WithLabelValues(workerID).Inc()
}

func (p *Prometheus) RecordAssignmentReleased(workerID string) {
	p.assignmentsReleased.WithLabelValues(workerID).Inc()
}

func (p *Prometheus) RecordAdmissionRejected(string) {
	p.admissionRejected.Inc()
}

func (p *Prometheus) RecordMuteSupersede(string) {
	p.muteSupersedes.Inc()
}

func (p *Prometheus) RecordReconnectAttempt(int) {
	p.reconnectAttempts.Inc()
}

func (p *Prometheus) RecordHeartbeatSent() {
	p.heartbeatsSent.Inc()
}

func (p *Prometheus) RecordLiveness(success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	p.livenessPublishes.WithLabelValues(outcome).Inc()
}
