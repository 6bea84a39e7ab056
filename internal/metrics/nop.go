// Package metrics provides the no-op metrics collector used when external
// metrics collection is not configured.
package metrics

import "github.com/shoalproj/shoal/types"

// NopMetrics implements a no-op metrics collector. All metrics are
// discarded.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordStateTransition discards the state transition metric.
func (*NopMetrics) RecordStateTransition(_, _ types.State) {}

// RecordDrainRound discards the drain round metric.
func (*NopMetrics) RecordDrainRound(_, _ int) {}

// RecordDrainExhausted discards the drain exhaustion metric.
func (*NopMetrics) RecordDrainExhausted(_ int) {}

// RecordAssignmentClaimed discards the claim metric.
func (*NopMetrics) RecordAssignmentClaimed(_ string) {}

// RecordAssignmentReleased discards the release metric.
func (*NopMetrics) RecordAssignmentReleased(_ string) {}

// RecordAdmissionRejected discards the admission rejection metric.
func (*NopMetrics) RecordAdmissionRejected(_ string) {}

// RecordMuteSupersede discards the mute supersession metric.
func (*NopMetrics) RecordMuteSupersede(_ string) {}

// RecordReconnectAttempt discards the reconnect attempt metric.
func (*NopMetrics) RecordReconnectAttempt(_ int) {}

// RecordHeartbeatSent discards the heartbeat metric.
func (*NopMetrics) RecordHeartbeatSent() {}

// RecordLiveness discards the liveness publish metric.
func (*NopMetrics) RecordLiveness(_ bool) {}
