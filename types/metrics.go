package types

// MetricsCollector receives operational metrics from shoal components.
//
// Implementations must be safe for concurrent use and must not block;
// slow exporters should buffer internally. A no-op implementation is used
// when no collector is configured.
type MetricsCollector interface {
	// RecordStateTransition records a worker lifecycle state change.
	RecordStateTransition(from, to State)

	// RecordDrainRound records the outcome of one drain round.
	RecordDrainRound(released, remaining int)

	// RecordDrainExhausted records assignments still held after the drain
	// retry budget was spent.
	RecordDrainExhausted(remaining int)

	// RecordAssignmentClaimed records a successful claim settled for the
	// given worker.
	RecordAssignmentClaimed(workerID string)

	// RecordAssignmentReleased records an assignment release.
	RecordAssignmentReleased(workerID string)

	// RecordAdmissionRejected records a request rejected at the admission
	// ceiling.
	RecordAdmissionRejected(docID string)

	// RecordMuteSupersede records a result discarded because its document
	// was muted mid-operation.
	RecordMuteSupersede(docID string)

	// RecordReconnectAttempt records a client reconnect attempt.
	RecordReconnectAttempt(attempt int)

	// RecordHeartbeatSent records a client keepalive ping.
	RecordHeartbeatSent()

	// RecordLiveness records a worker liveness publish outcome.
	RecordLiveness(success bool)
}
