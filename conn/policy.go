package conn

import "time"

// DefaultReconnectDelays is the default backoff table for reconnect
// attempts. Attempts beyond the table length reuse the last entry.
var DefaultReconnectDelays = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// DefaultHeartbeatPeriod is the default interval between keepalive
// heartbeats on an idle connection. It is chosen to stay under common
// proxy idle timeouts (typically 60s).
const DefaultHeartbeatPeriod = 45 * time.Second

// ReconnectPolicy maps a reconnect attempt number to a backoff delay.
type ReconnectPolicy struct {
	delays []time.Duration
}

// NewReconnectPolicy creates a policy from an explicit delay table. With no
// arguments it uses DefaultReconnectDelays.
func NewReconnectPolicy(delays ...time.Duration) ReconnectPolicy {
	if len(delays) == 0 {
		delays = DefaultReconnectDelays
	}

	return ReconnectPolicy{delays: delays}
}

// Delay returns the backoff before the given attempt. Attempt numbers start
// at 1; attempts past the end of the table are clamped to the last entry.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delays := p.delays
	if len(delays) == 0 {
		delays = DefaultReconnectDelays
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return delays[idx]
}
