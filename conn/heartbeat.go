package conn

import (
	"sync"
	"time"
)

// heartbeatTimer is a single reschedulable timer. Scheduling replaces any
// pending fire, so the heartbeat only triggers after a full quiet period
// with no other traffic.
type heartbeatTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func newHeartbeatTimer() *heartbeatTimer {
	return &heartbeatTimer{}
}

// Schedule arms the timer to call fn after d, cancelling any pending fire.
func (h *heartbeatTimer) Schedule(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, fn)
}

// Stop cancels any pending fire.
func (h *heartbeatTimer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
