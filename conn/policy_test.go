package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectPolicy(t *testing.T) {
	t.Run("default table", func(t *testing.T) {
		p := NewReconnectPolicy()

		require.Equal(t, 1*time.Second, p.Delay(1))
		require.Equal(t, 1*time.Second, p.Delay(2))
		require.Equal(t, 2*time.Second, p.Delay(3))
		require.Equal(t, 5*time.Second, p.Delay(4))
		require.Equal(t, 10*time.Second, p.Delay(5))
	})

	t.Run("clamps past the table end", func(t *testing.T) {
		p := NewReconnectPolicy()

		require.Equal(t, 10*time.Second, p.Delay(6))
		require.Equal(t, 10*time.Second, p.Delay(100))
	})

	t.Run("clamps below the table start", func(t *testing.T) {
		p := NewReconnectPolicy()

		require.Equal(t, 1*time.Second, p.Delay(0))
		require.Equal(t, 1*time.Second, p.Delay(-5))
	})

	t.Run("custom table", func(t *testing.T) {
		p := NewReconnectPolicy(10*time.Millisecond, 20*time.Millisecond)

		require.Equal(t, 10*time.Millisecond, p.Delay(1))
		require.Equal(t, 20*time.Millisecond, p.Delay(2))
		require.Equal(t, 20*time.Millisecond, p.Delay(3))
	})

	t.Run("zero value falls back to defaults", func(t *testing.T) {
		var p ReconnectPolicy

		require.Equal(t, 1*time.Second, p.Delay(1))
	})
}

func TestHeartbeatTimer(t *testing.T) {
	t.Run("fires after the period", func(t *testing.T) {
		h := newHeartbeatTimer()
		fired := make(chan struct{})

		h.Schedule(10*time.Millisecond, func() { close(fired) })

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}
	})

	t.Run("reschedule replaces the pending fire", func(t *testing.T) {
		h := newHeartbeatTimer()
		fired := make(chan string, 2)

		h.Schedule(30*time.Millisecond, func() { fired <- "first" })
		h.Schedule(10*time.Millisecond, func() { fired <- "second" })

		select {
		case got := <-fired:
			require.Equal(t, "second", got)
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}

		select {
		case got := <-fired:
			t.Fatalf("cancelled fire still ran: %s", got)
		case <-time.After(60 * time.Millisecond):
		}
	})

	t.Run("stop cancels", func(t *testing.T) {
		h := newHeartbeatTimer()
		fired := make(chan struct{}, 1)

		h.Schedule(10*time.Millisecond, func() { fired <- struct{}{} })
		h.Stop()

		select {
		case <-fired:
			t.Fatal("stopped timer still fired")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
