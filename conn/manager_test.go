package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChannel is a scriptable Channel. Tests inject inbound messages with
// push and drop the connection with drop.
type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   chan []byte
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{recv: make(chan []byte, 16)}
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("channel closed")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))

	return nil
}

func (c *fakeChannel) Recv() <-chan []byte {
	return c.recv
}

func (c *fakeChannel) Close() error {
	c.drop()

	return nil
}

func (c *fakeChannel) push(data []byte) {
	c.recv <- data
}

func (c *fakeChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.recv)
	}
}

func (c *fakeChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.sent...)
}

// fakeDialer hands each dial a fresh fakeChannel and exposes it to the test.
type fakeDialer struct {
	mu      sync.Mutex
	dialed  []string
	failErr error
	opened  chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeChannel, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Channel, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, rawURL)
	err := d.failErr
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := newFakeChannel()
	d.opened <- ch

	return ch, nil
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failErr = err
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.dialed...)
}

func (d *fakeDialer) waitChannel(t *testing.T) *fakeChannel {
	t.Helper()

	select {
	case ch := <-d.opened:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no channel was opened")

		return nil
	}
}

// fakeLocator returns a scripted worker URL.
type fakeLocator struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (l *fakeLocator) ResolveWorkerURL(context.Context, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++

	return l.url, l.err
}

func (l *fakeLocator) set(url string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.url = url
	l.err = err
}

func (l *fakeLocator) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.calls
}

type fakeEnv struct{}

func (fakeEnv) Timezone(context.Context) (string, error) { return "America/New_York", nil }
func (fakeEnv) PageURL() string                          { return "http://app.local/doc" }
func (fakeEnv) UserSelector() string                     { return "" }

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")

		return nil
	}
}

// waitEventOf discards events until one of type E arrives.
func waitEventOf[E Event](t *testing.T, events <-chan Event) E {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(E); ok {
				return typed
			}
		case <-deadline:
			var zero E
			t.Fatalf("no %T event arrived", zero)

			return zero
		}
	}
}

func handshakeJSON(t *testing.T, clientID string, missed []string, dup bool) []byte {
	t.Helper()

	raw := make([]json.RawMessage, 0, len(missed))
	for _, m := range missed {
		raw = append(raw, json.RawMessage(m))
	}
	data, err := json.Marshal(map[string]any{
		"type":           messageTypeConnect,
		"clientId":       clientID,
		"missedMessages": raw,
		"dup":            dup,
	})
	require.NoError(t, err)

	return data
}

func newTestManager(t *testing.T, locator Locator, dialer Dialer, opts ...Option) *Manager {
	t.Helper()

	base := []Option{
		WithLocator(locator),
		WithReconnectPolicy(NewReconnectPolicy(10 * time.Millisecond)),
	}
	m := NewManager(NewMemorySession(), fakeEnv{}, dialer, append(base, opts...)...)
	t.Cleanup(m.Close)

	return m
}

func TestManagerConnect(t *testing.T) {
	t.Run("establishes on handshake", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: "http://w1.local/channel"}
		m := newTestManager(t, locator, dialer)

		require.NoError(t, m.Initialize("doc-1"))

		ev := waitEvent(t, m.Events())
		require.Equal(t, ConnectStateEvent{Established: false}, ev)

		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))

		state := waitEventOf[ConnectStateEvent](t, m.Events())
		require.True(t, state.Established)

		msg := waitEventOf[ServerMessageEvent](t, m.Events())
		var hs handshakeMessage
		require.NoError(t, json.Unmarshal(msg.Data, &hs))
		require.Equal(t, "client-1", hs.ClientID)
		require.False(t, hs.ResetClientID)

		require.True(t, m.Established())
		require.Equal(t, "client-1", m.ClientID())
	})

	t.Run("dial URL carries identity parameters", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: "http://w1.local/channel"}
		m := newTestManager(t, locator, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		dialer.waitChannel(t)

		dialed := dialer.dialedURLs()
		require.Len(t, dialed, 1)

		u, err := url.Parse(dialed[0])
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "0", q.Get("clientId"))
		require.Equal(t, "0", q.Get("counter"))
		require.Equal(t, "1", q.Get("newClient"))

		var bs browserSettings
		require.NoError(t, json.Unmarshal([]byte(q.Get("browserSettings")), &bs))
		require.Equal(t, "America/New_York", bs.Timezone)
	})

	t.Run("without a locator the manager stays dormant", func(t *testing.T) {
		dialer := newFakeDialer()
		m := NewManager(NewMemorySession(), fakeEnv{}, dialer)
		t.Cleanup(m.Close)

		require.NoError(t, m.Initialize("doc-1"))

		time.Sleep(50 * time.Millisecond)
		require.Empty(t, dialer.dialedURLs())
		require.Equal(t, StateDisconnected, m.State())
	})

	t.Run("initialize is one-shot", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		require.ErrorIs(t, m.Initialize("doc-1"), ErrAlreadyInitialized)
	})

	t.Run("resolve failure without a known URL abandons the attempt", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{err: errors.New("directory down")}
		m := newTestManager(t, locator, dialer)

		require.NoError(t, m.Initialize("doc-1"))

		time.Sleep(50 * time.Millisecond)
		require.Empty(t, dialer.dialedURLs())
	})

	t.Run("empty resolved URL falls back to the home URL", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: ""}
		m := newTestManager(t, locator, dialer, WithFallbackURL("http://home.local/channel"))

		require.NoError(t, m.Initialize("doc-1"))
		dialer.waitChannel(t)

		dialed := dialer.dialedURLs()
		require.Len(t, dialed, 1)
		require.Contains(t, dialed[0], "http://home.local/channel")
	})
}

func TestManagerHandshake(t *testing.T) {
	t.Run("replays missed messages in order after the handshake", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", []string{`{"seq":1}`, `{"seq":2}`}, false))

		hs := waitEventOf[ServerMessageEvent](t, m.Events())
		var parsed handshakeMessage
		require.NoError(t, json.Unmarshal(hs.Data, &parsed))
		require.Equal(t, messageTypeConnect, parsed.Type)

		first := waitEventOf[ServerMessageEvent](t, m.Events())
		require.JSONEq(t, `{"seq":1}`, string(first.Data))

		second := waitEventOf[ServerMessageEvent](t, m.Events())
		require.JSONEq(t, `{"seq":2}`, string(second.Data))
	})

	t.Run("duplicate handshake is dropped", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())

		ch.push(handshakeJSON(t, "client-other", nil, true))
		ch.push([]byte(`{"type":"docUserAction"}`))

		// The duplicate must not surface; the next message event is the
		// ordinary one, and identity is unchanged.
		msg := waitEventOf[ServerMessageEvent](t, m.Events())
		require.JSONEq(t, `{"type":"docUserAction"}`, string(msg.Data))
		require.Equal(t, "client-1", m.ClientID())
	})

	t.Run("non-handshake messages before establishment are dropped", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push([]byte(`{"type":"tooEarly"}`))
		ch.push(handshakeJSON(t, "client-1", nil, false))

		msg := waitEventOf[ServerMessageEvent](t, m.Events())
		var parsed handshakeMessage
		require.NoError(t, json.Unmarshal(msg.Data, &parsed))
		require.Equal(t, messageTypeConnect, parsed.Type)
	})

	t.Run("stores the issued client id in the session", func(t *testing.T) {
		session := NewMemorySession()
		dialer := newFakeDialer()
		m := NewManager(session, fakeEnv{}, dialer,
			WithLocator(&fakeLocator{url: "http://w1.local"}),
			WithReconnectPolicy(NewReconnectPolicy(10*time.Millisecond)))
		t.Cleanup(m.Close)

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())

		require.Equal(t, "client-1", session.ClientID("doc-1"))
	})
}

func TestManagerReconnect(t *testing.T) {
	establish := func(t *testing.T, m *Manager, dialer *fakeDialer, clientID string) *fakeChannel {
		t.Helper()

		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, clientID, nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())

		return ch
	}

	t.Run("reconnects after a drop and resumes identity", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: "http://w1.local/channel"}
		m := newTestManager(t, locator, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := establish(t, m, dialer, "client-1")

		ch.drop()

		status := waitEventOf[ConnectionStatusEvent](t, m.Events())
		require.Equal(t, StatusWarning, status.Level)

		ch2 := dialer.waitChannel(t)
		ch2.push(handshakeJSON(t, "client-1", nil, false))

		msg := waitEventOf[ServerMessageEvent](t, m.Events())
		var hs handshakeMessage
		require.NoError(t, json.Unmarshal(msg.Data, &hs))
		require.False(t, hs.ResetClientID)

		// The reconnect dial carries the stored identity.
		dialed := dialer.dialedURLs()
		require.Len(t, dialed, 2)
		u, err := url.Parse(dialed[1])
		require.NoError(t, err)
		require.Equal(t, "client-1", u.Query().Get("clientId"))
		require.Equal(t, "0", u.Query().Get("newClient"))
	})

	t.Run("reports identity reset when the server issues a new id", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := establish(t, m, dialer, "client-1")

		ch.drop()
		ch2 := dialer.waitChannel(t)
		ch2.push(handshakeJSON(t, "client-2", nil, false))

		msg := waitEventOf[ServerMessageEvent](t, m.Events())
		var hs handshakeMessage
		require.NoError(t, json.Unmarshal(msg.Data, &hs))
		require.True(t, hs.ResetClientID)
		require.Equal(t, "client-2", m.ClientID())
	})

	t.Run("re-resolves the worker on every attempt", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: "http://w1.local/channel"}
		m := newTestManager(t, locator, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := establish(t, m, dialer, "client-1")

		// Ownership moved between attempts.
		locator.set("http://w2.local/channel", nil)
		ch.drop()

		dialer.waitChannel(t)
		dialed := dialer.dialedURLs()
		require.Len(t, dialed, 2)
		require.Contains(t, dialed[1], "http://w2.local/channel")
		require.GreaterOrEqual(t, locator.callCount(), 2)
	})

	t.Run("dial failures keep retrying with backoff", func(t *testing.T) {
		dialer := newFakeDialer()
		locator := &fakeLocator{url: "http://w1.local"}
		m := newTestManager(t, locator, dialer)

		dialer.fail(errors.New("connection refused"))
		require.NoError(t, m.Initialize("doc-1"))

		require.Eventually(t, func() bool {
			return len(dialer.dialedURLs()) >= 3
		}, 2*time.Second, 5*time.Millisecond)

		// Recovery: let the next dial succeed.
		dialer.fail(nil)
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())
		require.True(t, m.Established())
	})

	t.Run("closed manager never reconnects", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		establish(t, m, dialer, "client-1")

		m.Close()
		before := len(dialer.dialedURLs())

		time.Sleep(100 * time.Millisecond)
		require.Len(t, dialer.dialedURLs(), before)
		require.Equal(t, StateDisconnected, m.State())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		m.Close()
		m.Close()
	})
}

func TestManagerSend(t *testing.T) {
	t.Run("rejected before establishment", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.ErrorIs(t, m.Send([]byte(`{}`)), ErrNotEstablished)

		require.NoError(t, m.Initialize("doc-1"))
		dialer.waitChannel(t)
		require.ErrorIs(t, m.Send([]byte(`{}`)), ErrNotEstablished)
	})

	t.Run("delivers once established", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())

		require.NoError(t, m.Send([]byte(`{"reqId":1}`)))

		sent := ch.sentMessages()
		require.Len(t, sent, 1)
		require.JSONEq(t, `{"reqId":1}`, string(sent[0]))
	})

	t.Run("rejected after close", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer)

		require.NoError(t, m.Initialize("doc-1"))
		m.Close()
		require.ErrorIs(t, m.Send([]byte(`{}`)), ErrClosed)
	})
}

func TestManagerHeartbeat(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, &fakeLocator{url: "http://w1.local"}, dialer,
		WithHeartbeatPeriod(20*time.Millisecond))

	require.NoError(t, m.Initialize("doc-7"))
	ch := dialer.waitChannel(t)
	ch.push(handshakeJSON(t, "client-1", nil, false))
	waitEventOf[ServerMessageEvent](t, m.Events())

	require.Eventually(t, func() bool {
		return len(ch.sentMessages()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	var beat heartbeatMessage
	require.NoError(t, json.Unmarshal(ch.sentMessages()[0], &beat))
	require.Equal(t, "alive", beat.Beat)
	require.Equal(t, "doc-7", beat.DocID)
	require.Equal(t, "http://app.local/doc", beat.URL)
}

func TestManagerEventBackpressure(t *testing.T) {
	t.Run("state events survive a stalled consumer", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local/channel"}, dialer,
			WithEventBuffer(1))

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))

		// Nothing read yet: the buffer still holds the initial disconnected
		// event, so the establish notification is queued behind it rather
		// than dropped.
		require.Eventually(t, m.Established, 2*time.Second, 5*time.Millisecond)

		ev := waitEvent(t, m.Events())
		require.Equal(t, ConnectStateEvent{Established: false}, ev)

		state := waitEventOf[ConnectStateEvent](t, m.Events())
		require.True(t, state.Established)
	})

	t.Run("disconnect notification outlives dropped messages", func(t *testing.T) {
		dialer := newFakeDialer()
		m := newTestManager(t, &fakeLocator{url: "http://w1.local/channel"}, dialer,
			WithEventBuffer(2))

		require.NoError(t, m.Initialize("doc-1"))
		ch := dialer.waitChannel(t)
		ch.push(handshakeJSON(t, "client-1", nil, false))
		waitEventOf[ServerMessageEvent](t, m.Events())

		// Stall the consumer and flood the channel: the buffer holds two
		// messages, the rest are shed, and then the connection drops.
		for i := 0; i < 5; i++ {
			ch.push([]byte(`{"type":"docUserAction"}`))
		}
		ch.drop()
		time.Sleep(50 * time.Millisecond)

		messages := 0
		for {
			ev := waitEvent(t, m.Events())
			if state, ok := ev.(ConnectStateEvent); ok {
				require.False(t, state.Established)
				break
			}
			if _, ok := ev.(ServerMessageEvent); ok {
				messages++
			}
		}
		require.Equal(t, 2, messages)
	})
}

func TestBuildConnectURL(t *testing.T) {
	t.Run("existing query parameters are preserved", func(t *testing.T) {
		raw, err := buildConnectURL("http://w1.local/channel?org=acme", "c1", "3", false, "UTC", "u2")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "acme", q.Get("org"))
		require.Equal(t, "c1", q.Get("clientId"))
		require.Equal(t, "3", q.Get("counter"))
		require.Equal(t, "0", q.Get("newClient"))
		require.Equal(t, "u2", q.Get("user"))
	})

	t.Run("missing identity becomes the zero client id", func(t *testing.T) {
		raw, err := buildConnectURL("http://w1.local", "", "0", true, "", "")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "0", u.Query().Get("clientId"))
		require.Equal(t, "1", u.Query().Get("newClient"))
		require.Empty(t, u.Query().Get("user"))
	})
}

func TestMemorySession(t *testing.T) {
	s := NewMemorySession()

	require.Empty(t, s.ClientID("doc-1"))

	s.SetClientID("doc-1", "c1")
	require.Equal(t, "c1", s.ClientID("doc-1"))
	require.Empty(t, s.ClientID("doc-2"))

	require.Equal(t, "0", s.NextConnectionCounter())
	require.Equal(t, "1", s.NextConnectionCounter())
	require.Equal(t, "2", s.NextConnectionCounter())
}
