package conn

import "encoding/json"

// ConnState is the coarse lifecycle state of a managed connection.
type ConnState int32

const (
	// StateDisconnected means no channel is open. A reconnect may be pending.
	StateDisconnected ConnState = iota
	// StateConnecting means a channel is open but the handshake has not
	// arrived yet. Outbound sends are rejected in this state.
	StateConnecting
	// StateEstablished means the handshake completed and the connection is
	// fully usable.
	StateEstablished
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// StatusLevel classifies a ConnectionStatusEvent.
type StatusLevel int

const (
	// StatusOK indicates a healthy connection.
	StatusOK StatusLevel = iota
	// StatusWarning indicates a degraded connection, typically while
	// reconnecting.
	StatusWarning
)

// Event is a tagged union of connection notifications delivered on the
// manager's event channel.
type Event interface {
	isEvent()
}

// ConnectStateEvent reports a transition in or out of the established state.
type ConnectStateEvent struct {
	// Established is true once the handshake for a (re)connection completed,
	// false when the channel dropped.
	Established bool
}

func (ConnectStateEvent) isEvent() {}

// ServerMessageEvent carries one raw message from the server, including the
// handshake message and any missed-message replays.
type ServerMessageEvent struct {
	Data json.RawMessage
}

func (ServerMessageEvent) isEvent() {}

// ConnectionStatusEvent carries a human-readable status line suitable for
// surfacing directly to a user.
type ConnectionStatusEvent struct {
	Message string
	Level   StatusLevel
}

func (ConnectionStatusEvent) isEvent() {}
