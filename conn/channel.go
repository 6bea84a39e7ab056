package conn

import "context"

// Channel is one open duplex connection to a worker. Implementations
// deliver inbound messages on Recv and close that channel when the
// connection drops for any reason.
type Channel interface {
	// Send writes one message to the worker.
	Send(data []byte) error

	// Recv returns the inbound message stream. The channel is closed when
	// the connection drops; no further messages follow.
	Recv() <-chan []byte

	// Close tears the connection down. Recv is closed as a consequence.
	Close() error
}

// Dialer opens channels to workers.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Channel, error)
}

// Locator resolves which worker currently serves a document. It is
// consulted before every connection attempt, since ownership can move
// between attempts.
type Locator interface {
	// ResolveWorkerURL returns the base URL of the document's worker. An
	// empty URL with a nil error means the document is served through
	// default routing and the manager should fall back to its home URL.
	ResolveWorkerURL(ctx context.Context, assignmentID string) (string, error)
}

// Environment supplies ambient client details included in the connection
// handshake and heartbeats.
type Environment interface {
	// Timezone returns the client's timezone name. It may be slow the first
	// time (lazy detection); the result is sent as a connection setting.
	Timezone(ctx context.Context) (string, error)

	// PageURL returns the client's current page address, echoed in
	// heartbeats for server-side diagnostics.
	PageURL() string

	// UserSelector identifies which of possibly several authenticated users
	// this connection acts as. Empty means the default user.
	UserSelector() string
}
