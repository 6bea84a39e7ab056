// Package conn implements the client-side connection manager: a persistent
// duplex channel to whichever worker currently serves a document.
//
// The manager survives reconnects without losing its client identity, keeps
// the channel alive through idle-killing intermediaries with periodic
// keepalive pings, and re-resolves the owning worker on every connect, since
// ownership can move between attempts.
//
// Applications observe the connection through a stream of tagged events
// (Events): connect-state changes, server messages, and human-readable
// connection status updates.
package conn
