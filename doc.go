// Package shoal coordinates a pool of document workers: each document is
// served by exactly one worker at a time, clients find and follow the
// owning worker, and workers hand their documents off cleanly before
// shutting down.
//
// The package is organized around three pieces:
//
//   - Worker (this package) runs the server-side lifecycle: join the pool,
//     serve assignments, and drain them on shutdown or rebalance.
//   - directory is the single arbiter of document ownership, backed by NATS
//     JetStream KV or an in-process store.
//   - conn is the client-side connection manager that follows a document
//     across worker moves, and gate bounds per-document admission on the
//     worker.
package shoal
