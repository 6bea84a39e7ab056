package types

import "context"

// DocumentStore is the boundary to the process holding live document state.
//
// Shoal does not manage document content. During a drain or rebalance it
// needs a small contract from the document engine: flush durable state,
// wait out pending initialization, cut clients loose, and mute the
// in-memory object so nothing it computes afterwards escapes the process.
//
// Implementations must be safe for concurrent use; drain runs these
// operations for many documents in parallel.
type DocumentStore interface {
	// Flush writes the document's durable state to storage. It returns once
	// there is no pending write for the document. Flushing a document that
	// is not open is a no-op.
	Flush(ctx context.Context, docID string) error

	// Load waits for any in-flight initialization of the document to finish.
	// It reports whether the document is open in memory; false means there
	// is nothing to interrupt or mute.
	Load(ctx context.Context, docID string) (bool, error)

	// InterruptAllClients forcibly drops every client channel connected to
	// the document, forcing them through their reconnect path.
	InterruptAllClients(docID string)

	// SetMuted marks the in-memory document object as permanently unable to
	// produce externally visible effects. Operations already in flight may
	// run to completion but their results must be discarded.
	SetMuted(docID string)

	// IsMuted reports whether the document object has been muted.
	IsMuted(docID string) bool

	// Shutdown closes the in-memory document object. Used by the rebalance
	// path, where the worker keeps serving other documents.
	Shutdown(ctx context.Context, docID string) error

	// CloseAll closes every open document. Called at the end of a worker
	// shutdown, after assignments have been released.
	CloseAll(ctx context.Context) error
}
