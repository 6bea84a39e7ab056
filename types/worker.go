package types

// WorkerInfo describes a worker process registered in the directory.
//
// PublicURL is the base URL clients use to reach the worker (typically
// through a load balancer); InternalURL is the URL other servers use for
// direct access. The two are often the same outside of cloud deployments.
type WorkerInfo struct {
	// ID uniquely identifies the worker within the pool.
	ID string `json:"id"`

	// PublicURL is the client-facing base URL for this worker.
	PublicURL string `json:"publicUrl"`

	// InternalURL is the server-facing base URL for this worker.
	InternalURL string `json:"internalUrl"`

	// Group optionally restricts which documents this worker may serve.
	// Workers with an empty group form the default pool.
	Group string `json:"group,omitempty"`

	// Available reports whether the worker currently accepts new
	// assignments. Flipped off at the start of a drain.
	Available bool `json:"available"`
}

// Assignment records that a specific worker currently owns a specific
// document. At most one assignment exists per document at any instant.
type Assignment struct {
	// DocID identifies the owned document.
	DocID string `json:"docId"`

	// WorkerID identifies the owning worker.
	WorkerID string `json:"workerId"`

	// Group is the worker's group at claim time, kept for rebalance checks.
	Group string `json:"group,omitempty"`
}
