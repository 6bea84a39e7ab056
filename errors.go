package shoal

import "errors"

// Common errors returned by Worker operations.
var (
	// ErrInvalidConfig indicates the configuration failed validation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrDirectoryRequired is returned when no directory is provided.
	ErrDirectoryRequired = errors.New("directory is required")

	// ErrDocStoreRequired is returned when no document store is provided.
	ErrDocStoreRequired = errors.New("document store is required")

	// ErrWorkerIDRequired is returned when the worker info has no id and
	// none could be derived from router registration.
	ErrWorkerIDRequired = errors.New("worker ID is required")

	// ErrAlreadyStarted is returned by Start on a worker that has left the
	// Init state.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted is returned by operations that require a running worker.
	ErrNotStarted = errors.New("worker not started")

	// ErrNotServing is returned by operations that require the Serving
	// state, such as RebalanceDoc.
	ErrNotServing = errors.New("worker is not serving")

	// ErrRouterUnreachable is returned when the router-assigned URL never
	// became routable during join.
	ErrRouterUnreachable = errors.New("worker URL never became routable")

	// ErrDrainIncomplete is returned by Stop when assignments remain after
	// the drain retry budget was spent. Shutdown still completes.
	ErrDrainIncomplete = errors.New("assignments still held after drain")

	// ErrInvalidStateTransition indicates a lifecycle transition that the
	// state machine does not allow.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)
