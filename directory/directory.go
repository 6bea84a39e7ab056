package directory

import (
	"context"
	"errors"

	"github.com/shoalproj/shoal/types"
)

// Common errors returned by directory implementations.
var (
	// ErrWorkerNotFound is returned when a worker id is not registered.
	ErrWorkerNotFound = errors.New("worker not found in directory")

	// ErrNoWorkersAvailable is returned by Claim when no available worker
	// can serve the document's group.
	ErrNoWorkersAvailable = errors.New("no workers available for assignment")

	// ErrNotOwner is returned by Release when the assignment names a
	// different worker.
	ErrNotOwner = errors.New("assignment is held by another worker")

	// ErrDocNotAssigned is returned when a document has no assignment.
	ErrDocNotAssigned = errors.New("document is not assigned")
)

// Directory tracks workers and document assignments.
//
// All mutations to an assignment record are atomic with respect to any two
// callers: no two workers may simultaneously believe they own the same
// document.
type Directory interface {
	// AddWorker registers a worker record. Re-adding an existing worker
	// overwrites its record (used when a worker rejoins after a restart).
	AddWorker(ctx context.Context, info types.WorkerInfo) error

	// SetAvailability flips whether the worker accepts new assignments.
	// Turning availability off takes effect immediately for new claims.
	SetAvailability(ctx context.Context, workerID string, available bool) error

	// RemoveWorker deletes the worker record. The worker should have
	// released its assignments first.
	RemoveWorker(ctx context.Context, workerID string) error

	// GetWorker returns the record for one worker.
	GetWorker(ctx context.Context, workerID string) (types.WorkerInfo, error)

	// ListWorkers returns all registered worker records.
	ListWorkers(ctx context.Context) ([]types.WorkerInfo, error)

	// GetAssignments returns the ids of documents currently assigned to the
	// worker.
	GetAssignments(ctx context.Context, workerID string) ([]string, error)

	// GetDocWorker returns the current owner of the document, or
	// ErrDocNotAssigned.
	GetDocWorker(ctx context.Context, docID string) (types.WorkerInfo, error)

	// Claim returns the document's owner, creating the assignment if none
	// exists. The directory picks the winning worker among available ones;
	// concurrent claims for the same document converge on a single owner.
	Claim(ctx context.Context, docID string) (types.WorkerInfo, error)

	// Release deletes the assignment, allowing another worker to claim the
	// document. Releasing a document that is no longer assigned is not an
	// error; releasing one owned by a different worker returns ErrNotOwner.
	Release(ctx context.Context, workerID, docID string) error

	// GetWorkerGroup returns the group of a registered worker.
	GetWorkerGroup(ctx context.Context, workerID string) (string, error)

	// GetDocGroup returns the group a document is pinned to, or "" for the
	// default pool.
	GetDocGroup(ctx context.Context, docID string) (string, error)

	// SetDocGroup pins a document to a worker group. An empty group unpins
	// it. Takes effect on the next claim; use a rebalance to move an
	// already-assigned document.
	SetDocGroup(ctx context.Context, docID, group string) error
}
