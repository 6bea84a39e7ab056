package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shoalproj/shoal/internal/logging"
	"github.com/shoalproj/shoal/internal/metrics"
	"github.com/shoalproj/shoal/types"
)

// Memory is an in-process Directory. It offers the same claim/release
// atomicity as NATSDirectory (guaranteed by a single mutex) and exists for
// single-binary deployments and tests.
type Memory struct {
	mu          sync.Mutex
	workers     map[string]types.WorkerInfo
	assignments map[string]types.Assignment // docID → record
	docGroups   map[string]string

	logger  types.Logger
	metrics types.MetricsCollector
}

// Compile-time assertion that Memory implements Directory.
var _ Directory = (*Memory)(nil)

// MemoryOption configures a Memory directory.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the directory logger.
func WithMemoryLogger(logger types.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = logger
	}
}

// WithMemoryMetrics sets the directory metrics collector.
func WithMemoryMetrics(collector types.MetricsCollector) MemoryOption {
	return func(m *Memory) {
		m.metrics = collector
	}
}

// NewMemory creates an empty in-process directory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		workers:     make(map[string]types.WorkerInfo),
		assignments: make(map[string]types.Assignment),
		docGroups:   make(map[string]string),
		logger:      logging.NewNop(),
		metrics:     metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AddWorker registers (or overwrites) a worker record.
func (m *Memory) AddWorker(_ context.Context, info types.WorkerInfo) error {
	if info.ID == "" {
		return fmt.Errorf("worker ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.workers[info.ID] = info

	return nil
}

// SetAvailability flips the worker's availability flag.
func (m *Memory) SetAvailability(_ context.Context, workerID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	info.Available = available
	m.workers[workerID] = info

	return nil
}

// RemoveWorker deletes the worker record.
func (m *Memory) RemoveWorker(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID)

	return nil
}

// GetWorker returns the record for one worker.
func (m *Memory) GetWorker(_ context.Context, workerID string) (types.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.workers[workerID]
	if !ok {
		return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	return info, nil
}

// ListWorkers returns all registered worker records.
func (m *Memory) ListWorkers(_ context.Context) ([]types.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]types.WorkerInfo, 0, len(m.workers))
	for _, info := range m.workers {
		infos = append(infos, info)
	}

	return infos, nil
}

// GetAssignments returns the documents currently assigned to the worker.
func (m *Memory) GetAssignments(_ context.Context, workerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []string
	for docID, rec := range m.assignments {
		if rec.WorkerID == workerID {
			docs = append(docs, docID)
		}
	}

	return docs, nil
}

// GetDocWorker returns the current owner of the document.
func (m *Memory) GetDocWorker(_ context.Context, docID string) (types.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assignments[docID]
	if !ok {
		return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrDocNotAssigned, docID)
	}

	info, ok := m.workers[rec.WorkerID]
	if !ok {
		return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, rec.WorkerID)
	}

	return info, nil
}

// Claim returns the document's owner, creating the assignment if needed.
func (m *Memory) Claim(_ context.Context, docID string) (types.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.assignments[docID]; ok {
		if info, exists := m.workers[rec.WorkerID]; exists {
			return info, nil
		}

		// Owner left without releasing; clear the stale assignment.
		delete(m.assignments, docID)
	}

	group := m.docGroups[docID]

	var candidates []string
	for id, info := range m.workers {
		if info.Available && info.Group == group {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return types.WorkerInfo{}, fmt.Errorf("%w: doc %s group %q", ErrNoWorkersAvailable, docID, group)
	}

	winner := pickWorker(docID, candidates)
	m.assignments[docID] = types.Assignment{DocID: docID, WorkerID: winner, Group: group}
	m.metrics.RecordAssignmentClaimed(winner)

	return m.workers[winner], nil
}

// Release deletes the assignment if it is held by the given worker.
func (m *Memory) Release(_ context.Context, workerID, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assignments[docID]
	if !ok {
		return nil // already released
	}

	if rec.WorkerID != workerID {
		return fmt.Errorf("%w: doc %s held by %s, release requested by %s",
			ErrNotOwner, docID, rec.WorkerID, workerID)
	}

	delete(m.assignments, docID)
	m.metrics.RecordAssignmentReleased(workerID)

	return nil
}

// GetWorkerGroup returns the group of a registered worker.
func (m *Memory) GetWorkerGroup(ctx context.Context, workerID string) (string, error) {
	info, err := m.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}

	return info.Group, nil
}

// GetDocGroup returns the group a document is pinned to.
func (m *Memory) GetDocGroup(_ context.Context, docID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.docGroups[docID], nil
}

// SetDocGroup pins a document to a worker group.
func (m *Memory) SetDocGroup(_ context.Context, docID, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if group == "" {
		delete(m.docGroups, docID)
	} else {
		m.docGroups[docID] = group
	}

	return nil
}
