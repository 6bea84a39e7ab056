package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shoalproj/shoal/internal/kvutil"
	"github.com/shoalproj/shoal/internal/logging"
	"github.com/shoalproj/shoal/internal/metrics"
	"github.com/shoalproj/shoal/types"
)

// LivenessKeyPrefix is the key prefix under which liveness marks live in
// the liveness bucket. Exported so publishers writing marks use the same
// layout the directory reads.
const LivenessKeyPrefix = "liveness"

// Key prefixes within the directory buckets.
const (
	workerKeyPrefix     = "worker"
	assignmentKeyPrefix = "assignment"
	docGroupKeyPrefix   = "group"
)

// NATSConfig configures the KV buckets backing a NATSDirectory.
type NATSConfig struct {
	// WorkersBucket holds worker records and availability. No TTL.
	WorkersBucket string `yaml:"workersBucket"`

	// AssignmentsBucket holds document assignments and group pins. No TTL:
	// assignments are deleted explicitly on release.
	AssignmentsBucket string `yaml:"assignmentsBucket"`

	// LivenessBucket optionally holds worker liveness marks. When set,
	// Claim skips workers without a live mark. Should carry a TTL of ~3x
	// the liveness publish interval.
	LivenessBucket string `yaml:"livenessBucket"`

	// LivenessTTL is the TTL applied when creating the liveness bucket.
	LivenessTTL time.Duration `yaml:"livenessTtl"`
}

// DefaultNATSConfig returns bucket names suitable for a single shoal pool
// per NATS account.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		WorkersBucket:     "shoal-workers",
		AssignmentsBucket: "shoal-assignments",
		LivenessBucket:    "",
		LivenessTTL:       6 * time.Second,
	}
}

// NATSDirectory implements Directory over NATS JetStream KeyValue buckets.
//
// Atomicity mapping:
//   - Claim uses KV Create, which fails with ErrKeyExists if any other
//     claimant won the race. The loser reads back the winner.
//   - Release uses a revision-guarded Delete, so a release cannot destroy
//     an assignment re-claimed in between.
//   - Availability flips use a revision-guarded Update in a short CAS loop.
type NATSDirectory struct {
	workers     jetstream.KeyValue
	assignments jetstream.KeyValue
	liveness    jetstream.KeyValue // nil when liveness filtering is off

	logger  types.Logger
	metrics types.MetricsCollector
}

// Compile-time assertion that NATSDirectory implements Directory.
var _ Directory = (*NATSDirectory)(nil)

// NATSOption configures a NATSDirectory.
type NATSOption func(*NATSDirectory)

// WithLogger sets the directory logger.
func WithLogger(logger types.Logger) NATSOption {
	return func(d *NATSDirectory) {
		d.logger = logger
	}
}

// WithMetrics sets the directory metrics collector.
func WithMetrics(collector types.MetricsCollector) NATSOption {
	return func(d *NATSDirectory) {
		d.metrics = collector
	}
}

// NewNATS creates a NATSDirectory, creating or opening its KV buckets.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - conn: NATS connection shared with the rest of the process
//   - cfg: Bucket configuration
//   - opts: Optional logger and metrics
//
// Example:
//
//	dir, err := directory.NewNATS(ctx, nc, directory.DefaultNATSConfig())
func NewNATS(ctx context.Context, conn *nats.Conn, cfg NATSConfig, opts ...NATSOption) (*NATSDirectory, error) {
	if conn == nil {
		return nil, errors.New("NATS connection is required")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	d := &NATSDirectory{
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	const maxRetries = 5

	d.workers, err = kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.WorkersBucket,
		History: 1,
	}, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to open workers bucket: %w", err)
	}

	d.assignments, err = kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.AssignmentsBucket,
		History: 1,
	}, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to open assignments bucket: %w", err)
	}

	if cfg.LivenessBucket != "" {
		d.liveness, err = kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
			Bucket:  cfg.LivenessBucket,
			History: 1,
			TTL:     cfg.LivenessTTL,
		}, maxRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to open liveness bucket: %w", err)
		}
	}

	return d, nil
}

// LivenessBucket returns the liveness KV bucket, or nil when liveness
// filtering is not configured. Workers use it to publish their marks.
func (d *NATSDirectory) LivenessBucket() jetstream.KeyValue {
	return d.liveness
}

// AddWorker registers (or overwrites) a worker record.
func (d *NATSDirectory) AddWorker(ctx context.Context, info types.WorkerInfo) error {
	if info.ID == "" {
		return errors.New("worker ID is required")
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker record: %w", err)
	}

	if _, err := d.workers.Put(ctx, workerKey(info.ID), data); err != nil {
		return fmt.Errorf("failed to store worker record %s: %w", info.ID, err)
	}

	d.logger.Info("worker registered in directory", "worker_id", info.ID, "group", info.Group)

	return nil
}

// SetAvailability flips the worker's availability flag.
func (d *NATSDirectory) SetAvailability(ctx context.Context, workerID string, available bool) error {
	const casAttempts = 5

	key := workerKey(workerID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := d.workers.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
			}

			return fmt.Errorf("failed to read worker record %s: %w", workerID, err)
		}

		var info types.WorkerInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			return fmt.Errorf("failed to unmarshal worker record %s: %w", workerID, err)
		}

		if info.Available == available {
			return nil
		}

		info.Available = available
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal worker record: %w", err)
		}

		if _, err := d.workers.Update(ctx, key, data, entry.Revision()); err == nil {
			d.logger.Info("worker availability changed", "worker_id", workerID, "available", available)
			return nil
		}

		// Revision conflict: another writer touched the record. Re-read.
	}

	return fmt.Errorf("failed to update availability for %s after %d attempts", workerID, casAttempts)
}

// RemoveWorker deletes the worker record and its liveness mark.
func (d *NATSDirectory) RemoveWorker(ctx context.Context, workerID string) error {
	if err := d.workers.Delete(ctx, workerKey(workerID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove worker %s: %w", workerID, err)
	}

	if d.liveness != nil {
		if err := d.liveness.Delete(ctx, livenessKey(workerID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			d.logger.Warn("failed to remove liveness mark", "worker_id", workerID, "error", err)
		}
	}

	d.logger.Info("worker removed from directory", "worker_id", workerID)

	return nil
}

// GetWorker returns the record for one worker.
func (d *NATSDirectory) GetWorker(ctx context.Context, workerID string) (types.WorkerInfo, error) {
	entry, err := d.workers.Get(ctx, workerKey(workerID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		}

		return types.WorkerInfo{}, fmt.Errorf("failed to read worker record %s: %w", workerID, err)
	}

	var info types.WorkerInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return types.WorkerInfo{}, fmt.Errorf("failed to unmarshal worker record %s: %w", workerID, err)
	}

	return info, nil
}

// ListWorkers returns all registered worker records.
func (d *NATSDirectory) ListWorkers(ctx context.Context) ([]types.WorkerInfo, error) {
	keys, err := d.listKeys(ctx, d.workers, workerKeyPrefix+".")
	if err != nil {
		return nil, err
	}

	infos := make([]types.WorkerInfo, 0, len(keys))
	for _, key := range keys {
		entry, err := d.workers.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // removed between list and get
			}

			return nil, fmt.Errorf("failed to read worker record %s: %w", key, err)
		}

		var info types.WorkerInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker record %s: %w", key, err)
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// GetAssignments returns the documents currently assigned to the worker.
func (d *NATSDirectory) GetAssignments(ctx context.Context, workerID string) ([]string, error) {
	keys, err := d.listKeys(ctx, d.assignments, assignmentKeyPrefix+".")
	if err != nil {
		return nil, err
	}

	var docs []string
	for _, key := range keys {
		rec, _, err := d.getAssignment(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // released between list and get
			}

			return nil, err
		}

		if rec.WorkerID == workerID {
			docs = append(docs, rec.DocID)
		}
	}

	return docs, nil
}

// GetDocWorker returns the current owner of the document.
func (d *NATSDirectory) GetDocWorker(ctx context.Context, docID string) (types.WorkerInfo, error) {
	rec, _, err := d.getAssignment(ctx, assignmentKey(docID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrDocNotAssigned, docID)
		}

		return types.WorkerInfo{}, err
	}

	return d.GetWorker(ctx, rec.WorkerID)
}

// Claim returns the document's owner, creating the assignment if needed.
func (d *NATSDirectory) Claim(ctx context.Context, docID string) (types.WorkerInfo, error) {
	key := assignmentKey(docID)

	// Fast path: the document is already assigned.
	if rec, revision, err := d.getAssignment(ctx, key); err == nil {
		owner, werr := d.GetWorker(ctx, rec.WorkerID)
		if werr == nil {
			return owner, nil
		}
		if !errors.Is(werr, ErrWorkerNotFound) {
			return types.WorkerInfo{}, werr
		}

		// The owner left the pool without releasing (crash). Clear the
		// stale assignment, guarded by revision so a concurrent legitimate
		// release or re-claim wins, and fall through to a fresh claim.
		d.logger.Warn("clearing stale assignment for departed worker",
			"doc_id", docID, "worker_id", rec.WorkerID)
		if derr := d.assignments.Delete(ctx, key, jetstream.LastRevision(revision)); derr != nil &&
			!errors.Is(derr, jetstream.ErrKeyNotFound) {
			return types.WorkerInfo{}, fmt.Errorf("failed to clear stale assignment for %s: %w", docID, derr)
		}
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return types.WorkerInfo{}, err
	}

	group, err := d.GetDocGroup(ctx, docID)
	if err != nil {
		return types.WorkerInfo{}, err
	}

	candidates, err := d.claimCandidates(ctx, group)
	if err != nil {
		return types.WorkerInfo{}, err
	}
	if len(candidates) == 0 {
		return types.WorkerInfo{}, fmt.Errorf("%w: doc %s group %q", ErrNoWorkersAvailable, docID, group)
	}

	winner := pickWorker(docID, candidates)

	rec := types.Assignment{DocID: docID, WorkerID: winner, Group: group}
	data, err := json.Marshal(rec)
	if err != nil {
		return types.WorkerInfo{}, fmt.Errorf("failed to marshal assignment: %w", err)
	}

	if _, err := d.assignments.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Lost the race: read back the winner.
			existing, _, gerr := d.getAssignment(ctx, key)
			if gerr != nil {
				return types.WorkerInfo{}, gerr
			}

			return d.GetWorker(ctx, existing.WorkerID)
		}

		return types.WorkerInfo{}, fmt.Errorf("failed to create assignment for %s: %w", docID, err)
	}

	d.metrics.RecordAssignmentClaimed(winner)
	d.logger.Info("assignment claimed", "doc_id", docID, "worker_id", winner, "group", group)

	return d.GetWorker(ctx, winner)
}

// Release deletes the assignment if it is held by the given worker.
func (d *NATSDirectory) Release(ctx context.Context, workerID, docID string) error {
	key := assignmentKey(docID)

	rec, revision, err := d.getAssignment(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil // already released
		}

		return err
	}

	if rec.WorkerID != workerID {
		return fmt.Errorf("%w: doc %s held by %s, release requested by %s",
			ErrNotOwner, docID, rec.WorkerID, workerID)
	}

	if err := d.assignments.Delete(ctx, key, jetstream.LastRevision(revision)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}

		return fmt.Errorf("failed to release assignment for %s: %w", docID, err)
	}

	d.metrics.RecordAssignmentReleased(workerID)
	d.logger.Info("assignment released", "doc_id", docID, "worker_id", workerID)

	return nil
}

// GetWorkerGroup returns the group of a registered worker.
func (d *NATSDirectory) GetWorkerGroup(ctx context.Context, workerID string) (string, error) {
	info, err := d.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}

	return info.Group, nil
}

// GetDocGroup returns the group a document is pinned to.
func (d *NATSDirectory) GetDocGroup(ctx context.Context, docID string) (string, error) {
	entry, err := d.assignments.Get(ctx, docGroupKey(docID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read doc group for %s: %w", docID, err)
	}

	return string(entry.Value()), nil
}

// SetDocGroup pins a document to a worker group.
func (d *NATSDirectory) SetDocGroup(ctx context.Context, docID, group string) error {
	key := docGroupKey(docID)

	if group == "" {
		if err := d.assignments.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("failed to unpin doc group for %s: %w", docID, err)
		}

		return nil
	}

	if _, err := d.assignments.Put(ctx, key, []byte(group)); err != nil {
		return fmt.Errorf("failed to pin doc group for %s: %w", docID, err)
	}

	return nil
}

// claimCandidates returns the ids of workers eligible to win a claim for
// the given group: registered, available, matching group, and (when a
// liveness bucket is configured) carrying a live mark.
func (d *NATSDirectory) claimCandidates(ctx context.Context, group string) ([]string, error) {
	infos, err := d.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, info := range infos {
		if !info.Available || info.Group != group {
			continue
		}
		if d.liveness != nil && !d.isAlive(ctx, info.ID) {
			continue
		}
		candidates = append(candidates, info.ID)
	}

	return candidates, nil
}

func (d *NATSDirectory) isAlive(ctx context.Context, workerID string) bool {
	_, err := d.liveness.Get(ctx, livenessKey(workerID))

	return err == nil
}

func (d *NATSDirectory) getAssignment(ctx context.Context, key string) (types.Assignment, uint64, error) {
	entry, err := d.assignments.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Assignment{}, 0, err
		}

		return types.Assignment{}, 0, fmt.Errorf("failed to read assignment %s: %w", key, err)
	}

	var rec types.Assignment
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return types.Assignment{}, 0, fmt.Errorf("failed to unmarshal assignment %s: %w", key, err)
	}

	return rec, entry.Revision(), nil
}

func (d *NATSDirectory) listKeys(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func workerKey(workerID string) string {
	return fmt.Sprintf("%s.%s", workerKeyPrefix, workerID)
}

func assignmentKey(docID string) string {
	return fmt.Sprintf("%s.%s", assignmentKeyPrefix, docID)
}

func docGroupKey(docID string) string {
	return fmt.Sprintf("%s.%s", docGroupKeyPrefix, docID)
}

func livenessKey(workerID string) string {
	return fmt.Sprintf("%s.%s", LivenessKeyPrefix, workerID)
}
