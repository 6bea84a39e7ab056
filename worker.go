package shoal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/shoalproj/shoal/directory"
	"github.com/shoalproj/shoal/gate"
	"github.com/shoalproj/shoal/internal/liveness"
	"github.com/shoalproj/shoal/internal/logging"
	"github.com/shoalproj/shoal/internal/metrics"
	"github.com/shoalproj/shoal/internal/router"
	"github.com/shoalproj/shoal/types"
)

// Worker runs the server-side lifecycle of one pool member.
//
// Start joins the pool: register with the external router (if configured),
// wait until the assigned URL is routable, publish the worker record, flip
// availability on, and begin publishing liveness marks. Stop leaves it:
// availability off, drain every assignment to a clean handoff, then
// deregister.
//
// Worker does not hold document content; it drives the DocumentStore
// contract during drains and leaves ownership arbitration entirely to the
// Directory.
type Worker struct {
	cfg   Config
	dir   directory.Directory
	store types.DocumentStore
	info  types.WorkerInfo

	logger     types.Logger
	metrics    types.MetricsCollector
	hooks      types.Hooks
	livenessKV jetstream.KeyValue

	liveness *liveness.Publisher
	routerc  *router.Client
	gate     *gate.Gate

	state atomic.Int32

	// mu guards info, which join and drain mutate while accessors may be
	// reading, and stateChanged, which is replaced on every transition;
	// WaitState blocks on the current instance.
	mu           sync.Mutex
	stateChanged chan struct{}

	hookWG sync.WaitGroup
}

// allowedTransitions enumerates the legal lifecycle moves. Joining may fall
// straight to Stopped when the join fails.
var allowedTransitions = map[types.State][]types.State{
	types.StateInit:     {types.StateJoining},
	types.StateJoining:  {types.StateServing, types.StateStopped},
	types.StateServing:  {types.StateDraining},
	types.StateDraining: {types.StateStopped},
}

// NewWorker creates a Worker.
//
// Parameters:
//   - cfg: Worker configuration (zero fields are defaulted)
//   - dir: Ownership directory shared by the pool
//   - store: Document engine boundary used during drains
//   - info: This worker's record; ID may be left empty when an external
//     router assigns identities
//   - opts: Optional configuration (logger, metrics, hooks, liveness KV)
//
// Returns:
//   - *Worker: The worker in the Init state
//   - error: ErrDirectoryRequired, ErrDocStoreRequired, ErrWorkerIDRequired
//     or ErrInvalidConfig
func NewWorker(
	cfg Config,
	dir directory.Directory,
	store types.DocumentStore,
	info types.WorkerInfo,
	opts ...Option,
) (*Worker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, ErrDirectoryRequired
	}
	if store == nil {
		return nil, ErrDocStoreRequired
	}
	if info.ID == "" && cfg.Router.URL == "" {
		return nil, ErrWorkerIDRequired
	}

	w := &Worker{
		cfg:          cfg,
		dir:          dir,
		store:        store,
		info:         info,
		logger:       logging.NewNop(),
		metrics:      metrics.NewNop(),
		stateChanged: make(chan struct{}),
	}
	w.state.Store(int32(types.StateInit))

	for _, opt := range opts {
		opt(w)
	}

	if w.livenessKV == nil {
		if nd, ok := dir.(*directory.NATSDirectory); ok {
			w.livenessKV = nd.LivenessBucket()
		}
	}

	w.gate = gate.New(cfg.AdmissionCeiling, store,
		gate.WithLogger(w.logger),
		gate.WithMetrics(w.metrics))

	return w, nil
}

// Start joins the pool and moves the worker to Serving.
//
// Join order matters: the worker record is only published once its URL is
// actually routable, so the directory never hands out an address that
// cannot be reached.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.transition(types.StateInit, types.StateJoining); err != nil {
		return ErrAlreadyStarted
	}

	if err := w.join(ctx); err != nil {
		w.transition(types.StateJoining, types.StateStopped) //nolint:errcheck // join failure path
		return err
	}

	if err := w.transition(types.StateJoining, types.StateServing); err != nil {
		return err
	}

	info := w.Info()
	w.logger.Info("worker serving",
		"worker_id", info.ID,
		"public_url", info.PublicURL,
		"group", info.Group)

	return nil
}

func (w *Worker) join(ctx context.Context) error {
	if w.cfg.Router.URL != "" {
		w.routerc = router.New(w.cfg.Router.URL, w.cfg.Router.AdvertisePort, w.logger)

		regCtx, cancel := context.WithTimeout(ctx, w.cfg.OperationTimeout)
		reg, err := w.routerc.Register(regCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}

		w.mu.Lock()
		if w.info.PublicURL == "" {
			w.info.PublicURL = reg.URL
		}
		if w.info.InternalURL == "" {
			w.info.InternalURL = reg.URL
		}
		if w.info.ID == "" {
			w.info.ID = reg.Host
		}
		statusURL := w.info.PublicURL + "/status"
		assigned := w.info.ID
		w.mu.Unlock()

		if assigned == "" {
			return ErrWorkerIDRequired
		}

		err = w.routerc.WaitReachable(ctx, statusURL, w.cfg.Router.PollAttempts, w.cfg.Router.PollInterval)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRouterUnreachable, err)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OperationTimeout)
	defer cancel()

	w.mu.Lock()
	w.info.Available = false
	info := w.info
	w.mu.Unlock()

	if err := w.dir.AddWorker(opCtx, info); err != nil {
		return fmt.Errorf("join: failed to publish worker record: %w", err)
	}

	if w.livenessKV != nil {
		w.liveness = liveness.New(w.livenessKV, directory.LivenessKeyPrefix, info.ID, w.cfg.LivenessInterval)
		w.liveness.SetMetrics(w.metrics)
		if err := w.liveness.Start(opCtx); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}

	if err := w.dir.SetAvailability(opCtx, info.ID, true); err != nil {
		return fmt.Errorf("join: failed to set availability: %w", err)
	}

	w.mu.Lock()
	w.info.Available = true
	w.mu.Unlock()

	return nil
}

// Stop drains the worker and leaves the pool. It is safe to call with a
// generous context; the whole sequence is additionally bounded by
// ShutdownTimeout.
//
// Returns:
//   - error: ErrDrainIncomplete when assignments remained after the retry
//     budget; shutdown still completes in that case
func (w *Worker) Stop(ctx context.Context) error {
	if err := w.transition(types.StateServing, types.StateDraining); err != nil {
		if w.State() == types.StateStopped {
			return nil
		}

		return ErrNotStarted
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownTimeout)
	defer cancel()

	leftover, drainErr := w.drain(ctx)

	if err := w.store.CloseAll(ctx); err != nil {
		w.logger.Warn("failed to close documents during shutdown", "error", err)
	}

	if w.liveness != nil {
		if err := w.liveness.Stop(); err != nil {
			w.logger.Warn("failed to stop liveness publisher", "error", err)
		}
	}

	opCtx, opCancel := context.WithTimeout(context.Background(), w.cfg.OperationTimeout)
	defer opCancel()

	if err := w.dir.RemoveWorker(opCtx, w.WorkerID()); err != nil {
		w.logger.Warn("failed to remove worker record", "error", err)
	}

	if w.routerc != nil {
		if err := w.routerc.Remove(opCtx); err != nil {
			w.logger.Warn("failed to deregister from router", "error", err)
		}
	}

	if err := w.transition(types.StateDraining, types.StateStopped); err != nil {
		return err
	}

	w.hookWG.Wait()

	w.logger.Info("worker stopped", "worker_id", w.WorkerID())

	if drainErr != nil {
		return drainErr
	}
	if len(leftover) > 0 {
		return fmt.Errorf("%w: %d remaining", ErrDrainIncomplete, len(leftover))
	}

	return nil
}

// RebalanceDoc hands one document off while the worker keeps serving. The
// document object is shut down locally; the next claim places it on
// whichever worker the directory picks.
func (w *Worker) RebalanceDoc(ctx context.Context, docID string) error {
	if w.State() != types.StateServing {
		return ErrNotServing
	}

	w.logger.Info("rebalancing document", "worker_id", w.WorkerID(), "doc_id", docID)

	return w.handOff(ctx, docID, true)
}

// CheckAssignment reports whether this worker should keep serving the
// document, comparing the document's group pin against the worker's group.
// A false result means the caller should RebalanceDoc.
func (w *Worker) CheckAssignment(ctx context.Context, docID string) (bool, error) {
	docGroup, err := w.dir.GetDocGroup(ctx, docID)
	if err != nil {
		return false, fmt.Errorf("failed to look up document group: %w", err)
	}

	return docGroup == w.Info().Group, nil
}

// Gate returns the worker's admission gate, built from
// Config.AdmissionCeiling over the worker's document store. Serving paths
// wrap per-document operations in its Do so drains can supersede results
// computed against a document that is moving away.
func (w *Worker) Gate() *gate.Gate {
	return w.gate
}

// State returns the worker's lifecycle state.
func (w *Worker) State() types.State {
	return types.State(w.state.Load())
}

// WorkerID returns the worker's id. Empty until router registration
// assigns one.
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.info.ID
}

// Info returns a copy of the worker's current record.
func (w *Worker) Info() types.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.info
}

// WaitState blocks until the worker reaches the target state or ctx ends.
func (w *Worker) WaitState(ctx context.Context, target types.State) error {
	for {
		w.mu.Lock()
		changed := w.stateChanged
		w.mu.Unlock()

		if w.State() == target {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// transition performs a validated compare-and-swap of the lifecycle state.
func (w *Worker) transition(from, to types.State) error {
	valid := false
	for _, next := range allowedTransitions[from] {
		if next == to {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}

	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: worker is not in state %s", ErrInvalidStateTransition, from)
	}

	w.mu.Lock()
	close(w.stateChanged)
	w.stateChanged = make(chan struct{})
	w.mu.Unlock()

	w.logger.Debug("worker state changed", "from", from.String(), "to", to.String())
	w.metrics.RecordStateTransition(from, to)

	if w.hooks.OnStateChanged != nil {
		w.runHook("state changed", func(ctx context.Context) error {
			return w.hooks.OnStateChanged(ctx, from, to)
		})
	}

	return nil
}

// runHook invokes a lifecycle hook asynchronously so it cannot stall the
// lifecycle. Hook errors are logged only.
func (w *Worker) runHook(name string, fn func(ctx context.Context) error) {
	w.hookWG.Add(1)
	go func() {
		defer w.hookWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OperationTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			w.logger.Warn("lifecycle hook failed", "hook", name, "error", err)
		}
	}()
}
