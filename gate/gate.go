// Package gate bounds concurrent operations per document so a single client
// or burst cannot exhaust worker resources, and supersedes results computed
// against a document that was muted mid-operation by a concurrent drain.
//
// Both rejection modes are retriable by design: to a caller they are
// indistinguishable from ordinary backpressure.
package gate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/shoalproj/shoal/internal/logging"
	"github.com/shoalproj/shoal/internal/metrics"
	"github.com/shoalproj/shoal/types"
)

// DefaultCeiling is the default cap on in-flight operations per document.
const DefaultCeiling = 10

// Retriable rejection sentinels.
var (
	// ErrTooManyRequests is returned when the admission ceiling for a
	// document is reached. The caller should retry later.
	ErrTooManyRequests = errors.New("too many backlogged requests for document")

	// ErrDocInFlux is returned when the document was muted while the
	// operation ran; its ownership is moving to another worker. The caller
	// should retry, which will route to the new owner.
	ErrDocInFlux = errors.New("document in flux - try again later")
)

// Retriable reports whether err is one of the gate's retriable rejections.
func Retriable(err error) bool {
	return errors.Is(err, ErrTooManyRequests) || errors.Is(err, ErrDocInFlux)
}

// Gate bounds in-flight operations per document id.
//
// The counter is process-local and ephemeral: it is rebuilt from zero on
// restart and never persisted. The gate bounds concurrency, it does not
// serialize it; per-document serialization is the document engine's job.
type Gate struct {
	ceiling  int
	store    types.DocumentStore // nil disables the mute re-check
	inflight *xsync.Map[string, int]
	logger   types.Logger
	metrics  types.MetricsCollector
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger types.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics sets the gate metrics collector.
func WithMetrics(collector types.MetricsCollector) Option {
	return func(g *Gate) {
		g.metrics = collector
	}
}

// New creates a Gate with the given per-document ceiling.
//
// Parameters:
//   - ceiling: Maximum in-flight operations per document (DefaultCeiling
//     when <= 0)
//   - store: Document store consulted for the mute re-check; may be nil
//     when the caller has no mute semantics
func New(ceiling int, store types.DocumentStore, opts ...Option) *Gate {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	g := &Gate{
		ceiling:  ceiling,
		store:    store,
		inflight: xsync.NewMap[string, int](),
		logger:   logging.NewNop(),
		metrics:  metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Admit reserves an admission slot for the document.
//
// On success it returns a release function that must be called exactly once
// when the operation finishes, success or failure. The release removes the
// document's counter entry entirely once it reaches zero.
//
// Returns:
//   - func(): Release function (nil on rejection)
//   - error: ErrTooManyRequests when the ceiling is reached
func (g *Gate) Admit(docID string) (func(), error) {
	admitted := false

	g.inflight.Compute(docID, func(count int, _ bool) (int, xsync.ComputeOp) {
		if count+1 > g.ceiling {
			return count, xsync.CancelOp
		}
		admitted = true

		return count + 1, xsync.UpdateOp
	})

	if !admitted {
		g.metrics.RecordAdmissionRejected(docID)
		g.logger.Warn("admission ceiling reached", "doc_id", docID, "ceiling", g.ceiling)

		return nil, fmt.Errorf("%w %s", ErrTooManyRequests, docID)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.inflight.Compute(docID, func(count int, loaded bool) (int, xsync.ComputeOp) {
				if !loaded || count <= 1 {
					return 0, xsync.DeleteOp
				}

				return count - 1, xsync.UpdateOp
			})
		})
	}

	return release, nil
}

// Do runs fn under an admission slot for the document.
//
// After fn returns, the gate re-checks whether the document has been muted
// by a concurrent drain; if so, fn's result (including any error) is
// superseded by ErrDocInFlux, since it may reflect state about to be taken
// over by another worker.
//
// Returns:
//   - error: ErrTooManyRequests on rejection, ErrDocInFlux on a mute race,
//     otherwise fn's error
func (g *Gate) Do(docID string, fn func() error) error {
	release, err := g.Admit(docID)
	if err != nil {
		return err
	}
	defer release()

	err = fn()

	if g.store != nil && g.store.IsMuted(docID) {
		g.metrics.RecordMuteSupersede(docID)
		g.logger.Info("discarding result for muted document", "doc_id", docID)

		return fmt.Errorf("%w (doc %s)", ErrDocInFlux, docID)
	}

	return err
}

// InFlight returns the current in-flight count for a document. Zero means
// no entry is held for it.
func (g *Gate) InFlight(docID string) int {
	count, _ := g.inflight.Load(docID)

	return count
}
