package shoal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shoalproj/shoal/directory"
)

// drain releases every assignment this worker holds.
//
// Availability is flipped off first, so the directory stops settling new
// claims on this worker while the handoffs run. Each round enumerates the
// current assignments and hands them off in parallel; documents claimed
// between enumeration and release are caught by the next round. Leftovers
// after the retry budget are logged and reported, never force-released:
// a forced release of a document mid-write could seat it on another worker
// before its state is durable.
func (w *Worker) drain(ctx context.Context) ([]string, error) {
	workerID := w.WorkerID()

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OperationTimeout)
	err := w.dir.SetAvailability(opCtx, workerID, false)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("drain: failed to clear availability: %w", err)
	}

	w.mu.Lock()
	w.info.Available = false
	w.mu.Unlock()

	for round := 1; round <= w.cfg.DrainRounds; round++ {
		docs, err := w.dir.GetAssignments(ctx, workerID)
		if err != nil {
			return nil, fmt.Errorf("drain: failed to enumerate assignments: %w", err)
		}
		if len(docs) == 0 {
			return nil, nil
		}

		w.logger.Info("drain round starting",
			"worker_id", workerID, "round", round, "assignments", len(docs))

		var (
			wg       sync.WaitGroup
			releases sync.Mutex
			released int
		)
		for _, docID := range docs {
			wg.Add(1)
			go func(docID string) {
				defer wg.Done()

				if err := w.handOff(ctx, docID, false); err != nil {
					w.logger.Warn("handoff failed; will retry next round",
						"doc_id", docID, "round", round, "error", err)

					return
				}

				releases.Lock()
				released++
				releases.Unlock()
			}(docID)
		}
		wg.Wait()

		w.metrics.RecordDrainRound(released, len(docs)-released)
	}

	leftover, err := w.dir.GetAssignments(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("drain: failed to re-enumerate assignments: %w", err)
	}
	if len(leftover) == 0 {
		return nil, nil
	}

	w.logger.Error("drain budget exhausted with assignments still held",
		"worker_id", workerID, "remaining", len(leftover), "doc_ids", leftover)
	w.metrics.RecordDrainExhausted(len(leftover))

	if w.hooks.OnDrainExhausted != nil {
		remaining := append([]string(nil), leftover...)
		w.runHook("drain exhausted", func(ctx context.Context) error {
			return w.hooks.OnDrainExhausted(ctx, remaining)
		})
	}

	return leftover, nil
}

// handOff moves one document off this worker.
//
// Flushing durable state and waiting out any pending initialization are
// independent, so they run in parallel. Only then are clients interrupted
// and the in-memory object muted; anything it computes afterwards is
// discarded by the admission gate's mute re-check. The release comes last,
// once nothing this process does can affect the document's visible state.
//
// shutdownDoc additionally closes the in-memory object, for the rebalance
// path where the worker keeps running.
func (w *Worker) handOff(ctx context.Context, docID string, shutdownDoc bool) error {
	var (
		wg       sync.WaitGroup
		flushErr error
		loadErr  error
		open     bool
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		flushErr = w.store.Flush(ctx, docID)
	}()
	go func() {
		defer wg.Done()
		open, loadErr = w.store.Load(ctx, docID)
	}()
	wg.Wait()

	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", docID, flushErr)
	}
	if loadErr != nil {
		return fmt.Errorf("await load of %s: %w", docID, loadErr)
	}

	if open {
		w.store.InterruptAllClients(docID)
		w.store.SetMuted(docID)

		if shutdownDoc {
			if err := w.store.Shutdown(ctx, docID); err != nil {
				w.logger.Warn("failed to shut down document object", "doc_id", docID, "error", err)
			}
		}
	}

	workerID := w.WorkerID()
	if err := w.dir.Release(ctx, workerID, docID); err != nil {
		// Someone else already moved the assignment; the goal state holds.
		if errors.Is(err, directory.ErrNotOwner) {
			w.logger.Info("assignment already moved during handoff", "doc_id", docID)

			return nil
		}

		return fmt.Errorf("release %s: %w", docID, err)
	}

	w.logger.Debug("assignment released", "worker_id", workerID, "doc_id", docID)

	if w.hooks.OnAssignmentReleased != nil {
		w.runHook("assignment released", func(ctx context.Context) error {
			return w.hooks.OnAssignmentReleased(ctx, docID)
		})
	}

	return nil
}
