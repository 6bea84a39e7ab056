// Package liveness publishes periodic worker liveness marks to a TTL'd NATS
// KV bucket. The directory uses the marks to skip dead workers when settling
// claims; a crashed worker's mark expires with the bucket TTL.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/shoalproj/shoal/types"
)

// Common errors for liveness operations.
var (
	ErrNotStarted     = errors.New("publisher not started")
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNoWorkerID     = errors.New("worker ID not set")
)

// Publisher writes a liveness mark for one worker at a regular interval.
//
// The KV bucket should be configured with a TTL of ~3x the publish interval
// so a worker is considered dead after roughly three missed marks.
type Publisher struct {
	kv       jetstream.KeyValue
	prefix   string
	workerID string
	interval time.Duration
	metrics  types.MetricsCollector

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker
}

// New creates a liveness publisher for the given worker.
//
// Parameters:
//   - kv: JetStream KV bucket for liveness marks (TTL recommended)
//   - prefix: Key prefix (e.g. "liveness")
//   - workerID: Worker this publisher marks alive
//   - interval: Publish interval (typically 2s)
func New(kv jetstream.KeyValue, prefix, workerID string, interval time.Duration) *Publisher {
	return &Publisher{
		kv:       kv,
		prefix:   prefix,
		workerID: workerID,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetMetrics sets the metrics collector. Optional.
func (p *Publisher) SetMetrics(metrics types.MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics = metrics
}

// Start publishes the first mark immediately, then at the configured
// interval until Stop is called.
//
// Returns:
//   - error: ErrAlreadyStarted if running, ErrNoWorkerID if unset, or the
//     initial publish error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.workerID == "" {
		return ErrNoWorkerID
	}

	p.started = true
	p.ticker = time.NewTicker(p.interval)

	if err := p.publish(ctx); err != nil {
		p.started = false
		p.ticker.Stop()

		return fmt.Errorf("failed to publish initial liveness mark: %w", err)
	}

	go p.publishLoop()

	return nil
}

// Stop halts publishing and deletes the liveness mark so the worker drops
// out immediately instead of waiting for the TTL.
func (p *Publisher) Stop() error {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}

	p.ticker.Stop()
	close(p.stopCh)
	p.started = false

	p.mu.Unlock()

	<-p.doneCh

	// Worker is shutting down; use a short independent timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, p.key()); err != nil {
		return fmt.Errorf("stopped but failed to delete liveness mark: %w", err)
	}

	return nil
}

func (p *Publisher) publishLoop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.publish(ctx)
			cancel()

			p.recordMetric(err == nil)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	value := []byte(time.Now().Format(time.RFC3339Nano))
	if _, err := p.kv.Put(ctx, p.key(), value); err != nil {
		return fmt.Errorf("failed to publish liveness for %s: %w", p.workerID, err)
	}

	return nil
}

func (p *Publisher) key() string {
	return fmt.Sprintf("%s.%s", p.prefix, p.workerID)
}

func (p *Publisher) recordMetric(success bool) {
	p.mu.Lock()
	metrics := p.metrics
	p.mu.Unlock()

	if metrics != nil {
		metrics.RecordLiveness(success)
	}
}

// IsStarted reports whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}
