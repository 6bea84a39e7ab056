package shoal

import (
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shoalproj/shoal/types"
)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger types.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the worker metrics collector.
func WithMetrics(collector types.MetricsCollector) Option {
	return func(w *Worker) {
		w.metrics = collector
	}
}

// WithHooks sets lifecycle callbacks. Nil members are skipped.
func WithHooks(hooks types.Hooks) Option {
	return func(w *Worker) {
		w.hooks = hooks
	}
}

// WithLivenessKV sets an explicit KV bucket for liveness marks. Without
// this option the bucket is taken from the directory when it provides one.
func WithLivenessKV(kv jetstream.KeyValue) Option {
	return func(w *Worker) {
		w.livenessKV = kv
	}
}
