package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	shoaltest "github.com/shoalproj/shoal/testing"
)

func newLivenessKV(t *testing.T) jetstream.KeyValue {
	t.Helper()

	_, nc := shoaltest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: "liveness-test",
		TTL:    2 * time.Second,
	})
	require.NoError(t, err)

	return kv
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes the first mark immediately", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "w1", 50*time.Millisecond)

		require.NoError(t, p.Start(ctx))
		t.Cleanup(func() { _ = p.Stop() })

		entry, err := kv.Get(ctx, "liveness.w1")
		require.NoError(t, err)

		_, err = time.Parse(time.RFC3339Nano, string(entry.Value()))
		require.NoError(t, err)
	})

	t.Run("refreshes the mark on the interval", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "w1", 30*time.Millisecond)

		require.NoError(t, p.Start(ctx))
		t.Cleanup(func() { _ = p.Stop() })

		first, err := kv.Get(ctx, "liveness.w1")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			entry, err := kv.Get(ctx, "liveness.w1")

			return err == nil && entry.Revision() > first.Revision()
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("stop deletes the mark", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "w1", 50*time.Millisecond)

		require.NoError(t, p.Start(ctx))
		require.NoError(t, p.Stop())

		_, err := kv.Get(ctx, "liveness.w1")
		require.ErrorIs(t, err, jetstream.ErrKeyNotFound)
	})

	t.Run("double start is rejected", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "w1", 50*time.Millisecond)

		require.NoError(t, p.Start(ctx))
		require.ErrorIs(t, p.Start(ctx), ErrAlreadyStarted)
		require.NoError(t, p.Stop())
	})

	t.Run("requires a worker id", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "", 50*time.Millisecond)

		require.ErrorIs(t, p.Start(ctx), ErrNoWorkerID)
	})

	t.Run("stop before start is rejected", func(t *testing.T) {
		kv := newLivenessKV(t)
		p := New(kv, "liveness", "w1", 50*time.Millisecond)

		require.ErrorIs(t, p.Stop(), ErrNotStarted)
	})
}
