package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runUntilIdle(t *testing.T, w *Worker, q *MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, q.Idle, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerAcksSuccessfulJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, NoBackoff)
	w := NewWorker(q, zap.NewNop().Sugar(), 4)

	var handled atomic.Int32
	w.Handle("create-note", func(ctx context.Context, job Job) error {
		handled.Add(1)
		return nil
	})
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, q.Publish(ctx, mustJob(t, "create-note", nil, id)))
	}

	runUntilIdle(t, w, q)
	assert.Equal(t, int32(3), handled.Load())
	assert.Empty(t, q.Dead())
}

func TestWorkerRetriesFailuresAndPanics(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, NoBackoff)
	w := NewWorker(q, zap.NewNop().Sugar(), 1)

	var calls atomic.Int32
	w.Handle("flaky", func(ctx context.Context, job Job) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("boom")
		}
		return nil
	})
	w.Handle("broken", func(ctx context.Context, job Job) error {
		return errors.New("always")
	})
	require.NoError(t, q.Publish(ctx, mustJob(t, "flaky", nil, "1")))
	require.NoError(t, q.Publish(ctx, mustJob(t, "broken", nil, "1")))

	runUntilIdle(t, w, q)
	assert.Equal(t, int32(3), calls.Load())
	dead := q.Dead()
	require.Len(t, dead, 1)
	assert.Equal(t, "broken", dead[0].Name)
}

func TestWorkerDropsUnknownJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, NoBackoff)
	w := NewWorker(q, zap.NewNop().Sugar(), 1)
	require.NoError(t, q.Publish(ctx, mustJob(t, "nobody-handles-this", nil)))

	runUntilIdle(t, w, q)
	assert.Empty(t, q.Dead())
}
