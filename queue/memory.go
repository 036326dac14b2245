package queue

import (
	"context"
	"sync"
	"time"

	"github.com/deemkeen/trailpost/metrics"
)

type memoryEntry struct {
	job     Job
	attempt int
	readyAt time.Time
}

// MemoryQueue is an in-process Queue with the same de-duplication and
// retry semantics as RedisQueue. Jobs do not survive a restart.
type MemoryQueue struct {
	maxAttempts int
	backoff     func(int) time.Duration

	mu       sync.Mutex
	pending  []memoryEntry
	inFlight map[string]int // id -> attempt
	known    map[string]bool
	dead     []Job
	closed   bool
	signal   chan struct{}
}

func NewMemoryQueue(maxAttempts int, backoff func(int) time.Duration) *MemoryQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &MemoryQueue{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		inFlight:    make(map[string]int),
		known:       make(map[string]bool),
		signal:      make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.known[job.ID] {
		metrics.JobsDeduplicated.Inc()
		return nil
	}
	q.known[job.ID] = true
	q.pending = append(q.pending, memoryEntry{job: job, attempt: 1})
	q.notify()
	return nil
}

func (q *MemoryQueue) Next(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := time.Now()
		var wait time.Duration = -1
		for i, e := range q.pending {
			if !e.readyAt.After(now) {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				q.inFlight[e.job.ID] = e.attempt
				if len(q.pending) > 0 {
					q.notify()
				}
				q.mu.Unlock()
				return &Delivery{Job: e.job, Attempt: e.attempt}, nil
			}
			if d := e.readyAt.Sub(now); wait < 0 || d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		var timer *time.Timer
		var ready <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			ready = timer.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-ready:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, d.Job.ID)
	delete(q.known, d.Job.ID)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, _ error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, d.Job.ID)
	if d.Attempt >= q.maxAttempts {
		delete(q.known, d.Job.ID)
		q.dead = append(q.dead, d.Job)
		return true, nil
	}
	q.pending = append(q.pending, memoryEntry{
		job:     d.Job,
		attempt: d.Attempt + 1,
		readyAt: time.Now().Add(q.backoff(d.Attempt)),
	})
	q.notify()
	return false, nil
}

// Close wakes blocked consumers; Next returns ErrClosed afterwards.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	close(q.signal)
}

// Pending returns the jobs waiting for delivery, in order.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.pending))
	for i, e := range q.pending {
		out[i] = e.job
	}
	return out
}

// Dead returns the dead-lettered jobs.
func (q *MemoryQueue) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Idle reports whether no job is pending or in flight.
func (q *MemoryQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

// notify must be called with mu held.
func (q *MemoryQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
