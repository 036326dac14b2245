package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/trailpost/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker runs registered handlers for jobs received from a Source.
type Worker struct {
	source      Source
	log         *zap.SugaredLogger
	concurrency int

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(source Source, log *zap.SugaredLogger, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		source:      source,
		log:         log,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
	}
}

// Handle registers h for jobs named name, replacing any earlier handler.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run consumes jobs until ctx is done or the source is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("Worker: starting", "concurrency", w.concurrency)
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				d, err := w.source.Next(gCtx)
				if err != nil {
					if gCtx.Err() != nil || errors.Is(err, ErrClosed) {
						return nil
					}
					w.log.Errorw("Worker: failed to receive job", "error", err)
					select {
					case <-gCtx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				w.Process(gCtx, d)
			}
		})
	}
	err := g.Wait()
	w.log.Infow("Worker: stopped")
	return err
}

// Process runs the handler for one delivery and acks or retries it.
func (w *Worker) Process(ctx context.Context, d *Delivery) {
	job := d.Job
	w.mu.RLock()
	h, ok := w.handlers[job.Name]
	w.mu.RUnlock()

	if !ok {
		w.log.Errorw("Worker: no handler registered, dropping job", "job", job.ID, "name", job.Name)
		metrics.JobsProcessed.WithLabelValues(job.Name, "unknown").Inc()
		if err := w.source.Ack(ctx, d); err != nil {
			w.log.Errorw("Worker: failed to ack job", "job", job.ID, "error", err)
		}
		return
	}

	start := time.Now()
	err := safeCall(ctx, h, job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.JobsProcessed.WithLabelValues(job.Name, "ok").Inc()
		if err := w.source.Ack(ctx, d); err != nil {
			w.log.Errorw("Worker: failed to ack job", "job", job.ID, "error", err)
		}
		return
	}

	dead, rerr := w.source.Retry(ctx, d, err)
	if rerr != nil {
		w.log.Errorw("Worker: failed to reschedule job", "job", job.ID, "error", rerr)
		return
	}
	if dead {
		metrics.JobsProcessed.WithLabelValues(job.Name, "dead").Inc()
		w.log.Errorw("Worker: giving up on job", "job", job.ID, "name", job.Name, "attempt", d.Attempt, "error", err)
		return
	}
	metrics.JobsProcessed.WithLabelValues(job.Name, "retry").Inc()
	w.log.Warnw("Worker: job failed, will retry", "job", job.ID, "name", job.Name, "attempt", d.Attempt, "error", err)
}

func safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
