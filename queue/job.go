// Package queue carries jobs between publishers and the worker with
// at-least-once delivery. Pending jobs are de-duplicated by id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/util"
)

// ErrClosed is returned by Next once the queue was closed.
var ErrClosed = errors.New("queue: closed")

// Job is one unit of work. Its id is derived from the content that
// identifies the logical operation, so redelivery collides on the same id.
type Job struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewJob encodes data as the payload of a job named name. The id is derived
// from name and idParts.
func NewJob(name string, data interface{}, idParts ...string) (Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Job{}, fmt.Errorf("failed to encode %s job: %w", name, err)
	}
	return Job{
		ID:   util.JobID(append([]string{name}, idParts...)...),
		Name: name,
		Data: raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s job %s: %w", j.Name, j.ID, err)
	}
	return nil
}

// Publisher enqueues jobs. Publishing a job whose id is still pending or
// in flight is a no-op.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Delivery is a job handed to a consumer together with its attempt number.
type Delivery struct {
	Job     Job
	Attempt int
	raw     string
}

// Source is the consuming side of a queue.
type Source interface {
	// Next blocks until a job is ready or ctx is done.
	Next(ctx context.Context) (*Delivery, error)
	// Ack removes a successfully handled job.
	Ack(ctx context.Context, d *Delivery) error
	// Retry schedules a failed job again, or dead-letters it once its
	// attempts are used up. It reports whether the job was dead-lettered.
	Retry(ctx context.Context, d *Delivery, cause error) (bool, error)
}

// Queue is a Publisher and a Source.
type Queue interface {
	Publisher
	Source
}

// Handler processes one job. Handlers must be idempotent.
type Handler func(ctx context.Context, job Job) error

// retrySchedule is the delay before redelivery, indexed by attempt.
var retrySchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	4 * time.Minute,
	15 * time.Minute,
}

// DefaultBackoff returns the delay before the given retry attempt (1-based).
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return retrySchedule[min(attempt-1, len(retrySchedule)-1)]
}

// NoBackoff redelivers failed jobs immediately.
func NoBackoff(int) time.Duration {
	return 0
}
