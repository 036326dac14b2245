package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/deemkeen/trailpost/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in Redis lists:
//
//	<name>:pending     jobs ready for delivery (LPUSH / BLMOVE from the right)
//	<name>:processing  jobs handed to a consumer and not yet acked
//	<name>:delayed     retries waiting for their backoff (sorted by ready time)
//	<name>:dead        jobs that used up their attempts
//	<name>:attempts    hash of id -> delivered attempts
//	<name>:job:<id>    de-duplication marker, held until ack or dead-letter
type RedisQueue struct {
	client      *redis.Client
	name        string
	maxAttempts int
	backoff     func(int) time.Duration

	// PollInterval bounds how long Next blocks before promoting due retries.
	PollInterval time.Duration
}

func NewRedisQueue(client *redis.Client, name string, maxAttempts int, backoff func(int) time.Duration) *RedisQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &RedisQueue{
		client:       client,
		name:         name,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		PollInterval: time.Second,
	}
}

func (q *RedisQueue) pendingKey() string    { return q.name + ":pending" }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) deadKey() string       { return q.name + ":dead" }
func (q *RedisQueue) attemptsKey() string   { return q.name + ":attempts" }
func (q *RedisQueue) markerKey(id string) string {
	return q.name + ":job:" + id
}

func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	fresh, err := q.client.SetNX(ctx, q.markerKey(job.ID), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	if !fresh {
		metrics.JobsDeduplicated.Inc()
		return nil
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		q.client.Del(ctx, q.markerKey(job.ID))
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}
		raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// unreadable payloads can never succeed
			q.client.LRem(ctx, q.processingKey(), 1, raw)
			q.client.LPush(ctx, q.deadKey(), raw)
			continue
		}
		attempt := 1
		if n, err := q.client.HGet(ctx, q.attemptsKey(), job.ID).Result(); err == nil {
			if prev, perr := strconv.Atoi(n); perr == nil {
				attempt = prev + 1
			}
		}
		return &Delivery{Job: job, Attempt: attempt, raw: raw}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	pipe.HDel(ctx, q.attemptsKey(), d.Job.ID)
	pipe.Del(ctx, q.markerKey(d.Job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.Job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, _ error) (bool, error) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	dead := d.Attempt >= q.maxAttempts
	if dead {
		pipe.LPush(ctx, q.deadKey(), d.raw)
		pipe.HDel(ctx, q.attemptsKey(), d.Job.ID)
		pipe.Del(ctx, q.markerKey(d.Job.ID))
	} else {
		pipe.HSet(ctx, q.attemptsKey(), d.Job.ID, d.Attempt)
		readyAt := time.Now().Add(q.backoff(d.Attempt))
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: d.raw})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to retry job %s: %w", d.Job.ID, err)
	}
	return dead, nil
}

// promoteDue moves retries whose backoff elapsed back to the pending list.
// Only the consumer whose ZREM succeeds pushes the job.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
				return fmt.Errorf("failed to promote delayed job: %w", err)
			}
		}
	}
	return nil
}

// Recover moves jobs left in the processing list by a crashed consumer back
// to pending. Call it before starting consumers.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover jobs: %w", err)
		}
		moved++
	}
}

// DeadLetters returns the dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	raws, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
