// Package counter keeps named, non-negative aggregate values consistent
// under concurrent adjustment using optimistic compare-and-swap writes.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/deemkeen/trailpost/metrics"
)

// MaxValue is the largest value a counter can hold (2^53 - 1).
const MaxValue int64 = 1<<53 - 1

// MaxAttempts bounds the compare-and-swap loop of a single adjustment.
const MaxAttempts = 100

// ErrContention is returned when an adjustment lost MaxAttempts races in a row.
var ErrContention = errors.New("counter: compare-and-swap retries exhausted")

// Store is the persistence the engine needs. Values are exchanged in their
// stored text form so that corrupt rows can still be matched and replaced.
type Store interface {
	GetCounters(ctx context.Context, ids []string) (map[string]string, error)
	InsertCounterIfAbsent(ctx context.Context, id string) error
	// CompareAndSwapCounter writes value only if the row still holds old.
	CompareAndSwapCounter(ctx context.Context, id string, old string, value int64) (bool, error)
	SetCounter(ctx context.Context, id string, value int64) error
	DeleteCounter(ctx context.Context, id string) error
}

// Engine is the only way counters are read and adjusted.
type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// Get returns the current value, 0 when the counter does not exist.
func (e *Engine) Get(ctx context.Context, id string) (int64, error) {
	values, err := e.GetMany(ctx, []string{id})
	if err != nil {
		return 0, err
	}
	return values[id], nil
}

// GetMany returns a value for every requested id; missing counters read as 0.
func (e *Engine) GetMany(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw, err := e.store.GetCounters(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}
	for _, id := range ids {
		out[id] = Parse(raw[id])
	}
	return out, nil
}

// Set overwrites the value, clamped to [0, MaxValue].
func (e *Engine) Set(ctx context.Context, id string, value int64) error {
	if err := e.store.SetCounter(ctx, id, Clamp(value)); err != nil {
		return fmt.Errorf("failed to set counter %s: %w", id, err)
	}
	return nil
}

// Increase adds amount and returns the committed value.
func (e *Engine) Increase(ctx context.Context, id string, amount int64) (int64, error) {
	return e.adjust(ctx, id, amount)
}

// Decrease subtracts amount and returns the committed value. The result
// never drops below zero.
func (e *Engine) Decrease(ctx context.Context, id string, amount int64) (int64, error) {
	if amount == math.MinInt64 {
		amount = math.MaxInt64
	} else {
		amount = -amount
	}
	return e.adjust(ctx, id, amount)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteCounter(ctx, id); err != nil {
		return fmt.Errorf("failed to delete counter %s: %w", id, err)
	}
	return nil
}

func (e *Engine) adjust(ctx context.Context, id string, delta int64) (int64, error) {
	if err := e.store.InsertCounterIfAbsent(ctx, id); err != nil {
		return 0, fmt.Errorf("failed to create counter %s: %w", id, err)
	}

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		raw, err := e.store.GetCounters(ctx, []string{id})
		if err != nil {
			return 0, fmt.Errorf("failed to read counter %s: %w", id, err)
		}
		old, ok := raw[id]
		if !ok {
			// deleted between insert and read
			if err := e.store.InsertCounterIfAbsent(ctx, id); err != nil {
				return 0, fmt.Errorf("failed to create counter %s: %w", id, err)
			}
			continue
		}
		next := Add(Parse(old), delta)

		swapped, err := e.store.CompareAndSwapCounter(ctx, id, old, next)
		if err != nil {
			return 0, fmt.Errorf("failed to write counter %s: %w", id, err)
		}
		if swapped {
			return next, nil
		}
		metrics.CounterConflicts.Inc()
	}
	return 0, fmt.Errorf("%w: %s", ErrContention, id)
}

// Parse reads a stored value. Anything that is not a finite number reads
// as 0; fractional values are truncated.
func Parse(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Clamp(v)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f >= float64(MaxValue) {
		return MaxValue
	}
	if f <= 0 {
		return 0
	}
	return int64(f)
}

// Clamp limits v to [0, MaxValue].
func Clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > MaxValue {
		return MaxValue
	}
	return v
}

// Add returns Clamp(current + delta) without overflowing.
func Add(current, delta int64) int64 {
	current = Clamp(current)
	if delta > 0 && delta > MaxValue-current {
		return MaxValue
	}
	if delta < 0 && delta < -current {
		return 0
	}
	return current + delta
}

// Counter keys

func StatusCountKey(actorID string) string   { return "total-status:" + actorID }
func FollowerCountKey(actorID string) string { return "total-follower:" + actorID }
func MediaCountKey(actorID string) string    { return "total-media:" + actorID }
func ReblogCountKey(statusID string) string  { return "total-reblog:" + statusID }
func ReplyCountKey(statusID string) string   { return "total-reply:" + statusID }
func LikeCountKey(statusID string) string    { return "total-like:" + statusID }

// StatusKeys lists every counter owned by a status.
func StatusKeys(statusID string) []string {
	return []string{ReblogCountKey(statusID), ReplyCountKey(statusID), LikeCountKey(statusID)}
}
