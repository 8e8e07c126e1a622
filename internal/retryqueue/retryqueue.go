// Package retryqueue keeps social posts that could not be delivered and
// retries them on a backoff ladder.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/storage"
)

// Key is the storage key holding the queue.
const Key = "x_retry_queue"

// MaxItems is the queue capacity. The oldest items are evicted first.
const MaxItems = 50

// Ladder is the delay before each retry, indexed by attempt count minus one.
var Ladder = []time.Duration{15 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour}

// DeliverFunc delivers one queued filing.
type DeliverFunc func(ctx context.Context, f model.Filing) error

// Stats summarizes one drain.
type Stats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Queue is a persisted list of retry items.
type Queue struct {
	kv  storage.KV
	log *slog.Logger
	now func() time.Time

	mu sync.Mutex
}

// New returns a Queue backed by kv.
func New(kv storage.KV, log *slog.Logger) *Queue {
	return &Queue{kv: kv, log: log, now: time.Now}
}

// SetClock replaces the queue's clock.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue adds one filing for a later retry.
func (q *Queue) Enqueue(ctx context.Context, f model.Filing, reason string) error {
	return q.EnqueueAll(ctx, []model.Filing{f}, reason)
}

// EnqueueAll adds filings in a single read-modify-write.
func (q *Queue) EnqueueAll(ctx context.Context, filings []model.Filing, reason string) error {
	if len(filings) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return err
	}

	now := q.now()
	for _, f := range filings {
		items = append(items, model.RetryItem{
			Filing:           f,
			AttemptCount:     1,
			NextRetryTS:      now.Add(Ladder[0]).UnixMilli(),
			OriginalPostTime: now.UTC().Format(time.RFC3339),
			ErrorReason:      reason,
		})
	}
	if over := len(items) - MaxItems; over > 0 {
		q.log.Warn("retry queue full, evicting oldest", "evicted", over)
		items = items[over:]
	}

	if err := q.save(ctx, items); err != nil {
		return err
	}
	q.log.Info("queued filings for retry", "count", len(filings), "reason", reason, "queue_length", len(items))
	return nil
}

// Drain retries every due item with deliver. A delivered item leaves the
// queue. A failed item is rescheduled on the ladder and dropped once it has
// failed more than len(Ladder) times. When deliver reports local rate
// limiting, draining stops and the untried items keep their schedule.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(items) == 0 {
		return Stats{}, nil
	}

	now := q.now()
	var (
		stats Stats
		keep  []model.RetryItem
	)

	for i, item := range items {
		if item.NextRetryTS > now.UnixMilli() {
			keep = append(keep, item)
			continue
		}

		err := deliver(ctx, item.Filing)
		if err == nil {
			stats.Processed++
			continue
		}

		var rl *errs.RateLimitError
		if errors.As(err, &rl) || ctx.Err() != nil {
			q.log.Info("retry drain halted", "reason", err.Error(), "untried", len(items)-i)
			keep = append(keep, items[i:]...)
			break
		}

		stats.Failed++
		item.AttemptCount++
		item.ErrorReason = err.Error()
		if item.AttemptCount > len(Ladder) {
			stats.Dropped++
			q.log.Warn("dropping filing after max retries",
				"filing_id", item.Filing.ID, "attempts", item.AttemptCount-1, "error", err)
			continue
		}
		item.NextRetryTS = now.Add(Ladder[item.AttemptCount-1]).UnixMilli()
		keep = append(keep, item)
	}

	if err := q.save(ctx, keep); err != nil {
		return stats, err
	}
	stats.Remaining = len(keep)
	return stats, nil
}

// List returns the queued items.
func (q *Queue) List(ctx context.Context) ([]model.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.List(ctx)
	return len(items), err
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.kv.Delete(ctx, Key); err != nil {
		return fmt.Errorf("clear retry queue: %w", err)
	}
	return nil
}

func (q *Queue) load(ctx context.Context) ([]model.RetryItem, error) {
	raw, ok, err := q.kv.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("read retry queue: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var items []model.RetryItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		// A corrupt queue is discarded rather than blocking every drain.
		q.log.Error("decode retry queue", "error", err)
		return nil, nil
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []model.RetryItem) error {
	if len(items) == 0 {
		if err := q.kv.Delete(ctx, Key); err != nil {
			return fmt.Errorf("write retry queue: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode retry queue: %w", err)
	}
	if err := q.kv.Put(ctx, Key, string(data), 0); err != nil {
		return fmt.Errorf("write retry queue: %w", err)
	}
	return nil
}
