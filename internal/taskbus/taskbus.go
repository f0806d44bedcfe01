// Package taskbus implements the Task Bus (C6): per-role durable queues
// with bounded concurrency, retries with exponential backoff, and
// idempotency via task keys.
//
// The worker-loop shape (N goroutines per queue, each pulling the next
// task and running it to completion before asking for another) is
// grounded on the ascetic-ddd-go inbox's Run/workerLoop pattern
// (asceticddd/inbox/inbox.go) — Publish/ON CONFLICT DO NOTHING becomes
// Redis SETNX, and Dispatch/markProcessed becomes BRPOP-and-run against
// a Redis list, so a queue's backlog survives a process restart instead
// of living only in an in-process channel. The jittered exponential
// backoff comes from vitess's messageManager (the spread calculation in
// buildPostponeQuery/GeneratePostponeQuery), generalized from one queue
// to the six roles in spec.md §4.6's table.
package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicate is returned by Enqueue when a task's idempotency key has
// already been seen within the idempotency TTL window (spec.md §3's
// "at most once within the dedupe TTL window").
var ErrDuplicate = errors.New("taskbus: dedup_hit")

// RetryPolicy is the (max attempts, base delay, backoff multiplier)
// triple from spec.md §4.6's queue table.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     float64
}

// QueueConfig configures one named queue/role.
type QueueConfig struct {
	Concurrency int
	Retry       RetryPolicy
}

// Handler runs one task's payload to completion. A non-nil error
// triggers a retry, up to the queue's RetryPolicy.MaxAttempts. Handlers
// are registered once per queue at startup and close over whatever
// sink or client the queue's role needs; only the Payload itself — not
// the handler — has to survive a restart.
type Handler func(ctx context.Context, payload []byte) error

// Task is one item submitted to a queue. Payload is opaque to the Bus
// and interpreted by the queue's registered Handler.
type Task struct {
	Queue   string
	Key     string // idempotency key; empty disables dedup for this task
	Payload []byte
}

// envelope is what actually rides the Redis list: a ULID assigned at
// Enqueue time (lexicographically sortable, so a queue's backlog can be
// inspected or replayed in submission order) plus the task's payload.
type envelope struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

const (
	idempotencyPrefix = "chatwatch:taskbus:seen:"
	queuePrefix        = "chatwatch:taskbus:queue:"
	popTimeout         = time.Second
)

// Bus runs queues of Handlers with per-queue concurrency and retry, and
// de-duplicates by task key using Redis SETNX. Each queue's backlog is
// a Redis list (LPUSH/BRPOP), so an unfinished task is not lost if the
// process restarts between Enqueue and completion.
type Bus struct {
	rdb         *redis.Client
	idemTTL     time.Duration
	mu          sync.Mutex
	queues      map[string]*queue
	onTaskError func(queueName string, err error)
}

// New builds a Bus. idemTTL should match (or exceed) the longest retry
// window of any queue, so a task is never re-admitted mid-retry.
func New(rdb *redis.Client, idemTTL time.Duration) *Bus {
	return &Bus{
		rdb:     rdb,
		idemTTL: idemTTL,
		queues:  make(map[string]*queue),
	}
}

// OnTaskError registers a callback invoked when a task exhausts all
// its retries. Intended for wiring the admin/maintenance notifier.
func (b *Bus) OnTaskError(fn func(queueName string, err error)) {
	b.onTaskError = fn
}

type queue struct {
	name    string
	cfg     QueueConfig
	key     string
	handler Handler
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Register declares a queue with its concurrency and retry policy and
// starts its worker pool pulling from the queue's Redis list. Calling
// Register twice for the same name is a programmer error — queues are
// fixed at startup from configuration.
func (b *Bus) Register(ctx context.Context, name string, cfg QueueConfig, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	q := &queue{
		name:    name,
		cfg:     cfg,
		key:     queuePrefix + name,
		handler: handler,
		cancel:  cancel,
	}
	b.queues[name] = q

	for i := 0; i < cfg.Concurrency; i++ {
		q.wg.Add(1)
		go b.workerLoop(qctx, q)
	}
}

// Enqueue submits task to its queue's Redis list. If task.Key is
// non-empty and has been seen within the idempotency TTL, Enqueue
// returns ErrDuplicate and the task is dropped before it ever reaches
// the list.
func (b *Bus) Enqueue(ctx context.Context, task Task) error {
	b.mu.Lock()
	q, ok := b.queues[task.Queue]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("taskbus: unknown queue %q", task.Queue)
	}

	if task.Key != "" && b.rdb != nil {
		accepted, err := b.rdb.SetNX(ctx, idempotencyPrefix+task.Key, 1, b.idemTTL).Result()
		if err != nil {
			return fmt.Errorf("taskbus: idempotency check: %w", err)
		}
		if !accepted {
			return ErrDuplicate
		}
	}

	env := envelope{ID: ulid.Make().String(), Payload: task.Payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("taskbus: encode task: %w", err)
	}
	return b.rdb.LPush(ctx, q.key, raw).Err()
}

// workerLoop blocks on the queue's Redis list and runs each popped task
// to completion (with retry) before asking for the next one. Mirrors
// the inbox's per-worker poll loop, but against a durable list instead
// of re-querying a SQL table.
func (b *Bus) workerLoop(ctx context.Context, q *queue) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.rdb.BRPop(ctx, popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("taskbus: queue %s: pop: %v", q.name, err)
			time.Sleep(time.Second)
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			log.Printf("taskbus: queue %s: malformed task: %v", q.name, err)
			continue
		}
		b.runWithRetry(ctx, q, env)
	}
}

func (b *Bus) runWithRetry(ctx context.Context, q *queue, env envelope) {
	delay := q.cfg.Retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= q.cfg.Retry.MaxAttempts; attempt++ {
		lastErr = q.handler(ctx, env.Payload)
		if lastErr == nil {
			return
		}
		if attempt == q.cfg.Retry.MaxAttempts {
			break
		}
		log.Printf("taskbus: queue %s task %s attempt %d/%d failed: %v", q.name, env.ID, attempt, q.cfg.Retry.MaxAttempts, lastErr)
		select {
		case <-time.After(jitter(delay)):
		case <-ctx.Done():
			return
		}
		delay = time.Duration(float64(delay) * q.cfg.Retry.Backoff)
	}
	log.Printf("taskbus: queue %s task %s exhausted retries: %v", q.name, env.ID, lastErr)
	if b.onTaskError != nil {
		b.onTaskError(q.name, lastErr)
	}
}

// jitter applies +/-33% jitter to d, the same spread vitess's
// buildPostponeQuery uses for message postponement backoff.
func jitter(d time.Duration) time.Duration {
	factor := 0.666666 + rand.Float64()*0.666666
	return time.Duration(float64(d) * factor)
}

// Shutdown cancels every queue's worker loops and waits for the
// in-flight task on each to finish, bounded by ctx. Any task still
// sitting in a Redis list (never popped) is left there and is picked up
// again the next time a process registers that queue.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, q := range queues {
			q.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports how many tasks are buffered (not yet picked up by
// a worker) for name, used by health checks.
func (b *Bus) QueueDepth(ctx context.Context, name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	n, err := b.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// DefaultQueues returns the six roles and policies from spec.md §4.6.
func DefaultQueues() map[string]QueueConfig {
	return map[string]QueueConfig{
		"fetch":       {Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second, Backoff: 2}},
		"processing":  {Concurrency: 3, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, Backoff: 2}},
		"webhook":     {Concurrency: 2, Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: 60 * time.Second, Backoff: 1.5}},
		"workbook":    {Concurrency: 2, Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: 180 * time.Second, Backoff: 2}},
		"csv":         {Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 15 * time.Second, Backoff: 2}},
		"maintenance": {Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second, Backoff: 2}},
	}
}
