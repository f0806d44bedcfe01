package taskbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Minute), func() { rdb.Close(); mr.Close() }
}

func TestBus_RunsTaskToCompletion(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran int32
	done := make(chan struct{})
	bus.Register(ctx, "csv", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error {
			atomic.StoreInt32(&ran, 1)
			close(done)
			return nil
		})

	err := bus.Enqueue(ctx, Task{Queue: "csv", Payload: []byte("x")})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestBus_RetriesUntilSuccess(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	bus.Register(ctx, "processing", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})

	err := bus.Enqueue(ctx, Task{Queue: "processing", Payload: []byte("x")})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never succeeded")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestBus_ExhaustedRetriesCallOnTaskError(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Register(ctx, "webhook", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error {
			return errors.New("sink_transient")
		})

	notified := make(chan error, 1)
	bus.OnTaskError(func(queueName string, err error) {
		notified <- err
	})

	err := bus.Enqueue(ctx, Task{Queue: "webhook", Payload: []byte("x")})
	require.NoError(t, err)

	select {
	case failure := <-notified:
		assert.EqualError(t, failure, "sink_transient")
	case <-time.After(time.Second):
		t.Fatal("onTaskError was never called")
	}
}

func TestBus_EnqueueDeduplicatesByKey(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Register(ctx, "workbook", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error { return nil })

	require.NoError(t, bus.Enqueue(ctx, Task{Queue: "workbook", Key: "chan1:42:workbook", Payload: []byte("x")}))
	err := bus.Enqueue(ctx, Task{Queue: "workbook", Key: "chan1:42:workbook", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestBus_EnqueueUnknownQueueErrors(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	err := bus.Enqueue(context.Background(), Task{Queue: "nope", Payload: []byte("x")})
	assert.Error(t, err)
}

func TestBus_ShutdownWaitsForInFlight(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx := context.Background()
	started := make(chan struct{})
	finished := make(chan struct{})
	bus.Register(ctx, "maintenance", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil
		})

	require.NoError(t, bus.Enqueue(ctx, Task{Queue: "maintenance", Payload: []byte("x")}))

	<-started
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(shutdownCtx))
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before in-flight task finished")
	}
}

func TestBus_QueueSurvivesProcessRestart(t *testing.T) {
	// Simulates a crash between Enqueue and completion: bus1 enqueues a
	// task but never registers a worker for it (standing in for a
	// process that died first), then bus2 — a fresh Bus sharing the
	// same Redis — registers the queue and picks the task up from the
	// list. An in-process channel could never do this across two Bus
	// instances.
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb1.Close()
	bus1 := New(rdb1, time.Minute)
	// Concurrency 0: the queue is declared (so Enqueue is legal) but no
	// worker goroutine ever starts, standing in for a process that
	// crashed between Enqueue and its worker picking the task up.
	bus1.Register(context.Background(), "csv", QueueConfig{Concurrency: 0, Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1}}, nil)
	require.NoError(t, bus1.Enqueue(context.Background(), Task{Queue: "csv", Payload: []byte("recovered")}))

	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb2.Close()
	bus2 := New(rdb2, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan string, 1)
	bus2.Register(ctx, "csv", QueueConfig{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1}},
		func(ctx context.Context, payload []byte) error {
			received <- string(payload)
			return nil
		})

	select {
	case payload := <-received:
		assert.Equal(t, "recovered", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("bus2 never picked up the task bus1 left in Redis")
	}
}

func TestDefaultQueues_MatchesSpecTable(t *testing.T) {
	q := DefaultQueues()
	require.Contains(t, q, "fetch")
	assert.Equal(t, 1, q["fetch"].Concurrency)
	assert.Equal(t, 3, q["fetch"].Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, q["fetch"].Retry.BaseDelay)
	assert.Equal(t, 2.0, q["fetch"].Retry.Backoff)

	assert.Equal(t, 5, q["workbook"].Retry.MaxAttempts)
	assert.Equal(t, 180*time.Second, q["workbook"].Retry.BaseDelay)

	assert.Equal(t, 1.5, q["webhook"].Retry.Backoff)
}
