package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_FiresOnInterval(t *testing.T) {
	var count int32
	s := New([]Trigger{
		{Name: "tick", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		}},
	})
	s.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	got := atomic.LoadInt32(&count)
	assert.GreaterOrEqual(t, got, int32(3))
}

func TestScheduler_CoalescesSlowRuns(t *testing.T) {
	var starts, overlaps int32
	running := int32(0)

	s := New([]Trigger{
		{Name: "fetch_all", Interval: 5 * time.Millisecond, Coalesce: true, Run: func(ctx context.Context) {
			atomic.AddInt32(&starts, 1)
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.AddInt32(&overlaps, 1)
				return
			}
			time.Sleep(40 * time.Millisecond)
			atomic.StoreInt32(&running, 0)
		}},
	})
	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlaps))
}

func TestScheduler_SuppressUntilSkipsTicks(t *testing.T) {
	var count int32
	s := New([]Trigger{
		{Name: "fetch_all", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		}},
	})
	s.SuppressUntil("fetch_all", time.Now().Add(50*time.Millisecond))
	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestScheduler_SuppressionExpires(t *testing.T) {
	var count int32
	s := New([]Trigger{
		{Name: "fetch_all", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		}},
	})
	s.SuppressUntil("fetch_all", time.Now().Add(10*time.Millisecond))
	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.Greater(t, atomic.LoadInt32(&count), int32(0))
}

func TestScheduler_StopEndsAllGoroutines(t *testing.T) {
	var count int32
	s := New([]Trigger{
		{Name: "tick", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		}},
	})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&count))
}
