package transcode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-family/backend/pkg/queue"
)

type countingProcessor struct {
	mu       sync.Mutex
	seen     map[string]int
	failKeys map[string]bool
	active   int32
	peak     int32
	delay    time.Duration
}

func (c *countingProcessor) Process(_ context.Context, job *queue.TranscodeJob) error {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		peak := atomic.LoadInt32(&c.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&c.peak, peak, n) {
			break
		}
	}
	time.Sleep(c.delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[job.ObjectKey]++
	if c.failKeys[job.ObjectKey] {
		return ErrTranscodeFailed
	}
	return nil
}

func (c *countingProcessor) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[key]
}

func newRedisQueue(t *testing.T, maxAttempts int) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewQueue(client, maxAttempts, nil)
}

func runPool(t *testing.T, pool *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not drain")
		}
	}
}

func TestPoolProcessesJobsConcurrently(t *testing.T) {
	q := newRedisQueue(t, 1)
	proc := &countingProcessor{seen: map[string]int{}, delay: 50 * time.Millisecond}
	ctx := context.Background()
	keys := []string{"media/a.mp4", "media/b.mp4", "media/c.mp4", "media/d.mp4"}
	for _, k := range keys {
		require.NoError(t, q.Enqueue(ctx, queue.TranscodeJob{ObjectKey: k}))
	}

	stop := runPool(t, NewPool(q, proc, PoolConfig{Workers: 2, PollTimeout: time.Second}, nil))
	require.Eventually(t, func() bool {
		for _, k := range keys {
			if proc.count(k) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.LessOrEqual(t, atomic.LoadInt32(&proc.peak), int32(2))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPoolNoRetryByDefault(t *testing.T) {
	q := newRedisQueue(t, 1)
	proc := &countingProcessor{seen: map[string]int{}, failKeys: map[string]bool{"media/bad.mp4": true}}
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.TranscodeJob{ObjectKey: "media/bad.mp4"}))

	stop := runPool(t, NewPool(q, proc, PoolConfig{Workers: 1, PollTimeout: time.Second}, nil))
	require.Eventually(t, func() bool {
		failed, err := q.Failed(ctx, 10)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 1, proc.count("media/bad.mp4"))
	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "media/bad.mp4", failed[0].Job.ObjectKey)
	assert.Contains(t, failed[0].Error, ErrTranscodeFailed.Error())
}

func TestPoolBoundedRetries(t *testing.T) {
	q := newRedisQueue(t, 3)
	proc := &countingProcessor{seen: map[string]int{}, failKeys: map[string]bool{"media/bad.mp4": true}}
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.TranscodeJob{ObjectKey: "media/bad.mp4"}))

	stop := runPool(t, NewPool(q, proc, PoolConfig{Workers: 1, PollTimeout: time.Second, RetryBackoff: time.Millisecond}, nil))
	require.Eventually(t, func() bool {
		failed, err := q.Failed(ctx, 10)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 3, proc.count("media/bad.mp4"))
}

type flakySource struct {
	*queue.Queue
	failures int32
}

func (f *flakySource) Dequeue(ctx context.Context, timeout time.Duration) (*queue.TranscodeJob, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.Queue.Dequeue(ctx, timeout)
}

func TestPoolSurvivesDequeueErrors(t *testing.T) {
	q := newRedisQueue(t, 1)
	src := &flakySource{Queue: q, failures: 3}
	proc := &countingProcessor{seen: map[string]int{}}
	require.NoError(t, q.Enqueue(context.Background(), queue.TranscodeJob{ObjectKey: "media/x.mp4"}))

	stop := runPool(t, NewPool(src, proc, PoolConfig{Workers: 1, PollTimeout: time.Second, RetryBackoff: time.Millisecond}, nil))
	require.Eventually(t, func() bool { return proc.count("media/x.mp4") == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()
}

func TestPoolDrainsInFlightJob(t *testing.T) {
	q := newRedisQueue(t, 1)
	proc := &countingProcessor{seen: map[string]int{}, delay: 300 * time.Millisecond}
	require.NoError(t, q.Enqueue(context.Background(), queue.TranscodeJob{ObjectKey: "media/slow.mp4"}))

	stop := runPool(t, NewPool(q, proc, PoolConfig{Workers: 1, PollTimeout: time.Second}, nil))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&proc.active) == 1 }, 5*time.Second, time.Millisecond)
	stop()

	assert.Equal(t, 1, proc.count("media/slow.mp4"))
}

func TestPoolReportsFailedOnlyAfterLastAttempt(t *testing.T) {
	q := newRedisQueue(t, 2)
	objects := newMemObjects()
	objects.getErr = errors.New("connection reset")
	proc := NewProcessor(objects, &scriptedEncoder{}, q, t.TempDir(), nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []queue.Progress
	cancel, err := q.SubscribeProgress(ctx, testKey, func(p queue.Progress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	})
	require.NoError(t, err)
	defer cancel()
	snapshot := func() []queue.Progress {
		mu.Lock()
		defer mu.Unlock()
		return append([]queue.Progress(nil), seen...)
	}

	require.NoError(t, q.Enqueue(ctx, queue.TranscodeJob{ObjectKey: testKey}))
	stop := runPool(t, NewPool(q, proc, PoolConfig{Workers: 1, PollTimeout: time.Second, RetryBackoff: time.Millisecond}, nil))
	require.Eventually(t, func() bool {
		events := snapshot()
		return len(events) > 0 && events[len(events)-1].State == queue.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	events := snapshot()
	var states []queue.State
	for _, e := range events {
		states = append(states, e.State)
	}
	assert.Equal(t, []queue.State{
		queue.StateEnqueued, queue.StateActive,
		queue.StateEnqueued, queue.StateActive,
		queue.StateFailed,
	}, states)
	assert.Contains(t, events[2].Error, "connection reset")
	assert.Contains(t, events[4].Error, "connection reset")

	latest, err := q.GetProgress(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, latest.State)
}
