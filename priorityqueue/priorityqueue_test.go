package priorityqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/admitgo/admitgo/clock"
)

func fnReturning(v any) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) { return v, nil }
}

func TestQueue_PriorityOrdering(t *testing.T) {
	// Spec §8 scenario 4: enqueue (f,1)=LOW, (f,2)=HIGH, (f,3)=CRITICAL,
	// (f,4)=LOW, (f,5)=HIGH while idle. Sequential next() yields 3,2,5,1,4.
	q := New(WithCuratorInterval(clock.FromMilli(1)))
	defer q.Shutdown()

	_, err := q.Enqueue(fnReturning(1), Low, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(2), High, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(3), Critical, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(4), Low, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(5), High, clock.FromMilli(1000), nil)
	assert.NoError(t, err)

	var got []any
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result, ok := q.Next(ctx)
		cancel()
		assert.True(t, ok)
		got = append(got, result.Value)
	}

	assert.Equal(t, []any{3, 2, 5, 1, 4}, got)
}

func TestQueue_RoundTrip(t *testing.T) {
	q := New()
	defer q.Shutdown()

	_, err := q.Enqueue(fnReturning("hello"), Medium, clock.FromMilli(1000), nil)
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, ok := q.Next(ctx)
	assert.True(t, ok)
	assert.Equal(t, "hello", result.Value)
	assert.False(t, result.Absent)
}

func TestQueue_NextSuspendsUntilTaskArrives(t *testing.T) {
	q := New()
	defer q.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	var result Result
	var ok bool
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result, ok = q.Next(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(fnReturning(42), Medium, clock.FromMilli(1000), nil)
	assert.NoError(t, err)

	wg.Wait()
	assert.True(t, ok)
	assert.Equal(t, 42, result.Value)
}

func TestQueue_TimeoutSweep(t *testing.T) {
	// Spec §8 scenario 5: 5 tasks, timeout=35ms, body sleeps 10ms. Dispatch
	// 3 immediately via concurrent Next calls, then idle 60ms. The remaining
	// 2 must have been reaped by the curator (cancel callback count = 2) and
	// their task handles resolve as absent.
	q := New(WithCuratorInterval(clock.FromMilli(5)))
	defer q.Shutdown()

	sleepBody := func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "done", nil
	}

	var cancelCount atomic.Int32
	onCancel := func() { cancelCount.Add(1) }

	tasks := make([]*MultiLevelTask, 5)
	for i := range tasks {
		tk, err := q.Enqueue(sleepBody, Medium, clock.FromMilli(35), onCancel)
		assert.NoError(t, err)
		tasks[i] = tk
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			result, ok := q.Next(ctx)
			assert.True(t, ok)
			assert.Equal(t, "done", result.Value)
		}()
	}
	wg.Wait()

	// None of the first 3 dispatches were reaped; give the curator time to
	// expire the remaining 2 (enqueued ~0ms, timeout 35ms).
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(2), cancelCount.Load())

	for _, tk := range tasks {
		res, err := tk.Wait(context.Background())
		assert.NoError(t, err)
		if res.Absent {
			continue
		}
		assert.Equal(t, "done", res.Value)
	}
}

func TestQueue_EnqueueAfterShutdownReturnsError(t *testing.T) {
	q := New()
	q.Shutdown()

	_, err := q.Enqueue(fnReturning(1), Medium, clock.FromMilli(1000), nil)
	assert.ErrorIs(t, err, ErrQueueShutdown)
}

func TestQueue_ShutdownCancelsQueuedTasksExactlyOnce(t *testing.T) {
	q := New()

	var cancelCount atomic.Int32
	tasks := make([]*MultiLevelTask, 3)
	for i := range tasks {
		tk, err := q.Enqueue(fnReturning(i), Medium, clock.FromMilli(10000), func() { cancelCount.Add(1) })
		assert.NoError(t, err)
		tasks[i] = tk
	}

	q.Shutdown()

	assert.Equal(t, int32(3), cancelCount.Load())
	for _, tk := range tasks {
		res, err := tk.Wait(context.Background())
		assert.NoError(t, err)
		assert.True(t, res.Absent)
	}

	// Shutdown is idempotent.
	q.Shutdown()
	assert.Equal(t, int32(3), cancelCount.Load())
}

func TestQueue_NextReturnsFalseAfterShutdownWithNothingQueued(t *testing.T) {
	q := New()
	q.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	defer q.Shutdown()

	_, err := q.Enqueue(fnReturning(1), Low, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(2), Low, clock.FromMilli(1000), nil)
	assert.NoError(t, err)
	_, err = q.Enqueue(fnReturning(3), Critical, clock.FromMilli(1000), nil)
	assert.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 2, stats[Low])
	assert.Equal(t, 0, stats[High])
	assert.Equal(t, 1, stats[Critical])
}

func TestQueue_PropagatedTaskFailure(t *testing.T) {
	q := New()
	defer q.Shutdown()

	failing := func(ctx context.Context) (any, error) { return nil, assert.AnError }
	_, err := q.Enqueue(failing, Medium, clock.FromMilli(1000), nil)
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, ok := q.Next(ctx)
	assert.True(t, ok)
	assert.ErrorIs(t, result.Err, assert.AnError)
}

func TestWorkerPool_DispatchesEnqueuedTasks(t *testing.T) {
	q := New()
	pool := NewWorkerPool(q, 3)

	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(func(ctx context.Context) (any, error) {
			ran.Add(1)
			wg.Done()
			return nil, nil
		}, Medium, clock.FromMilli(5000), nil)
		assert.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())
	assert.NoError(t, pool.Shutdown())
}
