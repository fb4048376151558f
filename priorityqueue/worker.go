package priorityqueue

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// CreateQueueWorker repeatedly calls queue.Next, which executes whatever
// task it dequeues, until ctx is done or the queue shuts down. It runs the
// loop in the calling goroutine and returns only when the loop ends; it
// returns no handle, so a caller that wants a background worker starts it
// with its own goroutine. Multiple workers may coexist; the queue itself
// guarantees a task is handed to at most one of them.
func CreateQueueWorker(ctx context.Context, queue Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, ok := queue.Next(ctx); !ok {
			return
		}
	}
}

// WorkerPool runs a fixed number of queue workers under one errgroup, so a
// service can start a pool and shut it down as a unit instead of managing N
// worker goroutines by hand. The queue's curator goroutine is not part of
// the group: New starts it, and Queue.Shutdown (called by
// WorkerPool.Shutdown) stops it.
type WorkerPool struct {
	queue  Queue
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewWorkerPool starts workerCount workers pulling from queue, all bound to
// a single errgroup. Call Shutdown to stop accepting work, stop the
// workers, and drain the queue.
func NewWorkerPool(queue Queue, workerCount int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			CreateQueueWorker(groupCtx, queue)
			return nil
		})
	}

	return &WorkerPool{queue: queue, group: group, cancel: cancel}
}

// Shutdown stops the queue (draining queued tasks with their cancel
// callbacks), cancels the workers, and waits for them to return.
func (p *WorkerPool) Shutdown() error {
	p.queue.Shutdown()
	p.cancel()
	return p.group.Wait()
}
