package internal

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SendQueue dispatches transport sends without blocking the caller. Sends to
// the same thread run one at a time in FIFO order so bubbles arrive in the
// order they were scheduled; a weighted semaphore caps how many sends run at
// once across all threads.
type SendQueue struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	queues  map[ThreadID][]func()
	running map[ThreadID]bool
}

// NewSendQueue creates a queue allowing at most maxConcurrent in-flight sends.
func NewSendQueue(maxConcurrent int64) *SendQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &SendQueue{
		sem:     semaphore.NewWeighted(maxConcurrent),
		queues:  make(map[ThreadID][]func()),
		running: make(map[ThreadID]bool),
	}
}

// Enqueue appends a send job for a thread and kicks the dispatcher. It never
// blocks: if the semaphore is full the job stays queued and is picked up when
// a running send finishes.
func (q *SendQueue) Enqueue(ctx context.Context, threadID ThreadID, job func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.queues[threadID] = append(q.queues[threadID], job)
	q.mu.Unlock()

	q.tryDispatch(ctx)
	return nil
}

func (q *SendQueue) tryDispatch(ctx context.Context) {
	q.mu.Lock()

	// Pick a thread with queued work that is not already sending.
	var target ThreadID
	found := false
	for id, jobs := range q.queues {
		if len(jobs) > 0 && !q.running[id] {
			target = id
			found = true
			break
		}
	}
	if !found || !q.sem.TryAcquire(1) {
		q.mu.Unlock()
		return
	}

	job := q.queues[target][0]
	q.queues[target] = q.queues[target][1:]
	if len(q.queues[target]) == 0 {
		delete(q.queues, target)
	}
	q.running[target] = true
	q.mu.Unlock()

	go func() {
		defer func() {
			q.sem.Release(1)
			q.mu.Lock()
			q.running[target] = false
			q.mu.Unlock()
			q.tryDispatch(ctx)
		}()
		job()
	}()
}

// Pending returns how many jobs are queued for a thread.
func (q *SendQueue) Pending(threadID ThreadID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[threadID])
}

// InFlight reports whether a send for the thread is currently running.
func (q *SendQueue) InFlight(threadID ThreadID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[threadID]
}
