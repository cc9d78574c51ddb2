// Package queue serializes mutations against the remote lead sheet. The
// backing store has no transactions, so the only defense against lost
// updates is making sure two writers never touch the same row at once:
// every mutation is keyed by the lead's email and executes strictly in
// submission order within that key. Different keys run independently.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mutation is one pending update against a single lead.
type Mutation func(ctx context.Context) error

// Task is the caller's handle on an enqueued mutation.
type Task struct {
	key  string
	done chan struct{}
	err  error
}

// Wait blocks until the task has finished (including retries) or ctx is
// cancelled. The task itself keeps running if ctx expires first.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

// Err returns the task outcome. Valid only after done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type Options struct {
	Retry RetryPolicy
	// Spacing is the pause after each task before the next one for the
	// same key starts, keeping the sheet API under its rate limit.
	Spacing time.Duration
}

// Queue runs one worker per key. Workers exit when their backlog drains and
// restart on the next enqueue for that key.
type Queue struct {
	retry   RetryPolicy
	spacing time.Duration

	mu      sync.Mutex
	pending map[string][]*Task
	tasks   map[*Task]Mutation
	active  map[string]bool

	wg sync.WaitGroup
}

func New(opts Options) *Queue {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	spacing := opts.Spacing
	if spacing <= 0 {
		spacing = 500 * time.Millisecond
	}
	return &Queue{
		retry:   retry,
		spacing: spacing,
		pending: make(map[string][]*Task),
		tasks:   make(map[*Task]Mutation),
		active:  make(map[string]bool),
	}
}

// Enqueue submits a mutation for the given key and returns immediately.
// Within one key, tasks execute in submission order, one at a time.
func (q *Queue) Enqueue(key string, fn Mutation) *Task {
	t := &Task{key: key, done: make(chan struct{})}

	q.mu.Lock()
	q.pending[key] = append(q.pending[key], t)
	q.tasks[t] = fn
	if !q.active[key] {
		q.active[key] = true
		q.wg.Add(1)
		go q.drain(key)
	}
	q.mu.Unlock()

	return t
}

// Depth reports how many tasks are waiting or running for the key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

// Wait blocks until every worker has drained. Used on shutdown.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.active[key] = false
			q.mu.Unlock()
			return
		}
		t := backlog[0]
		fn := q.tasks[t]
		q.mu.Unlock()

		err := ExecuteWithRetry(context.Background(), q.retry, fn)
		if err != nil {
			slog.Error("queued update failed", "key", key, "error", err)
		}

		t.err = err
		close(t.done)

		q.mu.Lock()
		q.pending[key] = q.pending[key][1:]
		delete(q.tasks, t)
		q.mu.Unlock()

		// Inter-task spacing keeps us under the sheet API's rate limit.
		time.Sleep(q.spacing)
	}
}
