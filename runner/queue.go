package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// ErrQueueCompleted is returned when work is enqueued after EnqueueCompleted
var ErrQueueCompleted = errors.New("action queue already completed")

// Action is a unit of work executed by the queue. It returns true if the item failed.
type Action[T any] func(ctx context.Context, item T) bool

// ActionQueue executes enqueued items with bounded parallelism.
// Producers may call Enqueue concurrently until EnqueueCompleted is called.
// Workers are started lazily: at most min(concurrency, enqueued) workers ever exist,
// and a worker that finishes an item immediately takes the next pending one.
type ActionQueue[T any] struct {
	ctx         context.Context
	log         log.Logger
	concurrency int
	action      Action[T]

	mu        sync.Mutex
	pending   []T
	running   int
	enqueued  int
	completed bool
	failed    bool
	done      chan struct{}
}

// NewActionQueue creates a queue that runs action with at most concurrency items in flight
func NewActionQueue[T any](ctx context.Context, logger log.Logger, concurrency int, action Action[T]) *ActionQueue[T] {
	if action == nil {
		panic("action cannot be nil")
	}
	if logger == nil {
		logger = log.New()
	}
	if concurrency < 1 {
		logger.Warn("Invalid degree of parallelism, using 1", "concurrency", concurrency)
		concurrency = 1
	}

	// Log a warning for unreasonable concurrency values
	if concurrency > MaxReasonableConcurrency {
		logger.Warn("Very high concurrency requested", "concurrency", concurrency,
			"recommendation", "Consider using lower values to avoid resource exhaustion")
	}

	return &ActionQueue[T]{
		ctx:         ctx,
		log:         logger.New("component", "action-queue"),
		concurrency: concurrency,
		action:      action,
		done:        make(chan struct{}),
	}
}

// Concurrency returns the maximum number of items executed at once
func (q *ActionQueue[T]) Concurrency() int {
	return q.concurrency
}

// Enqueue schedules an item. It starts a new worker if a slot is free,
// otherwise the item waits in the backlog.
func (q *ActionQueue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.completed {
		return ErrQueueCompleted
	}

	q.enqueued++
	if q.running < q.concurrency {
		q.running++
		q.log.Debug("Starting worker", "running", q.running, "concurrency", q.concurrency)
		go q.worker(item)
		return nil
	}

	q.pending = append(q.pending, item)
	q.log.Debug("Queued work item", "pending", len(q.pending))
	return nil
}

// EnqueueCompleted signals that no more items will be enqueued. Calling it more than once is a no-op.
func (q *ActionQueue[T]) EnqueueCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.completed {
		return
	}
	q.completed = true
	q.log.Debug("Enqueue completed", "enqueued", q.enqueued, "running", q.running, "pending", len(q.pending))
	if q.running == 0 {
		close(q.done)
	}
}

// WaitAllActions blocks until EnqueueCompleted was called and every enqueued
// item has finished. It returns true if any item failed.
func (q *ActionQueue[T]) WaitAllActions() bool {
	<-q.done

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// Done returns a channel that is closed once WaitAllActions would return
func (q *ActionQueue[T]) Done() <-chan struct{} {
	return q.done
}

// Enqueued returns the number of items accepted so far
func (q *ActionQueue[T]) Enqueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued
}

// worker runs item and then drains the backlog until it is empty
func (q *ActionQueue[T]) worker(item T) {
	for {
		failed := q.execute(item)

		q.mu.Lock()
		if failed {
			q.failed = true
		}
		if len(q.pending) > 0 {
			item = q.pending[0]
			var zero T
			q.pending[0] = zero
			q.pending = q.pending[1:]
			q.mu.Unlock()
			continue
		}

		q.running--
		if q.running == 0 && q.completed {
			close(q.done)
		}
		q.log.Debug("Worker exiting", "running", q.running)
		q.mu.Unlock()
		return
	}
}

// execute runs a single item, converting a panic into a failure
func (q *ActionQueue[T]) execute(item T) (failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("Panic in queued action", "error", fmt.Sprintf("runtime error: %v", rec))
			failed = true
		}
	}()
	return q.action(q.ctx, item)
}
