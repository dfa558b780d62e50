package engine

import (
	"sync"
	"time"

	"condor/internal/store/model"
)

// Task is one unit of work for a worker: re-check a single strategy. The
// status/version pair is the snapshot the scanner saw; workers revalidate it
// when acquiring the lock.
type Task struct {
	StrategyID int64
	Status     model.StrategyStatus
	Version    int64
	Reason     string
	EnqueuedAt time.Time
}

// TaskQueue is a bounded queue that keeps at most one in-flight task per
// strategy. Enqueue while a strategy's task is queued or being worked is a
// no-op, which keeps a slow strategy from piling up duplicate work.
type TaskQueue struct {
	mu       sync.Mutex
	inflight map[int64]struct{}
	ch       chan Task
}

func NewTaskQueue(size int) *TaskQueue {
	if size <= 0 {
		size = 256
	}
	return &TaskQueue{
		inflight: make(map[int64]struct{}),
		ch:       make(chan Task, size),
	}
}

// Enqueue offers a task. Returns false when the strategy already has a task
// in flight or the queue is full.
func (q *TaskQueue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.inflight[task.StrategyID]; dup {
		return false
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- task:
		q.inflight[task.StrategyID] = struct{}{}
		return true
	default:
		return false
	}
}

// C is the worker-facing channel.
func (q *TaskQueue) C() <-chan Task { return q.ch }

// Done releases the strategy's in-flight slot. Workers must call it after
// finishing a task, success or not.
func (q *TaskQueue) Done(strategyID int64) {
	q.mu.Lock()
	delete(q.inflight, strategyID)
	q.mu.Unlock()
}

// Len reports queued (not yet picked up) tasks.
func (q *TaskQueue) Len() int { return len(q.ch) }
