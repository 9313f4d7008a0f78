// Package taskqueue runs fetch tasks on a fixed pool of workers.
package taskqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("task queue is closed")

const (
	DefaultWorkers = 4
	MaxWorkers     = 32
)

// QueueStatus represents the current queue status for events
type QueueStatus struct {
	Workers        int `json:"workers"`
	PendingTasks   int `json:"pendingTasks"`
	RunningTasks   int `json:"runningTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
}

// Executor performs a task. A returned error marks the task failed.
type Executor interface {
	ExecuteFetchTask(ctx context.Context, task *FetchTask) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *FetchTask) error

func (f ExecutorFunc) ExecuteFetchTask(ctx context.Context, task *FetchTask) error {
	return f(ctx, task)
}

// Options configure a Queue.
type Options struct {
	Workers int
	Logger  zerolog.Logger
}

// Queue is an unbounded FIFO of fetch tasks. Push never blocks; tasks start
// as soon as a worker is free.
type Queue struct {
	mu      sync.RWMutex
	pending []*FetchTask
	running map[string]*FetchTask
	closed  bool

	completed int
	failed    int

	taskAdded chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	executor Executor
	workers  int
	log      zerolog.Logger

	onQueueUpdate  func(QueueStatus)
	onTaskComplete func(*FetchTask, error)
}

// New creates a queue and starts its workers.
func New(executor Executor, opts Options) *Queue {
	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		running:   make(map[string]*FetchTask),
		taskAdded: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		executor:  executor,
		workers:   workers,
		log:       opts.Logger.With().Str("component", "taskqueue").Logger(),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// SetCallbacks sets event callbacks. They run on worker goroutines.
func (q *Queue) SetCallbacks(onQueueUpdate func(QueueStatus), onTaskComplete func(*FetchTask, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onQueueUpdate = onQueueUpdate
	q.onTaskComplete = onTaskComplete
}

// Push appends a task to the queue.
func (q *Queue) Push(task *FetchTask) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	task.Status = TaskStatusPending
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	q.signal()
	q.emitQueueUpdate()

	q.log.Debug().Str("task", task.ID).Str("key", task.Key).Msg("queued")
	return nil
}

// Status returns the current queue status
func (q *Queue) Status() QueueStatus {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return QueueStatus{
		Workers:        q.workers,
		PendingTasks:   len(q.pending),
		RunningTasks:   len(q.running),
		CompletedTasks: q.completed,
		FailedTasks:    q.failed,
	}
}

// Close cancels running tasks, drops pending ones and waits for the workers
// to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, task := range dropped {
		task.MarkCancelled()
	}

	q.cancel()
	q.wg.Wait()
	q.log.Debug().Int("dropped", len(dropped)).Msg("queue closed")
}

func (q *Queue) signal() {
	select {
	case q.taskAdded <- struct{}{}:
	default:
	}
}

// next pops the oldest pending task, or nil when there is none.
func (q *Queue) next() *FetchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	task.MarkStarted()
	q.running[task.ID] = task

	// The signal holds one wake-up; pass it on so idle workers pick up the rest.
	if len(q.pending) > 0 {
		q.signal()
	}
	return task
}

func (q *Queue) finish(task *FetchTask, err error) {
	q.mu.Lock()
	delete(q.running, task.ID)
	switch {
	case err == nil:
		task.MarkCompleted()
		q.completed++
	case q.ctx.Err() != nil:
		task.MarkCancelled()
	default:
		task.MarkFailed(err)
		q.failed++
	}
	onComplete := q.onTaskComplete
	q.mu.Unlock()

	if onComplete != nil {
		onComplete(task, err)
	}
	q.emitQueueUpdate()
}

func (q *Queue) emitQueueUpdate() {
	q.mu.RLock()
	fn := q.onQueueUpdate
	q.mu.RUnlock()
	if fn != nil {
		fn(q.Status())
	}
}
