package hub

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of asynchronous work, typically a queue flush for one
// agent after the router accepts a message.
type Task func()

// WorkerPool runs a fixed set of workers over a bounded task queue.
// A full queue drops the task and counts it; flushes are re-triggered by
// the next delivery, so a dropped flush is deferred work, not lost work.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 100
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				wp.run(task)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// run executes one task with panic recovery so a bad flush cannot take a
// worker down.
func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues a task, dropping it when the queue is full.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.droppedTasks.Add(1)
		return false
	}
}

// Dropped returns how many tasks were rejected by a full queue.
func (wp *WorkerPool) Dropped() int64 {
	return wp.droppedTasks.Load()
}

// Stop waits for workers to finish. The context passed to Start must be
// cancelled first.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}
