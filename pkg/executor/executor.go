// Package executor provides the serial execution primitive the
// dispatcher pins its stream table to: an unbounded FIFO task queue
// drained by exactly one worker goroutine. State touched only from
// posted tasks needs no locks.
package executor

import (
	"errors"
	"sync"
)

// ErrExecutorClosed is returned by Post once Close has been called.
var ErrExecutorClosed = errors.New("executor closed")

// SerialExecutor runs posted tasks one at a time, in post order, on a
// single worker goroutine.
type SerialExecutor struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a serial executor. The name appears in diagnostics only.
func New(name string) *SerialExecutor {
	e := &SerialExecutor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Name returns the name the executor was created with.
func (e *SerialExecutor) Name() string { return e.name }

// Post enqueues task for execution on the worker goroutine. It never
// blocks and is safe to call from any goroutine, including from a
// running task. Tasks run in the order they were accepted.
func (e *SerialExecutor) Post(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops intake, lets the worker drain every task accepted before
// the close, and returns once the worker has exited. Idempotent.
// Close must not be called from a task: the worker cannot drain while
// waiting on itself.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	already := e.closed
	e.closed = true
	e.mu.Unlock()

	if !already {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		tasks := e.tasks
		e.tasks = nil
		closed := e.closed
		e.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if closed {
			// closed was set before the snapshot above, so no task can
			// have been accepted after it: the queue is fully drained.
			return
		}

		<-e.wake
	}
}
