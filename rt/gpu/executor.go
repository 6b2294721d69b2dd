package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Token proves its holder runs on the thread that owns the graphics context.
// The Executor hands one to every task and frame callback; it is only valid
// for the duration of that call and must not be retained or shared.
type Token struct {
	exec *Executor
	live bool
}

func (t *Token) Executor() *Executor {
	return t.exec
}

func mustHold(tok *Token, op string) {
	if tok == nil || !tok.live {
		panic(fmt.Sprintf("gpu: %s called without a live owning-thread token", op))
	}
}

type runner interface {
	run(tok *Token) error
}

// Executor serializes GPU work from any goroutine onto the one thread that owns
// the graphics context. Producers call Submit or SubmitAndWait; the owning
// thread calls Drain (or Tick) once per frame.
//
// Tasks run FIFO with no priority and no preemption: a slow task delays every
// task queued behind it in the same drain. Tasks cannot be cancelled.
type Executor struct {
	mu     sync.Mutex
	queue  []runner
	closed bool
	log    Logger

	executed atomic.Uint64
	failed   atomic.Uint64
}

func NewExecutor(log Logger) *Executor {
	if log == nil {
		log = nopLogger{}
	}
	return &Executor{log: log}
}

func (e *Executor) enqueue(r runner) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, r)
	return true
}

// Pending is the number of queued tasks not yet drained.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close rejects further submissions. Tasks already queued still run on the next Drain.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Drain runs every task queued before the call, in submission order, and
// returns how many ran. Tasks submitted while draining wait for the next Drain.
// A failing task resolves its own future and never stops the loop.
func (e *Executor) Drain() int {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	tok := &Token{exec: e, live: true}
	defer func() { tok.live = false }()

	for i, r := range batch {
		if err := r.run(tok); err != nil {
			e.failed.Add(1)
			e.log.Errorf("gpu task %d of %d failed: %v", i+1, len(batch), err)
		}
		e.executed.Add(1)
	}
	return len(batch)
}

// Tick drains the queue and then runs frame with a token on the owning thread.
func (e *Executor) Tick(frame func(tok *Token) error) error {
	e.Drain()
	if frame == nil {
		return nil
	}
	tok := &Token{exec: e, live: true}
	defer func() { tok.live = false }()
	return frame(tok)
}

type ExecutorStats struct {
	Executed uint64
	Failed   uint64
	Pending  int
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Executed: e.executed.Load(),
		Failed:   e.failed.Load(),
		Pending:  e.Pending(),
	}
}

// Future is the one-shot result of a submitted task.
type Future[R any] struct {
	done  chan struct{}
	value R
	err   error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func (f *Future[R]) resolve(v R, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the task has run.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[R]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the task outcome. It must only be called once Done is closed.
func (f *Future[R]) Result() (R, error) {
	if !f.IsDone() {
		var zero R
		return zero, fmt.Errorf("gpu: future read before completion")
	}
	return f.value, f.err
}

// Wait blocks until the task has run or ctx ends. A deadline reports ErrTimeout.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

type job[R any] struct {
	fn     func(tok *Token) (R, error)
	future *Future[R]
}

func (j *job[R]) run(tok *Token) (err error) {
	var zero R
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTaskExecution, r)
			j.future.resolve(zero, err)
		}
	}()

	v, taskErr := j.fn(tok)
	if taskErr != nil {
		err = fmt.Errorf("%w: %w", ErrTaskExecution, taskErr)
		j.future.resolve(zero, err)
		return err
	}
	j.future.resolve(v, nil)
	return nil
}

// Submit queues fn for the owning thread and returns immediately.
func Submit[R any](e *Executor, fn func(tok *Token) (R, error)) *Future[R] {
	f := newFuture[R]()
	if !e.enqueue(&job[R]{fn: fn, future: f}) {
		var zero R
		f.resolve(zero, ErrExecutorClosed)
	}
	return f
}

// SubmitAndWait queues fn and blocks the caller until it has run, timeout
// elapses or ctx ends. A zero timeout waits on ctx alone.
//
// Calling it from the owning thread deadlocks: the task can only run once that
// same thread drains the queue.
func SubmitAndWait[R any](ctx context.Context, e *Executor, timeout time.Duration, fn func(tok *Token) (R, error)) (R, error) {
	f := Submit(e, fn)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.Wait(ctx)
}
