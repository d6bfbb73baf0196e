// Package pool runs blocking work (subprocesses, polling loops) on a bounded set of
// workers fed by a bounded queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool: closed")
	// ErrCancelled is the result of a task cancelled before a worker picked it up.
	ErrCancelled = errors.New("pool: task cancelled before start")
)

// CapacityError reports a full submission queue. Callers may retry later; the pool never
// retries on its own.
type CapacityError struct {
	Workers    int
	QueueDepth int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("execution pool saturated (%d workers busy, %d queued)", e.Workers, e.QueueDepth)
}

func (e *CapacityError) ErrorKind() core.Kind { return core.KindCapacity }

// Task is a unit of blocking work. The context is the one given to Submit.
type Task func(ctx context.Context) (any, error)

const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Handle tracks one submitted task.
type Handle struct {
	ctx   context.Context
	task  Task
	state atomic.Int32
	done  chan struct{}
	val   any
	err   error
}

// Done is closed once the task finished or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task completes or ctx is done. Giving up on ctx does not cancel
// the task; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel skips the task if no worker has started it yet and reports whether it did.
// Running tasks are never interrupted.
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	h.err = ErrCancelled
	close(h.done)
	telemetry.IncPoolSubmission("cancelled")
	return true
}

type Stats struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
}

type Pool struct {
	workers int
	depth   int
	queue   chan *Handle
	running atomic.Int32

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines serving a queue of queueDepth pending tasks.
func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{
		workers: workers,
		depth:   queueDepth,
		queue:   make(chan *Handle, queueDepth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for h := range p.queue {
		if !h.state.CompareAndSwap(statePending, stateRunning) {
			continue
		}
		p.running.Add(1)
		h.val, h.err = runTask(h.ctx, h.task)
		p.running.Add(-1)
		h.state.Store(stateDone)
		close(h.done)
	}
}

func runTask(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("pool task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Submit enqueues task and returns immediately. A full queue yields *CapacityError.
// With a zero queue depth a submission only succeeds when a worker is idle and waiting.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	if task == nil {
		return nil, errors.New("pool: nil task")
	}
	h := &Handle{ctx: ctx, task: task, done: make(chan struct{})}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	select {
	case p.queue <- h:
		telemetry.IncPoolSubmission("accepted")
		return h, nil
	default:
		telemetry.IncPoolSubmission("rejected")
		return nil, &CapacityError{Workers: p.workers, QueueDepth: p.depth}
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: p.depth,
		Queued:     len(p.queue),
		Running:    int(p.running.Load()),
	}
}

// Close stops accepting work, lets queued and running tasks finish and waits for the
// workers until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the pool and waits for its result. fn runs detached from ctx
// cancellation; if ctx ends first the task is cancelled when it has not started yet.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	h, err := p.Submit(context.WithoutCancel(ctx), func(tctx context.Context) (any, error) {
		return fn(tctx)
	})
	if err != nil {
		return zero, err
	}
	v, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		h.Cancel()
		return zero, err
	}
	out, _ := v.(T)
	return out, err
}
