// Package dispatch moves blocking engine work off the calling goroutine.
//
// A Dispatcher owns a bounded pool of worker slots. Read work takes a slot
// directly, so reads run concurrently up to the pool size. Write work first
// passes a FIFO write queue of depth one and only then takes a slot: at
// most one write is in flight, and a logical write never occupies more
// than one slot. Writers waiting for their turn hold no slot, so readers
// keep making progress while writes queue up.
//
// A caller that gives up while its work is still queued is removed from
// the queue and the work never runs. A caller that gives up after dispatch
// gets its context error back; the work itself runs to completion on the
// worker so the engine transaction always reaches commit or abort.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aalhour/txkv/internal/logging"
)

var (
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrPanic wraps a panic recovered from submitted work.
	ErrPanic = errors.New("dispatch: work panicked")
)

// Kind distinguishes read work from write work.
type Kind uint8

const (
	// Read work runs concurrently with other reads and with the writer.
	Read Kind = iota
	// Write work is serialized through the write queue.
	Write
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Options configures a Dispatcher.
type Options struct {
	// MaxWorkers bounds the number of concurrently running work items.
	// Zero or negative selects runtime.NumCPU().
	MaxWorkers int

	// Logger receives dispatcher diagnostics. Nil selects a WARN logger.
	Logger logging.Logger

	// OnDispatch, if set, is called on the worker when work leaves the
	// queue, with the time it spent waiting.
	OnDispatch func(kind Kind, wait time.Duration)
}

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	MaxWorkers   int
	ActiveReads  int64
	ActiveWrites int64
	// PeakWriters is the highest ActiveWrites ever observed.
	PeakWriters int64
	// Queued counts work waiting for the write queue or a worker slot.
	Queued int64
	// Cancelled counts work removed from the queue before it ran.
	Cancelled int64
	// Abandoned counts callers that stopped waiting after dispatch.
	Abandoned int64
	Completed int64
}

// Dispatcher schedules blocking work on a bounded set of workers.
type Dispatcher struct {
	pool       *semaphore.Weighted
	writeQueue *semaphore.Weighted
	maxWorkers int
	logger     logging.Logger
	onDispatch func(Kind, time.Duration)

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	activeReads  atomic.Int64
	activeWrites atomic.Int64
	peakWriters  atomic.Int64
	queued       atomic.Int64
	cancelled    atomic.Int64
	abandoned    atomic.Int64
	completed    atomic.Int64
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	n := opts.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Dispatcher{
		pool:       semaphore.NewWeighted(int64(n)),
		writeQueue: semaphore.NewWeighted(1),
		maxWorkers: n,
		logger:     logging.OrDefault(opts.Logger),
		onDispatch: opts.OnDispatch,
	}
}

// MaxWorkers returns the pool size.
func (d *Dispatcher) MaxWorkers() int {
	return d.maxWorkers
}

// Submit schedules fn and returns immediately. ctx governs admission only:
// cancelling it while the work is queued removes the work from the queue.
// Once fn has started it is not interrupted.
func (d *Dispatcher) Submit(ctx context.Context, kind Kind, fn func() (any, error)) *Future {
	f := &Future{d: d, done: make(chan struct{})}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		f.cancel = func() {}
		f.finish(nil, ErrClosed)
		return f
	}
	d.inflight.Add(1)
	d.mu.RUnlock()

	admitCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	d.queued.Add(1)
	go d.run(admitCtx, kind, fn, f)
	return f
}

func (d *Dispatcher) run(ctx context.Context, kind Kind, fn func() (any, error), f *Future) {
	defer d.inflight.Done()
	defer f.cancel()

	enqueued := time.Now()
	if kind == Write {
		if err := d.writeQueue.Acquire(ctx, 1); err != nil {
			d.dequeueCancelled(kind, f, err)
			return
		}
		defer d.writeQueue.Release(1)
	}
	if err := d.pool.Acquire(ctx, 1); err != nil {
		d.dequeueCancelled(kind, f, err)
		return
	}
	defer d.pool.Release(1)

	// A caller that gave up while the slot was being granted wins: the
	// work is withdrawn exactly as if it had never left the queue.
	if !f.state.CompareAndSwap(stateQueued, stateDispatched) {
		d.dequeueCancelled(kind, f, context.Cause(ctx))
		return
	}
	d.queued.Add(-1)
	if d.onDispatch != nil {
		d.onDispatch(kind, time.Since(enqueued))
	}

	if kind == Write {
		n := d.activeWrites.Add(1)
		for {
			peak := d.peakWriters.Load()
			if n <= peak || d.peakWriters.CompareAndSwap(peak, n) {
				break
			}
		}
		defer d.activeWrites.Add(-1)
	} else {
		d.activeReads.Add(1)
		defer d.activeReads.Add(-1)
	}

	v, err := d.exec(kind, fn)
	d.completed.Add(1)
	f.finish(v, err)
}

func (d *Dispatcher) dequeueCancelled(kind Kind, f *Future, err error) {
	f.state.Store(stateWithdrawn)
	d.queued.Add(-1)
	d.cancelled.Add(1)
	d.logger.Debugf("%s%s work cancelled while queued: %v", logging.NSDispatch, kind, err)
	f.finish(nil, err)
}

func (d *Dispatcher) exec(kind Kind, fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("%s%s work panicked: %v", logging.NSDispatch, kind, r)
			v, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// Close stops admitting work and waits for queued and running work to
// finish. Further Submit calls fail with ErrClosed. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	if !already {
		d.logger.Debugf("%sclosed, %d work items completed", logging.NSDispatch, d.completed.Load())
	}
	return nil
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		MaxWorkers:   d.maxWorkers,
		ActiveReads:  d.activeReads.Load(),
		ActiveWrites: d.activeWrites.Load(),
		PeakWriters:  d.peakWriters.Load(),
		Queued:       d.queued.Load(),
		Cancelled:    d.cancelled.Load(),
		Abandoned:    d.abandoned.Load(),
		Completed:    d.completed.Load(),
	}
}

// Future states. A Future leaves stateQueued exactly once.
const (
	stateQueued int32 = iota
	stateDispatched
	stateWithdrawn
)

// Future is the pending result of submitted work.
type Future struct {
	d         *Dispatcher
	done      chan struct{}
	cancel    context.CancelFunc
	state     atomic.Int32
	abandoned atomic.Bool

	val any
	err error
}

func (f *Future) finish(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed when the work has finished or left the queue.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the work finishes or ctx is done. If ctx ends first
// while the work is still queued, the work is withdrawn.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.val, f.err
		default:
		}
		f.cancel()
		if f.state.CompareAndSwap(stateQueued, stateWithdrawn) {
			return nil, ctx.Err()
		}
		if f.state.Load() == stateDispatched && f.abandoned.CompareAndSwap(false, true) {
			f.d.abandoned.Add(1)
			f.d.logger.Debugf("%scaller left after dispatch, work continues: %v", logging.NSDispatch, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, d *Dispatcher, kind Kind, fn func() (T, error)) (T, error) {
	f := d.Submit(ctx, kind, func() (any, error) {
		return fn()
	})
	v, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
