// Package dispatch provides the execution context instances marshal
// their state mutations onto: a serial dispatcher backed by a single
// loop goroutine. Invoke runs a callback inline when the caller is
// already on the loop, otherwise it posts the callback and waits,
// guaranteeing that one logical thread ever mutates the state of the
// instances bound to the dispatcher even when change notifications
// arrive on arbitrary goroutines.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Options configures a dispatcher.
type Options struct {
	Logger logr.Logger
	// Buffer sizes the job queue; zero selects DefaultBuffer.
	Buffer int
}

// DefaultBuffer is the job queue length used when Options.Buffer is zero.
const DefaultBuffer = 64

// Dispatcher serializes callbacks onto one loop goroutine.
type Dispatcher struct {
	id      uuid.UUID
	jobs    chan job
	loopGID atomic.Int64
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	log     logr.Logger
}

type job struct {
	fn   func()
	done chan struct{}
}

// New creates a dispatcher and starts its loop goroutine.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	d := &Dispatcher{
		id:   uuid.New(),
		jobs: make(chan job, buffer),
		done: make(chan struct{}),
	}
	d.log = logger.WithName("dispatch").WithValues("context-id", d.id.String())

	started := make(chan struct{})
	go d.run(started)
	<-started

	return d
}

// ID returns the stable identifier of this execution context.
func (d *Dispatcher) ID() uuid.UUID { return d.id }

// OnContext reports whether the calling goroutine is the dispatcher's
// loop goroutine.
func (d *Dispatcher) OnContext() bool {
	return goid() == d.loopGID.Load()
}

// Invoke runs fn on the dispatcher's context and returns once it has
// completed: inline when the caller is already on the loop goroutine,
// posted and waited for otherwise. After Close, fn runs inline on the
// calling goroutine; by then the owner is tearing down and no loop
// exists to race with.
func (d *Dispatcher) Invoke(fn func()) {
	if d.OnContext() {
		fn()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.V(4).Info("invoke on closed dispatcher, running inline")
		fn()
		return
	}
	j := job{fn: fn, done: make(chan struct{})}
	d.jobs <- j
	d.mu.Unlock()

	<-j.done
}

// Post schedules fn on the dispatcher's context without waiting for it.
// Posting to a closed dispatcher drops the callback.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.V(1).Info("post on closed dispatcher, dropping callback")
		return
	}
	d.jobs <- job{fn: fn}
}

// Close stops the loop goroutine after draining already-queued jobs.
// Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	<-d.done
	d.log.V(1).Info("closed")
}

func (d *Dispatcher) run(started chan<- struct{}) {
	d.loopGID.Store(goid())
	close(started)

	for j := range d.jobs {
		j.fn()
		if j.done != nil {
			close(j.done)
		}
	}

	d.loopGID.Store(0)
	close(d.done)
}
