// Package reactor runs completion handlers on a single goroutine.
//
// Blocking socket calls are started with Go on short-lived goroutines; their
// completion handlers are posted back and executed one at a time by Run. All
// state touched only from handlers therefore needs no locking.
package reactor

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBacklog is the initial capacity of the pending handler list.
const DefaultBacklog = 256

// ErrAborted is delivered to a completion handler whose operation finished
// after the reactor was stopped. Such handlers run on the operation's own
// goroutine, so they must only touch goroutine-safe state.
var ErrAborted = errors.New("reactor: operation aborted")

// Reactor is a serial executor for completion handlers.
type Reactor struct {
	mu      sync.Mutex
	jobs    []func() // pending handlers, guarded by mu.
	stopped bool     // guarded by mu.
	spare   []func() // drained batch kept for reuse, Run-owned.

	wake     chan struct{} // buffered; nudges Run after a Post.
	quit     chan struct{} // closed by Stop.
	done     chan struct{} // closed when Run returns.
	stopOnce sync.Once
	runOnce  sync.Once
	ops      errgroup.Group // in-flight blocking operations.
}

// New creates a reactor. backlog only sizes the initial pending list; Post
// never blocks. A non-positive backlog selects DefaultBacklog.
func New(backlog int) *Reactor {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	return &Reactor{
		jobs:  make([]func(), 0, backlog),
		spare: make([]func(), 0, backlog),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes posted handlers in order until Stop is called. Handlers still
// pending at that point are dropped. Run may only be called once.
func (r *Reactor) Run() {
	ran := false
	r.runOnce.Do(func() {
		ran = true
		defer close(r.done)

		for {
			r.mu.Lock()
			batch := r.jobs
			r.jobs = r.spare[:0]
			r.mu.Unlock()

			for i, fn := range batch {
				select {
				case <-r.quit:
					return
				default:
				}
				fn()
				batch[i] = nil
			}
			r.spare = batch

			if len(batch) > 0 {
				continue
			}

			select {
			case <-r.quit:
				return
			case <-r.wake:
			}
		}
	})

	if !ran {
		<-r.done
	}
}

// Post queues fn for execution on the reactor goroutine. It never blocks, so
// handlers may post too. It reports false once the reactor has been stopped.
func (r *Reactor) Post(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.jobs = append(r.jobs, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	return true
}

// Dispatch posts fn and waits until it ran or the reactor stopped.
// It must not be called from the reactor goroutine.
func (r *Reactor) Dispatch(fn func()) bool {
	ran := make(chan struct{})
	if !r.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-r.done:
		return false
	}
}

// Go runs op on its own goroutine and posts complete with its result. If the
// reactor is stopped by then, complete runs on the op goroutine with
// ErrAborted.
func (r *Reactor) Go(op func() error, complete func(error)) {
	r.ops.Go(func() error {
		err := op()
		if !r.Post(func() { complete(err) }) {
			complete(ErrAborted)
		}

		return nil
	})
}

// Stop makes Run return and refuses further posts. It is safe to call more
// than once.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.quit) })
}

// Done is closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every operation started with Go has finished.
// Call it only after Run has returned.
func (r *Reactor) Wait() error {
	return r.ops.Wait()
}
