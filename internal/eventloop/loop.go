// Package eventloop runs every state mutation of a peer on one goroutine.
//
// Components never lock their own state. Anything that blocks (dialing,
// answering a call, opening capture devices, waiting on the blob store) runs
// on its own goroutine and posts its result back with Post.
package eventloop

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("eventloop")

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("eventloop: stopped")

const queueSize = 1024

// Loop is a FIFO task queue drained by Run.
type Loop struct {
	tasks chan func()

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It returns false when the loop has stopped. Post blocks
// only while the queue is full.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may still have run before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task panicked: %v", r)
		}
	}()
	fn()
}

func (l *Loop) stop() {
	// close done first so a Post blocked on a full queue returns
	// before we take the write lock
	close(l.done)
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}
