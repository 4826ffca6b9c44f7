// Package actor provides the single-threaded mailbox that rooms and the occupancy registry run on. Every function
// posted to a Mailbox runs on the mailbox's own goroutine, one at a time, to completion, so the state it touches
// needs no locks.
package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when posting to a mailbox whose loop has exited.
var ErrStopped = errors.New("actor: mailbox stopped")

// Mailbox is a queue of functions drained by a single goroutine.
type Mailbox struct {
	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

// NewMailbox returns a mailbox with the given queue depth. It does nothing until Run is called.
func NewMailbox(depth int) *Mailbox {
	return &Mailbox{
		inbox: make(chan func(), depth),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled or Stop is called. The optional tick channel lets the owner
// interleave periodic work with messages without a second goroutine; onTick runs on the mailbox goroutine.
func (m *Mailbox) Run(ctx context.Context, tick <-chan struct{}, onTick func()) {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-tick:
			if onTick != nil {
				onTick()
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop asks the loop to exit after the function it is running, and waits for it to do so.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Done is closed once the loop has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Post enqueues fn without waiting for it to run.
func (m *Mailbox) Post(ctx context.Context, fn func()) error {
	select {
	case m.inbox <- fn:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

// Call enqueues fn and waits until it has run. A nil error means fn ran to completion; any error means it never ran.
// When ctx ends before fn starts, fn is dropped. When fn has already started, Call waits for it regardless of ctx.
func (m *Mailbox) Call(ctx context.Context, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	if err := m.Post(ctx, func() {
		if !state.CompareAndSwap(callPending, callRunning) {
			return
		}
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ctx.Err()
		}
		<-finished
		return nil
	}
}

// Ask runs fn on the mailbox goroutine and returns its result.
func Ask[T any](ctx context.Context, m *Mailbox, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	if callErr := m.Call(ctx, func() { result, err = fn() }); callErr != nil {
		var zero T
		return zero, callErr
	}
	return result, err
}
