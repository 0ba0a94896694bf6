// Package future provides one-shot shared futures and the when-any
// combinator the blocking paths are built on. A future never occupies a
// worker: waiters select on its done channel alongside their own deadline
// or cancellation.
package future

import (
	"context"
	"sync"
	"time"

	"pkt.systems/shardd/internal/clock"
)

// Completion is the settled-or-not view of a future, independent of its
// value type. WhenAny races heterogeneous futures through it.
type Completion interface {
	// Done is closed once the future settles.
	Done() <-chan struct{}
	// Err returns the settlement error. Only meaningful after Done closes.
	Err() error
}

// Future is the consumer end of a one-shot result. Futures are shared:
// any number of goroutines may wait on the same future.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Promise is the producer end. Resolve and Reject settle the future; the
// first settlement wins and later ones are ignored.
type Promise[T any] struct {
	once sync.Once
	f    *Future[T]
}

// NewPromise constructs an unsettled promise/future pair.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Future returns the consumer end.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Resolve settles the future with a value.
func (p *Promise[T]) Resolve(v T) {
	p.once.Do(func() {
		p.f.val = v
		close(p.f.done)
	})
}

// Reject settles the future with an error.
func (p *Promise[T]) Reject(err error) {
	p.once.Do(func() {
		p.f.err = err
		close(p.f.done)
	})
}

// Ready builds an already-resolved future.
func Ready[T any](v T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: v}
	close(f.done)
	return f
}

// Failed builds an already-rejected future.
func Failed[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsReady reports whether the future has settled.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the settlement error, or nil before settlement.
func (f *Future[T]) Err() error {
	if !f.IsReady() {
		return nil
	}
	return f.err
}

// Wait blocks until the future settles or ctx is canceled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WhenAny blocks until the first completion settles and returns its index
// and error. When ctx is canceled first it returns -1 and the context
// error. Losing completions are left to settle on their own; the caller
// cancels whatever feeds them.
func WhenAny(ctx context.Context, cs ...Completion) (int, error) {
	if len(cs) == 0 {
		return -1, nil
	}
	for i, c := range cs {
		select {
		case <-c.Done():
			return i, c.Err()
		default:
		}
	}
	first := make(chan int, len(cs))
	race := make(chan struct{})
	defer close(race)
	for i, c := range cs {
		go func(i int, c Completion) {
			select {
			case <-c.Done():
				select {
				case first <- i:
				default:
				}
			case <-race:
			case <-ctx.Done():
			}
		}(i, c)
	}
	select {
	case i := <-first:
		return i, cs[i].Err()
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Timer returns a future that resolves once clk has advanced by d, or
// rejects with the context error when ctx is canceled first. It is the
// sibling-sleep shape every deadline path shares: race it against the real
// wait with WhenAny, then cancel the loser's context.
func Timer(ctx context.Context, clk clock.Clock, d time.Duration) *Future[time.Time] {
	p := NewPromise[time.Time]()
	go func() {
		select {
		case t := <-clk.After(d):
			p.Resolve(t)
		case <-ctx.Done():
			p.Reject(ctx.Err())
		}
	}()
	return p.Future()
}
