package event

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is a registered handler whose removal runs exactly once.
type Subscription struct {
	once   sync.Once
	remove func()
}

// Subscribe registers handler on src. Closing the returned Subscription
// removes it; concurrent and repeated Close calls remove it only once.
func Subscribe[T any](src Source[T], handler func(T)) *Subscription {
	tok := src.AddHandler(handler)
	return &Subscription{remove: func() { src.RemoveHandler(tok) }}
}

// Close unregisters the handler. It always returns nil so a Subscription
// can be added to a Group.
func (s *Subscription) Close() error {
	s.once.Do(s.remove)
	return nil
}

// Pending captures the first event published on a Source after Listen.
type Pending[T any] struct {
	sub   *Subscription
	once  sync.Once
	value T
	done  chan struct{}
}

// Listen registers a transient handler on src immediately, so events that
// fire before Wait is called are not lost. The handler is unregistered as
// soon as the first event arrives, or when Close is called.
func Listen[T any](src Source[T]) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	var self atomic.Pointer[Subscription]
	p.sub = Subscribe(src, func(v T) {
		p.once.Do(func() {
			p.value = v
			close(p.done)
		})
		// Nil when the event fires from inside AddHandler; handled below.
		if s := self.Load(); s != nil {
			s.Close()
		}
	})
	self.Store(p.sub)

	select {
	case <-p.done:
		p.sub.Close()
	default:
	}
	return p
}

// Wait blocks until the first event arrives or ctx is done. The transient
// handler is unregistered on both paths.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	defer p.sub.Close()
	select {
	case <-p.done:
		return p.value, nil
	default:
	}
	select {
	case <-p.done:
		return p.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the first event has been captured.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Close unregisters the transient handler without waiting.
func (p *Pending[T]) Close() error { return p.sub.Close() }

// First waits for the next event on src, honoring ctx.
func First[T any](ctx context.Context, src Source[T]) (T, error) {
	return Listen(src).Wait(ctx)
}

// Group disposes a set of resources together, in reverse order of
// registration, exactly once.
type Group struct {
	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// Add registers c. If the group is already closed, c is closed at once.
func (g *Group) Add(c interface{ Close() error }) {
	g.AddFunc(c.Close)
}

// AddFunc registers fn to run when the group closes.
func (g *Group) AddFunc(fn func() error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = fn()
		return
	}
	g.closers = append(g.closers, fn)
	g.mu.Unlock()
}

// Close runs every registered closer in reverse order and returns the
// first error encountered.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
