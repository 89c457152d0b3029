// Package event bridges callback-style platform events into Go: handler
// registries, scoped subscriptions that are released exactly once, and
// awaitable first-event results that honor context cancellation.
package event

import "sync"

// Token identifies a registered handler so it can be removed later.
// Func values are not comparable in Go, so registries hand out tokens.
type Token uint64

// Source is an ongoing stream of events of type T.
type Source[T any] interface {
	// AddHandler registers h and returns the token needed to remove it.
	AddHandler(h func(T)) Token
	// RemoveHandler unregisters the handler identified by tok.
	// Removing an unknown token is a no-op.
	RemoveHandler(tok Token)
}

// Emitter is a concurrency-safe Source that callers can publish into.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu       sync.Mutex
	next     Token
	handlers map[Token]func(T)
	order    []Token
}

// AddHandler implements Source.
func (e *Emitter[T]) AddHandler(h func(T)) Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Token]func(T))
	}
	e.next++
	tok := e.next
	e.handlers[tok] = h
	e.order = append(e.order, tok)
	return tok
}

// RemoveHandler implements Source.
func (e *Emitter[T]) RemoveHandler(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[tok]; !ok {
		return
	}
	delete(e.handlers, tok)
	for i, t := range e.order {
		if t == tok {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit delivers v to every handler registered at the time of the call,
// in registration order. Handlers run on the calling goroutine, outside
// the emitter's lock, so they may add or remove handlers themselves.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	hs := make([]func(T), 0, len(e.order))
	for _, tok := range e.order {
		hs = append(hs, e.handlers[tok])
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(v)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Funcs adapts an add/remove function pair into a Source.
type Funcs[T any] struct {
	Add    func(h func(T)) Token
	Remove func(tok Token)
}

// AddHandler implements Source.
func (f Funcs[T]) AddHandler(h func(T)) Token { return f.Add(h) }

// RemoveHandler implements Source.
func (f Funcs[T]) RemoveHandler(tok Token) { f.Remove(tok) }

// Dispatcher runs fn on whatever execution context the consumer wants
// change notifications delivered on.
type Dispatcher func(fn func())

// Inline is the default Dispatcher: fn runs on the goroutine that
// detected the change.
func Inline(fn func()) { fn() }
