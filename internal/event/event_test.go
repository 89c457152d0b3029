package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	var e Emitter[int]
	var got []string
	e.AddHandler(func(v int) { got = append(got, "a") })
	e.AddHandler(func(v int) { got = append(got, "b") })

	e.Emit(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("handlers ran as %v, want [a b]", got)
	}
}

func TestEmitterRemoveHandler(t *testing.T) {
	var e Emitter[int]
	calls := 0
	tok := e.AddHandler(func(int) { calls++ })
	e.RemoveHandler(tok)
	e.RemoveHandler(tok) // unknown token is a no-op

	e.Emit(1)

	if calls != 0 {
		t.Errorf("removed handler called %d times", calls)
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}
}

func TestSubscribeCloseIsExactlyOnce(t *testing.T) {
	var e Emitter[int]
	removes := 0
	src := Funcs[int]{
		Add: e.AddHandler,
		Remove: func(tok Token) {
			removes++
			e.RemoveHandler(tok)
		},
	}
	sub := Subscribe[int](src, func(int) {})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	if removes != 1 {
		t.Errorf("remove ran %d times, want 1", removes)
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", e.Len())
	}
}

func TestFirstResolvesWithFirstEvent(t *testing.T) {
	var e Emitter[string]
	go func() {
		for e.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		e.Emit("first")
		e.Emit("second")
	}()

	got, err := First[string](context.Background(), &e)
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if got != "first" {
		t.Errorf("First() = %q, want %q", got, "first")
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d after resolution, want 0", e.Len())
	}
}

func TestFirstCancelledUnregisters(t *testing.T) {
	var e Emitter[int]
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for e.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := First[int](ctx, &e)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("First() error = %v, want context.Canceled", err)
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d after cancellation, want 0", e.Len())
	}
}

func TestListenCapturesEventBeforeWait(t *testing.T) {
	var e Emitter[int]
	p := Listen[int](&e)
	select {
	case <-p.Done():
		t.Fatal("Done() closed before any event")
	default:
	}
	e.Emit(42)

	if e.Len() != 0 {
		t.Errorf("Len() = %d after first event, want 0", e.Len())
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done() not closed after first event")
	}
	got, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Wait() = %d, want 42", got)
	}
}

func TestListenSynchronousSource(t *testing.T) {
	// A source that fires from inside AddHandler.
	var e Emitter[int]
	src := Funcs[int]{
		Add: func(h func(int)) Token {
			tok := e.AddHandler(h)
			h(7)
			return tok
		},
		Remove: e.RemoveHandler,
	}

	p := Listen[int](src)
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}
	got, err := p.Wait(context.Background())
	if err != nil || got != 7 {
		t.Errorf("Wait() = %d, %v; want 7, nil", got, err)
	}
}

func TestPendingClose(t *testing.T) {
	var e Emitter[int]
	p := Listen[int](&e)
	p.Close()
	if e.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", e.Len())
	}
}

func TestGroupClosesInReverseOnce(t *testing.T) {
	var g Group
	var order []int
	g.AddFunc(func() error { order = append(order, 1); return nil })
	g.AddFunc(func() error { order = append(order, 2); return errors.New("boom") })
	g.AddFunc(func() error { order = append(order, 3); return nil })

	if err := g.Close(); err == nil || err.Error() != "boom" {
		t.Errorf("Close() error = %v, want boom", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("close order = %v, want [3 2 1]", order)
	}

	late := false
	g.AddFunc(func() error { late = true; return nil })
	if !late {
		t.Error("AddFunc after Close should run immediately")
	}
}
