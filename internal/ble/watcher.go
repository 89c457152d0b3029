package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// FeedKind distinguishes discovery feed events.
type FeedKind int

const (
	// FeedAdded carries a newly discovered peripheral.
	FeedAdded FeedKind = iota
	// FeedReset signals that every previously reported peripheral is gone.
	FeedReset
)

// FeedEvent is published on the watcher's discovery feed.
type FeedEvent struct {
	Kind       FeedKind
	Peripheral *Peripheral // nil for FeedReset
}

// Watcher discovers IMBLE peripherals. IMBLE modules announce their
// service as a Service Solicitation section in the scan response, while
// the name arrives in the primary advertisement, so the two are
// correlated by address: a scan response marks its address as a
// candidate, and the first primary advertisement from a candidate
// produces a Peripheral. Later advertisements from the same address are
// ignored until Refresh.
type Watcher struct {
	adapter Adapter
	service uuid.UUID

	candidates sync.Map // Address -> Address

	mu          sync.Mutex
	seen        map[Address]struct{}
	peripherals []*Peripheral
	sub         *event.Subscription
	closed      bool

	feed event.Emitter[FeedEvent]
}

// NewWatcher creates a watcher over adapter. Scanning begins on Start.
func NewWatcher(adapter Adapter) *Watcher {
	if adapter == nil {
		panic("ble: NewWatcher called with nil adapter")
	}
	return &Watcher{
		adapter: adapter,
		service: ServiceUUID,
		seen:    make(map[Address]struct{}),
	}
}

// Feed returns the discovery feed.
func (w *Watcher) Feed() event.Source[FeedEvent] { return &w.feed }

// Peripherals returns the peripherals found in the current scan cycle,
// in discovery order.
func (w *Watcher) Peripherals() []*Peripheral {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Peripheral, len(w.peripherals))
	copy(out, w.peripherals)
	return out
}

// Start subscribes to advertisements and begins active scanning.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("ble: watcher is closed")
	}
	if w.sub == nil {
		w.sub = event.Subscribe(w.adapter.Advertisements(), w.handle)
	}
	w.mu.Unlock()

	if err := w.adapter.StartScan(ScanActive); err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	slog.Info("[WATCH] scanning started")
	return nil
}

// Refresh stops the scan, forgets every candidate and peripheral,
// publishes FeedReset and restarts the scan. It is the only way stale
// peripherals are purged.
func (w *Watcher) Refresh() error {
	if w.adapter.Scanning() {
		if err := w.adapter.StopScan(); err != nil {
			return fmt.Errorf("ble: stop scan: %w", err)
		}
	}

	w.mu.Lock()
	w.candidates.Clear()
	w.seen = make(map[Address]struct{})
	w.peripherals = nil
	w.mu.Unlock()
	w.feed.Emit(FeedEvent{Kind: FeedReset})

	slog.Debug("[WATCH] refreshed")
	return w.Start()
}

// Close stops scanning and detaches from the adapter.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if w.adapter.Scanning() {
		return w.adapter.StopScan()
	}
	return nil
}

func (w *Watcher) handle(adv Advertisement) {
	// Candidates are read and written under mu so a concurrent Refresh cannot
	// carry one over from the previous cycle.
	if adv.ScanResponse {
		if !protocol.SolicitsService(adv.Sections, w.service) {
			return
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		_, loaded := w.candidates.LoadOrStore(adv.Address, adv.Address)
		w.mu.Unlock()
		if !loaded {
			slog.Debug("[WATCH] candidate", "address", adv.Address)
		}
		return
	}

	w.mu.Lock()
	if _, ok := w.candidates.Load(adv.Address); !ok || w.closed {
		w.mu.Unlock()
		return
	}
	if _, dup := w.seen[adv.Address]; dup {
		w.mu.Unlock()
		return
	}
	p := &Peripheral{
		Address:       adv.Address,
		Advertisement: adv,
		RSSI:          adv.RSSI,
		adapter:       w.adapter,
	}
	w.seen[adv.Address] = struct{}{}
	w.peripherals = append(w.peripherals, p)
	w.mu.Unlock()

	slog.Info("[WATCH] peripheral found", "address", p.Address, "name", p.Name(), "rssi", p.RSSI)
	w.feed.Emit(FeedEvent{Kind: FeedAdded, Peripheral: p})
}
