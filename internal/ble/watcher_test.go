package ble

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble/protocol"
)

type feedRecorder struct {
	events []FeedEvent
}

func (f *feedRecorder) record(ev FeedEvent) { f.events = append(f.events, ev) }

func (f *feedRecorder) added() []Address {
	var out []Address
	for _, ev := range f.events {
		if ev.Kind == FeedAdded {
			out = append(out, ev.Peripheral.Address)
		}
	}
	return out
}

func startWatcher(t *testing.T, a *fakeAdapter) (*Watcher, *feedRecorder) {
	t.Helper()
	w := NewWatcher(a)
	rec := &feedRecorder{}
	w.Feed().AddHandler(rec.record)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, rec
}

func TestWatcherCorrelatesScanResponse(t *testing.T) {
	a := &fakeAdapter{}
	w, rec := startWatcher(t, a)

	a.advertise(1, true, ServiceUUID, "")
	a.advertise(1, false, uuid.Nil, "IMBLE0001")

	got := w.Peripherals()
	if len(got) != 1 {
		t.Fatalf("Peripherals() = %d, want 1", len(got))
	}
	if got[0].Address != 1 || got[0].Name() != "IMBLE0001" || got[0].RSSI != -60 {
		t.Errorf("peripheral = %+v", got[0])
	}
	if got[0].Advertisement.ScanResponse {
		t.Error("peripheral built from the scan response, want the primary advertisement")
	}
	if addrs := rec.added(); len(addrs) != 1 || addrs[0] != 1 {
		t.Errorf("feed added = %v, want [1]", addrs)
	}
}

func TestWatcherDeduplicatesAddresses(t *testing.T) {
	a := &fakeAdapter{}
	w, rec := startWatcher(t, a)

	a.advertise(1, true, ServiceUUID, "")
	a.advertise(1, false, uuid.Nil, "first")
	a.advertise(1, true, ServiceUUID, "")
	a.advertise(1, false, uuid.Nil, "second")

	got := w.Peripherals()
	if len(got) != 1 {
		t.Fatalf("Peripherals() = %d, want 1", len(got))
	}
	if got[0].Name() != "first" {
		t.Errorf("Name() = %q, want first-seen advertisement", got[0].Name())
	}
	if len(rec.added()) != 1 {
		t.Errorf("feed added %d times, want 1", len(rec.added()))
	}
}

func TestWatcherIgnoresNonCandidates(t *testing.T) {
	a := &fakeAdapter{}
	w, _ := startWatcher(t, a)

	other := uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	a.advertise(1, false, uuid.Nil, "no scan response")
	a.advertise(2, true, other, "")
	a.advertise(2, false, uuid.Nil, "other service")

	if got := w.Peripherals(); len(got) != 0 {
		t.Errorf("Peripherals() = %d, want 0", len(got))
	}
}

func TestWatcherOrder(t *testing.T) {
	a := &fakeAdapter{}
	w, _ := startWatcher(t, a)

	for _, addr := range []Address{3, 1, 2} {
		a.advertise(addr, true, ServiceUUID, "")
	}
	for _, addr := range []Address{2, 3, 1} {
		a.advertise(addr, false, uuid.Nil, "")
	}

	got := w.Peripherals()
	want := []Address{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("Peripherals() = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Address != want[i] {
			t.Errorf("Peripherals()[%d] = %v, want %v", i, got[i].Address, want[i])
		}
	}
}

func TestWatcherRefreshClearsState(t *testing.T) {
	a := &fakeAdapter{}
	w, rec := startWatcher(t, a)

	a.advertise(1, true, ServiceUUID, "")
	a.advertise(1, false, uuid.Nil, "")

	if err := w.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := w.Peripherals(); len(got) != 0 {
		t.Fatalf("Peripherals() after Refresh = %d, want 0", len(got))
	}
	if a.stopScans != 1 || a.startScans != 2 {
		t.Errorf("stopScans=%d startScans=%d, want 1 and 2", a.stopScans, a.startScans)
	}
	if last := rec.events[len(rec.events)-1]; last.Kind != FeedReset {
		t.Errorf("last feed event = %v, want reset", last.Kind)
	}

	// The candidate set was cleared too.
	a.advertise(1, false, uuid.Nil, "")
	if got := w.Peripherals(); len(got) != 0 {
		t.Fatalf("stale candidate produced a peripheral")
	}

	a.advertise(1, true, ServiceUUID, "")
	a.advertise(1, false, uuid.Nil, "")
	if got := w.Peripherals(); len(got) != 1 {
		t.Errorf("Peripherals() = %d after rediscovery, want 1", len(got))
	}
	if n := a.adverts.Len(); n != 1 {
		t.Errorf("advertisement handlers = %d, want 1", n)
	}
}

func scanResponse(addr Address) Advertisement {
	return Advertisement{
		Address:      addr,
		ScanResponse: true,
		Sections:     []protocol.Section{protocol.SolicitationSection(ServiceUUID)},
	}
}

func TestWatcherIgnoresScanResponseAfterClose(t *testing.T) {
	a := &fakeAdapter{}
	w := NewWatcher(a)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Close()

	w.handle(scanResponse(1))
	if _, ok := w.candidates.Load(Address(1)); ok {
		t.Error("scan response recorded a candidate after Close")
	}
}

func TestWatcherRefreshWhileAdvertising(t *testing.T) {
	a := &fakeAdapter{}
	w, _ := startWatcher(t, a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			w.handle(scanResponse(Address(i % 4)))
		}
	}()
	for i := 0; i < 20; i++ {
		if err := w.Refresh(); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	<-done

	if err := w.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	n := 0
	w.candidates.Range(func(_, _ any) bool { n++; return true })
	if n != 0 {
		t.Errorf("candidates after Refresh = %d, want 0", n)
	}
}

func TestWatcherCloseDetaches(t *testing.T) {
	a := &fakeAdapter{}
	w := NewWatcher(a)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if a.adverts.Len() != 0 {
		t.Errorf("advertisement handlers = %d after Close, want 0", a.adverts.Len())
	}
	if a.Scanning() {
		t.Error("still scanning after Close")
	}
	if err := w.Start(); err == nil {
		t.Error("Start() after Close succeeded")
	}
}

func TestPeripheralConnect(t *testing.T) {
	r := newRig()
	w, _ := startWatcher(t, r.adapter)

	r.adapter.advertise(testAddr, true, ServiceUUID, "")
	r.adapter.advertise(testAddr, false, uuid.Nil, "IMBLE")

	ps := w.Peripherals()
	if len(ps) != 1 {
		t.Fatalf("Peripherals() = %d, want 1", len(ps))
	}
	s, err := ps[0].Connect(context.Background(), fastOptions())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()
	if s.Address() != testAddr {
		t.Errorf("Address() = %v", s.Address())
	}
}

func TestDiscover(t *testing.T) {
	a := &fakeAdapter{}
	a.onStartScan = func() {
		a.advertise(5, true, ServiceUUID, "")
		a.advertise(5, false, uuid.Nil, "IMBLE0005")
	}

	got, err := Discover(context.Background(), a, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 1 || got[0].Name() != "IMBLE0005" {
		t.Errorf("Discover() = %v", got)
	}
	if a.Scanning() {
		t.Error("Discover left the scan running")
	}
}

func TestDiscoverCancelled(t *testing.T) {
	a := &fakeAdapter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Discover(ctx, a, time.Second); err != context.Canceled {
		t.Errorf("Discover() error = %v, want context.Canceled", err)
	}
}

func TestPairedDevicesDeduplicates(t *testing.T) {
	a := &fakeAdapter{paired: []DeviceInfo{
		{ID: "a", Address: 1, Paired: true},
		{ID: "b", Address: 2, Paired: true},
		{ID: "a", Address: 1, Paired: true},
	}}
	got, err := PairedDevices(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("PairedDevices() = %+v", got)
	}
}
