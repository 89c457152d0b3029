// Package tinygo implements the ble platform contracts on top of
// tinygo.org/x/bluetooth. Pairing is left to the operating system, so
// every device is reported as paired and Pair always succeeds.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// Adapter wraps a tinygo bluetooth adapter. On macOS device addresses are
// CoreBluetooth UUIDs rather than MACs; they are hashed into a ble.Address
// and the original address is kept for connecting.
type Adapter struct {
	adapter *bluetooth.Adapter
	target  uuid.UUID
	adverts event.Emitter[ble.Advertisement]

	// mu protects everything below.
	mu       sync.Mutex
	scanning bool
	scanDone chan struct{}
	known    map[ble.Address]knownDevice
	devices  map[string]*device // open devices keyed by id
}

type knownDevice struct {
	addr bluetooth.Address
	name string
}

// New creates an adapter over the default platform adapter. Call Enable
// before use.
func New() *Adapter {
	return &Adapter{
		adapter: bluetooth.DefaultAdapter,
		target:  ble.ServiceUUID,
		known:   make(map[ble.Address]knownDevice),
		devices: make(map[string]*device),
	}
}

// Enable powers the adapter and registers the connection handler that
// drives device link status.
func (a *Adapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("tinygo: enable adapter: %w", err)
	}
	a.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		a.mu.Lock()
		dev, ok := a.devices[d.Address.String()]
		a.mu.Unlock()
		if !ok {
			return
		}
		if connected {
			dev.setStatus(ble.Connected)
		} else {
			dev.setStatus(ble.Disconnected)
		}
	})
	return nil
}

func (a *Adapter) Advertisements() event.Source[ble.Advertisement] { return &a.adverts }

// StartScan starts a background scan. The platform always performs the
// scan actively, so mode is not consulted.
func (a *Adapter) StartScan(ble.ScanMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanning {
		return nil
	}
	a.scanning = true
	done := make(chan struct{})
	a.scanDone = done

	go func() {
		defer close(done)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			a.handleResult(result)
		})
		if err != nil {
			slog.Error("[BLE] scan ended", "error", err)
		}
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	done := a.scanDone
	a.mu.Unlock()

	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("tinygo: stop scan: %w", err)
	}
	<-done
	return nil
}

func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func (a *Adapter) handleResult(result bluetooth.ScanResult) {
	id := result.Address.String()
	addr := addressOf(id)
	name := result.LocalName()

	a.mu.Lock()
	a.known[addr] = knownDevice{addr: result.Address, name: name}
	a.mu.Unlock()

	raw := result.Bytes()
	sections, err := protocol.ParseSections(raw)
	if err != nil {
		slog.Debug("[BLE] malformed advertisement", "address", id, "error", err)
		sections = nil
	}
	if raw == nil && result.HasServiceUUID(toUUID(a.target)) {
		sections = append(sections, protocol.SolicitationSection(a.target))
	}

	for _, adv := range ble.SplitMerged(addr, raw, sections, name, result.RSSI, time.Now()) {
		a.adverts.Emit(adv)
	}
}

// addressOf maps a platform address string to a ble.Address. MAC
// addresses parse directly; anything else is hashed.
func addressOf(s string) ble.Address {
	if addr, err := ble.ParseAddress(s); err == nil {
		return addr
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return ble.Address(h.Sum64())
}

func (a *Adapter) DeviceInfo(_ context.Context, addr ble.Address) (ble.DeviceInfo, error) {
	a.mu.Lock()
	k, ok := a.known[addr]
	a.mu.Unlock()
	if !ok {
		return ble.DeviceInfo{}, fmt.Errorf("tinygo: device %s has not been seen", addr)
	}
	return ble.DeviceInfo{
		ID:      k.addr.String(),
		Address: addr,
		Name:    k.name,
		Paired:  true,
	}, nil
}

// Pair always reports success; the operating system pairs on demand.
func (a *Adapter) Pair(context.Context, ble.DeviceInfo) (ble.PairingStatus, error) {
	return ble.PairingPaired, nil
}

func (a *Adapter) Unpair(context.Context, string) error {
	return fmt.Errorf("tinygo: unpair: %w", errors.ErrUnsupported)
}

func (a *Adapter) PairedDevices(context.Context, uuid.UUID) ([]ble.DeviceInfo, error) {
	return nil, fmt.Errorf("tinygo: list paired devices: %w", errors.ErrUnsupported)
}

// WatchDevices reports the device as soon as the watch starts, since
// devices seen while scanning are already usable.
func (a *Adapter) WatchDevices(addr ble.Address) ble.DeviceWatcher {
	return &deviceWatch{adapter: a, addr: addr}
}

type deviceWatch struct {
	adapter *Adapter
	addr    ble.Address
	added   event.Emitter[ble.DeviceInfo]
}

func (w *deviceWatch) Added() event.Source[ble.DeviceInfo] { return &w.added }

func (w *deviceWatch) Start() error {
	info, err := w.adapter.DeviceInfo(context.Background(), w.addr)
	if err != nil {
		return err
	}
	w.added.Emit(info)
	return nil
}

func (w *deviceWatch) Stop() error { return nil }

// OpenDevice connects to the device with the given id.
func (a *Adapter) OpenDevice(ctx context.Context, id string) (ble.Device, error) {
	a.mu.Lock()
	k, ok := a.known[addressOf(id)]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tinygo: device %s has not been seen", id)
	}

	// Connect blocks with its own timeout and cannot be cancelled; ctx only
	// bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		d, err := a.adapter.Connect(k.addr, bluetooth.ConnectionParams{})
		ch <- connectResult{d, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tinygo: connect to %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("tinygo: connect to %s: %w", id, r.err)
		}
		d := &device{adapter: a, id: id, dev: r.device, status: ble.Connected}
		a.mu.Lock()
		a.devices[id] = d
		a.mu.Unlock()
		return d, nil
	}
}

func (a *Adapter) forget(id string) {
	a.mu.Lock()
	delete(a.devices, id)
	a.mu.Unlock()
}

// Compile-time check that Adapter implements ble.Adapter.
var _ ble.Adapter = (*Adapter)(nil)
