package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// fakeCharacteristic records CCCD and value writes. Every source is an
// event.Emitter so tests can assert that handlers were released.
type fakeCharacteristic struct {
	id           uuid.UUID
	valueChanged event.Emitter[Notification]

	mu         sync.Mutex
	cccd       CCCD
	cccdWrites []CCCD
	// writeCCCD, when set, replaces the default successful CCCD write.
	writeCCCD func(ctx context.Context, attempt int) error
	writes    [][]byte
	modes     []WriteMode
	writeErr  error
}

func newFakeCharacteristic(id uuid.UUID) *fakeCharacteristic {
	return &fakeCharacteristic{id: id}
}

func (c *fakeCharacteristic) UUID() uuid.UUID                          { return c.id }
func (c *fakeCharacteristic) ValueChanged() event.Source[Notification] { return &c.valueChanged }

func (c *fakeCharacteristic) ReadCCCD(context.Context) (CCCD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd, nil
}

func (c *fakeCharacteristic) WriteCCCD(ctx context.Context, v CCCD) error {
	c.mu.Lock()
	c.cccdWrites = append(c.cccdWrites, v)
	attempt := len(c.cccdWrites)
	hook := c.writeCCCD
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, attempt); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.cccd = v
	c.mu.Unlock()
	return nil
}

func (c *fakeCharacteristic) Write(_ context.Context, data []byte, mode WriteMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.modes = append(c.modes, mode)
	return nil
}

func (c *fakeCharacteristic) cccdAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cccdWrites)
}

// notify simulates a notification from the peripheral.
func (c *fakeCharacteristic) notify(value []byte) {
	c.valueChanged.Emit(Notification{Value: value, Timestamp: time.Now()})
}

// blockUntilDone is a CCCD hook that never completes on its own.
func blockUntilDone(ctx context.Context, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeService struct {
	id    uuid.UUID
	chars map[uuid.UUID][]Characteristic
}

func (s *fakeService) UUID() uuid.UUID { return s.id }

func (s *fakeService) Characteristics(_ context.Context, id uuid.UUID) ([]Characteristic, error) {
	return s.chars[id], nil
}

type fakeDevice struct {
	id              string
	statusChanged   event.Emitter[ConnectionStatus]
	servicesChanged event.Emitter[struct{}]
	service         *fakeService

	mu     sync.Mutex
	status ConnectionStatus
	// misses is how many lookups report the service as not yet available.
	misses int
	// announce fires ServicesChanged on every miss.
	announce     bool
	serviceCalls int
	closed       int
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) ConnectionStatus() ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDevice) ConnectionStatusChanged() event.Source[ConnectionStatus] {
	return &d.statusChanged
}

func (d *fakeDevice) ServicesChanged() event.Source[struct{}] { return &d.servicesChanged }

func (d *fakeDevice) Service(_ context.Context, id uuid.UUID) (Service, error) {
	d.mu.Lock()
	d.serviceCalls++
	if d.misses > 0 {
		d.misses--
		announce := d.announce
		d.mu.Unlock()
		if announce {
			d.servicesChanged.Emit(struct{}{})
		}
		return nil, nil
	}
	d.mu.Unlock()
	if d.service == nil || d.service.id != id {
		return nil, nil
	}
	return d.service, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDevice) setStatus(s ConnectionStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
	d.statusChanged.Emit(s)
}

type fakeDeviceWatcher struct {
	added event.Emitter[DeviceInfo]
	// register, when set, is reported as soon as the watch starts.
	register *DeviceInfo

	mu      sync.Mutex
	started bool
	stopped bool
}

func (w *fakeDeviceWatcher) Added() event.Source[DeviceInfo] { return &w.added }

func (w *fakeDeviceWatcher) Start() error {
	w.mu.Lock()
	w.started = true
	reg := w.register
	w.mu.Unlock()
	if reg != nil {
		w.added.Emit(*reg)
	}
	return nil
}

func (w *fakeDeviceWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	return nil
}

// fakeAdapter simulates the platform stack.
type fakeAdapter struct {
	adverts event.Emitter[Advertisement]

	mu         sync.Mutex
	scanning   bool
	startScans int
	stopScans  int
	// onStartScan runs after a scan starts, outside the lock.
	onStartScan func()

	info       DeviceInfo
	pairStatus PairingStatus
	pairErr    error
	pairCalls  int
	watch      *fakeDeviceWatcher
	device     *fakeDevice
	opened     []string
	unpaired   []string
	paired     []DeviceInfo
}

func (a *fakeAdapter) Advertisements() event.Source[Advertisement] { return &a.adverts }

func (a *fakeAdapter) StartScan(ScanMode) error {
	a.mu.Lock()
	a.scanning = true
	a.startScans++
	hook := a.onStartScan
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (a *fakeAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	a.stopScans++
	return nil
}

func (a *fakeAdapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func (a *fakeAdapter) DeviceInfo(_ context.Context, addr Address) (DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := a.info
	info.Address = addr
	return info, nil
}

func (a *fakeAdapter) Pair(context.Context, DeviceInfo) (PairingStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairCalls++
	return a.pairStatus, a.pairErr
}

func (a *fakeAdapter) Unpair(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpaired = append(a.unpaired, id)
	return nil
}

func (a *fakeAdapter) WatchDevices(Address) DeviceWatcher { return a.watch }

func (a *fakeAdapter) OpenDevice(_ context.Context, id string) (Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, id)
	return a.device, nil
}

func (a *fakeAdapter) PairedDevices(context.Context, uuid.UUID) ([]DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paired, nil
}

// advertise delivers one advertising report. Scan responses carry the
// solicitation section for service.
func (a *fakeAdapter) advertise(addr Address, scanResponse bool, service uuid.UUID, name string) {
	adv := Advertisement{
		Address:      addr,
		ScanResponse: scanResponse,
		RSSI:         -60,
		Timestamp:    time.Now(),
	}
	if scanResponse {
		adv.Sections = []protocol.Section{protocol.SolicitationSection(service)}
	} else if name != "" {
		adv.Sections = []protocol.Section{{Type: protocol.ADTypeCompleteLocalName, Data: []byte(name)}}
		adv.LocalName = name
	}
	adv.Payload, _ = protocol.EncodeSections(adv.Sections)
	a.adverts.Emit(adv)
}

// rig is a healthy, already paired IMBLE peripheral.
type rig struct {
	adapter *fakeAdapter
	device  *fakeDevice
	read    *fakeCharacteristic
	write   *fakeCharacteristic
}

func newRig() *rig {
	read := newFakeCharacteristic(ReadCharacteristicUUID)
	write := newFakeCharacteristic(WriteCharacteristicUUID)
	device := &fakeDevice{
		id:     "dev-1",
		status: Connected,
		service: &fakeService{
			id: ServiceUUID,
			chars: map[uuid.UUID][]Characteristic{
				ReadCharacteristicUUID:  {read},
				WriteCharacteristicUUID: {write},
			},
		},
	}
	adapter := &fakeAdapter{
		info:   DeviceInfo{ID: "dev-1", Name: "IMBLE0000", Paired: true},
		watch:  &fakeDeviceWatcher{},
		device: device,
	}
	return &rig{adapter: adapter, device: device, read: read, write: write}
}

// fastOptions keeps retry tests short.
func fastOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.Retry.PerAttemptTimeout = 20 * time.Millisecond
	return opts
}

func TestFakesImplementInterfaces(t *testing.T) {
	var _ Adapter = (*fakeAdapter)(nil)
	var _ Device = (*fakeDevice)(nil)
	var _ Service = (*fakeService)(nil)
	var _ Characteristic = (*fakeCharacteristic)(nil)
	var _ DeviceWatcher = (*fakeDeviceWatcher)(nil)
}
