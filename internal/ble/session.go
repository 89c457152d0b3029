package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// Status is the externally visible state of a Session.
type Status int

const (
	Initializing Status = iota
	Running
)

func (s Status) String() string {
	if s == Running {
		return "running"
	}
	return "initializing"
}

// Message is a payload received from the peripheral.
type Message struct {
	Payload   []byte
	Timestamp time.Time
}

// SessionOptions configures session establishment.
type SessionOptions struct {
	Retry    RetryPolicy      // notification enablement retry
	Dispatch event.Dispatcher // where status changes are published
}

// DefaultSessionOptions returns the standard options.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Retry:    DefaultRetryPolicy(),
		Dispatch: event.Inline,
	}
}

// Session is an established link to an IMBLE peripheral. It is owned by
// the caller that created it and must be closed to release the device.
type Session struct {
	adapter Adapter
	info    DeviceInfo
	opts    SessionOptions

	mu        sync.Mutex
	status    Status
	link      ConnectionStatus
	closed    bool
	device    Device
	service   Service
	readChar  Characteristic
	writeChar Characteristic

	closeOnce sync.Once
	closeErr  error
	res       event.Group

	statusFeed event.Emitter[Status]
	linkFeed   event.Emitter[ConnectionStatus]
	messages   event.Emitter[Message]
}

// ConnectPaired establishes a session with a device the OS already knows,
// for example one returned by PairedDevices.
func ConnectPaired(ctx context.Context, adapter Adapter, info DeviceInfo, opts SessionOptions) (*Session, error) {
	return connect(ctx, adapter, info, opts)
}

func connect(ctx context.Context, adapter Adapter, info DeviceInfo, opts SessionOptions) (*Session, error) {
	s := newSession(adapter, info, opts)
	if err := s.establish(ctx); err != nil {
		if IsCancellation(err) && ctx.Err() != nil {
			slog.Info("[BLE] connection cancelled", "address", info.Address)
		} else {
			slog.Error("[BLE] connection failed", "address", info.Address, "error", err)
		}
		s.Close()
		return nil, err
	}
	slog.Info("[BLE] connected", "address", info.Address, "device", info.ID)
	return s, nil
}

func newSession(adapter Adapter, info DeviceInfo, opts SessionOptions) *Session {
	if adapter == nil {
		panic("ble: session created with nil adapter")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if opts.Retry.PerAttemptTimeout <= 0 {
		opts.Retry.PerAttemptTimeout = DefaultRetryPolicy().PerAttemptTimeout
	}
	if opts.Dispatch == nil {
		opts.Dispatch = event.Inline
	}
	return &Session{
		adapter: adapter,
		info:    info,
		opts:    opts,
	}
}

// establish runs the connection state machine. Steps run strictly in
// order; any failure leaves the session Initializing.
func (s *Session) establish(ctx context.Context) error {
	device, err := s.openDevice(ctx)
	if err != nil {
		return err
	}
	s.res.Add(device)

	service, err := s.resolveService(ctx, device)
	if err != nil {
		return err
	}

	readChar, err := singleCharacteristic(ctx, service, ReadCharacteristicUUID)
	if err != nil {
		return err
	}
	s.res.Add(event.Subscribe(readChar.ValueChanged(), s.handleNotification))

	if err := s.enableNotifications(ctx, readChar); err != nil {
		return err
	}

	writeChar, err := singleCharacteristic(ctx, service, WriteCharacteristicUUID)
	if err != nil {
		return err
	}

	s.res.Add(event.Subscribe(device.ConnectionStatusChanged(), s.setLinkStatus))
	s.setLinkStatus(device.ConnectionStatus())

	s.mu.Lock()
	s.device = device
	s.service = service
	s.readChar = readChar
	s.writeChar = writeChar
	s.mu.Unlock()

	s.setStatus(Running)
	return nil
}

// openDevice resolves the device handle, pairing first if needed.
func (s *Session) openDevice(ctx context.Context) (Device, error) {
	if s.info.Paired {
		device, err := s.adapter.OpenDevice(ctx, s.info.ID)
		if err != nil {
			return nil, fmt.Errorf("ble: open device %s: %w", s.info.ID, err)
		}
		return device, nil
	}

	slog.Info("[BLE] pairing", "address", s.info.Address)
	status, err := s.adapter.Pair(ctx, s.info)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ble: pair: %w", err)
		}
		return nil, operationError("failed to pair with the device", err)
	}
	if status != PairingPaired {
		return nil, operationError("failed to pair with the device", fmt.Errorf("pairing %s", status))
	}

	// The OS takes a while to register a freshly paired device.
	info, err := s.waitRegistered(ctx)
	if err != nil {
		return nil, err
	}
	device, err := s.adapter.OpenDevice(ctx, info.ID)
	if err != nil {
		return nil, fmt.Errorf("ble: open device %s: %w", info.ID, err)
	}
	return device, nil
}

func (s *Session) waitRegistered(ctx context.Context) (DeviceInfo, error) {
	watch := s.adapter.WatchDevices(s.info.Address)
	added := event.Listen(watch.Added())
	defer added.Close()

	if err := watch.Start(); err != nil {
		return DeviceInfo{}, fmt.Errorf("ble: watch for device: %w", err)
	}
	defer func() {
		if err := watch.Stop(); err != nil {
			slog.Warn("[BLE] failed to stop device watch", "error", err)
		}
	}()

	info, err := added.Wait(ctx)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("ble: wait for device registration: %w", err)
	}
	slog.Debug("[BLE] device registered", "id", info.ID)
	return info, nil
}

// resolveService looks the IMBLE service up, waiting once for service
// enumeration if the device has not finished it yet.
func (s *Session) resolveService(ctx context.Context, device Device) (Service, error) {
	// Listen before the first lookup so a change between the two is not lost.
	changed := event.Listen(device.ServicesChanged())
	defer changed.Close()

	service, err := device.Service(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: get service: %w", err)
	}
	if service != nil {
		return service, nil
	}

	slog.Debug("[BLE] waiting for service enumeration", "device", device.ID())
	if _, err := changed.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ble: wait for services: %w", err)
	}
	service, err = device.Service(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: get service: %w", err)
	}
	if service == nil {
		return nil, operationError(fmt.Sprintf("service %s not found", ServiceUUID), nil)
	}
	return service, nil
}

func singleCharacteristic(ctx context.Context, service Service, id uuid.UUID) (Characteristic, error) {
	chars, err := service.Characteristics(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ble: get characteristic %s: %w", id, err)
	}
	if len(chars) != 1 {
		return nil, operationError(fmt.Sprintf("expected one characteristic %s, found %d", id, len(chars)), nil)
	}
	return chars[0], nil
}

// enableNotifications sets the notify bit in the read characteristic's
// CCCD. Devices often drop the first writes right after pairing, so the
// write is retried under the session's retry policy.
func (s *Session) enableNotifications(ctx context.Context, c Characteristic) error {
	cur, err := c.ReadCCCD(ctx)
	if err != nil {
		return fmt.Errorf("ble: read CCCD: %w", err)
	}
	want := cur | CCCDNotify

	err = s.opts.Retry.Do(ctx, "write CCCD", func(actx context.Context) error {
		return c.WriteCCCD(actx, want)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return operationError("failed to configure the device", err)
	}
	return nil
}

func (s *Session) handleNotification(n Notification) {
	body, ok := protocol.DecodeFrame(n.Value)
	if !ok {
		slog.Debug("[BLE] dropped malformed notification", "len", len(n.Value))
		return
	}
	s.messages.Emit(Message{Payload: body, Timestamp: n.Timestamp})
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.opts.Dispatch(func() { s.statusFeed.Emit(st) })
}

func (s *Session) setLinkStatus(cs ConnectionStatus) {
	s.mu.Lock()
	if s.link == cs {
		s.mu.Unlock()
		return
	}
	s.link = cs
	s.mu.Unlock()
	slog.Info("[BLE] link status changed", "address", s.info.Address, "status", cs)
	s.opts.Dispatch(func() { s.linkFeed.Emit(cs) })
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LinkStatus returns the last reported connection status of the device.
func (s *Session) LinkStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// StatusChanged publishes status transitions.
func (s *Session) StatusChanged() event.Source[Status] { return &s.statusFeed }

// LinkStatusChanged publishes link status transitions.
func (s *Session) LinkStatusChanged() event.Source[ConnectionStatus] { return &s.linkFeed }

// Messages is the stream of payloads received from the peripheral.
// Subscribing again after unsubscribing restarts the stream.
func (s *Session) Messages() event.Source[Message] { return &s.messages }

// Address returns the peripheral address.
func (s *Session) Address() Address { return s.info.Address }

// Send writes payload[offset:offset+length] to the peripheral as one
// frame and waits for the write acknowledgement. Overlapping calls are
// not serialized. Failures are returned to the caller and never retried.
func (s *Session) Send(ctx context.Context, payload []byte, offset, length int) error {
	s.mu.Lock()
	closed, status, w := s.closed, s.status, s.writeChar
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if status != Running {
		return ErrNotRunning
	}

	frame, err := protocol.EncodeFrame(payload, offset, length)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, frame[:], WriteWithResponse); err != nil {
		return fmt.Errorf("ble: write frame: %w", err)
	}
	return nil
}

// SendBytes sends the whole of p as one frame.
func (s *Session) SendBytes(ctx context.Context, p []byte) error {
	return s.Send(ctx, p, 0, len(p))
}

// Unpair removes the OS pairing with the peripheral. The session should
// be closed afterwards.
func (s *Session) Unpair(ctx context.Context) error {
	s.mu.Lock()
	closed, device := s.closed, s.device
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if device == nil {
		return ErrNotRunning
	}
	if err := s.adapter.Unpair(ctx, device.ID()); err != nil {
		return fmt.Errorf("ble: unpair %s: %w", s.info.Address, err)
	}
	return nil
}

// Close releases every subscription and the device handle. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.device = nil
		s.service = nil
		s.readChar = nil
		s.writeChar = nil
		s.mu.Unlock()
		s.closeErr = s.res.Close()
	})
	return s.closeErr
}
