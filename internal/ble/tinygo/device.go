package tinygo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/event"
)

func toUUID(u uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(u))
}

// await runs a blocking platform call, returning early if ctx is done.
// The call itself keeps running in the background.
func await(ctx context.Context, fn func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

type device struct {
	adapter *Adapter
	id      string
	dev     bluetooth.Device

	mu      sync.Mutex
	status  ble.ConnectionStatus
	changed event.Emitter[ble.ConnectionStatus]
	// Never fired on its own: discovery is synchronous here.
	services event.Emitter[struct{}]
	closed   bool
}

func (d *device) ID() string { return d.id }

func (d *device) ConnectionStatus() ble.ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *device) ConnectionStatusChanged() event.Source[ble.ConnectionStatus] { return &d.changed }

func (d *device) ServicesChanged() event.Source[struct{}] { return &d.services }

func (d *device) setStatus(s ble.ConnectionStatus) {
	d.mu.Lock()
	if d.status == s {
		d.mu.Unlock()
		return
	}
	d.status = s
	d.mu.Unlock()
	d.changed.Emit(s)
}

// Service discovers the service with the given UUID. Discovery completes
// before it returns, so a miss is followed by a services-changed event
// and a later lookup will miss again.
func (d *device) Service(ctx context.Context, id uuid.UUID) (ble.Service, error) {
	var svcs []bluetooth.DeviceService
	err := await(ctx, func() error {
		var err error
		svcs, err = d.dev.DiscoverServices(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tinygo: discover services: %w", err)
	}
	want := toUUID(id)
	for _, s := range svcs {
		if s.UUID() == want {
			return &service{id: id, svc: s}, nil
		}
	}
	d.services.Emit(struct{}{})
	return nil, nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.adapter.forget(d.id)
	if err := d.dev.Disconnect(); err != nil {
		return fmt.Errorf("tinygo: disconnect %s: %w", d.id, err)
	}
	return nil
}

type service struct {
	id  uuid.UUID
	svc bluetooth.DeviceService
}

func (s *service) UUID() uuid.UUID { return s.id }

// Characteristics returns every characteristic with the given UUID. All
// characteristics are discovered and filtered here so that a missing one
// yields an empty result instead of a discovery error.
func (s *service) Characteristics(ctx context.Context, id uuid.UUID) ([]ble.Characteristic, error) {
	var chars []bluetooth.DeviceCharacteristic
	err := await(ctx, func() error {
		var err error
		chars, err = s.svc.DiscoverCharacteristics(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tinygo: discover characteristics: %w", err)
	}
	want := toUUID(id)
	var out []ble.Characteristic
	for _, c := range chars {
		if c.UUID() == want {
			out = append(out, &characteristic{id: id, char: c})
		}
	}
	return out, nil
}

type characteristic struct {
	id    uuid.UUID
	char  bluetooth.DeviceCharacteristic
	value event.Emitter[ble.Notification]

	mu   sync.Mutex
	cccd ble.CCCD
}

func (c *characteristic) UUID() uuid.UUID { return c.id }

func (c *characteristic) ValueChanged() event.Source[ble.Notification] { return &c.value }

// ReadCCCD returns the last configuration written; the platform does not
// expose the descriptor.
func (c *characteristic) ReadCCCD(context.Context) (ble.CCCD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd, nil
}

type notifyChange int

const (
	notifyKeep notifyChange = iota
	notifyEnable
	notifyDisable
)

// notifyTransition reports how the notification subscription must change when
// the descriptor goes from was to want. Only the notify bit matters.
func notifyTransition(was, want ble.CCCD) notifyChange {
	on, wasOn := want&ble.CCCDNotify != 0, was&ble.CCCDNotify != 0
	switch {
	case on && !wasOn:
		return notifyEnable
	case !on && wasOn:
		return notifyDisable
	}
	return notifyKeep
}

func (c *characteristic) WriteCCCD(ctx context.Context, v ble.CCCD) error {
	c.mu.Lock()
	was := c.cccd
	c.mu.Unlock()

	var err error
	switch notifyTransition(was, v) {
	case notifyEnable:
		err = await(ctx, func() error {
			return c.char.EnableNotifications(c.notify)
		})
	case notifyDisable:
		err = await(ctx, func() error {
			return c.char.EnableNotifications(nil)
		})
	}
	if err != nil {
		return fmt.Errorf("tinygo: configure notifications: %w", err)
	}

	c.mu.Lock()
	c.cccd = v
	c.mu.Unlock()
	return nil
}

func (c *characteristic) notify(buf []byte) {
	value := make([]byte, len(buf))
	copy(value, buf)
	c.value.Emit(ble.Notification{Value: value, Timestamp: time.Now()})
}

func (c *characteristic) Write(ctx context.Context, data []byte, mode ble.WriteMode) error {
	err := await(ctx, func() error {
		var err error
		if mode == ble.WriteWithoutResponse {
			_, err = c.char.WriteWithoutResponse(data)
		} else {
			_, err = c.char.Write(data)
		}
		return err
	})
	if err != nil {
		slog.Debug("[BLE] write failed", "characteristic", c.id, "error", err)
		return fmt.Errorf("tinygo: write: %w", err)
	}
	return nil
}
