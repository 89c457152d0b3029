package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/event"
)

// OpenDevice connects the device if needed and returns a handle that
// tracks its Connected and ServicesResolved properties.
func (a *Adapter) OpenDevice(ctx context.Context, id string) (ble.Device, error) {
	path := dbus.ObjectPath(id)
	props, err := a.deviceProperties(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("bluez: device %s: %w", id, err)
	}

	d := &device{adapter: a, path: path}
	d.connected, _ = lookup[bool](props, "Connected")
	d.resolved, _ = lookup[bool](props, "ServicesResolved")
	d.sub = event.Subscribe(a.router.properties(path, bluezDevice1), d.handleChange)

	if !d.connected {
		if call := a.object(path).CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
			d.sub.Close()
			return nil, fmt.Errorf("bluez: connect %s: %w", id, call.Err)
		}
		slog.Info("[BLUEZ] device connected", "device", id)
	}
	return d, nil
}

type device struct {
	adapter *Adapter
	path    dbus.ObjectPath
	sub     *event.Subscription

	statusChanged   event.Emitter[ble.ConnectionStatus]
	servicesChanged event.Emitter[struct{}]

	mu        sync.Mutex
	connected bool
	resolved  bool
	closed    bool
}

func (d *device) ID() string { return string(d.path) }

func (d *device) ConnectionStatus() ble.ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return ble.Connected
	}
	return ble.Disconnected
}

func (d *device) ConnectionStatusChanged() event.Source[ble.ConnectionStatus] {
	return &d.statusChanged
}

func (d *device) ServicesChanged() event.Source[struct{}] { return &d.servicesChanged }

func (d *device) handleChange(changed map[string]dbus.Variant) {
	if connected, ok := lookup[bool](changed, "Connected"); ok {
		d.mu.Lock()
		prev := d.connected
		d.connected = connected
		d.mu.Unlock()
		if prev != connected {
			status := ble.Disconnected
			if connected {
				status = ble.Connected
			}
			d.statusChanged.Emit(status)
		}
	}
	if resolved, ok := lookup[bool](changed, "ServicesResolved"); ok {
		d.mu.Lock()
		d.resolved = resolved
		d.mu.Unlock()
		if resolved {
			d.servicesChanged.Emit(struct{}{})
		}
	}
}

// Service returns nil until BlueZ has resolved the device's services.
// Once they are resolved a miss is final; a services-changed event is
// raised so a waiting caller looks again and sees it.
func (d *device) Service(ctx context.Context, id uuid.UUID) (ble.Service, error) {
	d.mu.Lock()
	resolved := d.resolved
	d.mu.Unlock()
	if !resolved {
		return nil, nil
	}

	objects, err := d.adapter.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	if path, ok := findService(d.path, objects, id); ok {
		return &service{adapter: d.adapter, id: id, path: path}, nil
	}
	d.servicesChanged.Emit(struct{}{})
	return nil, nil
}

func findService(dev dbus.ObjectPath, objects managedObjects, id uuid.UUID) (dbus.ObjectPath, bool) {
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok {
			continue
		}
		if owner, _ := lookup[dbus.ObjectPath](props, "Device"); owner != dev {
			continue
		}
		if u, _ := lookup[string](props, "UUID"); strings.EqualFold(u, id.String()) {
			return path, true
		}
	}
	return "", false
}

// Close releases the handle and disconnects the device.
func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.sub.Close()
	d.adapter.router.release(d.path)
	if call := d.adapter.object(d.path).Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", d.path, call.Err)
	}
	return nil
}

type service struct {
	adapter *Adapter
	id      uuid.UUID
	path    dbus.ObjectPath
}

func (s *service) UUID() uuid.UUID { return s.id }

func (s *service) Characteristics(ctx context.Context, id uuid.UUID) ([]ble.Characteristic, error) {
	objects, err := s.adapter.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []ble.Characteristic
	for _, path := range findCharacteristics(s.path, objects, id) {
		out = append(out, &characteristic{adapter: s.adapter, id: id, path: path})
	}
	return out, nil
}

func findCharacteristics(svc dbus.ObjectPath, objects managedObjects, id uuid.UUID) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok {
			continue
		}
		if owner, _ := lookup[dbus.ObjectPath](props, "Service"); owner != svc {
			continue
		}
		if u, _ := lookup[string](props, "UUID"); strings.EqualFold(u, id.String()) {
			out = append(out, path)
		}
	}
	return out
}

type characteristic struct {
	adapter *Adapter
	id      uuid.UUID
	path    dbus.ObjectPath
}

func (c *characteristic) UUID() uuid.UUID { return c.id }

// ValueChanged reports Value updates, which BlueZ raises for every
// notification while notifying.
func (c *characteristic) ValueChanged() event.Source[ble.Notification] {
	props := c.adapter.router.properties(c.path, bluezGattChar)
	return event.Funcs[ble.Notification]{
		Add: func(h func(ble.Notification)) event.Token {
			return props.AddHandler(func(changed map[string]dbus.Variant) {
				if v, ok := lookup[[]byte](changed, "Value"); ok {
					h(ble.Notification{Value: v, Timestamp: time.Now()})
				}
			})
		},
		Remove: props.RemoveHandler,
	}
}

// ReadCCCD reflects the Notifying property; BlueZ owns the descriptor.
func (c *characteristic) ReadCCCD(ctx context.Context) (ble.CCCD, error) {
	var v dbus.Variant
	call := c.adapter.object(c.path).CallWithContext(ctx, dbusProperties+".Get", 0, bluezGattChar, "Notifying")
	if call.Err != nil {
		return 0, fmt.Errorf("bluez: read Notifying: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return 0, fmt.Errorf("bluez: read Notifying: %w", err)
	}
	if notifying, _ := v.Value().(bool); notifying {
		return ble.CCCDNotify, nil
	}
	return 0, nil
}

// WriteCCCD starts or stops notifications.
func (c *characteristic) WriteCCCD(ctx context.Context, v ble.CCCD) error {
	method := bluezGattChar + ".StopNotify"
	if v&(ble.CCCDNotify|ble.CCCDIndicate) != 0 {
		method = bluezGattChar + ".StartNotify"
	}
	call := c.adapter.object(c.path).CallWithContext(ctx, method, 0)
	if call.Err != nil && errorName(call.Err) != "org.bluez.Error.InProgress" {
		return fmt.Errorf("bluez: %s: %w", method, call.Err)
	}
	return nil
}

func (c *characteristic) Write(ctx context.Context, data []byte, mode ble.WriteMode) error {
	call := c.adapter.object(c.path).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, data, writeOptions(mode))
	if call.Err != nil {
		return fmt.Errorf("bluez: write %s: %w", c.id, call.Err)
	}
	return nil
}

func writeOptions(mode ble.WriteMode) map[string]dbus.Variant {
	t := "request"
	if mode == ble.WriteWithoutResponse {
		t = "command"
	}
	return map[string]dbus.Variant{"type": dbus.MakeVariant(t)}
}
