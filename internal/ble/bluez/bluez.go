// Package bluez implements the ble platform contracts over the BlueZ
// D-Bus API. Unlike the tinygo backend it can pair, unpair and enumerate
// paired devices, and it reports service resolution as it happens.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/event"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapter is one BlueZ controller, such as hci0.
type Adapter struct {
	conn   *dbus.Conn
	name   string
	path   dbus.ObjectPath
	target uuid.UUID
	router *router

	sigCh chan *dbus.Signal
	stop  chan struct{}

	adverts event.Emitter[ble.Advertisement]

	mu       sync.Mutex
	scanning bool
	scanSubs *event.Group
	seen     map[dbus.ObjectPath]*deviceState
	closed   bool
}

// Open connects to the system bus and returns the named adapter.
func Open(name string) (*Adapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	return New(conn, name)
}

// New returns the named adapter on conn and starts routing BlueZ signals.
func New(conn *dbus.Conn, name string) (*Adapter, error) {
	if conn == nil {
		panic("bluez: New called with nil connection")
	}
	if name == "" {
		name = "hci0"
	}
	a := &Adapter{
		conn:   conn,
		name:   name,
		path:   dbus.ObjectPath("/org/bluez/" + name),
		target: ble.ServiceUUID,
		router: newRouter(),
		sigCh:  make(chan *dbus.Signal, 64),
		stop:   make(chan struct{}),
		seen:   make(map[dbus.ObjectPath]*deviceState),
	}

	powered, err := property[bool](conn, a.path, bluezAdapter1, "Powered")
	if err != nil {
		return nil, fmt.Errorf("bluez: adapter %s: %w", name, err)
	}
	if !powered {
		return nil, fmt.Errorf("bluez: adapter %s is not powered", name)
	}

	for _, rule := range []string{
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged'", bluezBus, dbusProperties),
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", bluezBus, dbusObjectManager),
	} {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return nil, fmt.Errorf("bluez: add signal match: %w", call.Err)
		}
	}
	conn.Signal(a.sigCh)
	go a.route()

	slog.Info("[BLUEZ] adapter ready", "adapter", name)
	return a, nil
}

func (a *Adapter) route() {
	for {
		select {
		case <-a.stop:
			return
		case sig, ok := <-a.sigCh:
			if !ok {
				return
			}
			a.router.dispatch(sig)
		}
	}
}

// Close stops scanning and signal routing. The shared system bus
// connection stays open for other users in the process.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	err := a.StopScan()
	a.conn.RemoveSignal(a.sigCh)
	close(a.stop)
	return err
}

func (a *Adapter) object(path dbus.ObjectPath) dbus.BusObject {
	return a.conn.Object(bluezBus, path)
}

func (a *Adapter) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := a.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: parse managed objects: %w", err)
	}
	return objects, nil
}

func (a *Adapter) deviceProperties(ctx context.Context, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := a.object(path).CallWithContext(ctx, dbusProperties+".GetAll", 0, bluezDevice1)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

// devicePath converts an address to its BlueZ object path, for example
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, addr ble.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}

// addressOf extracts the address from a device object path.
func addressOf(path dbus.ObjectPath) (ble.Address, bool) {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return 0, false
	}
	addr, err := ble.ParseAddress(strings.ReplaceAll(s[i+len("/dev_"):], "_", ":"))
	if err != nil {
		return 0, false
	}
	return addr, true
}

// isDeviceOf reports whether path is a device directly under adapter.
func isDeviceOf(adapter, path dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")
	return ok && !strings.Contains(rest, "/")
}

// property reads one property of a BlueZ object.
func property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	return variantAs[T](v, iface+"."+name)
}

func variantAs[T any](v dbus.Variant, name string) (T, error) {
	val, ok := v.Value().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("property %s has unexpected type %T", name, v.Value())
	}
	return val, nil
}

// lookup returns props[name] as T, or the zero value.
func lookup[T any](props map[string]dbus.Variant, name string) (T, bool) {
	v, ok := props[name]
	if !ok {
		var zero T
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var pde *dbus.Error
	if errors.As(err, &pde) && pde != nil {
		return pde.Name
	}
	return ""
}

// Compile-time check that Adapter implements ble.Adapter.
var _ ble.Adapter = (*Adapter)(nil)
