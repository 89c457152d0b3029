package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/event"
)

func (a *Adapter) DeviceInfo(ctx context.Context, addr ble.Address) (ble.DeviceInfo, error) {
	path := devicePath(a.path, addr)
	props, err := a.deviceProperties(ctx, path)
	if err != nil {
		return ble.DeviceInfo{}, fmt.Errorf("bluez: device %s: %w", addr, err)
	}
	return deviceInfo(path, addr, props), nil
}

func deviceInfo(path dbus.ObjectPath, addr ble.Address, props map[string]dbus.Variant) ble.DeviceInfo {
	name, _ := lookup[string](props, "Name")
	paired, _ := lookup[bool](props, "Paired")
	return ble.DeviceInfo{
		ID:      string(path),
		Address: addr,
		Name:    name,
		Paired:  paired,
	}
}

// Pair asks BlueZ to pair with the device. Cancelling ctx cancels the
// pairing attempt.
func (a *Adapter) Pair(ctx context.Context, info ble.DeviceInfo) (ble.PairingStatus, error) {
	obj := a.object(dbus.ObjectPath(info.ID))
	call := obj.CallWithContext(ctx, bluezDevice1+".Pair", 0)
	if ctx.Err() != nil {
		if c := obj.Call(bluezDevice1+".CancelPairing", 0); c.Err != nil {
			slog.Debug("[BLUEZ] cancel pairing", "device", info.ID, "error", c.Err)
		}
		return ble.PairingCanceled, fmt.Errorf("bluez: pair %s: %w", info.Address, ctx.Err())
	}
	status, err := pairingStatus(call.Err)
	slog.Info("[BLUEZ] pairing finished", "address", info.Address, "status", status)
	return status, err
}

// pairingStatus maps the result of Device1.Pair to a pairing status.
// Errors that are not BlueZ pairing outcomes are returned as-is.
func pairingStatus(err error) (ble.PairingStatus, error) {
	if err == nil {
		return ble.PairingPaired, nil
	}
	switch errorName(err) {
	case "org.bluez.Error.AlreadyExists":
		return ble.PairingAlreadyPaired, nil
	case "org.bluez.Error.AuthenticationCanceled":
		return ble.PairingCanceled, nil
	case "org.bluez.Error.AuthenticationRejected":
		return ble.PairingRejected, nil
	case "org.bluez.Error.AuthenticationTimeout":
		return ble.PairingTimeout, nil
	case "org.bluez.Error.AuthenticationFailed", "org.bluez.Error.ConnectionAttemptFailed":
		return ble.PairingFailed, nil
	}
	return ble.PairingFailed, fmt.Errorf("bluez: pair: %w", err)
}

// Unpair removes the device from the adapter, which also drops its
// pairing keys.
func (a *Adapter) Unpair(ctx context.Context, id string) error {
	call := a.object(a.path).CallWithContext(ctx, bluezAdapter1+".RemoveDevice", 0, dbus.ObjectPath(id))
	if call.Err != nil {
		return fmt.Errorf("bluez: remove device %s: %w", id, call.Err)
	}
	slog.Info("[BLUEZ] device removed", "device", id)
	return nil
}

// PairedDevices lists paired devices under this adapter that advertise
// service among their UUIDs.
func (a *Adapter) PairedDevices(ctx context.Context, service uuid.UUID) ([]ble.DeviceInfo, error) {
	objects, err := a.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return pairedDevices(a.path, objects, service), nil
}

func pairedDevices(adapter dbus.ObjectPath, objects managedObjects, service uuid.UUID) []ble.DeviceInfo {
	var out []ble.DeviceInfo
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !isDeviceOf(adapter, path) {
			continue
		}
		if paired, _ := lookup[bool](props, "Paired"); !paired {
			continue
		}
		uuids, _ := lookup[[]string](props, "UUIDs")
		if !containsUUID(uuids, service) {
			continue
		}
		addr, ok := addressOf(path)
		if !ok {
			continue
		}
		out = append(out, deviceInfo(path, addr, props))
	}
	return out
}

func containsUUID(list []string, id uuid.UUID) bool {
	for _, s := range list {
		if strings.EqualFold(s, id.String()) {
			return true
		}
	}
	return false
}

// WatchDevices watches for the device at addr to be registered as paired.
func (a *Adapter) WatchDevices(addr ble.Address) ble.DeviceWatcher {
	return &deviceWatch{adapter: a, addr: addr, path: devicePath(a.path, addr)}
}

type deviceWatch struct {
	adapter *Adapter
	addr    ble.Address
	path    dbus.ObjectPath
	added   event.Emitter[ble.DeviceInfo]
	subs    *event.Group
}

func (w *deviceWatch) Added() event.Source[ble.DeviceInfo] { return &w.added }

// Start reports the device at once if it is already paired, and
// otherwise when BlueZ adds it or marks it paired.
func (w *deviceWatch) Start() error {
	if w.subs != nil {
		return nil
	}
	w.subs = &event.Group{}
	w.subs.Add(event.Subscribe(&w.adapter.router.added, func(ia interfacesAdded) {
		if props, ok := ia.ifaces[bluezDevice1]; ok && ia.path == w.path {
			w.report(props)
		}
	}))
	w.subs.Add(event.Subscribe(w.adapter.router.properties(w.path, bluezDevice1), func(changed map[string]dbus.Variant) {
		if paired, ok := lookup[bool](changed, "Paired"); ok && paired {
			w.report(map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)})
		}
	}))

	props, err := w.adapter.deviceProperties(context.Background(), w.path)
	if err == nil {
		w.report(props)
	}
	return nil
}

func (w *deviceWatch) report(props map[string]dbus.Variant) {
	if paired, _ := lookup[bool](props, "Paired"); !paired {
		return
	}
	w.added.Emit(deviceInfo(w.path, w.addr, props))
}

func (w *deviceWatch) Stop() error {
	if w.subs == nil {
		return nil
	}
	return w.subs.Close()
}
