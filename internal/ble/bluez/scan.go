package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// deviceState accumulates what BlueZ has reported about one device.
// PropertiesChanged only carries the properties that changed, so the
// advertisement is rebuilt from the merged state every time.
type deviceState struct {
	name   string
	rssi   int16
	uuids  []string
	adData map[byte][]byte
}

// update merges props and reports whether they describe a new
// advertising report.
func (s *deviceState) update(props map[string]dbus.Variant) bool {
	if name, ok := lookup[string](props, "Name"); ok {
		s.name = name
	}
	if uuids, ok := lookup[[]string](props, "UUIDs"); ok {
		s.uuids = uuids
	}
	advertised := false
	if rssi, ok := lookup[int16](props, "RSSI"); ok {
		s.rssi = rssi
		advertised = true
	}
	if data, ok := lookup[map[byte]dbus.Variant](props, "AdvertisingData"); ok {
		s.adData = make(map[byte][]byte, len(data))
		for t, v := range data {
			if b, ok := v.Value().([]byte); ok {
				s.adData[t] = b
			}
		}
		advertised = true
	}
	return advertised
}

// sections returns the AD sections in type order. BlueZ may keep the
// solicitation out of AdvertisingData and only list the UUID, in which
// case the section is synthesized.
func (s *deviceState) sections(target uuid.UUID) []protocol.Section {
	types := make([]int, 0, len(s.adData))
	for t := range s.adData {
		types = append(types, int(t))
	}
	sort.Ints(types)

	out := make([]protocol.Section, 0, len(types)+1)
	for _, t := range types {
		out = append(out, protocol.Section{Type: byte(t), Data: s.adData[byte(t)]})
	}
	if _, ok := s.adData[protocol.ADTypeServiceSolicitation128]; !ok {
		for _, u := range s.uuids {
			if strings.EqualFold(u, target.String()) {
				out = append(out, protocol.SolicitationSection(target))
				break
			}
		}
	}
	return out
}

// seedDevices builds the per-device state from the Device1 objects under
// adapter. Seeding does not count as an advertising report.
func seedDevices(adapter dbus.ObjectPath, objects managedObjects) map[dbus.ObjectPath]*deviceState {
	seen := make(map[dbus.ObjectPath]*deviceState)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !isDeviceOf(adapter, path) {
			continue
		}
		st := &deviceState{}
		st.update(props)
		seen[path] = st
	}
	return seen
}

func (a *Adapter) Advertisements() event.Source[ble.Advertisement] { return &a.adverts }

// StartScan starts LE discovery. BlueZ always scans actively.
func (a *Adapter) StartScan(ble.ScanMode) error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if scanning {
		return nil
	}

	// BlueZ keeps device objects between scans and afterwards only reports
	// changed properties, so start from what it already knows.
	objects, err := a.managedObjects(context.Background())
	if err != nil {
		slog.Warn("[BLUEZ] cannot seed device state", "error", err)
	}
	a.mu.Lock()
	a.seen = seedDevices(a.path, objects)
	a.mu.Unlock()

	adapter := a.object(a.path)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: set discovery filter: %w", call.Err)
	}

	subs := &event.Group{}
	subs.Add(event.Subscribe(&a.router.devices, func(pc propertiesChanged) {
		a.handleDevice(pc.path, pc.changed)
	}))
	subs.Add(event.Subscribe(&a.router.added, func(ia interfacesAdded) {
		if props, ok := ia.ifaces[bluezDevice1]; ok {
			a.handleDevice(ia.path, props)
		}
	}))

	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		subs.Close()
		return fmt.Errorf("bluez: start discovery: %w", call.Err)
	}

	a.mu.Lock()
	a.scanning = true
	a.scanSubs = subs
	a.mu.Unlock()
	slog.Debug("[BLUEZ] discovery started", "adapter", a.name)
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = false
	subs := a.scanSubs
	a.scanSubs = nil
	a.mu.Unlock()

	if subs != nil {
		subs.Close()
	}
	if call := a.object(a.path).Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("bluez: stop discovery: %w", call.Err)
	}
	slog.Debug("[BLUEZ] discovery stopped", "adapter", a.name)
	return nil
}

func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func (a *Adapter) handleDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !isDeviceOf(a.path, path) {
		return
	}
	addr, ok := addressOf(path)
	if !ok {
		return
	}

	a.mu.Lock()
	st, ok := a.seen[path]
	if !ok {
		st = &deviceState{}
		a.seen[path] = st
	}
	advertised := st.update(props)
	sections := st.sections(a.target)
	name, rssi := st.name, st.rssi
	a.mu.Unlock()

	if !advertised {
		return
	}
	for _, adv := range ble.SplitMerged(addr, nil, sections, name, rssi, time.Now()) {
		a.adverts.Emit(adv)
	}
}
