package bluez

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/ciniml/imble/internal/event"
)

// propertiesChanged is the payload of one PropertiesChanged signal.
type propertiesChanged struct {
	path    dbus.ObjectPath
	iface   string
	changed map[string]dbus.Variant
}

// interfacesAdded is the payload of one InterfacesAdded signal.
type interfacesAdded struct {
	path   dbus.ObjectPath
	ifaces map[string]map[string]dbus.Variant
}

type propKey struct {
	path  dbus.ObjectPath
	iface string
}

// router fans D-Bus signals out to per-object emitters so every consumer
// shares a single signal channel.
type router struct {
	added   event.Emitter[interfacesAdded]
	devices event.Emitter[propertiesChanged] // every Device1 change

	mu    sync.Mutex
	props map[propKey]*event.Emitter[map[string]dbus.Variant]
}

func newRouter() *router {
	return &router{props: make(map[propKey]*event.Emitter[map[string]dbus.Variant])}
}

// properties returns the emitter for PropertiesChanged on one object
// interface, creating it on first use.
func (r *router) properties(path dbus.ObjectPath, iface string) *event.Emitter[map[string]dbus.Variant] {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := propKey{path, iface}
	e, ok := r.props[k]
	if !ok {
		e = &event.Emitter[map[string]dbus.Variant]{}
		r.props[k] = e
	}
	return e
}

// release drops the emitters of path and every object below it.
func (r *router) release(path dbus.ObjectPath) {
	prefix := string(path) + "/"
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.props {
		if k.path == path || strings.HasPrefix(string(k.path), prefix) {
			delete(r.props, k)
		}
	}
}

func (r *router) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case dbusProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if iface == bluezDevice1 {
			r.devices.Emit(propertiesChanged{path: sig.Path, iface: iface, changed: changed})
		}
		r.mu.Lock()
		e := r.props[propKey{sig.Path, iface}]
		r.mu.Unlock()
		if e != nil {
			e.Emit(changed)
		}

	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		r.added.Emit(interfacesAdded{path: path, ifaces: ifaces})
	}
}
