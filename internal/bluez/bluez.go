// Package bluez implements the adapter service boundary over the BlueZ
// system D-Bus API: adapter power state, power state change notifications,
// and bonded device enumeration.
package bluez

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"btswitch/internal/controller"
	"btswitch/internal/log"
)

const (
	busName         = "org.bluez"
	defaultAdapter  = "/org/bluez/hci0"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsSignal     = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// Service wraps a system D-Bus connection for BlueZ adapter operations. It
// implements controller.AdapterService.
type Service struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// New connects to the system bus and locates the first Bluetooth adapter.
func New() (*Service, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("bluez: org.bluez not found on system bus — is bluetooth.service running?")
	}

	s := &Service{conn: conn, adapter: dbus.ObjectPath(defaultAdapter)}
	if path, err := s.findAdapter(); err == nil {
		s.adapter = path
	}
	log.Info("bluez: using adapter %s", s.adapter)
	return s, nil
}

func (s *Service) Close() {
	s.conn.Close()
}

func (s *Service) findAdapter() (dbus.ObjectPath, error) {
	objs, err := s.managedObjects()
	if err != nil {
		return "", err
	}
	var paths []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("bluez: no adapter found")
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

func (s *Service) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := s.conn.Object(busName, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// --- property helpers ---

func (s *Service) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	obj := s.conn.Object(busName, path)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property %s is not bool", prop)
	}
	return val, nil
}

func (s *Service) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := s.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

// --- controller.AdapterService ---

func (s *Service) CurrentState() (controller.AdapterState, error) {
	powered, err := s.getBool(s.adapter, adapterIface, "Powered")
	if err != nil {
		return controller.AdapterUnknown, fmt.Errorf("bluez: read Powered: %w", err)
	}
	if powered {
		return controller.AdapterEnabled, nil
	}
	return controller.AdapterDisabled, nil
}

func (s *Service) RequestEnable() error {
	if err := s.setProp(s.adapter, adapterIface, "Powered", true); err != nil {
		return fmt.Errorf("bluez: power on: %w", err)
	}
	return nil
}

func (s *Service) RequestDisable() error {
	if err := s.setProp(s.adapter, adapterIface, "Powered", false); err != nil {
		return fmt.Errorf("bluez: power off: %w", err)
	}
	return nil
}

// BondedDevices returns the adapter's paired devices, sorted by display name.
func (s *Service) BondedDevices() ([]controller.Device, error) {
	objs, err := s.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []controller.Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if dev, ok := deviceFromProps(path, props); ok {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out, nil
}

// StateChanges subscribes to adapter PropertiesChanged signals and delivers
// Powered transitions in order. The cancel function stops deliveries, closes
// the channel, and is safe to call more than once.
func (s *Service) StateChanges() (<-chan controller.AdapterState, func(), error) {
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(s.adapter),
	}
	if err := s.conn.AddMatchSignal(matchOpts...); err != nil {
		return nil, nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	s.conn.Signal(sigCh)
	out := make(chan controller.AdapterState, 4)
	quit := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-quit:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				state, ok := stateFromSignal(sig)
				if !ok {
					continue
				}
				log.Debug("bluez: adapter state -> %s", state)
				select {
				case out <- state:
				case <-quit:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = s.conn.RemoveMatchSignal(matchOpts...)
			s.conn.RemoveSignal(sigCh)
			close(quit)
		})
	}
	return out, cancel, nil
}

// stateFromSignal extracts a Powered transition from a PropertiesChanged
// signal, if it carries one.
func stateFromSignal(sig *dbus.Signal) (controller.AdapterState, bool) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return controller.AdapterUnknown, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return controller.AdapterUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return controller.AdapterUnknown, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return controller.AdapterUnknown, false
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return controller.AdapterUnknown, false
	}
	if powered {
		return controller.AdapterEnabled, true
	}
	return controller.AdapterDisabled, true
}

// deviceFromProps builds a Device from Device1 properties. Only paired
// devices qualify.
func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (controller.Device, bool) {
	if v, ok := props["Paired"]; ok {
		if paired, ok := v.Value().(bool); !ok || !paired {
			return controller.Device{}, false
		}
	} else {
		return controller.Device{}, false
	}
	var addr, name string
	if v, ok := props["Address"]; ok {
		addr, _ = v.Value().(string)
	}
	if addr == "" {
		addr = macFromPath(path)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if name == "" {
		if v, ok := props["Alias"]; ok {
			name, _ = v.Value().(string)
		}
	}
	if addr == "" {
		return controller.Device{}, false
	}
	return controller.Device{Address: addr, Name: name}, true
}

// macFromPath extracts a MAC address from a BlueZ device object path like
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
