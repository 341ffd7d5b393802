// Package permission models the host permission boundary. The panel requests
// a fixed set of permission kinds at startup and reports any denial to the
// user before touching the Bluetooth stack.
package permission

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind identifies one OS permission the application needs.
type Kind string

const (
	Bluetooth        Kind = "bluetooth"
	BluetoothConnect Kind = "bluetooth-connect"
	BluetoothScan    Kind = "bluetooth-scan"
	Location         Kind = "location"
)

// Required is the fixed set requested at startup.
var Required = []Kind{Bluetooth, BluetoothConnect, BluetoothScan, Location}

// Service requests permissions and reports grant/deny per kind.
type Service interface {
	RequestAll(ctx context.Context, kinds []Kind) (map[Kind]bool, error)
}

// HostService resolves permissions against the host system. The Bluetooth
// kinds require BlueZ to be reachable on the system bus; location has no host
// gate on desktop systems and is always granted.
type HostService struct {
	// listNames overrides the bus probe in tests.
	listNames func() ([]string, error)
}

func NewHostService() *HostService {
	return &HostService{}
}

func (s *HostService) RequestAll(ctx context.Context, kinds []Kind) (map[Kind]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := s.listNames
	if list == nil {
		list = busNames
	}
	bluetoothOK := false
	names, err := list()
	if err == nil {
		for _, n := range names {
			if n == "org.bluez" {
				bluetoothOK = true
				break
			}
		}
	}

	out := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		switch k {
		case Bluetooth, BluetoothConnect, BluetoothScan:
			out[k] = bluetoothOK
		case Location:
			out[k] = true
		default:
			out[k] = false
		}
	}
	return out, nil
}

func busNames() ([]string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("permission: connect system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("permission: list bus names: %w", err)
	}
	return names, nil
}
