package controller

import "time"

// AdapterState mirrors the power state of the local Bluetooth radio as
// reported by the adapter service.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterDisabled
	AdapterEnabled
)

func (s AdapterState) String() string {
	switch s {
	case AdapterEnabled:
		return "enabled"
	case AdapterDisabled:
		return "disabled"
	}
	return "unknown"
}

// ConnectionState tracks the serial link to the selected device. Transitions
// happen only through controller operations and the adapter watcher.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// DeviceState is the last command acknowledged locally. It is inferred from
// commands sent, not from device acknowledgement, and resets to neutral
// whenever the connection is lost.
type DeviceState int

const (
	DeviceNeutral DeviceState = iota
	DeviceOff
	DeviceOn
)

func (s DeviceState) String() string {
	switch s {
	case DeviceOn:
		return "on"
	case DeviceOff:
		return "off"
	}
	return "neutral"
}

// Device is an immutable snapshot of a bonded device from enumeration.
type Device struct {
	Address string // Bluetooth device address, or a serial port path for manual connections
	Name    string // optional display name
}

// Label returns the display name, falling back to the address.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Command is one entry of the switch protocol: the literal payload written to
// the device (CR-LF terminated on the wire) and the DeviceState a successful
// write implies.
type Command struct {
	Payload string
	Result  DeviceState
}

var (
	CommandOn  = Command{Payload: "1", Result: DeviceOn}
	CommandOff = Command{Payload: "0", Result: DeviceOff}
)

// NoticeKind classifies user-visible feedback events.
type NoticeKind int

const (
	NoticeConnected NoticeKind = iota
	NoticePermissionDenied
	NoticeAdapterUnavailable
	NoticeEnumerationFailure
	NoticeConnectTimeout
	NoticeConnectFailure
	NoticeSendFailure
	NoticeDisconnectFailure
)

// Notice is a short-lived user notification. The presentation layer should
// display it for NoticeDuration and then fall back to rendering plain state.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// NoticeDuration is how long the presentation layer shows a Notice.
const NoticeDuration = 3 * time.Second

// Snapshot is a copy of the controller state for safe reading by the
// presentation layer.
type Snapshot struct {
	Adapter     AdapterState
	Devices     []Device
	Selected    *Device // nil when no device is selected
	Connection  ConnectionState
	DeviceState DeviceState
}
