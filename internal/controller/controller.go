// Package controller owns the connection lifecycle of the switch panel:
// adapter state, the bonded device list, the selected device, and the single
// live connection. It exposes operations to enable/disable the adapter,
// refresh devices, connect, disconnect, and send a command, and reports
// results to the presentation layer through callbacks.
//
// Mutating operations (Connect, Disconnect, SendCommand) are serialized by a
// busy flag: an overlapping call returns ErrBusy without changing state.
// All other methods are safe for concurrent use.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"btswitch/internal/log"
	"btswitch/internal/transport"
)

var (
	ErrBusy             = errors.New("controller: operation in progress")
	ErrClosed           = errors.New("controller: shut down")
	ErrNotConnected     = errors.New("controller: not connected")
	ErrNotDisconnected  = errors.New("controller: connection already open")
	ErrNoDeviceSelected = errors.New("controller: no device selected")
	ErrAdapterDisabled  = errors.New("controller: adapter is not enabled")
	ErrSelectionLocked  = errors.New("controller: cannot change device while connected")
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// AdapterService is the narrow boundary to the platform Bluetooth stack.
type AdapterService interface {
	CurrentState() (AdapterState, error)

	// StateChanges delivers adapter power transitions in order. The cancel
	// function stops deliveries and releases the subscription; it must be
	// safe to call more than once.
	StateChanges() (<-chan AdapterState, func(), error)

	RequestEnable() error
	RequestDisable() error
	BondedDevices() ([]Device, error)
}

// Options configures a Controller. Both callbacks are invoked without
// internal locks held, so they may call back into the controller. Nil
// callbacks are allowed.
type Options struct {
	// Notify receives user-visible notices (errors and successful connects).
	Notify func(Notice)

	// OnChange fires after any state transition so the presentation layer
	// can re-render.
	OnChange func()

	// ConnectTimeout overrides DefaultConnectTimeout when positive.
	ConnectTimeout time.Duration
}

// Controller is the connection lifecycle state machine. Construct with New,
// release with Shutdown.
type Controller struct {
	adapter AdapterService
	opener  transport.Opener

	notify         func(Notice)
	onChange       func()
	connectTimeout time.Duration

	mu           sync.Mutex
	busy         bool
	closed       bool
	adapterState AdapterState
	devices      []Device
	selected     *Device
	connState    ConnectionState
	devState     DeviceState
	conn         transport.Conn
	unsubscribe  func()
}

// New builds a Controller, reads the initial adapter state, and subscribes to
// adapter state changes. The caller must call Shutdown exactly once when done.
func New(adapter AdapterService, opener transport.Opener, opts Options) (*Controller, error) {
	c := &Controller{
		adapter:        adapter,
		opener:         opener,
		notify:         opts.Notify,
		onChange:       opts.OnChange,
		connectTimeout: opts.ConnectTimeout,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.notify == nil {
		c.notify = func(Notice) {}
	}
	if c.onChange == nil {
		c.onChange = func() {}
	}

	state, err := adapter.CurrentState()
	if err != nil {
		log.Warning("controller: initial adapter state unavailable: %v", err)
		state = AdapterUnknown
	}
	c.adapterState = state

	ch, cancel, err := adapter.StateChanges()
	if err != nil {
		return nil, fmt.Errorf("controller: subscribe adapter state: %w", err)
	}
	c.unsubscribe = cancel
	go c.watchAdapter(ch)
	return c, nil
}

// State returns a copy of the current controller state.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Adapter:     c.adapterState,
		Devices:     append([]Device(nil), c.devices...),
		Connection:  c.connState,
		DeviceState: c.devState,
	}
	if c.selected != nil {
		d := *c.selected
		snap.Selected = &d
	}
	return snap
}

// RefreshDevices replaces the device list with the adapter's bonded devices.
// Valid only while the adapter is enabled. Selects the first device if none
// was selected before.
func (c *Controller) RefreshDevices() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.adapterState != AdapterEnabled {
		c.mu.Unlock()
		c.notify(Notice{Kind: NoticeAdapterUnavailable, Message: "Bluetooth is turned off"})
		return ErrAdapterDisabled
	}
	c.mu.Unlock()

	devices, err := c.adapter.BondedDevices()
	if err != nil {
		c.notify(Notice{Kind: NoticeEnumerationFailure, Message: fmt.Sprintf("Device scan failed: %v", err)})
		return fmt.Errorf("controller: enumerate bonded devices: %w", err)
	}

	c.mu.Lock()
	c.devices = devices
	if c.selected == nil && len(devices) > 0 {
		d := devices[0]
		c.selected = &d
	}
	c.mu.Unlock()
	c.onChange()
	log.Info("controller: %d bonded device(s)", len(devices))
	return nil
}

// SetSelectedDevice updates the selection. The selection is fixed while a
// connection attempt or a live connection binds it.
func (c *Controller) SetSelectedDevice(d Device) error {
	c.mu.Lock()
	if c.connState != Disconnected {
		c.mu.Unlock()
		return ErrSelectionLocked
	}
	c.selected = &d
	c.mu.Unlock()
	c.onChange()
	return nil
}

// Connect opens a serial-profile connection to the selected device with a
// bounded timeout. On failure the controller returns to disconnected/neutral
// and emits a notice with the reason.
func (c *Controller) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.connState != Disconnected {
		c.mu.Unlock()
		return ErrNotDisconnected
	}
	if c.selected == nil {
		c.mu.Unlock()
		return ErrNoDeviceSelected
	}
	dev := *c.selected
	c.busy = true
	c.connState = Connecting
	c.mu.Unlock()
	c.onChange()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	conn, err := c.opener.Open(ctx, dev.Address)

	c.mu.Lock()
	c.busy = false
	if c.closed {
		// Shut down while the open was in flight; do not touch state.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err == nil && c.adapterState == AdapterDisabled {
		// The radio went off mid-attempt; the handle is already dead.
		_ = conn.Close()
		conn = nil
		err = ErrAdapterDisabled
	}
	if err != nil {
		c.connState = Disconnected
		c.devState = DeviceNeutral
		c.mu.Unlock()
		c.onChange()
		if errors.Is(err, context.DeadlineExceeded) {
			c.notify(Notice{Kind: NoticeConnectTimeout, Message: fmt.Sprintf("Connection to %s timed out", dev.Label())})
		} else {
			c.notify(Notice{Kind: NoticeConnectFailure, Message: fmt.Sprintf("Connection failed: %v", err)})
		}
		return fmt.Errorf("controller: connect %s: %w", dev.Address, err)
	}

	c.conn = conn
	c.connState = Connected
	c.devState = DeviceNeutral
	c.mu.Unlock()
	c.onChange()
	c.notify(Notice{Kind: NoticeConnected, Message: fmt.Sprintf("Connected to %s", dev.Label())})
	log.Info("controller: connected to %s", dev.Address)
	return nil
}

// Disconnect closes any live connection. Close errors are reported but never
// block cleanup: the controller always ends disconnected/neutral.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	conn := c.conn
	c.conn = nil
	c.connState = Disconnected
	c.devState = DeviceNeutral
	c.mu.Unlock()
	c.onChange()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		c.notify(Notice{Kind: NoticeDisconnectFailure, Message: fmt.Sprintf("Disconnect reported: %v", err)})
		return fmt.Errorf("controller: close connection: %w", err)
	}
	log.Info("controller: disconnected")
	return nil
}

// SendCommand writes the command payload, CR-LF terminated, and waits for the
// write to flush. A failed send always tears the connection down rather than
// leaving it half-open.
func (c *Controller) SendCommand(cmd Command) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.connState != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.busy = true
	c.mu.Unlock()

	err := writeAll(conn, []byte(cmd.Payload+"\r\n"))

	c.mu.Lock()
	c.busy = false
	if err != nil {
		if c.conn == conn {
			c.conn = nil
			c.connState = Disconnected
			c.devState = DeviceNeutral
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.onChange()
		c.notify(Notice{Kind: NoticeSendFailure, Message: fmt.Sprintf("Send failed: %v", err)})
		return fmt.Errorf("controller: send %q: %w", cmd.Payload, err)
	}
	if c.connState == Connected && c.conn == conn {
		c.devState = cmd.Result
	}
	c.mu.Unlock()
	c.onChange()
	log.Debug("controller: sent %q", cmd.Payload)
	return nil
}

// SetAdapterEnabled asks the adapter service to power the radio on or off.
// Errors are reported without touching the connection state; a successful
// enable triggers a device refresh.
func (c *Controller) SetAdapterEnabled(enabled bool) error {
	var err error
	if enabled {
		err = c.adapter.RequestEnable()
	} else {
		err = c.adapter.RequestDisable()
	}
	if err != nil {
		c.notify(Notice{Kind: NoticeAdapterUnavailable, Message: fmt.Sprintf("Adapter request failed: %v", err)})
		return fmt.Errorf("controller: set adapter enabled=%t: %w", enabled, err)
	}
	if !enabled {
		// The state stream handles the forced disconnect.
		return nil
	}
	c.mu.Lock()
	c.adapterState = AdapterEnabled
	c.mu.Unlock()
	c.onChange()
	return c.RefreshDevices()
}

// Shutdown cancels the adapter subscription and releases any live connection.
// Idempotent.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	conn := c.conn
	c.conn = nil
	c.connState = Disconnected
	c.devState = DeviceNeutral
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if conn != nil {
		_ = conn.Close()
	}
	log.Info("controller: shut down")
}

// watchAdapter mirrors adapter power transitions into the controller. The
// radio going off invalidates any serial link unconditionally; the dead
// handle is released silently, without the disconnect handshake.
func (c *Controller) watchAdapter(ch <-chan AdapterState) {
	for state := range ch {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.adapterState = state
		var dropped transport.Conn
		if state == AdapterDisabled && (c.conn != nil || c.connState != Disconnected) {
			dropped = c.conn
			c.conn = nil
			c.connState = Disconnected
			c.devState = DeviceNeutral
		}
		c.mu.Unlock()
		c.onChange()
		if dropped != nil {
			_ = dropped.Close()
			log.Warning("controller: adapter disabled, connection dropped")
		}
	}
}

func writeAll(conn transport.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return conn.Flush()
}
