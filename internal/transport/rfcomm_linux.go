//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"btswitch/internal/log"
)

// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterPath         = "/org/bluez/hci0"
)

var pathCounter uint64

// ProfileOpener obtains RFCOMM socket FDs by registering a client-side SPP
// profile with BlueZ and calling Device1.ConnectProfile on the target device.
// The profile is registered lazily on first use; one opener serves any number
// of sequential connections. At most one Open call may be in flight at a time.
type ProfileOpener struct {
	mu       sync.Mutex
	closed   bool
	bus      *dbus.Conn
	prof     *clientProfile
	profPath dbus.ObjectPath

	// cleanup functions released by Close, executed once in reverse order.
	cleanup []func()
}

// NewProfileOpener creates an opener. No bus traffic happens until Open.
func NewProfileOpener() (*ProfileOpener, error) {
	return &ProfileOpener{}, nil
}

// deviceObjectPath converts an address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

type connResult struct {
	fd  int
	err error
}

// clientProfile implements org.bluez.Profile1 and forwards NewConnection
// events to the Open call currently waiting, if any.
type clientProfile struct {
	mu      sync.Mutex
	pending chan connResult
}

// arm claims the profile for one Open call. Returns nil if another call is
// already waiting.
func (p *clientProfile) arm() chan connResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return nil
	}
	p.pending = make(chan connResult, 1)
	return p.pending
}

func (p *clientProfile) disarm() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Release is called by BlueZ when the profile is being released.
func (p *clientProfile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *clientProfile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; teardown happens through Conn.Close.
func (p *clientProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting Open call.
func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if ch == nil {
		// No waiter; close the FD and reject to avoid leaks.
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	log.Debug("transport: NewConnection from %s fd=%d", dev, fd)
	ch <- connResult{fd: int(fd)}
	return nil
}

// ensureRegisteredLocked connects to the system bus and registers the client
// profile if not done yet. Callers must hold o.mu.
func (o *ProfileOpener) ensureRegisteredLocked() error {
	if o.prof != nil {
		return nil
	}
	if o.bus == nil {
		c, err := dbus.SystemBus()
		if err != nil {
			return fmt.Errorf("transport: connect system bus: %w", err)
		}
		o.bus = c
		// Close the bus last during cleanup.
		o.cleanup = append(o.cleanup, func() { o.bus.Close() })
	}

	prof := &clientProfile{}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btswitch/profile/p" + strconv.FormatUint(id, 10))
	if err := o.bus.Export(prof, path, profileIface); err != nil {
		return fmt.Errorf("transport: export client profile: %w", err)
	}

	pm := o.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
		_ = o.bus.Export(nil, path, profileIface)
		return fmt.Errorf("transport: RegisterProfile: %w", call.Err)
	}
	o.cleanup = append(o.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = o.bus.Export(nil, path, profileIface)
	})
	o.prof = prof
	o.profPath = path
	log.Info("transport: SPP client profile registered at %s", path)
	return nil
}

func (o *ProfileOpener) Open(ctx context.Context, address string) (Conn, error) {
	if address == "" {
		return nil, ErrNoAddress
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("transport: opener closed")
	}
	if err := o.ensureRegisteredLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	bus := o.bus
	prof := o.prof
	o.mu.Unlock()

	ch := prof.arm()
	if ch == nil {
		return nil, errors.New("transport: connect already in progress")
	}
	defer prof.disarm()

	// BlueZ delivers the FD via Profile1.NewConnection, usually before the
	// ConnectProfile reply lands, so wait on both.
	devObj := bus.Object(bluezService, deviceObjectPath(address))
	call := devObj.Go(deviceIface+".ConnectProfile", 0, make(chan *dbus.Call, 1), SPPUUID)
	done := call.Done
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: connect %s: %w", address, ctx.Err())
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			return &fdConn{file: os.NewFile(uintptr(res.fd), "rfcomm")}, nil
		case finished := <-done:
			if finished.Err != nil {
				return nil, fmt.Errorf("transport: ConnectProfile %s: %w", address, finished.Err)
			}
			// Reply arrived first; keep waiting for the FD.
			done = nil
		}
	}
}

// Close unregisters the profile and closes the bus. Idempotent and safe for
// concurrent use.
func (o *ProfileOpener) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cleanup := o.cleanup
	o.cleanup = nil
	o.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// fdConn wraps the RFCOMM socket FD handed over by BlueZ.
type fdConn struct {
	file *os.File
}

func (c *fdConn) Write(p []byte) (int, error) { return c.file.Write(p) }

// Flush is a no-op: socket writes are handed to the kernel synchronously.
func (c *fdConn) Flush() error { return nil }

func (c *fdConn) Close() error { return c.file.Close() }
