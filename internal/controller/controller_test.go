package controller

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btswitch/internal/transport"
)

var errSimulatedWrite = errors.New("simulated write failure")
var errSimulatedOpen = errors.New("simulated open failure")

const settleTimeout = 2 * time.Second

var deviceA = Device{Address: "00:11:22:33:44:55", Name: "DeviceA"}

type fakeAdapter struct {
	mu         sync.Mutex
	state      AdapterState
	devices    []Device
	devErr     error
	enableErr  error
	disableErr error
	events     chan AdapterState
	cancelled  bool
}

func newFakeAdapter(state AdapterState) *fakeAdapter {
	return &fakeAdapter{state: state, events: make(chan AdapterState, 4)}
}

func (f *fakeAdapter) CurrentState() (AdapterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeAdapter) StateChanges() (<-chan AdapterState, func(), error) {
	return f.events, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.cancelled {
			f.cancelled = true
			close(f.events)
		}
	}, nil
}

func (f *fakeAdapter) RequestEnable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enableErr != nil {
		return f.enableErr
	}
	f.state = AdapterEnabled
	return nil
}

func (f *fakeAdapter) RequestDisable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disableErr != nil {
		return f.disableErr
	}
	f.state = AdapterDisabled
	return nil
}

func (f *fakeAdapter) BondedDevices() ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device(nil), f.devices...), f.devErr
}

func (f *fakeAdapter) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type fakeConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	closeErr error
	closes   int
	flushes  int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeOpener struct {
	mu     sync.Mutex
	conn   *fakeConn
	err    error
	gate   chan struct{} // when non-nil, Open blocks until closed or ctx expires
	opened int
}

func (f *fakeOpener) Open(ctx context.Context, address string) (transport.Conn, error) {
	f.mu.Lock()
	f.opened++
	gate := f.gate
	conn := f.conn
	err := f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *fakeOpener) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) add(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) has(kind NoticeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, adapter *fakeAdapter, opener *fakeOpener) (*Controller, *noticeRecorder) {
	t.Helper()
	rec := &noticeRecorder{}
	c, err := New(adapter, opener, Options{
		Notify:         rec.add,
		ConnectTimeout: 250 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, rec
}

// connectedController returns a controller with an established connection to
// deviceA.
func connectedController(t *testing.T, conn *fakeConn) (*Controller, *fakeAdapter, *noticeRecorder) {
	t.Helper()
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	c, rec := newTestController(t, adapter, &fakeOpener{conn: conn})
	require.NoError(t, c.RefreshDevices())
	require.NoError(t, c.Connect())
	require.Equal(t, Connected, c.State().Connection)
	return c, adapter, rec
}

func TestRefreshSelectsFirstDevice(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	c, _ := newTestController(t, adapter, &fakeOpener{})

	require.NoError(t, c.RefreshDevices())

	snap := c.State()
	require.NotNil(t, snap.Selected)
	assert.Equal(t, deviceA, *snap.Selected)
	assert.Equal(t, []Device{deviceA}, snap.Devices)
}

func TestRefreshKeepsExistingSelection(t *testing.T) {
	deviceB := Device{Address: "66:77:88:99:AA:BB", Name: "DeviceB"}
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA, deviceB}
	c, _ := newTestController(t, adapter, &fakeOpener{})

	require.NoError(t, c.SetSelectedDevice(deviceB))
	require.NoError(t, c.RefreshDevices())

	snap := c.State()
	require.NotNil(t, snap.Selected)
	assert.Equal(t, deviceB, *snap.Selected)
}

func TestRefreshRequiresEnabledAdapter(t *testing.T) {
	adapter := newFakeAdapter(AdapterDisabled)
	c, rec := newTestController(t, adapter, &fakeOpener{})

	err := c.RefreshDevices()

	assert.ErrorIs(t, err, ErrAdapterDisabled)
	assert.True(t, rec.has(NoticeAdapterUnavailable))
}

func TestRefreshEnumerationFailure(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devErr = errors.New("transport fell over")
	c, rec := newTestController(t, adapter, &fakeOpener{})

	err := c.RefreshDevices()

	require.Error(t, err)
	assert.True(t, rec.has(NoticeEnumerationFailure))
	assert.Empty(t, c.State().Devices)
}

func TestConnectSuccess(t *testing.T) {
	conn := &fakeConn{}
	c, _, rec := connectedController(t, conn)

	snap := c.State()
	assert.Equal(t, Connected, snap.Connection)
	assert.Equal(t, DeviceNeutral, snap.DeviceState)
	assert.True(t, rec.has(NoticeConnected))
	assert.Equal(t, 0, conn.closeCount())
}

func TestConnectTimeout(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	opener := &fakeOpener{gate: make(chan struct{})} // never released
	c, rec := newTestController(t, adapter, opener)
	require.NoError(t, c.RefreshDevices())

	err := c.Connect()

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, rec.has(NoticeConnectTimeout))
	snap := c.State()
	assert.Equal(t, Disconnected, snap.Connection)
	assert.Equal(t, DeviceNeutral, snap.DeviceState)
	// No connection object remains.
	assert.ErrorIs(t, c.SendCommand(CommandOn), ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	c, rec := newTestController(t, adapter, &fakeOpener{err: errSimulatedOpen})
	require.NoError(t, c.RefreshDevices())

	err := c.Connect()

	assert.ErrorIs(t, err, errSimulatedOpen)
	assert.True(t, rec.has(NoticeConnectFailure))
	assert.Equal(t, Disconnected, c.State().Connection)
}

func TestConnectWhileBusyIsRejected(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	gate := make(chan struct{})
	opener := &fakeOpener{conn: &fakeConn{}, gate: gate}
	c, _ := newTestController(t, adapter, opener)
	require.NoError(t, c.RefreshDevices())

	first := make(chan error, 1)
	go func() { first <- c.Connect() }()
	require.Eventually(t, func() bool {
		return c.State().Connection == Connecting
	}, settleTimeout, 5*time.Millisecond)

	// Overlapping mutating call: no state change, no second open.
	assert.ErrorIs(t, c.Connect(), ErrBusy)
	assert.Equal(t, Connecting, c.State().Connection)
	assert.Equal(t, 1, opener.openCount())

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, Connected, c.State().Connection)
	assert.Equal(t, 1, opener.openCount())
}

func TestConnectRequiresSelection(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	c, _ := newTestController(t, adapter, &fakeOpener{})

	assert.ErrorIs(t, c.Connect(), ErrNoDeviceSelected)
}

func TestConnectWhileConnected(t *testing.T) {
	c, _, _ := connectedController(t, &fakeConn{})

	assert.ErrorIs(t, c.Connect(), ErrNotDisconnected)
}

func TestSendCommandOn(t *testing.T) {
	conn := &fakeConn{}
	c, _, _ := connectedController(t, conn)

	require.NoError(t, c.SendCommand(CommandOn))

	assert.Equal(t, DeviceOn, c.State().DeviceState)
	assert.Equal(t, "1\r\n", conn.written())
}

func TestSendCommandOff(t *testing.T) {
	conn := &fakeConn{}
	c, _, _ := connectedController(t, conn)

	require.NoError(t, c.SendCommand(CommandOff))

	assert.Equal(t, DeviceOff, c.State().DeviceState)
	assert.Equal(t, "0\r\n", conn.written())
}

func TestSendCommandFailureTearsDown(t *testing.T) {
	conn := &fakeConn{writeErr: errSimulatedWrite}
	c, _, rec := connectedController(t, conn)

	err := c.SendCommand(CommandOn)

	assert.ErrorIs(t, err, errSimulatedWrite)
	assert.True(t, rec.has(NoticeSendFailure))
	snap := c.State()
	assert.Equal(t, Disconnected, snap.Connection)
	assert.Equal(t, DeviceNeutral, snap.DeviceState)
	assert.Equal(t, 1, conn.closeCount())
	assert.ErrorIs(t, c.SendCommand(CommandOn), ErrNotConnected)
}

func TestSendCommandRequiresConnection(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	c, _ := newTestController(t, adapter, &fakeOpener{})
	require.NoError(t, c.RefreshDevices())

	err := c.SendCommand(CommandOn)

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, DeviceNeutral, c.State().DeviceState)
}

func TestDisconnectCleansUpDespiteCloseError(t *testing.T) {
	conn := &fakeConn{closeErr: errors.New("close refused")}
	c, _, rec := connectedController(t, conn)
	require.NoError(t, c.SendCommand(CommandOn))

	err := c.Disconnect()

	require.Error(t, err)
	assert.True(t, rec.has(NoticeDisconnectFailure))
	snap := c.State()
	assert.Equal(t, Disconnected, snap.Connection)
	assert.Equal(t, DeviceNeutral, snap.DeviceState)
}

func TestDisconnectWithoutConnection(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	c, _ := newTestController(t, adapter, &fakeOpener{})

	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State().Connection)
}

func TestAdapterDisabledForcesDisconnect(t *testing.T) {
	conn := &fakeConn{}
	c, adapter, _ := connectedController(t, conn)
	require.NoError(t, c.SendCommand(CommandOn))

	adapter.events <- AdapterDisabled

	require.Eventually(t, func() bool {
		snap := c.State()
		return snap.Connection == Disconnected &&
			snap.DeviceState == DeviceNeutral &&
			snap.Adapter == AdapterDisabled
	}, settleTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, conn.closeCount())
}

func TestSelectionLockedWhileConnected(t *testing.T) {
	c, _, _ := connectedController(t, &fakeConn{})

	err := c.SetSelectedDevice(Device{Address: "66:77:88:99:AA:BB"})

	assert.ErrorIs(t, err, ErrSelectionLocked)
	assert.Equal(t, deviceA, *c.State().Selected)
}

func TestSetAdapterEnabledRefreshesDevices(t *testing.T) {
	adapter := newFakeAdapter(AdapterDisabled)
	adapter.devices = []Device{deviceA}
	c, _ := newTestController(t, adapter, &fakeOpener{})

	require.NoError(t, c.SetAdapterEnabled(true))

	snap := c.State()
	assert.Equal(t, AdapterEnabled, snap.Adapter)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, deviceA, *snap.Selected)
}

func TestSetAdapterEnabledFailure(t *testing.T) {
	adapter := newFakeAdapter(AdapterDisabled)
	adapter.enableErr = errors.New("rfkill says no")
	c, rec := newTestController(t, adapter, &fakeOpener{})

	err := c.SetAdapterEnabled(true)

	require.Error(t, err)
	assert.True(t, rec.has(NoticeAdapterUnavailable))
	assert.Equal(t, Disconnected, c.State().Connection)
}

func TestShutdownIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	c, adapter, _ := connectedController(t, conn)

	c.Shutdown()
	c.Shutdown()

	assert.True(t, adapter.wasCancelled())
	assert.Equal(t, 1, conn.closeCount())
	assert.ErrorIs(t, c.Connect(), ErrClosed)
}

func TestShutdownDuringConnect(t *testing.T) {
	adapter := newFakeAdapter(AdapterEnabled)
	adapter.devices = []Device{deviceA}
	conn := &fakeConn{}
	gate := make(chan struct{})
	opener := &fakeOpener{conn: conn, gate: gate}
	c, _ := newTestController(t, adapter, opener)
	require.NoError(t, c.RefreshDevices())

	result := make(chan error, 1)
	go func() { result <- c.Connect() }()
	require.Eventually(t, func() bool {
		return c.State().Connection == Connecting
	}, settleTimeout, 5*time.Millisecond)

	c.Shutdown()
	close(gate)

	assert.ErrorIs(t, <-result, ErrClosed)
	// The completion callback must not resurrect the connection.
	assert.Equal(t, Disconnected, c.State().Connection)
	assert.Equal(t, 1, conn.closeCount())
}
