package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"btswitch/internal/bluez"
	"btswitch/internal/controller"
	"btswitch/internal/log"
	"btswitch/internal/permission"
	"btswitch/internal/transport"
)

const (
	AppVersion = "1.0.0"
	AppName    = "BT Switch"
)

// routeOpener sends serial port paths to the port opener and Bluetooth
// addresses to the BlueZ profile opener.
type routeOpener struct {
	profile transport.Opener
	port    transport.Opener
}

func (o *routeOpener) Open(ctx context.Context, address string) (transport.Conn, error) {
	if strings.HasPrefix(address, "/") || strings.HasPrefix(strings.ToUpper(address), "COM") {
		return o.port.Open(ctx, address)
	}
	return o.profile.Open(ctx, address)
}

type App struct {
	fyneApp fyne.App
	window  fyne.Window
	ctrl    *controller.Controller
	opener  *transport.ProfileOpener
	adapter *bluez.Service
	perms   permission.Service

	// Widgets that need updating
	statusLabel    *widget.Label
	stateLabel     *widget.Label
	adapterCheck   *widget.Check
	deviceSelect   *widget.Select
	refreshBtn     *widget.Button
	connectBtn     *widget.Button
	onBtn          *widget.Button
	offBtn         *widget.Button
	portSelect     *widget.Select
	portConnectBtn *widget.Button

	// Devices cache for select index mapping
	devices []controller.Device

	noticeMu     sync.Mutex
	noticeActive bool
	noticeGen    int
}

func main() {
	if os.Getenv("BTSWITCH_DEBUG") != "" {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelWarning)
	}

	a := app.New()
	w := a.NewWindow(fmt.Sprintf("%s v%s", AppName, AppVersion))
	w.Resize(fyne.NewSize(420, 480))

	adapter, err := bluez.New()
	if err != nil {
		w.SetContent(widget.NewLabel(fmt.Sprintf("Bluetooth unavailable: %v", err)))
		w.ShowAndRun()
		return
	}

	opener, err := transport.NewProfileOpener()
	if err != nil {
		adapter.Close()
		w.SetContent(widget.NewLabel(fmt.Sprintf("Bluetooth unavailable: %v", err)))
		w.ShowAndRun()
		return
	}

	ui := &App{
		fyneApp: a,
		window:  w,
		adapter: adapter,
		opener:  opener,
		perms:   permission.NewHostService(),
	}

	ctrl, err := controller.New(adapter, &routeOpener{profile: opener, port: &transport.PortOpener{}}, controller.Options{
		Notify:   ui.showNotice,
		OnChange: ui.render,
	})
	if err != nil {
		adapter.Close()
		w.SetContent(widget.NewLabel(fmt.Sprintf("Bluetooth unavailable: %v", err)))
		w.ShowAndRun()
		return
	}
	ui.ctrl = ctrl

	w.SetMainMenu(ui.buildMenu())
	w.SetContent(ui.buildUI())
	w.SetOnClosed(ui.cleanup)

	go ui.checkPermissions()
	go func() {
		ui.ctrl.RefreshDevices()
		ui.refreshPorts()
	}()

	w.ShowAndRun()
}

func (a *App) buildMenu() *fyne.MainMenu {
	aboutItem := fyne.NewMenuItem("About", func() {
		a.showAboutDialog()
	})

	helpMenu := fyne.NewMenu("Help", aboutItem)

	return fyne.NewMainMenu(helpMenu)
}

func (a *App) showAboutDialog() {
	content := container.NewVBox(
		widget.NewLabelWithStyle(AppName, fyne.TextAlignCenter, fyne.TextStyle{Bold: true}),
		widget.NewLabel(fmt.Sprintf("Version %s", AppVersion)),
		widget.NewSeparator(),
		widget.NewLabel("A control panel for Bluetooth serial switch devices."),
		widget.NewLabel(""),
		widget.NewLabel("Built with Fyne and Go"),
	)

	dialog.ShowCustom("About", "Close", content, a.window)
}

func (a *App) cleanup() {
	if a.ctrl != nil {
		a.ctrl.Shutdown()
	}
	if a.opener != nil {
		a.opener.Close()
	}
	if a.adapter != nil {
		a.adapter.Close()
	}
}

func (a *App) buildUI() fyne.CanvasObject {
	// Status bar
	a.statusLabel = widget.NewLabel("Not connected")

	// === ADAPTER SECTION ===
	a.adapterCheck = widget.NewCheck("Bluetooth enabled", func(on bool) {
		go a.ctrl.SetAdapterEnabled(on)
	})

	// === DEVICE SECTION ===
	a.deviceSelect = widget.NewSelect([]string{}, func(s string) {
		a.selectDevice(s)
	})
	a.refreshBtn = widget.NewButton("↻", func() {
		go a.ctrl.RefreshDevices()
	})
	a.connectBtn = widget.NewButton("Connect", func() {
		a.toggleConnection()
	})

	deviceRow := container.NewBorder(
		nil, nil, nil,
		container.NewHBox(a.refreshBtn, a.connectBtn),
		a.deviceSelect,
	)

	// === SWITCH SECTION ===
	a.stateLabel = widget.NewLabelWithStyle("Switch: —", fyne.TextAlignCenter, fyne.TextStyle{Bold: true})
	a.onBtn = widget.NewButton("Turn ON", func() {
		go a.ctrl.SendCommand(controller.CommandOn)
	})
	a.onBtn.Importance = widget.HighImportance
	a.onBtn.Disable()
	a.offBtn = widget.NewButton("Turn OFF", func() {
		go a.ctrl.SendCommand(controller.CommandOff)
	})
	a.offBtn.Disable()

	switchRow := container.NewGridWithColumns(2, a.onBtn, a.offBtn)

	// === MANUAL PORT SECTION (advanced) ===
	a.portSelect = widget.NewSelect([]string{}, func(s string) {})
	a.portConnectBtn = widget.NewButton("Connect Port", func() {
		a.connectPort()
	})
	portRefreshBtn := widget.NewButton("↻", func() {
		a.refreshPorts()
	})

	portRow := container.NewBorder(
		nil, nil, nil,
		container.NewHBox(portRefreshBtn, a.portConnectBtn),
		a.portSelect,
	)
	advancedContent := container.NewVBox(
		widget.NewLabel("Manual Port (if already bound):"),
		portRow,
	)

	panel := container.NewVBox(
		a.adapterCheck,
		widget.NewSeparator(),
		widget.NewLabel("Paired Device:"),
		deviceRow,
		widget.NewSeparator(),
		a.stateLabel,
		switchRow,
		widget.NewSeparator(),
		widget.NewAccordion(
			widget.NewAccordionItem("Advanced", advancedContent),
		),
	)

	a.render()

	return container.NewBorder(
		nil,
		container.NewHBox(a.statusLabel),
		nil, nil,
		panel,
	)
}

// render pushes the current controller state into the widgets. Safe to call
// from any goroutine; invoked on every controller state change.
func (a *App) render() {
	if a.ctrl == nil || a.statusLabel == nil {
		return
	}
	snap := a.ctrl.State()

	// Adapter toggle. Set the field directly so the callback does not re-fire.
	a.adapterCheck.Checked = snap.Adapter == controller.AdapterEnabled
	a.adapterCheck.Refresh()

	// Device list.
	a.devices = snap.Devices
	options := make([]string, len(snap.Devices))
	for i, d := range snap.Devices {
		options[i] = deviceOption(d)
	}
	a.deviceSelect.Options = options
	if snap.Selected != nil {
		a.deviceSelect.Selected = deviceOption(*snap.Selected)
	}
	a.deviceSelect.Refresh()

	switch snap.Connection {
	case controller.Disconnected:
		a.connectBtn.SetText("Connect")
		a.connectBtn.Enable()
		a.deviceSelect.Enable()
		a.refreshBtn.Enable()
		a.portConnectBtn.Enable()
		a.onBtn.Disable()
		a.offBtn.Disable()
	case controller.Connecting:
		a.connectBtn.SetText("Connecting...")
		a.connectBtn.Disable()
		a.deviceSelect.Disable()
		a.refreshBtn.Disable()
		a.portConnectBtn.Disable()
		a.onBtn.Disable()
		a.offBtn.Disable()
	case controller.Connected:
		a.connectBtn.SetText("Disconnect")
		a.connectBtn.Enable()
		a.deviceSelect.Disable()
		a.refreshBtn.Disable()
		a.portConnectBtn.Disable()
		a.onBtn.Enable()
		a.offBtn.Enable()
	}

	switch snap.DeviceState {
	case controller.DeviceOn:
		a.stateLabel.SetText("Switch: ON")
	case controller.DeviceOff:
		a.stateLabel.SetText("Switch: OFF")
	default:
		a.stateLabel.SetText("Switch: —")
	}

	a.noticeMu.Lock()
	active := a.noticeActive
	a.noticeMu.Unlock()
	if !active {
		a.statusLabel.SetText(statusText(snap))
	}
}

func deviceOption(d controller.Device) string {
	return fmt.Sprintf("%s (%s)", d.Label(), d.Address)
}

func statusText(snap controller.Snapshot) string {
	switch snap.Connection {
	case controller.Connecting:
		if snap.Selected != nil {
			return fmt.Sprintf("Connecting to %s...", snap.Selected.Label())
		}
		return "Connecting..."
	case controller.Connected:
		if snap.Selected != nil {
			return fmt.Sprintf("Connected to %s", snap.Selected.Label())
		}
		return "Connected"
	}
	if snap.Adapter != controller.AdapterEnabled {
		return "Bluetooth is off"
	}
	return "Not connected"
}

// showNotice displays a transient message in the status bar for
// controller.NoticeDuration, then falls back to plain state.
func (a *App) showNotice(n controller.Notice) {
	if a.statusLabel == nil {
		return
	}
	a.noticeMu.Lock()
	a.noticeGen++
	gen := a.noticeGen
	a.noticeActive = true
	a.noticeMu.Unlock()

	a.statusLabel.SetText(n.Message)

	time.AfterFunc(controller.NoticeDuration, func() {
		a.noticeMu.Lock()
		if a.noticeGen != gen {
			a.noticeMu.Unlock()
			return
		}
		a.noticeActive = false
		a.noticeMu.Unlock()
		a.render()
	})
}

func (a *App) selectDevice(option string) {
	for _, d := range a.devices {
		if deviceOption(d) == option {
			a.ctrl.SetSelectedDevice(d)
			return
		}
	}
}

func (a *App) toggleConnection() {
	snap := a.ctrl.State()
	if snap.Connection == controller.Disconnected {
		go a.ctrl.Connect()
	} else {
		go a.ctrl.Disconnect()
	}
}

func (a *App) refreshPorts() {
	ports := transport.ListPorts()
	a.portSelect.Options = ports
	if len(ports) > 0 && a.portSelect.Selected == "" {
		a.portSelect.Selected = ports[0]
	}
	a.portSelect.Refresh()
}

func (a *App) connectPort() {
	port := a.portSelect.Selected
	if port == "" {
		dialog.ShowError(fmt.Errorf("no port selected"), a.window)
		return
	}
	go func() {
		dev := controller.Device{Address: port, Name: filepath.Base(port)}
		if err := a.ctrl.SetSelectedDevice(dev); err != nil {
			return
		}
		a.ctrl.Connect()
	}()
}

func (a *App) checkPermissions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	granted, err := a.perms.RequestAll(ctx, permission.Required)
	if err != nil {
		a.showNotice(controller.Notice{
			Kind:    controller.NoticePermissionDenied,
			Message: fmt.Sprintf("Permission check failed: %v", err),
		})
		return
	}
	var denied []string
	for _, k := range permission.Required {
		if !granted[k] {
			denied = append(denied, string(k))
		}
	}
	if len(denied) == 0 {
		return
	}
	msg := fmt.Sprintf("Missing permissions: %s", strings.Join(denied, ", "))
	a.showNotice(controller.Notice{Kind: controller.NoticePermissionDenied, Message: msg})
	dialog.ShowError(fmt.Errorf("%s", msg), a.window)
}
