package transport

import (
	"context"
	"fmt"
	"os"

	"go.bug.st/serial"
)

// PortOpener opens serial port device paths (e.g. /dev/rfcomm0) for the
// manual connection path, where the RFCOMM binding already exists outside
// the application.
type PortOpener struct {
	// Mode overrides the port parameters. Nil selects 115200 8N1.
	Mode *serial.Mode
}

func defaultMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (o *PortOpener) Open(ctx context.Context, address string) (Conn, error) {
	if address == "" {
		return nil, ErrNoAddress
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := o.Mode
	if mode == nil {
		mode = defaultMode()
	}
	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open port %s: %w", address, err)
	}
	return &portConn{port: port}, nil
}

type portConn struct {
	port serial.Port
}

func (c *portConn) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *portConn) Flush() error                { return c.port.Drain() }
func (c *portConn) Close() error                { return c.port.Close() }

// ListPorts returns candidate serial ports for the manual path: whatever the
// OS enumerates, plus /dev/rfcommN nodes, which the enumerator misses on some
// distributions.
func ListPorts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if ports, err := serial.GetPortsList(); err == nil {
		for _, p := range ports {
			add(p)
		}
	}
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/dev/rfcomm%d", i)
		if _, err := os.Stat(p); err == nil {
			add(p)
		}
	}
	return out
}
