// Package transport prepares byte-stream connections to Bluetooth Classic
// serial (SPP/RFCOMM) devices.
//
// Two openers are provided: ProfileOpener obtains an RFCOMM socket through
// BlueZ profile registration (Linux only), and PortOpener drives an already
// bound serial port such as /dev/rfcomm0. Openers hand connection ownership
// to the caller; Close must be called exactly once per connection.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotSupported = errors.New("transport: operation not supported on this platform")
	ErrNoAddress    = errors.New("transport: device address required")
)

// Conn is a live serial-profile connection. Write may accept fewer bytes than
// given; Flush blocks until previously written bytes have left the process.
type Conn interface {
	Write(p []byte) (n int, err error)
	Flush() error
	Close() error
}

// Opener establishes a connection to a device address. Timeouts and
// cancellation are controlled by ctx; errors wrapping context.DeadlineExceeded
// indicate a connect timeout rather than a transport failure.
type Opener interface {
	Open(ctx context.Context, address string) (Conn, error)
}
