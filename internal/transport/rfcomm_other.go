//go:build !linux

package transport

import "context"

// ProfileOpener is a compatibility type for platforms without BlueZ. Paired
// SPP devices surface as serial ports there, so the manual PortOpener path is
// the supported route.
type ProfileOpener struct{}

func NewProfileOpener() (*ProfileOpener, error) {
	return &ProfileOpener{}, nil
}

func (o *ProfileOpener) Open(ctx context.Context, address string) (Conn, error) {
	return nil, ErrNotSupported
}

func (o *ProfileOpener) Close() error { return nil }
