// Package capture defines the narrow capability interface through which
// the protocol core reaches the host's screen and input devices. The core
// holds whatever provider is available on this host, selected once at
// startup; protocol logic never branches on platform.
package capture

import (
	"context"
	"errors"
)

// ErrUnavailable means the host cannot currently serve captures or input
// injection (no display server, missing tools). Reported to the client
// once and then backed off, never fatal to the process.
var ErrUnavailable = errors.New("capture provider unavailable")

// Frame is one raw screen frame: RGBA, 4 bytes per pixel, row-major.
type Frame struct {
	Width  int
	Height int
	Data   []byte
}

// DisplayInfo describes one attached display.
type DisplayInfo struct {
	Index  int
	Width  int
	Height int
}

// ButtonNone passed to SendMouseEvent means "position the pointer only,
// no button change".
const ButtonNone uint8 = 0xFF

// Provider is the capability collaborator. Calls may block and may fail;
// the core assumes nothing else about the implementation.
type Provider interface {
	// CaptureScreen grabs the primary display. The context bounds the
	// wait before the call is treated as a failure.
	CaptureScreen(ctx context.Context) (Frame, error)
	SendMouseEvent(x, y int, button uint8, pressed bool) error
	SendKeyEvent(key string, pressed bool, modifiers []string) error
	ListDisplays() ([]DisplayInfo, error)
}

// New returns the provider for the current platform.
func New() (Provider, error) {
	return newPlatformProvider()
}
