// Package input validates and forwards pointer and key events to the
// platform collaborator.
package input

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/protocol"
)

// ErrInvalidInput means an event failed validation and was not forwarded.
var ErrInvalidInput = errors.New("invalid input event")

const maxKeyNameLen = 64

var allowedModifiers = map[string]bool{
	"shift": true,
	"ctrl":  true,
	"alt":   true,
	"super": true,
}

// Dispatcher validates events against the last known screen bounds and
// forwards them. Forwarding is fire-and-forget per event: a failed
// injection is reported but never retried. Ordering is whatever order
// events arrive in on a single connection.
type Dispatcher struct {
	provider capture.Provider

	mu     sync.Mutex
	width  int
	height int
}

// NewDispatcher creates a dispatcher bounded by the given screen size.
func NewDispatcher(provider capture.Provider, width, height int) *Dispatcher {
	return &Dispatcher{provider: provider, width: width, height: height}
}

// SetBounds updates the screen bounds used for coordinate validation,
// called when the capture pipeline observes a new frame size.
func (d *Dispatcher) SetBounds(width, height int) {
	d.mu.Lock()
	d.width, d.height = width, height
	d.mu.Unlock()
}

func (d *Dispatcher) checkCoords(x, y int16) error {
	d.mu.Lock()
	w, h := d.width, d.height
	d.mu.Unlock()
	if x < 0 || y < 0 || int(x) >= w || int(y) >= h {
		return fmt.Errorf("%w: coordinates (%d,%d) outside %dx%d", ErrInvalidInput, x, y, w, h)
	}
	return nil
}

// MouseMove validates and forwards a pointer move.
func (d *Dispatcher) MouseMove(ev protocol.MouseMove) error {
	if err := d.checkCoords(ev.X, ev.Y); err != nil {
		return err
	}
	return d.provider.SendMouseEvent(int(ev.X), int(ev.Y), capture.ButtonNone, false)
}

// MouseClick validates and forwards a button press or release.
func (d *Dispatcher) MouseClick(ev protocol.MouseClick) error {
	if err := d.checkCoords(ev.X, ev.Y); err != nil {
		return err
	}
	if ev.Button > protocol.ButtonRight {
		return fmt.Errorf("%w: unknown button %d", ErrInvalidInput, ev.Button)
	}
	return d.provider.SendMouseEvent(int(ev.X), int(ev.Y), ev.Button, ev.Pressed)
}

// KeyEvent validates and forwards a key press or release.
func (d *Dispatcher) KeyEvent(ev protocol.KeyEvent) error {
	if ev.Key == "" || len(ev.Key) > maxKeyNameLen {
		return fmt.Errorf("%w: bad key name", ErrInvalidInput)
	}
	for _, mod := range ev.Modifiers {
		if !allowedModifiers[mod] {
			return fmt.Errorf("%w: unknown modifier %q", ErrInvalidInput, mod)
		}
	}
	return d.provider.SendKeyEvent(ev.Key, ev.Pressed, ev.Modifiers)
}
