//go:build linux

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const inputTimeout = 3 * time.Second

// linuxProvider drives an X11 desktop through the standard command-line
// tools: ImageMagick's import for capture, xdotool for input injection and
// display geometry.
type linuxProvider struct{}

func newPlatformProvider() (Provider, error) {
	if os.Getenv("DISPLAY") == "" {
		return nil, fmt.Errorf("%w: DISPLAY not set", ErrUnavailable)
	}
	for _, tool := range []string{"import", "xdotool"} {
		if _, err := exec.LookPath(tool); err != nil {
			return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, tool)
		}
	}
	return &linuxProvider{}, nil
}

func (p *linuxProvider) CaptureScreen(ctx context.Context) (Frame, error) {
	cmd := exec.CommandContext(ctx, "import", "-window", "root", "png:-")
	out, err := cmd.Output()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: import: %v", ErrUnavailable, err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return Frame{}, fmt.Errorf("decode captured frame: %w", err)
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	}
	return Frame{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Data:   rgba.Pix,
	}, nil
}

func (p *linuxProvider) SendMouseEvent(x, y int, button uint8, pressed bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "xdotool", "mousemove",
		strconv.Itoa(x), strconv.Itoa(y)).Run(); err != nil {
		return fmt.Errorf("mousemove: %w", err)
	}
	if button == ButtonNone {
		return nil
	}

	// X11 buttons: 1 left, 2 middle, 3 right.
	xbutton := map[uint8]string{0: "1", 1: "2", 2: "3"}[button]
	action := "mouseup"
	if pressed {
		action = "mousedown"
	}
	if err := exec.CommandContext(ctx, "xdotool", action, xbutton).Run(); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (p *linuxProvider) SendKeyEvent(key string, pressed bool, modifiers []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()

	action := "keyup"
	if pressed {
		action = "keydown"
	}
	seq := key
	if len(modifiers) > 0 {
		seq = strings.Join(modifiers, "+") + "+" + key
	}
	if err := exec.CommandContext(ctx, "xdotool", action, seq).Run(); err != nil {
		return fmt.Errorf("%s %q: %w", action, key, err)
	}
	return nil
}

func (p *linuxProvider) ListDisplays() ([]DisplayInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "xdotool", "getdisplaygeometry").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: getdisplaygeometry: %v", ErrUnavailable, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return nil, fmt.Errorf("unexpected geometry output %q", out)
	}
	w, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, err
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	return []DisplayInfo{{Index: 0, Width: w, Height: h}}, nil
}
