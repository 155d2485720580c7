package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Structured payloads (AUTH, KEY_EVENT, FILE_TRANSFER, INFO, ...) travel as
// JSON documents so field sets can grow without breaking older clients.
// Fixed-size event payloads (MOUSE_MOVE, MOUSE_CLICK) and the SCREENSHOT
// header are packed binary for compactness on the hot path.

// AuthRequest carries credentials plus the screenshot formats the client
// can display, in preference order.
type AuthRequest struct {
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	ScreenFormats []string `json:"screen_formats,omitempty"`
}

// AuthResponse reports the outcome of an AUTH attempt. On success it
// carries the session token, the salt the client needs to derive the
// session key, and the negotiated screenshot format.
type AuthResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Token      string `json:"token,omitempty"`
	Salt       string `json:"salt,omitempty"` // hex, for session key derivation
	Iterations int    `json:"iterations,omitempty"`
	ExpiresIn  int64  `json:"expires_in,omitempty"`
	Format     string `json:"format,omitempty"`
}

// KeyEvent is a single key press or release.
type KeyEvent struct {
	Key       string   `json:"key"`
	Pressed   bool     `json:"pressed"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// ClipboardUpdate replicates clipboard text across the connection.
type ClipboardUpdate struct {
	Text string `json:"text"`
}

// SystemCommand requests one of a small allow-listed set of server-side
// commands ("info", "displays").
type SystemCommand struct {
	Command string `json:"command"`
}

// ErrorPayload is the body of an ERROR message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DisplayInfo describes one attached display.
type DisplayInfo struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Info is the body of an INFO response. Memory, disk, and uptime are
// zero on hosts where they cannot be read.
type Info struct {
	Hostname        string        `json:"hostname"`
	OS              string        `json:"os"`
	Arch            string        `json:"arch"`
	NumCPU          int           `json:"num_cpu"`
	TotalMemory     int64         `json:"total_memory,omitempty"`
	FreeMemory      int64         `json:"free_memory,omitempty"`
	DiskTotal       int64         `json:"disk_total,omitempty"`
	DiskFree        int64         `json:"disk_free,omitempty"`
	UptimeSeconds   int64         `json:"uptime_seconds,omitempty"`
	ScreenAvailable bool          `json:"screen_available"`
	InputAvailable  bool          `json:"input_available"`
	Displays        []DisplayInfo `json:"displays,omitempty"`
}

// File transfer sub-protocol operations.
const (
	FileOpUpload   = "upload"
	FileOpDownload = "download"
	FileOpList     = "list"
	FileOpDelete   = "delete"
	FileOpChunk    = "chunk"
	FileOpComplete = "complete"
	FileOpAbort    = "abort"
)

// FileTransferRequest starts or advances a file operation. Chunk data is
// base64-encoded by encoding/json's []byte handling.
type FileTransferRequest struct {
	Op        string `json:"op"`
	ID        string `json:"id,omitempty"`
	Path      string `json:"path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// FileEntry describes one directory entry in a list response.
type FileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Mode     string `json:"mode"`
	Modified int64  `json:"modified"`
	IsDir    bool   `json:"is_dir"`
}

// FileTransferResponse reports the outcome of a file operation. Failures
// use Status "error" with a structured code; the connection survives.
type FileTransferResponse struct {
	Op      string      `json:"op"`
	ID      string      `json:"id,omitempty"`
	Status  string      `json:"status"` // "ok" or "error"
	Code    ErrorCode   `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Size    int64       `json:"size,omitempty"`
	Offset  int64       `json:"offset,omitempty"`
	Data    []byte      `json:"data,omitempty"`
	Entries []FileEntry `json:"entries,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// MarshalJSONPayload encodes a structured payload record.
func MarshalJSONPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalJSONPayload decodes a structured payload record.
func UnmarshalJSONPayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// --- Binary payloads ---

// Mouse buttons.
const (
	ButtonLeft   uint8 = 0
	ButtonMiddle uint8 = 1
	ButtonRight  uint8 = 2
)

// MouseMove payload: int16 x, int16 y (big-endian).
type MouseMove struct {
	X int16
	Y int16
}

const mouseMoveSize = 4

func (m MouseMove) Encode() []byte {
	buf := make([]byte, mouseMoveSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.X))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Y))
	return buf
}

func DecodeMouseMove(payload []byte) (MouseMove, error) {
	if len(payload) < mouseMoveSize {
		return MouseMove{}, ErrShortPayload
	}
	return MouseMove{
		X: int16(binary.BigEndian.Uint16(payload[0:2])),
		Y: int16(binary.BigEndian.Uint16(payload[2:4])),
	}, nil
}

// MouseClick payload: int16 x, int16 y, u8 button, u8 pressed.
type MouseClick struct {
	X       int16
	Y       int16
	Button  uint8
	Pressed bool
}

const mouseClickSize = 6

func (m MouseClick) Encode() []byte {
	buf := make([]byte, mouseClickSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.X))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Y))
	buf[4] = m.Button
	if m.Pressed {
		buf[5] = 1
	}
	return buf
}

func DecodeMouseClick(payload []byte) (MouseClick, error) {
	if len(payload) < mouseClickSize {
		return MouseClick{}, ErrShortPayload
	}
	return MouseClick{
		X:       int16(binary.BigEndian.Uint16(payload[0:2])),
		Y:       int16(binary.BigEndian.Uint16(payload[2:4])),
		Button:  payload[4],
		Pressed: payload[5] != 0,
	}, nil
}

// Screenshot frame formats.
type FrameFormat uint8

const (
	FormatPNG  FrameFormat = 0
	FormatZRaw FrameFormat = 1 // zlib-compressed raw RGBA
)

// FormatName maps a frame format to the name clients advertise.
func (f FrameFormat) Name() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatZRaw:
		return "zraw"
	default:
		return "unknown"
	}
}

// FormatByName resolves an advertised format name.
func FormatByName(name string) (FrameFormat, bool) {
	switch name {
	case "png":
		return FormatPNG, true
	case "zraw":
		return FormatZRaw, true
	default:
		return 0, false
	}
}

// Screenshot payload: u16 width, u16 height, u8 format, u8 flags, data.
type Screenshot struct {
	Width  uint16
	Height uint16
	Format FrameFormat
	Flags  uint8
	Data   []byte
}

const screenshotHeaderSize = 6

func (s Screenshot) Encode() []byte {
	buf := make([]byte, screenshotHeaderSize+len(s.Data))
	binary.BigEndian.PutUint16(buf[0:2], s.Width)
	binary.BigEndian.PutUint16(buf[2:4], s.Height)
	buf[4] = byte(s.Format)
	buf[5] = s.Flags
	copy(buf[screenshotHeaderSize:], s.Data)
	return buf
}

func DecodeScreenshot(payload []byte) (Screenshot, error) {
	if len(payload) < screenshotHeaderSize {
		return Screenshot{}, ErrShortPayload
	}
	return Screenshot{
		Width:  binary.BigEndian.Uint16(payload[0:2]),
		Height: binary.BigEndian.Uint16(payload[2:4]),
		Format: FrameFormat(payload[4]),
		Flags:  payload[5],
		Data:   payload[screenshotHeaderSize:],
	}, nil
}
