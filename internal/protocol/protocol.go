// Package protocol implements the wire format shared by the server and
// clients: a length-prefixed binary envelope carrying one of fourteen
// message types, plus the payload records transported inside it.
package protocol

import "errors"

// Envelope header: [4B message type big-endian][4B payload length big-endian]
const HeaderSize = 8

// DefaultMaxMessageSize bounds payload allocation for a single message.
// Screenshots dominate; 16 MiB covers raw frames at common resolutions.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// MessageType identifies the type of a framed message.
type MessageType uint32

const (
	MsgAuth            MessageType = 0
	MsgAuthResponse    MessageType = 1
	MsgMouseMove       MessageType = 2
	MsgMouseClick      MessageType = 3
	MsgKeyEvent        MessageType = 4
	MsgScreenshot      MessageType = 5
	MsgFileTransfer    MessageType = 6
	MsgClipboardUpdate MessageType = 7
	MsgSystemCommand   MessageType = 8
	MsgError           MessageType = 9
	MsgInfo            MessageType = 10
	MsgDisconnect      MessageType = 11
	MsgPing            MessageType = 12
	MsgPong            MessageType = 13
)

// maxMessageType is the highest recognized discriminant. Decoding fails
// closed on anything above it.
const maxMessageType = MsgPong

func (t MessageType) String() string {
	switch t {
	case MsgAuth:
		return "AUTH"
	case MsgAuthResponse:
		return "AUTH_RESPONSE"
	case MsgMouseMove:
		return "MOUSE_MOVE"
	case MsgMouseClick:
		return "MOUSE_CLICK"
	case MsgKeyEvent:
		return "KEY_EVENT"
	case MsgScreenshot:
		return "SCREENSHOT"
	case MsgFileTransfer:
		return "FILE_TRANSFER"
	case MsgClipboardUpdate:
		return "CLIPBOARD_UPDATE"
	case MsgSystemCommand:
		return "SYSTEM_COMMAND"
	case MsgError:
		return "ERROR"
	case MsgInfo:
		return "INFO"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a recognized message type.
func (t MessageType) Valid() bool {
	return t <= maxMessageType
}

var (
	// ErrIncomplete means the buffer does not yet hold a full message.
	// The caller should read more bytes and decode again.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformedHeader means the type discriminant is unrecognized.
	// Fatal to the connection, not to the process.
	ErrMalformedHeader = errors.New("malformed header: unknown message type")
	// ErrOversized means the declared payload length exceeds the ceiling.
	// Checked before any allocation. Fatal to the connection.
	ErrOversized = errors.New("declared payload length exceeds maximum")
	// ErrShortPayload means a payload is too short for its message type.
	ErrShortPayload = errors.New("payload too short for message type")
)

// ErrorCode is a structured code carried in ERROR and FILE_TRANSFER
// failure payloads so clients can react without parsing prose.
type ErrorCode string

const (
	CodeNone               ErrorCode = ""
	CodeAuthRequired       ErrorCode = "auth_required"
	CodeSessionExpired     ErrorCode = "session_expired"
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodePathNotAllowed     ErrorCode = "path_not_allowed"
	CodeAlreadyExists      ErrorCode = "already_exists"
	CodeIntegrityError     ErrorCode = "integrity_error"
	CodeTransferInProgress ErrorCode = "transfer_in_progress"
	CodeTransferFailed     ErrorCode = "transfer_failed"
	CodeCaptureUnavailable ErrorCode = "capture_unavailable"
	CodeUnsupportedCommand ErrorCode = "unsupported_command"
	CodeInternal           ErrorCode = "internal_error"
)

// Message is one decoded protocol unit.
type Message struct {
	Type    MessageType
	Payload []byte
}
