// Package screen implements the per-connection screen update pipeline:
// capture, change detection, compression, backpressure, and capture
// failure backoff.
package screen

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/protocol"
)

const (
	// DefaultMaxInFlight bounds unacknowledged frames per connection.
	DefaultMaxInFlight = 1
	// DefaultCaptureTimeout bounds one capture collaborator call.
	DefaultCaptureTimeout = 10 * time.Second

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

var (
	// ErrUnchanged means the captured frame matches the previous one;
	// nothing should be sent.
	ErrUnchanged = errors.New("frame unchanged")
	// ErrBusy means the in-flight limit is reached; capture was skipped
	// to avoid growing memory under a slow client.
	ErrBusy = errors.New("unacknowledged frame in flight")
	// ErrSuppressed means capture is failing and inside its backoff
	// window; the failure was already reported once.
	ErrSuppressed = errors.New("capture failing, backing off")
)

// NegotiateFormat picks the first client-advertised format the server
// supports. An empty advertisement selects PNG for compatibility with
// clients that predate negotiation.
func NegotiateFormat(advertised []string) (protocol.FrameFormat, error) {
	if len(advertised) == 0 {
		return protocol.FormatPNG, nil
	}
	for _, name := range advertised {
		if f, ok := protocol.FormatByName(name); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("no mutually supported frame format in %v", advertised)
}

// Pipeline produces screenshot messages for one connection. It retains at
// most the previous frame's content hash for diffing; frames themselves
// are never kept.
type Pipeline struct {
	provider       captureFunc
	format         protocol.FrameFormat
	maxInFlight    int
	captureTimeout time.Duration

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	hasLast  bool
	inFlight int

	failedAt time.Time
	backoff  time.Duration
	reported bool
}

type captureFunc func(ctx context.Context) (capture.Frame, error)

// New creates a pipeline for one connection using the negotiated format.
func New(provider capture.Provider, format protocol.FrameFormat) *Pipeline {
	return &Pipeline{
		provider:       provider.CaptureScreen,
		format:         format,
		maxInFlight:    DefaultMaxInFlight,
		captureTimeout: DefaultCaptureTimeout,
	}
}

// RequestFrame captures, diffs, and encodes one frame.
//
// A nil error returns a frame to send. ErrUnchanged and ErrBusy mean
// "send nothing" and cost no bandwidth. A capture failure is returned as
// capture.ErrUnavailable exactly once, then as ErrSuppressed until the
// exponential backoff window has passed; a successful capture resets the
// backoff. force bypasses change detection only, never backpressure.
func (p *Pipeline) RequestFrame(ctx context.Context, force bool) (*protocol.Screenshot, error) {
	p.mu.Lock()
	if p.inFlight >= p.maxInFlight {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	if p.backoff > 0 && time.Since(p.failedAt) < p.backoff {
		p.mu.Unlock()
		return nil, ErrSuppressed
	}
	p.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, p.captureTimeout)
	frame, err := p.provider(cctx)
	cancel()
	if err != nil {
		return nil, p.recordFailure(err)
	}

	hash := hashFrame(frame)

	p.mu.Lock()
	p.backoff = 0
	p.reported = false
	if p.hasLast && hash == p.lastHash && !force {
		p.mu.Unlock()
		return nil, ErrUnchanged
	}
	p.lastHash = hash
	p.hasLast = true
	p.inFlight++
	p.mu.Unlock()

	data, err := encodeFrame(frame, p.format)
	if err != nil {
		p.Ack() // the frame will never be sent
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return &protocol.Screenshot{
		Width:  uint16(frame.Width),
		Height: uint16(frame.Height),
		Format: p.format,
		Data:   data,
	}, nil
}

// Ack releases one in-flight slot. The connection calls this once the
// frame has actually left through the writer.
func (p *Pipeline) Ack() {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mu.Unlock()
}

// recordFailure doubles the backoff window and decides whether this
// failure is the one reported to the client.
func (p *Pipeline) recordFailure(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failedAt = time.Now()
	if p.backoff == 0 {
		p.backoff = backoffBase
	} else {
		p.backoff *= 2
		if p.backoff > backoffCap {
			p.backoff = backoffCap
		}
	}
	if p.reported {
		return ErrSuppressed
	}
	p.reported = true
	return fmt.Errorf("%w: %w", capture.ErrUnavailable, err)
}

func hashFrame(f capture.Frame) [sha256.Size]byte {
	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(dims[4:8], uint32(f.Height))
	h.Write(dims[:])
	h.Write(f.Data)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func encodeFrame(f capture.Frame, format protocol.FrameFormat) ([]byte, error) {
	switch format {
	case protocol.FormatPNG:
		img := &image.RGBA{
			Pix:    f.Data,
			Stride: 4 * f.Width,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case protocol.FormatZRaw:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(f.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported frame format %d", format)
	}
}
