package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Nsfr750/remote-control/internal/crypto"
	"github.com/Nsfr750/remote-control/internal/filetransfer"
	"github.com/Nsfr750/remote-control/internal/input"
	"github.com/Nsfr750/remote-control/internal/protocol"
	"github.com/Nsfr750/remote-control/internal/screen"
	"github.com/Nsfr750/remote-control/internal/session"
	"github.com/Nsfr750/remote-control/internal/transport"
)

const (
	readChunkSize  = 32 * 1024
	sendQueueDepth = 64
	writeTimeout   = 30 * time.Second
)

// outbound is one queued frame plus an optional completion hook, used to
// release screen backpressure once the frame has actually been written.
type outbound struct {
	frame  []byte
	onSent func()
}

// conn drives one client connection. All dispatch runs on the read
// goroutine; all writes run on the writer goroutine. State fields are
// only touched from the read goroutine.
type conn struct {
	srv *Server
	tc  transport.Conn
	log *slog.Logger

	sendCh chan outbound
	done   chan struct{}

	// mu guards sess, ch, and ft: the read goroutine writes them during
	// auth and expiry, while the writer and keepalive goroutines read
	// them through send and teardown.
	mu   sync.Mutex
	sess *session.Session
	ch   *crypto.Channel // nil until authenticated
	ft   *filetransfer.Manager

	// Touched by the read goroutine only.
	state    session.State
	pipeline *screen.Pipeline
	input    *input.Dispatcher
	limiter  *rate.Limiter
	clip     string

	closeOnce sync.Once
}

func newConn(s *Server, tc transport.Conn) *conn {
	return &conn{
		srv:     s,
		tc:      tc,
		log:     s.logger.With("remote", tc.RemoteAddr().String()),
		sendCh:  make(chan outbound, sendQueueDepth),
		done:    make(chan struct{}),
		state:   session.StateUnauthenticated,
		limiter: rate.NewLimiter(rate.Limit(inputEventsPerSecond), inputEventBurst),
	}
}

func (c *conn) run(ctx context.Context) {
	c.log.Info("connection opened")
	defer c.teardown("connection closed")

	go c.writeLoop()
	go c.keepaliveLoop(ctx)

	c.readLoop(ctx)
}

// readLoop reads transport bytes into a reassembly buffer and decodes as
// many complete frames as the buffer holds before reading again.
func (c *conn) readLoop(ctx context.Context) {
	buf := make([]byte, 0, readChunkSize*2)
	tmp := make([]byte, readChunkSize)

	for {
		for {
			msg, n, err := protocol.Decode(buf, c.srv.maxSize)
			if errors.Is(err, protocol.ErrIncomplete) {
				break
			}
			if err != nil {
				c.log.Warn("protocol violation", "err", err)
				c.teardown("protocol violation")
				return
			}
			rest := copy(buf, buf[n:])
			buf = buf[:rest]

			if !c.dispatch(ctx, msg) {
				return
			}
		}

		if err := c.tc.SetReadDeadline(time.Now().Add(c.srv.keepalive)); err != nil {
			c.teardown("set deadline failed")
			return
		}
		n, err := c.tc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.teardown("peer closed")
			case isTimeout(err):
				c.log.Warn("keepalive expired", "idle", c.srv.keepalive)
				c.teardown("keepalive expired")
			default:
				c.teardown("read failed")
			}
			return
		}
	}
}

// writeLoop is the single writer: every outgoing frame funnels through
// sendCh so concurrent producers never interleave bytes.
func (c *conn) writeLoop() {
	for {
		select {
		case out := <-c.sendCh:
			c.tc.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := c.tc.Write(out.frame)
			if out.onSent != nil {
				out.onSent()
			}
			if err != nil {
				c.teardown("write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// keepaliveLoop pings well inside the idle deadline so a healthy but
// quiet client keeps generating traffic.
func (c *conn) keepaliveLoop(ctx context.Context) {
	interval := c.srv.keepalive / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.send(protocol.MsgPing, nil, nil)
		case <-ctx.Done():
			c.teardown("server shutdown")
			return
		case <-c.done:
			return
		}
	}
}

// send seals (when the encrypted channel is up) and enqueues one message.
// PING and PONG stay plaintext so keepalive survives any channel fault.
func (c *conn) send(typ protocol.MessageType, payload []byte, onSent func()) {
	ch := c.channel()
	if ch != nil && len(payload) > 0 && typ != protocol.MsgPing && typ != protocol.MsgPong {
		sealed, err := ch.Seal(payload)
		if err != nil {
			c.log.Error("seal failed", "type", typ.String(), "err", err)
			c.teardown("seal failed")
			return
		}
		payload = sealed
	}
	select {
	case c.sendCh <- outbound{frame: protocol.Encode(typ, payload), onSent: onSent}:
	case <-c.done:
		if onSent != nil {
			onSent()
		}
	}
}

// sendJSON marshals a structured payload and sends it.
func (c *conn) sendJSON(typ protocol.MessageType, v any) {
	payload, err := protocol.MarshalJSONPayload(v)
	if err != nil {
		c.log.Error("marshal payload", "type", typ.String(), "err", err)
		return
	}
	c.send(typ, payload, nil)
}

// sendError reports a recoverable fault without closing the connection.
func (c *conn) sendError(code protocol.ErrorCode, msg string) {
	c.sendJSON(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
}

// channel returns the current encrypted channel, if any.
func (c *conn) channel() *crypto.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// teardown releases everything exactly once; safe from any goroutine
// and from repeated DISCONNECTs.
func (c *conn) teardown(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		sess, ft := c.sess, c.ft
		c.mu.Unlock()
		if sess != nil {
			c.srv.sessions.Revoke(sess.Token)
		}
		if ft != nil {
			ft.Cleanup()
		}
		c.srv.chunkLimit.Reset(c.tc.RemoteAddr().String())
		c.tc.Close()
		c.log.Info("connection closed", "reason", reason)
	})
}

// remoteHost is the rate-limit key for auth attempts: the peer address
// without the port, so reconnecting on a new port gains nothing.
func (c *conn) remoteHost() string {
	addr := c.tc.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
