package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConn adapts a QUIC connection carrying a single bidirectional
// stream to the Conn interface. The client opens the stream immediately
// after the handshake; all protocol frames flow over it.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

// quicListener wraps a QUIC listener on a UDP port.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

func listenQUIC(port int, cert tls.Certificate) (*quicListener, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	udpConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	quicConf := &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	}

	ln, err := tr.Listen(ServerTLSConfig(cert), quicConf)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a connection and its protocol stream.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	// The client opens the stream; bound the wait so a silent peer
	// cannot stall the accept path.
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := qconn.AcceptStream(streamCtx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}

	return &quicConn{conn: qconn, stream: stream}, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
