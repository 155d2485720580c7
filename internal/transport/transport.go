// Package transport provides the byte transports the protocol engine runs
// over: plain TCP, TLS-over-TCP, and QUIC. The framing layer sits above
// this package; a transport only delivers an ordered byte stream.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Mode selects which transport a listener serves.
type Mode string

const (
	ModeTCP  Mode = "tcp"  // plain TCP, wire-compatible default
	ModeTLS  Mode = "tls"  // TLS 1.3 over TCP with an ephemeral cert
	ModeQUIC Mode = "quic" // QUIC with a single bidirectional stream
	ModeDual Mode = "dual" // TLS-TCP and QUIC on the same port
)

// Valid reports whether m names a known transport mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTCP, ModeTLS, ModeQUIC, ModeDual:
		return true
	}
	return false
}

// Conn is an ordered byte stream between the service and one client.
// TCP, TLS, and QUIC connections all satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Listener accepts transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Port() int
	Close() error
}

// Listen opens a listener for the given mode on port (0 picks a free port).
func Listen(mode Mode, port int) (Listener, error) {
	switch mode {
	case ModeTCP:
		return listenTCP(port, nil)
	case ModeTLS:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		tlsConf := ServerTLSConfig(cert)
		return listenTCP(port, tlsConf)
	case ModeQUIC:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		return listenQUIC(port, cert)
	case ModeDual:
		return ListenDual(port)
	default:
		return nil, &net.AddrError{Err: "unknown transport mode", Addr: string(mode)}
	}
}
