package transport

import (
	"context"
	"fmt"
)

// dualListener serves both QUIC (UDP) and TLS-over-TCP on the same port
// number, sharing one ephemeral certificate. Accept returns whichever
// connection arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	connCh chan acceptRes
	cancel context.CancelFunc
}

type acceptRes struct {
	conn Conn
	err  error
}

// ListenDual binds QUIC first (letting the OS pick when port is 0), then
// TCP on the same port number; UDP and TCP ports do not conflict.
func ListenDual(port int) (Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ql, err := listenQUIC(port, cert)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	tl, err := listenTCP(ql.Port(), ServerTLSConfig(cert))
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tcp:    tl,
		port:   ql.Port(),
		connCh: make(chan acceptRes, 4),
		cancel: cancel,
	}

	go dl.acceptLoop(ctx, dl.quic)
	go dl.acceptLoop(ctx, dl.tcp)

	return dl, nil
}

func (dl *dualListener) acceptLoop(ctx context.Context, l Listener) {
	for {
		conn, err := l.Accept(ctx)
		select {
		case dl.connCh <- acceptRes{conn: conn, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next connection from either transport.
func (dl *dualListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case res := <-dl.connCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners share.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}
