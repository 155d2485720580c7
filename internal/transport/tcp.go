package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

// tcpListener serves plain TCP or TLS-over-TCP connections depending on
// whether a TLS config was supplied.
type tcpListener struct {
	ln   net.Listener
	port int
}

func listenTCP(port int, tlsConf *tls.Config) (*tcpListener, error) {
	addr := ":" + strconv.Itoa(port)
	var ln net.Listener
	var err error
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", addr, tlsConf)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next connection and respects context cancellation.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The goroutine may still be blocked on Accept; it unblocks when
		// the caller closes the listener. If a connection slipped in
		// first, close it so it doesn't leak.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
