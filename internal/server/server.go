// Package server runs the connection protocol engine: it accepts
// transport connections and drives each through authentication, screen
// streaming, input injection, and file transfer until teardown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Nsfr750/remote-control/internal/auth"
	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/crypto"
	"github.com/Nsfr750/remote-control/internal/filetransfer"
	"github.com/Nsfr750/remote-control/internal/protocol"
	"github.com/Nsfr750/remote-control/internal/ratelimit"
	"github.com/Nsfr750/remote-control/internal/session"
	"github.com/Nsfr750/remote-control/internal/transport"
)

const (
	// DefaultKeepalive is how long a connection may stay silent before
	// the server closes it. The server pings at a fraction of this so a
	// healthy idle client never trips the deadline.
	DefaultKeepalive = 30 * time.Second

	// Failed-auth lockout: this many attempts per source address within
	// the window.
	DefaultAuthLimit  = 5
	DefaultAuthWindow = 60 * time.Second

	// Input event throttle (events/sec and burst) per connection.
	inputEventsPerSecond = 1000
	inputEventBurst      = 10

	// DefaultChunkLimit caps file-transfer chunks per connection per
	// second: 512 chunks of 64 KiB is 32 MiB/s.
	DefaultChunkLimit = 512
	chunkWindow       = time.Second
)

// Options configures a Server. Zero values select the defaults above.
type Options struct {
	Store          *auth.Store
	Sessions       *session.Manager
	Provider       capture.Provider // nil means no screen or input capability
	TransferRoot   string           // empty disables file transfer
	Keepalive      time.Duration
	MaxMessageSize uint32
	KeyIterations  int
	AuthLimit      int
	AuthWindow     time.Duration
	ChunkLimit     int
	Logger         *slog.Logger
}

// Server accepts connections and runs one connection engine per client.
type Server struct {
	store      *auth.Store
	sessions   *session.Manager
	provider   capture.Provider
	root       string
	resume     *filetransfer.ResumeLog
	keepalive  time.Duration
	maxSize    uint32
	iters      int
	authLimit  *ratelimit.Window
	chunkLimit *ratelimit.Window
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a server. Store and Sessions are required.
func New(opts Options) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.KeyIterations == 0 {
		opts.KeyIterations = crypto.MinIterations
	}
	if opts.AuthLimit == 0 {
		opts.AuthLimit = DefaultAuthLimit
	}
	if opts.AuthWindow == 0 {
		opts.AuthWindow = DefaultAuthWindow
	}
	if opts.ChunkLimit == 0 {
		opts.ChunkLimit = DefaultChunkLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		store:      opts.Store,
		sessions:   opts.Sessions,
		provider:   opts.Provider,
		root:       opts.TransferRoot,
		resume:     filetransfer.NewResumeLog(),
		keepalive:  opts.Keepalive,
		maxSize:    opts.MaxMessageSize,
		iters:      opts.KeyIterations,
		authLimit:  ratelimit.New(opts.AuthLimit, opts.AuthWindow),
		chunkLimit: ratelimit.New(opts.ChunkLimit, chunkWindow),
		logger:     opts.Logger,
	}
}

// Serve accepts connections until ctx is cancelled or the listener
// fails, then waits for in-flight connections to tear down.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.logger.Info("serving", "port", ln.Port())

	for {
		tc, err := ln.Accept(ctx)
		if err != nil {
			s.wg.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		c := newConn(s, tc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run(ctx)
		}()
	}
}
