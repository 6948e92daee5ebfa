// Package server accepts client and peer connections and feeds their
// request lines to a Handler. A single acceptor hands each connection to a
// worker; the number of workers is bounded, and once all are busy new
// connections wait in the listener backlog.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"ringkv/internal/logging"
	"ringkv/internal/wire"
)

const (
	// DefaultWorkers bounds concurrently served connections.
	DefaultWorkers = 10
	// DefaultIdleTimeout closes connections that send nothing for this long.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultMaxLineBytes caps one request line, newline included.
	DefaultMaxLineBytes = 1 << 20

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one decoded request.
type Handler interface {
	Handle(ctx context.Context, req wire.Request) wire.Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req wire.Request) wire.Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req wire.Request) wire.Response {
	return f(ctx, req)
}

// Options tune a Server.
type Options struct {
	Workers     int
	IdleTimeout time.Duration
	// MaxLineBytes caps one request line. A longer line is skipped and
	// answered with "ERROR: Invalid request format".
	MaxLineBytes int
}

// Server is the text protocol front end of a node.
type Server struct {
	handler Handler
	opts    Options
	workers *semaphore.Weighted
	log     zerolog.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New returns a server dispatching to h.
func New(h Handler, log zerolog.Logger, opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Server{
		handler: h,
		opts:    opts,
		workers: semaphore.NewWeighted(int64(opts.Workers)),
		log:     logging.For(log, "server"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// then closes open connections and waits for their workers. It returns nil
// on a clean stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.drain()

	s.log.Info().Str("addr", ln.Addr().String()).Int("workers", s.opts.Workers).Msg("serving")

	var backoff time.Duration
	for {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.workers.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			backoff = nextBackoff(backoff)
			s.log.Error().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			s.workers.Release(1)
			return nil
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// serveConn answers request lines on conn until the peer closes it, it
// idles out or the server drains.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With().Str("conn", xid.New().String()).Str("remote", conn.RemoteAddr().String()).Logger()

	defer s.wg.Done()
	defer s.workers.Release(1)
	defer s.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("connection handler panicked")
		}
	}()

	// Requests run to completion even when the server stops.
	hctx := context.WithoutCancel(ctx)

	r := bufio.NewReader(conn)
	for {
		if !s.armRead(conn) {
			return
		}
		line, err := wire.ReadLimitedLine(r, s.opts.MaxLineBytes)

		var resp wire.Response
		switch {
		case errors.Is(err, wire.ErrLineTooLong):
			log.Warn().Int("max_bytes", s.opts.MaxLineBytes).Msg("request line too long")
			resp = wire.ErrorFor(wire.ErrMalformedRequest)
		case err != nil:
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				log.Debug().Err(err).Msg("connection read ended")
			}
			return
		default:
			resp = s.respond(hctx, line)
		}
		log.Debug().Str("resp", resp.Encode()).Msg("answered")

		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
		if err := wire.WriteLine(conn, resp.Encode()); err != nil {
			log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

func (s *Server) respond(ctx context.Context, line string) wire.Response {
	req, err := wire.ParseRequest(line)
	if err != nil {
		return wire.ErrorFor(err)
	}
	return s.handler.Handle(ctx, req)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// armRead sets the idle deadline for the next read unless the server is
// draining.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// drain wakes every worker blocked on a read and waits for all of them.
func (s *Server) drain() {
	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("stopped")
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
