// Package mux runs a yamux session over a byte stream and serializes stream
// opens so callers can share a single session handle.
package mux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// Config tunes the underlying yamux session. Zero values use yamux defaults.
type Config struct {
	KeepAliveInterval      time.Duration
	ConnectionWriteTimeout time.Duration
	MaxStreamWindowSize    uint32
	AcceptBacklog          int
}

// Session is a yamux session whose Open calls are serialized.
type Session struct {
	sess   *yamux.Session
	openMu sync.Mutex
}

// Client starts the client side of a session over conn.
func Client(conn io.ReadWriteCloser, cfg Config, logger *slog.Logger) (*Session, error) {
	sess, err := yamux.Client(conn, cfg.yamux(logger))
	if err != nil {
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Session{sess: sess}, nil
}

// Server starts the server side of a session over conn.
func Server(conn io.ReadWriteCloser, cfg Config, logger *slog.Logger) (*Session, error) {
	sess, err := yamux.Server(conn, cfg.yamux(logger))
	if err != nil {
		return nil, fmt.Errorf("yamux server: %w", err)
	}
	return &Session{sess: sess}, nil
}

func (c Config) yamux(logger *slog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.ConnectionWriteTimeout > 0 {
		cfg.ConnectionWriteTimeout = c.ConnectionWriteTimeout
	}
	if c.MaxStreamWindowSize > 0 {
		cfg.MaxStreamWindowSize = c.MaxStreamWindowSize
	}
	if c.AcceptBacklog > 0 {
		cfg.AcceptBacklog = c.AcceptBacklog
	}
	if logger != nil {
		cfg.LogOutput = nil
		cfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	}
	return cfg
}

type openResult struct {
	stream net.Conn
	err    error
}

// Open opens a new outbound stream. Concurrent callers are serialized; ctx
// bounds both the wait for the lock and the open itself.
func (s *Session) Open(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan openResult, 1)
	go func() {
		s.openMu.Lock()
		defer s.openMu.Unlock()
		stream, err := s.sess.OpenStream()
		if err != nil {
			done <- openResult{err: fmt.Errorf("open stream: %w", err)}
			return
		}
		done <- openResult{stream: stream}
	}()
	select {
	case res := <-done:
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.stream != nil {
				res.stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Accept waits for the next inbound stream.
func (s *Session) Accept() (net.Conn, error) {
	stream, err := s.sess.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *Session) Close() error { return s.sess.Close() }

// CloseChan is closed once the session terminates.
func (s *Session) CloseChan() <-chan struct{} { return s.sess.CloseChan() }

func (s *Session) IsClosed() bool { return s.sess.IsClosed() }

func (s *Session) NumStreams() int { return s.sess.NumStreams() }

func (s *Session) RemoteAddr() net.Addr { return s.sess.RemoteAddr() }
