// Package server accepts pupil client connections over TCP and tracks the
// live sessions until each has fully shut down.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/kradtv/pupild/internal/session"
)

// Server owns the TCP listener and the registry of active sessions. It is
// the rendezvous point between accepted sockets and the per-connection
// session lifecycle.
type Server struct {
	addr string
	cfg  session.Config
	log  *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*session.Session

	running  atomic.Bool
	accepted atomic.Int64

	wg sync.WaitGroup
}

// New creates a Server that will listen on addr. The session config is
// handed to every accepted connection.
func New(addr string, cfg session.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Log == nil {
		cfg.Log = log
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		log:      log.With("component", "server"),
		sessions: make(map[string]*session.Session),
	}
}

// Started reports whether the accept loop is running.
func (s *Server) Started() bool { return s.running.Load() }

// Accepted returns the total number of connections accepted.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of sessions that have not finished
// their close protocol.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of the active sessions.
func (s *Server) Sessions() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Start binds the listener and runs the accept loop until ctx is canceled
// or Stop is called. It returns nil on orderly shutdown. Each accepted
// connection is serviced on its own goroutine; Start does not wait for
// sessions to drain, use Wait for that.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())

	cancel := context.AfterFunc(ctx, s.Stop)
	defer cancel()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.accepted.Add(1)

		sess := session.New(conn, s.cfg, s)
		s.track(sess)

		s.log.Info("client connected", "remote", conn.RemoteAddr().String(), "sessions", s.SessionCount())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run(ctx)
		}()
	}
}

// track registers a session in the live set. A connection can be accepted
// concurrently with Stop and land here after Stop took its snapshot, so
// the running flag is re-checked under the same lock and a late arrival is
// stopped on the spot.
func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	stopped := !s.running.Load()
	s.mu.Unlock()

	if stopped {
		sess.Stop()
	}
}

// Stop closes the listener and asks every live session to shut down. It
// does not block on upload drains; Wait does. Idempotent.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	ln := s.listener
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range live {
		sess.Stop()
	}
	s.log.Info("server stopped", "sessions", len(live))
}

// Wait blocks until every accepted session has completed its close
// protocol, uploads included.
func (s *Server) Wait() { s.wg.Wait() }

// Disconnected implements session.Delegate: the session has finished its
// close protocol and leaves the registry.
func (s *Server) Disconnected(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	remaining := len(s.sessions)
	s.mu.Unlock()

	s.log.Info("client disconnected",
		"broadcast", sess.BroadcastID(),
		"bytes_read", sess.BytesRead(),
		"sessions", remaining)
}
