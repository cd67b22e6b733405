// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server owns the agent socket: it binds a listener only the owning
// user can reach and runs one worker per accepted connection.
package server // import "github.com/toeirei/tokenagent/internal/server"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/toeirei/tokenagent/internal/logging"
)

// ConnHandler serves a single connection and closes it when done.
// *agent.Handler satisfies it.
type ConnHandler interface {
	ServeConn(conn net.Conn)
}

// Server accepts agent connections on Path.
type Server struct {
	Path    string
	Handler ConnHandler
	// Logger defaults to logging.L.
	Logger *log.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New returns a Server that will listen on path.
func New(path string, h ConnHandler) *Server {
	return &Server{Path: path, Handler: h, Logger: logging.L}
}

// Serve binds Path and accepts connections until ctx is cancelled. On return
// all workers have finished and the socket has been removed.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := Listen(s.Path)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve for an already bound listener. It takes ownership
// of ln and closes it.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	lg := logging.Or(s.Logger)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer func() {
		stop()
		ln.Close()
		s.closeConns()
		s.wg.Wait()
		if err := cleanup(s.Path); err != nil {
			lg.Warn("could not remove socket", "path", s.Path, "err", err)
		}
	}()

	lg.Info("agent listening", "path", s.Path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				lg.Info("agent stopped", "path", s.Path)
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept on %s: %w", s.Path, err)
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.Handler.ServeConn(conn)
		}()
	}
}

// Active returns the number of connections currently being served.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// closeConns unblocks workers waiting on a read. A worker inside a token
// call finishes that call first.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
