// Package server provides the TCP front end of the key-value store. It
// accepts connections and hands each one to a worker pool job that serves
// exactly one request against the shared engine.
package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kaiwk/kvs/internal/engine"
	"github.com/kaiwk/kvs/internal/pool"
	"github.com/kaiwk/kvs/internal/protocol"
)

// acceptRetryDelay is the pause after a transient accept failure.
const acceptRetryDelay = 10 * time.Millisecond

// Server dispatches one-shot protocol connections to an engine.
type Server struct {
	engine   engine.Engine
	pool     pool.Pool
	listener net.Listener
}

// New creates a server that answers requests from eng using p's workers.
func New(eng engine.Engine, p pool.Pool) *Server {
	return &Server{engine: eng, pool: p}
}

// ListenAndServe binds addr and runs the accept loop until the listener
// fails or is closed.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the accept loop on l. Transient accept errors pause briefly
// and retry; any other error ends the loop. A closed listener ends the
// loop without error.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	slog.Info("server: listening",
		"addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return err
		}

		s.pool.Spawn(func() {
			s.handleConn(conn)
		})
	}
}

// Addr returns the bound address, or nil before Serve runs.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the listener down, ending the accept loop.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn services one connection: read one request, dispatch it to
// the engine, write one response, close.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		slog.Warn("server: failed to read request",
			"remote", conn.RemoteAddr().String(),
			"error", err)
		// Signal end of stream, then discard what the peer still sends so
		// the close is not turned into a reset by unread bytes.
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		io.Copy(io.Discard, conn)
		return
	}

	slog.Debug("server: request received",
		"op", string(req.Op),
		"key", req.Key)

	writer := bufio.NewWriter(conn)
	if err := protocol.WriteResponse(writer, s.dispatch(req)); err != nil {
		slog.Warn("server: failed to write response",
			"remote", conn.RemoteAddr().String(),
			"error", err)
		return
	}
	if err := writer.Flush(); err != nil {
		slog.Warn("server: failed to flush response",
			"remote", conn.RemoteAddr().String(),
			"error", err)
	}
}

// dispatch routes a request to the engine and shapes the response frame.
func (s *Server) dispatch(req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpSet:
		if err := s.engine.Set(req.Key, req.Value); err != nil {
			slog.Error("server: set failed",
				"key", req.Key,
				"error", err)
			return protocol.Response{Status: protocol.StatusFailed}
		}
		return protocol.Response{Status: protocol.StatusOK}

	case protocol.OpGet:
		value, ok, err := s.engine.Get(req.Key)
		if err != nil {
			slog.Error("server: get failed",
				"key", req.Key,
				"error", err)
			return protocol.Response{Status: protocol.StatusFailed, Value: err.Error(), HasValue: true}
		}
		if !ok {
			return protocol.Response{
				Status:   protocol.StatusFailed,
				Value:    protocol.KeyNotFoundMessage,
				HasValue: true,
			}
		}
		return protocol.Response{Status: protocol.StatusOK, Value: value, HasValue: true}

	case protocol.OpRemove:
		if err := s.engine.Remove(req.Key); err != nil {
			if engine.IsNotFound(err) {
				return protocol.Response{
					Status:   protocol.StatusFailed,
					Value:    protocol.KeyNotFoundMessage,
					HasValue: true,
				}
			}
			slog.Error("server: remove failed",
				"key", req.Key,
				"error", err)
			return protocol.Response{Status: protocol.StatusFailed, Value: err.Error(), HasValue: true}
		}
		return protocol.Response{Status: protocol.StatusOK}
	}

	// ReadRequest validates the op byte, so this is unreachable.
	return protocol.Response{Status: protocol.StatusFailed}
}
