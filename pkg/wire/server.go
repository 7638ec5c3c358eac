package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bellmanhq/bellman/pkg/log"
)

// ServeFunc handles one decoded request and produces the reply envelope
type ServeFunc func(ctx context.Context, req *Request) Reply

// Server accepts websocket connections and answers framed requests one at a
// time per connection, preserving the request/reply discipline of the wire
// protocol.
type Server struct {
	handler  ServeFunc
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
}

// NewServer creates a reply server for the given handler function
func NewServer(handler ServeFunc) *Server {
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start listens on addr and serves until Shutdown. It blocks.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Unlock()

	if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, useful when starting on ":0"
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and closes existing ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.serveConn(r.Context(), conn)
}

// serveConn answers requests sequentially until the peer disconnects.
// Malformed frames produce {success:false} replies without closing the
// socket, so a confused client can recover on its next request.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	logger := log.WithComponent("wire-server")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			if err := conn.WriteJSON(Fail("expected text frame")); err != nil {
				return
			}
			continue
		}

		req, err := DecodeRequest(data)
		var reply Reply
		if err != nil {
			reply = Fail("malformed request: %v", err)
		} else {
			reply = s.handler(ctx, req)
		}

		if err := conn.WriteJSON(reply); err != nil {
			logger.Debug().Err(err).Msg("failed to write reply")
			return
		}
	}
}
