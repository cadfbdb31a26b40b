package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Handler consumes one message and optionally produces a reply. A nil
// reply with a nil error means fire-and-forget.
type Handler func(ctx context.Context, msg json.RawMessage) (reply any, err error)

// Server accepts connections on a unix socket and feeds every framed
// message to the handler. A malformed or oversized message drops the
// offending connection; the server itself keeps running.
type Server struct {
	SocketPath string
	Handler    Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Start binds the socket and serves until ctx is canceled or Stop is
// called. Blocks.
func (srv *Server) Start(ctx context.Context) error {
	log := logger.FromCtx(ctx)

	if err := os.Remove(srv.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to remove stale socket '%s': %w", srv.SocketPath, err)
	}
	listener, err := net.Listen("unix", srv.SocketPath)
	if err != nil {
		return fmt.Errorf("unable to listen on '%s': %w", srv.SocketPath, err)
	}
	if err := os.Chmod(srv.SocketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("unable to set permissions of '%s': %w", srv.SocketPath, err)
	}

	srv.mu.Lock()
	srv.listener = listener
	srv.conns = map[net.Conn]struct{}{}
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	log.Debugf("listening on unix socket '%s'", srv.SocketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				srv.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept on '%s' failed: %w", srv.SocketPath, err)
		}

		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		srv.wg.Add(1)
		go srv.serveConn(ctx, conn)
	}
}

// Stop closes the listener and every open connection.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if srv.listener != nil {
		srv.listener.Close()
	}
	for conn := range srv.conns {
		conn.Close()
	}
	srv.mu.Unlock()
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := logger.FromCtx(ctx)
	defer srv.wg.Done()
	defer func() {
		conn.Close()
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
	}()

	rw := NewConn(conn)
	for {
		msg, err := rw.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debugf("dropping control connection: %v", err)
			}
			return
		}

		reply, err := srv.Handler(ctx, msg)
		if err != nil {
			log.Warnf("control message handler failed: %v", err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := rw.WriteMessage(reply); err != nil {
			log.Debugf("unable to send reply, dropping connection: %v", err)
			return
		}
	}
}
