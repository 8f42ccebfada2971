package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/Charana123/peerwire/peer"
	"github.com/Charana123/peerwire/wire"
)

type Server interface {
	// Serve accepts connections until ctx is cancelled or the listener fails.
	Serve(ctx context.Context) error
	Addr() net.Addr
}

type server struct {
	listener net.Listener
	swarm    wire.SwarmID
	local    wire.PeerID
	opts     peer.Options
	handoff  func(*peer.Conn)
	logger   *slog.Logger
}

var (
	listen = net.Listen
	accept = peer.Accept
)

// NewServer listens on addr. Every inbound connection that completes the handshake for
// swarm is passed to handoff, from its own goroutine.
func NewServer(
	addr string,
	swarm wire.SwarmID,
	local wire.PeerID,
	opts peer.Options,
	handoff func(*peer.Conn),
	logger *slog.Logger) (Server, error) {

	if logger == nil {
		logger = slog.Default()
	}
	listener, err := listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	sv := &server{
		listener: listener,
		swarm:    swarm,
		local:    local,
		opts:     opts,
		handoff:  handoff,
		logger:   logger.With(slog.String("listen", listener.Addr().String())),
	}
	return sv, nil
}

func (sv *server) Addr() net.Addr {
	return sv.listener.Addr()
}

func (sv *server) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		sv.listener.Close()
	}()

	sv.logger.Info("accepting peers")
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				sv.logger.Info("peer listener stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		go sv.handshake(ctx, conn)
	}
}

func (sv *server) handshake(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	c, err := accept(ctx, conn, sv.swarm, sv.local, sv.opts)
	if err != nil {
		sv.logger.Debug("inbound handshake failed", slog.String("addr", addr), slog.Any("error", err))
		return
	}
	sv.logger.Debug("inbound peer", slog.String("addr", addr), slog.String("peer", c.PeerID().String()))
	sv.handoff(c)
}
