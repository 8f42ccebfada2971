package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Charana123/peerwire/queue"
	"github.com/Charana123/peerwire/wire"
	"golang.org/x/time/rate"
)

var (
	ErrClosed           = errors.New("connection closed")
	ErrSwarmMismatch    = errors.New("handshake for a different swarm")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

var (
	dial    = (&net.Dialer{}).DialContext
	newWire = wire.NewWire
)

type Options struct {
	HandshakeTimeout time.Duration
	// bounds each socket write, 0 disables
	WriteTimeout time.Duration
	// a keep-alive is sent when nothing else was written for this long, 0 disables
	KeepAliveInterval time.Duration
	// frames above this length are rejected before allocation, 0 disables
	MaxMessageLength  uint32
	UploadRateLimiter *rate.Limiter
	Logger            *slog.Logger
}

// Conn is a handshaken connection. Messages queued with Send are written by a send
// worker; decoded messages arrive on Inbound from a receive worker. Both queues are
// unbounded and FIFO. Inbound is closed once the receive worker stops.
type Conn struct {
	wire     wire.Wire
	peerID   wire.PeerID
	addr     string
	outbound *queue.Unbounded[wire.Message]
	inbound  *queue.Unbounded[wire.Message]
	done     chan struct{}
	logger   *slog.Logger

	keepAliveInterval time.Duration
	closeOnce         sync.Once
	shutdownOnce      sync.Once
}

// Connect dials addr, sends our handshake and waits up to opts.HandshakeTimeout for the
// peer's. The connection is abandoned on timeout, on a malformed handshake or when the
// peer is in a different swarm.
func Connect(
	ctx context.Context,
	addr string,
	swarm wire.SwarmID,
	local wire.PeerID,
	opts Options) (*Conn, error) {

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	w := newWire(conn, opts.WriteTimeout, opts.MaxMessageLength, opts.UploadRateLimiter)

	err = w.SendHandshake(wire.NewHandshake(swarm, local))
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	remote, err := awaitHandshake(ctx, w, swarm, opts.HandshakeTimeout)
	if err != nil {
		w.Close()
		return nil, err
	}
	return start(w, remote.PeerID, opts), nil
}

// Accept runs the listening side of the handshake on an inbound connection: the peer
// speaks first, and we answer only if it asked for our swarm.
func Accept(
	ctx context.Context,
	conn net.Conn,
	swarm wire.SwarmID,
	local wire.PeerID,
	opts Options) (*Conn, error) {

	w := newWire(conn, opts.WriteTimeout, opts.MaxMessageLength, opts.UploadRateLimiter)
	remote, err := awaitHandshake(ctx, w, swarm, opts.HandshakeTimeout)
	if err != nil {
		w.Close()
		return nil, err
	}
	err = w.SendHandshake(wire.NewHandshake(swarm, local))
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return start(w, remote.PeerID, opts), nil
}

type handshakeResult struct {
	handshake wire.Handshake
	err       error
}

func awaitHandshake(
	ctx context.Context,
	w wire.Wire,
	swarm wire.SwarmID,
	timeout time.Duration) (wire.Handshake, error) {

	// buffered so the reader can finish after we stopped waiting
	result := make(chan handshakeResult, 1)
	go func() {
		h, err := w.ReadHandshake()
		result <- handshakeResult{h, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-result:
		if r.err != nil {
			return wire.Handshake{}, fmt.Errorf("read handshake: %w", r.err)
		}
		if r.handshake.SwarmID != swarm {
			return wire.Handshake{}, fmt.Errorf("%w: %s", ErrSwarmMismatch, r.handshake.SwarmID)
		}
		return r.handshake, nil
	case <-expired:
		return wire.Handshake{}, ErrHandshakeTimeout
	case <-ctx.Done():
		return wire.Handshake{}, ctx.Err()
	}
}

func start(w wire.Wire, peerID wire.PeerID, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := w.RemoteAddr().String()
	c := &Conn{
		wire:              w,
		peerID:            peerID,
		addr:              addr,
		outbound:          queue.NewUnbounded[wire.Message](),
		inbound:           queue.NewUnbounded[wire.Message](),
		done:              make(chan struct{}),
		logger:            logger.With(slog.String("addr", addr)),
		keepAliveInterval: opts.KeepAliveInterval,
	}
	go c.sendWorker()
	go c.receiveWorker()
	return c
}

func (c *Conn) PeerID() wire.PeerID {
	return c.peerID
}

func (c *Conn) RemoteAddr() string {
	return c.addr
}

func (c *Conn) Inbound() <-chan wire.Message {
	return c.inbound.Out()
}

// Done is closed once both directions of the connection are shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues m for the send worker. It fails only once the connection is shut down.
func (c *Conn) Send(m wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbound.In() <- m:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close asks the send worker to flush what is queued and stop, and drops anything
// still waiting on Inbound. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.Send(wire.Close{})
		c.inbound.Stop()
	})
}

func (c *Conn) shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.done)
		c.wire.Close()
		c.outbound.Stop()
	})
}

func (c *Conn) sendWorker() {
	defer c.shutdown()

	var keepAlive <-chan time.Time
	if c.keepAliveInterval > 0 {
		ticker := time.NewTicker(c.keepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case m, ok := <-c.outbound.Out():
			if !ok {
				return
			}
			if _, isClose := m.(wire.Close); isClose {
				c.logger.Debug("closing send worker")
				return
			}
			err := c.wire.SendMessage(m)
			if err != nil {
				c.logger.Debug("write failed", slog.String("message", m.String()), slog.Any("error", err))
				return
			}
		case now := <-keepAlive:
			// Send a keep alive if we haven't sent a message in over an interval
			if c.wire.GetLastMessageSent().Before(now.Add(-c.keepAliveInterval)) {
				err := c.wire.SendMessage(wire.KeepAlive{})
				if err != nil {
					c.logger.Debug("keep-alive failed", slog.Any("error", err))
					return
				}
			}
		}
	}
}

func (c *Conn) receiveWorker() {
	defer c.inbound.Close()
	defer c.shutdown()

	for {
		m, err := c.wire.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		select {
		case c.inbound.In() <- m:
		case <-c.done:
			return
		}
	}
}
