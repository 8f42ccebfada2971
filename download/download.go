package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/Charana123/peerwire/mux"
	"github.com/Charana123/peerwire/peer"
	"github.com/Charana123/peerwire/piece"
	"github.com/Charana123/peerwire/queue"
	"github.com/Charana123/peerwire/stats"
	"github.com/Charana123/peerwire/wire"
	mapset "github.com/deckarep/golang-set"
)

var (
	ErrBanned            = errors.New("peer is banned")
	ErrStopped           = errors.New("download stopped")
	ErrProtocolViolation = errors.New("protocol violation")
)

// reserved mux ids, peers use their non-negative connection id
const (
	chokeTimerID = -1 - iota
	pendingID
	cancelID
)

// Conn is the coordinator's view of a handshaken connection. *peer.Conn implements it.
type Conn interface {
	PeerID() wire.PeerID
	RemoteAddr() string
	Inbound() <-chan wire.Message
	Send(m wire.Message) error
	Close()
}

// Storage receives every block a peer delivers. Blocks are neither verified nor
// deduplicated.
type Storage interface {
	WriteBlock(from wire.PeerID, begin wire.BlockBegin, data []byte) error
}

type Download interface {
	// AddPeer connects to addr and registers the connection once the handshake completes.
	AddPeer(ctx context.Context, addr string) error
	// AddConn registers an already handshaken connection.
	AddConn(conn Conn) error
	// Run drives the swarm until ctx is cancelled. It must be called once.
	Run(ctx context.Context) error
}

var connect = func(
	ctx context.Context,
	addr string,
	swarm wire.SwarmID,
	local wire.PeerID,
	opts peer.Options) (Conn, error) {

	conn, err := peer.Connect(ctx, addr, swarm, local, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type remotePeer struct {
	id     uint32
	conn   Conn
	state  *peer.State
	logger *slog.Logger
}

type download struct {
	config   Config
	selector piece.Selector
	stats    stats.Stats
	storage  Storage
	logger   *slog.Logger

	peers   map[uint32]*remotePeer
	nextID  uint32
	mux     *mux.Mux
	pending *queue.Unbounded[Conn]
	done    chan struct{}
	banned  mapset.Set

	// blocks taken from the selector whose request could not be sent
	unsent []wire.BlockRequest

	chokeRound int
	intn       func(n int) int
}

// New validates config and builds a download with the piece policy it names. A nil
// storage discards received blocks.
func New(config Config, storage Storage, logger *slog.Logger) (Download, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	return newDownload(config, config.NewSelector(), stats.NewStats(config.ChokeInterval), storage, logger), nil
}

func newDownload(
	config Config,
	selector piece.Selector,
	stats stats.Stats,
	storage Storage,
	logger *slog.Logger) *download {

	if logger == nil {
		logger = slog.Default()
	}
	return &download{
		config:   config,
		selector: selector,
		stats:    stats,
		storage:  storage,
		logger:   logger.With(slog.String("swarm", config.SwarmID.String())),
		peers:    make(map[uint32]*remotePeer),
		mux:      mux.New(),
		pending:  queue.NewUnbounded[Conn](),
		done:     make(chan struct{}),
		banned:   mapset.NewSet(),
		intn:     rand.New(rand.NewSource(time.Now().UnixNano())).Intn,
	}
}

// banKey drops the port, accepted connections come from ephemeral ones.
func banKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (d *download) isBanned(addr string) bool {
	return d.banned.Contains(banKey(addr))
}

func (d *download) AddPeer(ctx context.Context, addr string) error {
	if d.isBanned(addr) {
		return fmt.Errorf("%w: %s", ErrBanned, addr)
	}
	conn, err := connect(ctx, addr, d.config.SwarmID, d.config.PeerID, d.config.PeerOptions(d.logger))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	return d.AddConn(conn)
}

func (d *download) AddConn(conn Conn) error {
	if d.isBanned(conn.RemoteAddr()) {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrBanned, conn.RemoteAddr())
	}
	select {
	case <-d.done:
		conn.Close()
		return ErrStopped
	default:
	}
	select {
	case d.pending.In() <- conn:
		return nil
	case <-d.done:
		conn.Close()
		return ErrStopped
	}
}

func (d *download) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.ChokeInterval)
	defer ticker.Stop()
	defer d.stop()

	d.mux.Add(chokeTimerID, ticker.C)
	d.mux.Add(pendingID, d.pending.Out())
	d.mux.Add(cancelID, ctx.Done())

	d.logger.Info("download started",
		slog.Int("pieces", int(d.config.NumPieces)),
		slog.String("policy", d.config.PiecePolicy))

	for {
		ev := d.mux.Wait()
		switch ev.ID {
		case cancelID:
			d.logger.Info("download stopping", slog.Int("peers", len(d.peers)))
			return ctx.Err()
		case chokeTimerID:
			d.choke()
		case pendingID:
			d.register(ev.Value.(Conn))
		default:
			p, ok := d.peers[uint32(ev.ID)]
			if !ok {
				panic(fmt.Sprintf("download: event from unregistered source %d", ev.ID))
			}
			if ev.Closed {
				d.disconnect(p, "connection closed")
				continue
			}
			d.handleMessage(p, ev.Value.(wire.Message))
		}
	}
}

func (d *download) stop() {
	close(d.done)
	d.pending.Stop()
	for _, p := range d.peers {
		d.disconnect(p, "download stopped")
	}
}

func (d *download) register(conn Conn) *remotePeer {
	id := d.nextID
	d.nextID++
	p := &remotePeer{
		id:    id,
		conn:  conn,
		state: peer.NewState(int(d.config.NumPieces)),
		logger: d.logger.With(
			slog.Uint64("conn", uint64(id)),
			slog.String("addr", conn.RemoteAddr()),
			slog.String("peer", conn.PeerID().String())),
	}
	d.peers[id] = p
	d.mux.Add(int(id), conn.Inbound())
	p.logger.Info("peer connected")
	return p
}

func (d *download) handleMessage(p *remotePeer, m wire.Message) {
	p.logger.Debug("received", slog.String("message", m.String()))

	switch m := m.(type) {
	case wire.KeepAlive:
	case wire.Handshake:
		d.violation(p, fmt.Errorf("%w: handshake after the connection was established", ErrProtocolViolation))
	case wire.Choke:
		p.state.PeerChoking = true
	case wire.Unchoke:
		p.state.PeerChoking = false
		d.updateRequests(p)
	case wire.Interested:
		p.state.PeerInterested = true
	case wire.NotInterested:
		p.state.PeerInterested = false
	case wire.Have:
		if m.Index >= d.config.NumPieces {
			d.violation(p, fmt.Errorf("%w: have for piece %d of %d", ErrProtocolViolation, m.Index, d.config.NumPieces))
			return
		}
		if !p.state.Pieces.Has(int(m.Index)) {
			p.state.Pieces.Set(int(m.Index))
			d.pieceHave(int(m.Index))
		}
	case wire.Bitfield:
		next := peer.NewPieces(int(d.config.NumPieces))
		err := next.ReplaceFromBitfield(m.Bits)
		if err != nil {
			d.violation(p, fmt.Errorf("%w: %w", ErrProtocolViolation, err))
			return
		}
		d.replacePieces(p, next)
	case wire.Piece:
		p.state.BlockReceived()
		d.stats.UpdatePeer(p.id, len(m.Data), 0)
		d.writeBlock(p, m)
		d.updateRequests(p)
	case wire.Request, wire.Cancel:
		// nothing is served
	case wire.Close:
		d.disconnect(p, "close requested")
	default:
		d.violation(p, fmt.Errorf("%w: unexpected message %s", ErrProtocolViolation, m))
	}
}

func (d *download) writeBlock(p *remotePeer, m wire.Piece) {
	if d.storage == nil {
		return
	}
	if m.Begin.Piece >= d.config.NumPieces {
		p.logger.Warn("dropping block outside the swarm", slog.String("message", m.String()))
		return
	}
	err := d.storage.WriteBlock(p.conn.PeerID(), m.Begin, m.Data)
	if err != nil {
		p.logger.Warn("failed to store block", slog.String("message", m.String()), slog.Any("error", err))
	}
}

// updateRequests tops the peer's pipeline up to PipelineDepth, declaring interest before
// the first request. A block whose request fails to send is kept for the next refill.
func (d *download) updateRequests(p *remotePeer) {
	if p.state.PeerChoking {
		p.logger.Debug("peer is choking us, not requesting")
		return
	}
	for p.state.Inflight < d.config.PipelineDepth {
		request, ok := d.nextRequest()
		if !ok {
			return
		}
		if !p.state.ClientInterested {
			err := p.conn.Send(wire.Interested{})
			if err != nil {
				p.logger.Warn("failed to send interested", slog.Any("error", err))
				d.unsent = append(d.unsent, request)
				return
			}
			p.state.ClientInterested = true
		}
		err := p.conn.Send(wire.Request{Block: request})
		if err != nil {
			p.logger.Warn("failed to send request", slog.Any("error", err))
			d.unsent = append(d.unsent, request)
			return
		}
		p.state.RequestSent()
	}
}

func (d *download) nextRequest() (wire.BlockRequest, bool) {
	if n := len(d.unsent); n > 0 {
		request := d.unsent[n-1]
		d.unsent = d.unsent[:n-1]
		return request, true
	}
	request, ok := d.selector.NextRequest()
	if ok && request.Length != d.config.BlockSize {
		panic(fmt.Sprintf("download: selector produced a %d byte block, want %d", request.Length, d.config.BlockSize))
	}
	return request, ok
}

// violation bans the peer's address and drops it.
func (d *download) violation(p *remotePeer, err error) {
	p.logger.Warn("banning peer", slog.Any("error", err))
	d.banned.Add(banKey(p.conn.RemoteAddr()))
	d.disconnect(p, "protocol violation")
}

// disconnect forgets the peer. Requests still in flight to it are not handed back to
// the selector.
func (d *download) disconnect(p *remotePeer, reason string) {
	d.mux.Remove(int(p.id))
	delete(d.peers, p.id)
	p.conn.Close()
	d.stats.RemovePeer(p.id)
	d.replacePieces(p, peer.NewPieces(int(d.config.NumPieces)))
	p.logger.Info("peer disconnected", slog.String("reason", reason))
}

func (d *download) replacePieces(p *remotePeer, next *peer.Pieces) {
	prev := p.state.Pieces
	for i := 0; i < next.Len(); i++ {
		switch {
		case next.Has(i) && !prev.Has(i):
			d.pieceHave(i)
		case !next.Has(i) && prev.Has(i):
			d.pieceGone(i)
		}
	}
	p.state.Pieces = next
}

func (d *download) pieceHave(pieceIndex int) {
	if observer, ok := d.selector.(piece.AvailabilityObserver); ok {
		observer.PieceHave(pieceIndex)
	}
}

func (d *download) pieceGone(pieceIndex int) {
	if observer, ok := d.selector.(piece.AvailabilityObserver); ok {
		observer.PieceGone(pieceIndex)
	}
}
