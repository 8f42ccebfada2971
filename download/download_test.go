package download

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Charana123/peerwire/peer"
	"github.com/Charana123/peerwire/piece"
	"github.com/Charana123/peerwire/stats"
	"github.com/Charana123/peerwire/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mock.Mock
	addr    string
	peerID  wire.PeerID
	inbound chan wire.Message
}

func newMockConn(addr string) *mockConn {
	c := &mockConn{
		addr:    addr,
		inbound: make(chan wire.Message),
	}
	copy(c.peerID[:], "-XX0001-remotepeer00")
	return c
}

func (c *mockConn) PeerID() wire.PeerID {
	return c.peerID
}

func (c *mockConn) RemoteAddr() string {
	return c.addr
}

func (c *mockConn) Inbound() <-chan wire.Message {
	return c.inbound
}

func (c *mockConn) Send(m wire.Message) error {
	args := c.Called(m)
	return args.Error(0)
}

func (c *mockConn) Close() {
	c.Called()
}

func (c *mockConn) sent() []wire.Message {
	messages := []wire.Message{}
	for _, call := range c.Calls {
		if call.Method == "Send" {
			messages = append(messages, call.Arguments.Get(0).(wire.Message))
		}
	}
	return messages
}

type mockStats struct {
	stats.Stats
	mock.Mock
}

func (s *mockStats) GetPeerStats() map[uint32]stats.PeerStat {
	args := s.Called()
	return args.Get(0).(map[uint32]stats.PeerStat)
}

func (s *mockStats) UpdatePeer(id uint32, downloaded int, uploaded int) {
	s.Called(id, downloaded, uploaded)
}

func (s *mockStats) RemovePeer(id uint32) {
	s.Called(id)
}

type mockSelector struct {
	mock.Mock
}

func (s *mockSelector) NextRequest() (wire.BlockRequest, bool) {
	args := s.Called()
	return args.Get(0).(wire.BlockRequest), args.Bool(1)
}

func (s *mockSelector) PieceHave(pieceIndex int) {
	s.Called(pieceIndex)
}

func (s *mockSelector) PieceGone(pieceIndex int) {
	s.Called(pieceIndex)
}

var (
	testSwarm = wire.SwarmID{0xaa, 0xbb}
	localID   = wire.PeerID{'-', 'P', 'W'}
)

func testConfig(numPieces uint32) Config {
	return DefaultConfig(testSwarm, localID, numPieces, 2*piece.BLOCK_SIZE)
}

func newTestDownload(config Config, selector piece.Selector) (*download, *mockStats) {
	s := &mockStats{}
	s.On("GetPeerStats").Return(map[uint32]stats.PeerStat{}).Maybe()
	s.On("UpdatePeer", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	s.On("RemovePeer", mock.Anything).Return().Maybe()
	return newDownload(config, selector, s, nil, nil), s
}

func connectedPeer(d *download, addr string) (*remotePeer, *mockConn) {
	c := newMockConn(addr)
	c.On("Send", mock.Anything).Return(nil)
	c.On("Close").Return()
	return d.register(c), c
}

func restoreConnect(saved func(context.Context, string, wire.SwarmID, wire.PeerID, peer.Options) (Conn, error)) {
	connect = saved
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := testConfig(10)
	config.PiecePolicy = "random"
	_, err := New(config, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config = testConfig(0)
	_, err = New(config, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testConfig(10), nil, nil)
	assert.NoError(t, err)
}

func TestHaveIndexBounds(t *testing.T) {
	tests := []struct {
		index     uint32
		connected bool
	}{
		{index: 9, connected: true},
		{index: 10, connected: false},
		{index: 11, connected: false},
	}
	for _, test := range tests {
		d, _ := newTestDownload(testConfig(10), piece.NewSequentialSelector(10, 2*piece.BLOCK_SIZE, piece.BLOCK_SIZE))
		p, c := connectedPeer(d, "10.0.0.1:6881")

		d.handleMessage(p, wire.Have{Index: test.index})

		_, ok := d.peers[p.id]
		assert.Equal(t, test.connected, ok, "have %d", test.index)
		assert.Equal(t, !test.connected, d.isBanned("10.0.0.1:6881"), "have %d", test.index)
		if test.connected {
			assert.True(t, p.state.Pieces.Has(int(test.index)))
			c.AssertNotCalled(t, "Close")
		} else {
			c.AssertCalled(t, "Close")
			assert.False(t, d.mux.Has(int(p.id)))
		}
	}
}

func TestHaveFeedsAvailability(t *testing.T) {
	selector := &mockSelector{}
	selector.On("PieceHave", 3).Return().Once()
	selector.On("PieceGone", 3).Return().Once()
	d, _ := newTestDownload(testConfig(10), selector)
	p, _ := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Have{Index: 3})
	// a repeated have does not count twice
	d.handleMessage(p, wire.Have{Index: 3})
	d.handleMessage(p, wire.Close{})

	selector.AssertExpectations(t)
}

func TestBitfield(t *testing.T) {
	selector := &mockSelector{}
	selector.On("PieceHave", 0).Return().Once()
	selector.On("PieceHave", 9).Return().Once()
	selector.On("PieceHave", 1).Return().Once()
	selector.On("PieceGone", 0).Return().Once()
	d, _ := newTestDownload(testConfig(10), selector)
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Have{Index: 0})
	// pieces 1 and 9, pad bits set
	d.handleMessage(p, wire.Bitfield{Bits: []byte{0x40, 0x7f}})

	selector.AssertExpectations(t)
	assert.False(t, p.state.Pieces.Has(0))
	assert.True(t, p.state.Pieces.Has(1))
	assert.True(t, p.state.Pieces.Has(9))
	assert.Equal(t, 2, p.state.Pieces.Count())
	c.AssertNotCalled(t, "Close")
}

func TestBitfieldWrongLengthDisconnects(t *testing.T) {
	for _, bits := range [][]byte{{}, {0xff}, {0xff, 0xc0, 0x00}} {
		d, _ := newTestDownload(testConfig(10), piece.NewSequentialSelector(10, 2*piece.BLOCK_SIZE, piece.BLOCK_SIZE))
		p, c := connectedPeer(d, "10.0.0.1:6881")

		d.handleMessage(p, wire.Bitfield{Bits: bits})

		assert.NotContains(t, d.peers, p.id, "%d bytes", len(bits))
		assert.True(t, d.isBanned("10.0.0.1:1"))
		c.AssertCalled(t, "Close")
	}
}

func TestHandshakeAfterConnectDisconnects(t *testing.T) {
	defer restoreConnect(connect)
	d, _ := newTestDownload(testConfig(10), piece.NewSequentialSelector(10, 2*piece.BLOCK_SIZE, piece.BLOCK_SIZE))
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.NewHandshake(testSwarm, localID))

	assert.Empty(t, d.peers)
	c.AssertCalled(t, "Close")

	banned := newMockConn("10.0.0.1:51000")
	banned.On("Close").Return()
	err := d.AddConn(banned)
	assert.ErrorIs(t, err, ErrBanned)
	banned.AssertCalled(t, "Close")

	connect = func(context.Context, string, wire.SwarmID, wire.PeerID, peer.Options) (Conn, error) {
		t.Fatal("dialed a banned peer")
		return nil, nil
	}
	err = d.AddPeer(context.Background(), "10.0.0.1:6881")
	assert.ErrorIs(t, err, ErrBanned)
}

func TestInterestAndChokeFlags(t *testing.T) {
	d, _ := newTestDownload(testConfig(10), piece.NewSequentialSelector(10, 2*piece.BLOCK_SIZE, piece.BLOCK_SIZE))
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Interested{})
	assert.True(t, p.state.PeerInterested)
	d.handleMessage(p, wire.NotInterested{})
	assert.False(t, p.state.PeerInterested)

	d.handleMessage(p, wire.KeepAlive{})
	d.handleMessage(p, wire.Request{Block: wire.BlockRequest{Length: piece.BLOCK_SIZE}})
	d.handleMessage(p, wire.Cancel{Block: wire.BlockRequest{Length: piece.BLOCK_SIZE}})
	assert.Empty(t, c.sent())

	d.handleMessage(p, wire.Unchoke{})
	assert.False(t, p.state.PeerChoking)
	d.handleMessage(p, wire.Choke{})
	assert.True(t, p.state.PeerChoking)
}

func TestUnchokeFillsPipeline(t *testing.T) {
	config := testConfig(100)
	d, _ := newTestDownload(config, config.NewSelector())
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Unchoke{})

	sent := c.sent()
	require.Len(t, sent, 1+MAX_OUTSTANDING_REQUESTS)
	assert.Equal(t, wire.Interested{}, sent[0])
	assert.Equal(t, wire.Request{Block: wire.BlockRequest{
		Start:  wire.BlockBegin{Piece: 0, Offset: 0},
		Length: piece.BLOCK_SIZE,
	}}, sent[1])
	assert.Equal(t, wire.Request{Block: wire.BlockRequest{
		Start:  wire.BlockBegin{Piece: 0, Offset: piece.BLOCK_SIZE},
		Length: piece.BLOCK_SIZE,
	}}, sent[2])
	assert.True(t, p.state.ClientInterested)
	assert.Equal(t, MAX_OUTSTANDING_REQUESTS, p.state.Inflight)

	// already full, nothing more is sent
	d.handleMessage(p, wire.Unchoke{})
	assert.Len(t, c.sent(), 1+MAX_OUTSTANDING_REQUESTS)

	// a received block frees one slot, interest is not declared again
	d.handleMessage(p, wire.Piece{Begin: wire.BlockBegin{Piece: 0}, Data: make([]byte, piece.BLOCK_SIZE)})
	sent = c.sent()
	require.Len(t, sent, 2+MAX_OUTSTANDING_REQUESTS)
	assert.IsType(t, wire.Request{}, sent[len(sent)-1])
	assert.Equal(t, MAX_OUTSTANDING_REQUESTS, p.state.Inflight)
}

func TestPipelineStopsWhenSelectorIsExhausted(t *testing.T) {
	config := testConfig(2)
	d, _ := newTestDownload(config, config.NewSelector())
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Unchoke{})

	assert.Len(t, c.sent(), 1+4)
	assert.Equal(t, 4, p.state.Inflight)
}

func TestNoRequestsWhileChoked(t *testing.T) {
	config := testConfig(10)
	d, s := newTestDownload(config, config.NewSelector())
	p, c := connectedPeer(d, "10.0.0.1:6881")

	d.handleMessage(p, wire.Piece{Begin: wire.BlockBegin{Piece: 1}, Data: []byte{1, 2, 3}})

	assert.Empty(t, c.sent())
	assert.Equal(t, 0, p.state.Inflight)
	s.AssertCalled(t, "UpdatePeer", p.id, 3, 0)
}

type mockStorage struct {
	mock.Mock
}

func (s *mockStorage) WriteBlock(from wire.PeerID, begin wire.BlockBegin, data []byte) error {
	args := s.Called(from, begin, data)
	return args.Error(0)
}

func TestPieceIsStored(t *testing.T) {
	config := testConfig(10)
	d, _ := newTestDownload(config, config.NewSelector())
	storage := &mockStorage{}
	d.storage = storage
	p, c := connectedPeer(d, "10.0.0.1:6881")

	begin := wire.BlockBegin{Piece: 2, Offset: piece.BLOCK_SIZE}
	storage.On("WriteBlock", c.peerID, begin, []byte{7, 7}).Return(errors.New("disk full")).Once()
	d.handleMessage(p, wire.Piece{Begin: begin, Data: []byte{7, 7}})
	// outside the swarm, never reaches storage
	d.handleMessage(p, wire.Piece{Begin: wire.BlockBegin{Piece: 10}, Data: []byte{1}})

	storage.AssertExpectations(t)
	assert.Contains(t, d.peers, p.id)
}

func TestSendFailureKeepsPeer(t *testing.T) {
	config := testConfig(10)
	d, _ := newTestDownload(config, config.NewSelector())
	c := newMockConn("10.0.0.1:6881")
	c.On("Send", mock.Anything).Return(peer.ErrClosed)
	p := d.register(c)

	d.handleMessage(p, wire.Unchoke{})

	assert.Contains(t, d.peers, p.id)
	assert.False(t, p.state.ClientInterested)
	assert.Equal(t, 0, p.state.Inflight)

	// the block taken for the failed peer goes to the next one
	other, otherConn := connectedPeer(d, "10.0.0.2:6881")
	d.handleMessage(other, wire.Unchoke{})

	sent := otherConn.sent()
	require.Len(t, sent, 1+20)
	assert.Equal(t, wire.Interested{}, sent[0])
	assert.Equal(t, wire.Request{Block: wire.BlockRequest{
		Start:  wire.BlockBegin{Piece: 0, Offset: 0},
		Length: piece.BLOCK_SIZE,
	}}, sent[1])
	seen := map[wire.Message]bool{}
	for _, m := range sent {
		assert.False(t, seen[m], "sent twice: %s", m)
		seen[m] = true
	}
}

func TestFailedRequestIsRetried(t *testing.T) {
	config := testConfig(10)
	d, _ := newTestDownload(config, config.NewSelector())
	c := newMockConn("10.0.0.1:6881")
	c.On("Send", wire.Interested{}).Return(nil)
	c.On("Send", mock.AnythingOfType("wire.Request")).Return(peer.ErrClosed).Once()
	c.On("Send", mock.AnythingOfType("wire.Request")).Return(nil)
	p := d.register(c)

	d.handleMessage(p, wire.Unchoke{})
	assert.True(t, p.state.ClientInterested)
	assert.Equal(t, 0, p.state.Inflight)

	d.handleMessage(p, wire.Unchoke{})
	sent := c.sent()
	require.Len(t, sent, 2+20)
	first := wire.Request{Block: wire.BlockRequest{
		Start:  wire.BlockBegin{Piece: 0, Offset: 0},
		Length: piece.BLOCK_SIZE,
	}}
	assert.Equal(t, first, sent[1])
	assert.Equal(t, first, sent[2])
	assert.Equal(t, 20, p.state.Inflight)
}

func TestRun(t *testing.T) {
	defer restoreConnect(connect)
	config := testConfig(10)
	config.ChokeInterval = time.Hour
	d, _ := newTestDownload(config, config.NewSelector())

	sent := make(chan wire.Message, 64)
	closed := make(chan struct{})
	c := newMockConn("10.0.0.1:6881")
	c.On("Send", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		sent <- args.Get(0).(wire.Message)
	})
	c.On("Close").Return().Once().Run(func(mock.Arguments) {
		close(closed)
	})
	connect = func(_ context.Context, addr string, swarm wire.SwarmID, local wire.PeerID, _ peer.Options) (Conn, error) {
		assert.Equal(t, "10.0.0.1:6881", addr)
		assert.Equal(t, testSwarm, swarm)
		assert.Equal(t, localID, local)
		return c, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error)
	go func() {
		result <- d.Run(ctx)
	}()

	require.NoError(t, d.AddPeer(ctx, "10.0.0.1:6881"))
	c.inbound <- wire.Unchoke{}

	assert.Equal(t, wire.Interested{}, <-sent)
	for i := 0; i < 20; i++ {
		assert.IsType(t, wire.Request{}, <-sent)
	}

	close(c.inbound)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("peer was not closed after its inbound queue closed")
	}

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	late := newMockConn("10.0.0.2:6881")
	late.On("Close").Return()
	assert.ErrorIs(t, d.AddConn(late), ErrStopped)
	late.AssertCalled(t, "Close")
}

func TestRunStopClosesPeers(t *testing.T) {
	config := testConfig(10)
	config.ChokeInterval = time.Hour
	d, _ := newTestDownload(config, config.NewSelector())

	closed := make(chan struct{})
	c := newMockConn("10.0.0.1:6881")
	c.On("Close").Return().Once().Run(func(mock.Arguments) {
		close(closed)
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error)
	go func() {
		result <- d.Run(ctx)
	}()
	require.NoError(t, d.AddConn(c))
	// the keep-alive is only delivered once the connection is registered
	c.inbound <- wire.KeepAlive{}

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
	<-closed
}
