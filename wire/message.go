package wire

import "fmt"

type MessageID uint8

const (
	CHOKE          MessageID = 0
	UNCHOKE        MessageID = 1
	INTERESTED     MessageID = 2
	NOT_INTERESTED MessageID = 3
	HAVE           MessageID = 4
	BITFIELD       MessageID = 5
	REQUEST        MessageID = 6
	PIECE          MessageID = 7
	CANCEL         MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case CHOKE:
		return "choke"
	case UNCHOKE:
		return "unchoke"
	case INTERESTED:
		return "interested"
	case NOT_INTERESTED:
		return "not_interested"
	case HAVE:
		return "have"
	case BITFIELD:
		return "bitfield"
	case REQUEST:
		return "request"
	case PIECE:
		return "piece"
	case CANCEL:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one of the types declared in this file. The set is closed: the only
// implementations are Handshake, KeepAlive, Choke, Unchoke, Interested, NotInterested,
// Have, Bitfield, Request, Piece, Cancel and Close.
type Message interface {
	fmt.Stringer
	message()
}

// BlockBegin addresses a block by piece index and byte offset within the piece.
type BlockBegin struct {
	Piece  uint32
	Offset uint32
}

type BlockRequest struct {
	Start  BlockBegin
	Length uint32
}

type Handshake struct {
	Protocol   string
	Extensions [RESERVED_LENGTH]byte
	SwarmID    SwarmID
	PeerID     PeerID
}

type KeepAlive struct{}

type Choke struct{}

type Unchoke struct{}

type Interested struct{}

type NotInterested struct{}

type Have struct {
	Index uint32
}

// Bitfield carries the raw wire bytes, most significant bit of the first byte is piece 0.
type Bitfield struct {
	Bits []byte
}

type Request struct {
	Block BlockRequest
}

type Piece struct {
	Begin BlockBegin
	Data  []byte
}

type Cancel struct {
	Block BlockRequest
}

// Close is a local sentinel asking a connection's send worker to stop. It is never
// written to the wire.
type Close struct{}

func (Handshake) message()     {}
func (KeepAlive) message()     {}
func (Choke) message()         {}
func (Unchoke) message()       {}
func (Interested) message()    {}
func (NotInterested) message() {}
func (Have) message()          {}
func (Bitfield) message()      {}
func (Request) message()       {}
func (Piece) message()         {}
func (Cancel) message()        {}
func (Close) message()         {}

func (h Handshake) String() string {
	return fmt.Sprintf("handshake(%s, %s, %q)", h.Protocol, h.SwarmID, h.PeerID.String())
}

func (KeepAlive) String() string     { return "keep_alive" }
func (Choke) String() string         { return CHOKE.String() }
func (Unchoke) String() string       { return UNCHOKE.String() }
func (Interested) String() string    { return INTERESTED.String() }
func (NotInterested) String() string { return NOT_INTERESTED.String() }
func (Close) String() string         { return "close" }

func (m Have) String() string {
	return fmt.Sprintf("have(%d)", m.Index)
}

func (m Bitfield) String() string {
	return fmt.Sprintf("bitfield[%d]", len(m.Bits))
}

func (m Request) String() string {
	return fmt.Sprintf("request(%d, %d, %d)", m.Block.Start.Piece, m.Block.Start.Offset, m.Block.Length)
}

func (m Piece) String() string {
	return fmt.Sprintf("piece(%d, %d)[%d]", m.Begin.Piece, m.Begin.Offset, len(m.Data))
}

func (m Cancel) String() string {
	return fmt.Sprintf("cancel(%d, %d, %d)", m.Block.Start.Piece, m.Block.Start.Offset, m.Block.Length)
}
