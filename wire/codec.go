package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	LENGTH_PREFIX = 4
	HAVE_LENGTH   = 4
	// index, begin, length
	REQUEST_LENGTH = 12
	// index, begin
	PIECE_HEADER_LENGTH = 8
)

var (
	ErrUnknownMessage    = errors.New("unknown message id")
	ErrBadPayloadLength  = errors.New("bad payload length")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrNotEncodable      = errors.New("message cannot be encoded")
	ErrTrailingFrameData = errors.New("frame longer than its length prefix")
)

// Encode serializes m into a complete frame: the 68 byte handshake for Handshake,
// otherwise a big-endian u32 length followed by the payload.
func Encode(m Message) ([]byte, error) {
	b := &bytes.Buffer{}
	switch m := m.(type) {
	case Handshake:
		return EncodeHandshake(m)
	case KeepAlive:
		binary.Write(b, binary.BigEndian, uint32(0))
	case Choke:
		writeHeader(b, 1, CHOKE)
	case Unchoke:
		writeHeader(b, 1, UNCHOKE)
	case Interested:
		writeHeader(b, 1, INTERESTED)
	case NotInterested:
		writeHeader(b, 1, NOT_INTERESTED)
	case Have:
		writeHeader(b, 1+HAVE_LENGTH, HAVE)
		binary.Write(b, binary.BigEndian, m.Index)
	case Bitfield:
		length, err := frameLength(len(m.Bits))
		if err != nil {
			return nil, fmt.Errorf("bitfield: %w", err)
		}
		writeHeader(b, length, BITFIELD)
		b.Write(m.Bits)
	case Request:
		writeHeader(b, 1+REQUEST_LENGTH, REQUEST)
		writeBlockRequest(b, m.Block)
	case Piece:
		length, err := frameLength(PIECE_HEADER_LENGTH + len(m.Data))
		if err != nil {
			return nil, fmt.Errorf("piece: %w", err)
		}
		writeHeader(b, length, PIECE)
		binary.Write(b, binary.BigEndian, m.Begin.Piece)
		binary.Write(b, binary.BigEndian, m.Begin.Offset)
		b.Write(m.Data)
	case Cancel:
		writeHeader(b, 1+REQUEST_LENGTH, CANCEL)
		writeBlockRequest(b, m.Block)
	case Close:
		return nil, fmt.Errorf("%w: %s", ErrNotEncodable, m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotEncodable, m)
	}
	return b.Bytes(), nil
}

// frameLength is 1 (the id) plus the payload length, provided it fits the u32 prefix.
func frameLength(payload int) (uint32, error) {
	if uint64(payload)+1 > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d byte payload", ErrMessageTooLarge, payload)
	}
	return uint32(payload + 1), nil
}

func writeHeader(b *bytes.Buffer, length uint32, id MessageID) {
	binary.Write(b, binary.BigEndian, length)
	b.WriteByte(byte(id))
}

func writeBlockRequest(b *bytes.Buffer, r BlockRequest) {
	binary.Write(b, binary.BigEndian, r.Start.Piece)
	binary.Write(b, binary.BigEndian, r.Start.Offset)
	binary.Write(b, binary.BigEndian, r.Length)
}

// Decode parses one complete length-prefixed frame. A frame shorter than its prefix
// announces is reported as io.ErrUnexpectedEOF.
func Decode(frame []byte) (Message, error) {
	if len(frame) < LENGTH_PREFIX {
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(frame[:LENGTH_PREFIX])
	rest := uint64(len(frame) - LENGTH_PREFIX)
	if rest < uint64(length) {
		return nil, io.ErrUnexpectedEOF
	}
	if rest > uint64(length) {
		return nil, fmt.Errorf("%w: prefix %d, frame %d", ErrTrailingFrameData, length, rest)
	}
	payload := make([]byte, length)
	copy(payload, frame[LENGTH_PREFIX:])
	return decodePayload(payload)
}

// ReadMessage reads exactly one frame from r. If max is non-zero, a length prefix
// above max fails with ErrMessageTooLarge before anything is allocated.
func ReadMessage(r io.Reader, max uint32) (Message, error) {
	prefix := make([]byte, LENGTH_PREFIX)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix)
	if max > 0 && length > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, max)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodePayload(payload)
}

// decodePayload keeps references into payload for variable length messages.
func decodePayload(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return KeepAlive{}, nil
	}
	id := MessageID(payload[0])
	body := payload[1:]
	switch id {
	case CHOKE:
		return Choke{}, nil
	case UNCHOKE:
		return Unchoke{}, nil
	case INTERESTED:
		return Interested{}, nil
	case NOT_INTERESTED:
		return NotInterested{}, nil
	case HAVE:
		if err := expectLength(id, body, HAVE_LENGTH); err != nil {
			return nil, err
		}
		return Have{Index: binary.BigEndian.Uint32(body)}, nil
	case BITFIELD:
		return Bitfield{Bits: body}, nil
	case REQUEST:
		if err := expectLength(id, body, REQUEST_LENGTH); err != nil {
			return nil, err
		}
		return Request{Block: readBlockRequest(body)}, nil
	case PIECE:
		if len(body) < PIECE_HEADER_LENGTH {
			return nil, fmt.Errorf("%w: %s needs at least %d bytes, got %d", ErrBadPayloadLength, id, PIECE_HEADER_LENGTH, len(body))
		}
		return Piece{
			Begin: BlockBegin{
				Piece:  binary.BigEndian.Uint32(body[0:4]),
				Offset: binary.BigEndian.Uint32(body[4:8]),
			},
			Data: body[PIECE_HEADER_LENGTH:],
		}, nil
	case CANCEL:
		if err := expectLength(id, body, REQUEST_LENGTH); err != nil {
			return nil, err
		}
		return Cancel{Block: readBlockRequest(body)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(id))
}

func expectLength(id MessageID, body []byte, want int) error {
	if len(body) != want {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrBadPayloadLength, id, want, len(body))
	}
	return nil
}

func readBlockRequest(body []byte) BlockRequest {
	return BlockRequest{
		Start: BlockBegin{
			Piece:  binary.BigEndian.Uint32(body[0:4]),
			Offset: binary.BigEndian.Uint32(body[4:8]),
		},
		Length: binary.BigEndian.Uint32(body[8:12]),
	}
}
