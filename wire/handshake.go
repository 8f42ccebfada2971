package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	PROTOCOL        = "BitTorrent protocol"
	RESERVED_LENGTH = 8
	// 1 + 19 + 8 + 20 + 20
	HANDSHAKE_LENGTH = 1 + len(PROTOCOL) + RESERVED_LENGTH + 2*ID_LENGTH
)

var ErrProtocolMismatch = errors.New("handshake protocol mismatch")

func NewHandshake(swarm SwarmID, peerID PeerID) Handshake {
	return Handshake{
		Protocol: PROTOCOL,
		SwarmID:  swarm,
		PeerID:   peerID,
	}
}

func EncodeHandshake(h Handshake) ([]byte, error) {
	if len(h.Protocol) > 255 {
		return nil, fmt.Errorf("%w: protocol name of %d bytes", ErrMessageTooLarge, len(h.Protocol))
	}
	b := &bytes.Buffer{}
	b.Grow(1 + len(h.Protocol) + RESERVED_LENGTH + 2*ID_LENGTH)
	b.WriteByte(byte(len(h.Protocol)))
	b.WriteString(h.Protocol)
	b.Write(h.Extensions[:])
	b.Write(h.SwarmID[:])
	b.Write(h.PeerID[:])
	return b.Bytes(), nil
}

// DecodeHandshake parses a 68 byte handshake. The length byte and protocol name must
// match PROTOCOL exactly; reserved bytes are carried through untouched.
func DecodeHandshake(data []byte) (Handshake, error) {
	if len(data) < HANDSHAKE_LENGTH {
		return Handshake{}, io.ErrUnexpectedEOF
	}
	if len(data) > HANDSHAKE_LENGTH {
		return Handshake{}, fmt.Errorf("%w: handshake of %d bytes", ErrTrailingFrameData, len(data))
	}
	if int(data[0]) != len(PROTOCOL) || string(data[1:1+len(PROTOCOL)]) != PROTOCOL {
		return Handshake{}, fmt.Errorf("%w: got %q", ErrProtocolMismatch, data[1:1+len(PROTOCOL)])
	}

	h := Handshake{Protocol: PROTOCOL}
	curr := 1 + len(PROTOCOL)
	curr += copy(h.Extensions[:], data[curr:])
	curr += copy(h.SwarmID[:], data[curr:])
	var raw [ID_LENGTH]byte
	copy(raw[:], data[curr:])
	peerID, err := NewPeerID(raw)
	if err != nil {
		return Handshake{}, err
	}
	h.PeerID = peerID
	return h, nil
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(r, data); err != nil {
		return Handshake{}, err
	}
	return DecodeHandshake(data)
}
