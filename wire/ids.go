package wire

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	ID_LENGTH = 20
)

var (
	ErrInvalidSwarmID = errors.New("invalid swarm id")
	ErrInvalidPeerID  = errors.New("invalid peer id")
)

// SwarmID identifies the shared file (the info hash). Its text form is 40 hex characters.
type SwarmID [ID_LENGTH]byte

// PeerID identifies a client. Its text form is the 20 raw bytes, which must be valid UTF-8.
type PeerID [ID_LENGTH]byte

func ParseSwarmID(s string) (SwarmID, error) {
	var id SwarmID
	if len(s) != 2*ID_LENGTH {
		return id, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidSwarmID, 2*ID_LENGTH, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return SwarmID{}, fmt.Errorf("%w: %v", ErrInvalidSwarmID, err)
	}
	return id, nil
}

func (id SwarmID) String() string {
	return hex.EncodeToString(id[:])
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != ID_LENGTH {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, ID_LENGTH, len(s))
	}
	copy(id[:], s)
	return NewPeerID(id)
}

// NewPeerID validates raw bytes received from the network.
func NewPeerID(raw [ID_LENGTH]byte) (PeerID, error) {
	if !utf8.Valid(raw[:]) {
		return PeerID{}, fmt.Errorf("%w: not valid utf-8", ErrInvalidPeerID)
	}
	return PeerID(raw), nil
}

func (id PeerID) String() string {
	return string(id[:])
}

const peerIDCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePeerID returns prefix followed by random alphanumerics, e.g. "-PW0001-xxxxxxxxxxxx".
func GeneratePeerID(prefix string) (PeerID, error) {
	var id PeerID
	if len(prefix) > ID_LENGTH {
		return id, fmt.Errorf("%w: prefix %q longer than %d bytes", ErrInvalidPeerID, prefix, ID_LENGTH)
	}
	n := copy(id[:], prefix)
	random := make([]byte, ID_LENGTH-n)
	if _, err := rand.Read(random); err != nil {
		return id, err
	}
	for i, b := range random {
		id[n+i] = peerIDCharset[int(b)%len(peerIDCharset)]
	}
	return NewPeerID(id)
}
