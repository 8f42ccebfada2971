package download

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Charana123/peerwire/peer"
	"github.com/Charana123/peerwire/piece"
	"github.com/Charana123/peerwire/wire"
	"golang.org/x/time/rate"
)

const (
	CHOKE_INTERVAL           = 10 * time.Second
	MAX_OUTSTANDING_REQUESTS = 100
	UNCHOKE_SLOTS            = 4
	OPTIMISTIC_UNCHOKE_EVERY = 3
	HANDSHAKE_TIMEOUT        = 30 * time.Second
	WRITE_TIMEOUT            = 30 * time.Second
	KEEP_ALIVE_INTERVAL      = 2 * time.Minute
)

const (
	SEQUENTIAL   = "sequential"
	RAREST_FIRST = "rarest-first"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	SwarmID wire.SwarmID
	PeerID  wire.PeerID

	NumPieces uint32
	PieceSize uint32
	BlockSize uint32
	// "sequential" or "rarest-first"
	PiecePolicy string

	// requests kept in flight per unchoked peer
	PipelineDepth   int
	ChokeInterval   time.Duration
	UnchokeSlots    int
	OptimisticEvery int

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	// 0 derives the limit from NumPieces and BlockSize
	MaxMessageLength  uint32
	UploadRateLimiter *rate.Limiter
}

func DefaultConfig(swarm wire.SwarmID, peerID wire.PeerID, numPieces, pieceSize uint32) Config {
	return Config{
		SwarmID:           swarm,
		PeerID:            peerID,
		NumPieces:         numPieces,
		PieceSize:         pieceSize,
		BlockSize:         piece.BLOCK_SIZE,
		PiecePolicy:       SEQUENTIAL,
		PipelineDepth:     MAX_OUTSTANDING_REQUESTS,
		ChokeInterval:     CHOKE_INTERVAL,
		UnchokeSlots:      UNCHOKE_SLOTS,
		OptimisticEvery:   OPTIMISTIC_UNCHOKE_EVERY,
		HandshakeTimeout:  HANDSHAKE_TIMEOUT,
		WriteTimeout:      WRITE_TIMEOUT,
		KeepAliveInterval: KEEP_ALIVE_INTERVAL,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumPieces == 0:
		return fmt.Errorf("%w: no pieces", ErrInvalidConfig)
	case c.PieceSize == 0 || c.BlockSize == 0:
		return fmt.Errorf("%w: piece size %d, block size %d", ErrInvalidConfig, c.PieceSize, c.BlockSize)
	case c.BlockSize > c.PieceSize:
		return fmt.Errorf("%w: block size %d larger than piece size %d", ErrInvalidConfig, c.BlockSize, c.PieceSize)
	case c.PipelineDepth <= 0:
		return fmt.Errorf("%w: pipeline depth %d", ErrInvalidConfig, c.PipelineDepth)
	case c.ChokeInterval <= 0:
		return fmt.Errorf("%w: choke interval %s", ErrInvalidConfig, c.ChokeInterval)
	case c.UnchokeSlots <= 0 || c.OptimisticEvery <= 0:
		return fmt.Errorf("%w: %d unchoke slots, optimistic unchoke every %d", ErrInvalidConfig, c.UnchokeSlots, c.OptimisticEvery)
	case c.MaxMessageLength != 0 && c.MaxMessageLength < minMessageLength:
		return fmt.Errorf("%w: max message length %d below a %d byte request", ErrInvalidConfig, c.MaxMessageLength, minMessageLength)
	case c.PiecePolicy != SEQUENTIAL && c.PiecePolicy != RAREST_FIRST:
		return fmt.Errorf("%w: unknown piece policy %q", ErrInvalidConfig, c.PiecePolicy)
	}
	return nil
}

func (c Config) NewSelector() piece.Selector {
	if c.PiecePolicy == RAREST_FIRST {
		return piece.NewRarestFirstSelector(c.NumPieces, c.PieceSize, c.BlockSize)
	}
	return piece.NewSequentialSelector(c.NumPieces, c.PieceSize, c.BlockSize)
}

// request and cancel payloads, the largest fixed-size messages
const minMessageLength = 1 + wire.REQUEST_LENGTH

// maxMessageLength fits the largest of a full bitfield, a piece message for one block
// and a request.
func (c Config) maxMessageLength() uint32 {
	if c.MaxMessageLength > 0 {
		return c.MaxMessageLength
	}
	bitfield := 1 + (uint64(c.NumPieces)+7)/8
	block := 1 + wire.PIECE_HEADER_LENGTH + uint64(c.BlockSize)
	return uint32(max(bitfield, block, minMessageLength))
}

func (c Config) PeerOptions(logger *slog.Logger) peer.Options {
	return peer.Options{
		HandshakeTimeout:  c.HandshakeTimeout,
		WriteTimeout:      c.WriteTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		MaxMessageLength:  c.maxMessageLength(),
		UploadRateLimiter: c.UploadRateLimiter,
		Logger:            logger,
	}
}
