package piece

import (
	"github.com/Charana123/peerwire/wire"
)

const (
	BLOCK_SIZE = 16384 // 2^14
)

// Selector hands out the next block to request, independently of which peer will be
// asked for it. It is owned by a single goroutine and is not safe for concurrent use.
//
// A block handed out is never handed out again, even if the peer it was sent to goes
// away before answering.
// TODO: requeue the unanswered blocks of a disconnected peer once a retry collaborator
// tracks which blocks were requested from whom.
type Selector interface {
	NextRequest() (request wire.BlockRequest, ok bool)
}

// AvailabilityObserver is implemented by selectors that rank pieces by how many
// connected peers own them.
type AvailabilityObserver interface {
	PieceHave(pieceIndex int)
	PieceGone(pieceIndex int)
}

// inflightPiece holds the block indexes (not byte offsets) still to be requested, the
// next one on top.
type inflightPiece struct {
	index           uint32
	blocksToRequest []uint32
}

func newInflightPiece(index, numBlocks uint32) *inflightPiece {
	blocks := make([]uint32, 0, numBlocks)
	for b := numBlocks; b > 0; b-- {
		blocks = append(blocks, b-1)
	}
	return &inflightPiece{index: index, blocksToRequest: blocks}
}

func (p *inflightPiece) pop() (uint32, bool) {
	n := len(p.blocksToRequest)
	if n == 0 {
		return 0, false
	}
	block := p.blocksToRequest[n-1]
	p.blocksToRequest = p.blocksToRequest[:n-1]
	return block, true
}

// blocksPerPiece is ceil(pieceSize / blockSize).
func blocksPerPiece(pieceSize, blockSize uint32) uint32 {
	return uint32((uint64(pieceSize) + uint64(blockSize) - 1) / uint64(blockSize))
}

// blockRequest converts a block index into the byte offset used on the wire.
func blockRequest(pieceIndex, blockIndex, blockSize uint32) wire.BlockRequest {
	return wire.BlockRequest{
		Start: wire.BlockBegin{
			Piece:  pieceIndex,
			Offset: blockIndex * blockSize,
		},
		Length: blockSize,
	}
}
