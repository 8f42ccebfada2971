package piece

import (
	"github.com/Charana123/peerwire/wire"
	bitmap "github.com/boljen/go-bitmap"
)

type rarestFirst struct {
	numPieces    int
	blockSize    uint32
	numBlocks    uint32
	availability []int
	started      bitmap.Bitmap
	current      *inflightPiece
}

// NewRarestFirstSelector starts, among the pieces not started yet, the one owned by the
// fewest connected peers (lowest index on ties). Pieces nobody owns are only started once
// no owned piece is left. Availability is fed through AvailabilityObserver.
func NewRarestFirstSelector(numPieces, pieceSize, blockSize uint32) Selector {
	return &rarestFirst{
		numPieces:    int(numPieces),
		blockSize:    blockSize,
		numBlocks:    blocksPerPiece(pieceSize, blockSize),
		availability: make([]int, numPieces),
		started:      bitmap.New(int(numPieces)),
	}
}

func (rf *rarestFirst) PieceHave(pieceIndex int) {
	if pieceIndex >= 0 && pieceIndex < rf.numPieces {
		rf.availability[pieceIndex]++
	}
}

func (rf *rarestFirst) PieceGone(pieceIndex int) {
	if pieceIndex >= 0 && pieceIndex < rf.numPieces && rf.availability[pieceIndex] > 0 {
		rf.availability[pieceIndex]--
	}
}

func (rf *rarestFirst) NextRequest() (wire.BlockRequest, bool) {
	if rf.current != nil {
		if block, ok := rf.current.pop(); ok {
			return blockRequest(rf.current.index, block, rf.blockSize), true
		}
	}

	rarest, unowned := -1, -1
	for pieceIndex := 0; pieceIndex < rf.numPieces; pieceIndex++ {
		if rf.started.Get(pieceIndex) {
			continue
		}
		if rf.availability[pieceIndex] == 0 {
			if unowned < 0 {
				unowned = pieceIndex
			}
			continue
		}
		if rarest < 0 || rf.availability[pieceIndex] < rf.availability[rarest] {
			rarest = pieceIndex
		}
	}
	if rarest < 0 {
		rarest = unowned
	}
	if rarest < 0 {
		return wire.BlockRequest{}, false
	}

	rf.started.Set(rarest, true)
	rf.current = newInflightPiece(uint32(rarest), rf.numBlocks)
	block, ok := rf.current.pop()
	if !ok {
		return wire.BlockRequest{}, false
	}
	return blockRequest(uint32(rarest), block, rf.blockSize), true
}
