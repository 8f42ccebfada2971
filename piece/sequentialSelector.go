package piece

import "github.com/Charana123/peerwire/wire"

type sequential struct {
	blockSize        uint32
	numBlocks        uint32
	piecesToDownload []uint32
	inflightPieces   []*inflightPiece
}

// NewSequentialSelector starts pieces in ascending index order and finishes handing out
// one piece's blocks before starting the next. Two selectors built with the same
// arguments produce the same request sequence.
func NewSequentialSelector(numPieces, pieceSize, blockSize uint32) Selector {
	pieces := make([]uint32, 0, numPieces)
	for i := numPieces; i > 0; i-- {
		pieces = append(pieces, i-1)
	}
	return &sequential{
		blockSize:        blockSize,
		numBlocks:        blocksPerPiece(pieceSize, blockSize),
		piecesToDownload: pieces,
	}
}

func (s *sequential) NextRequest() (wire.BlockRequest, bool) {
	// continue with the most recently started piece
	if n := len(s.inflightPieces); n > 0 {
		top := s.inflightPieces[n-1]
		if block, ok := top.pop(); ok {
			return blockRequest(top.index, block, s.blockSize), true
		}
	}

	// exhausted pieces stay in flight until verified elsewhere; start a new one
	n := len(s.piecesToDownload)
	if n == 0 {
		return wire.BlockRequest{}, false
	}
	pieceIndex := s.piecesToDownload[n-1]
	s.piecesToDownload = s.piecesToDownload[:n-1]

	piece := newInflightPiece(pieceIndex, s.numBlocks)
	s.inflightPieces = append(s.inflightPieces, piece)
	block, ok := piece.pop()
	if !ok {
		return wire.BlockRequest{}, false
	}
	return blockRequest(pieceIndex, block, s.blockSize), true
}
