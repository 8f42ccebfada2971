package peer

import (
	"errors"
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

var ErrBitfieldLength = errors.New("bitfield length does not match piece count")

// Pieces records which pieces a remote peer owns. Its length is fixed to the swarm's
// piece count; indexes outside of it are never set.
type Pieces struct {
	bits bitmap.Bitmap
	n    int
}

func NewPieces(numPieces int) *Pieces {
	return &Pieces{
		bits: bitmap.New(numPieces),
		n:    numPieces,
	}
}

func (p *Pieces) Len() int {
	return p.n
}

func (p *Pieces) Has(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= p.n {
		return false
	}
	return p.bits.Get(pieceIndex)
}

// Set marks pieceIndex as owned and reports whether the index was in range.
func (p *Pieces) Set(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= p.n {
		return false
	}
	p.bits.Set(pieceIndex, true)
	return true
}

func (p *Pieces) Count() int {
	count := 0
	for i := 0; i < p.n; i++ {
		if p.bits.Get(i) {
			count++
		}
	}
	return count
}

// ReplaceFromBitfield replaces the whole set with a wire bitfield (most significant bit
// of byte 0 is piece 0). A bitfield carrying exactly the piece count, or padded up to the
// next multiple of 8, is accepted; pad bits are dropped whatever their value. Any other
// length leaves the set untouched and returns ErrBitfieldLength.
func (p *Pieces) ReplaceFromBitfield(bitfield []byte) error {
	numBits := 8 * len(bitfield)
	// Length is checked per the bitfield row of the message table: ceil(n/8) bytes.
	// Set pad bits are tolerated, not treated as a protocol violation. See DESIGN.md, bitfield length.
	if numBits != p.n && !(numBits > p.n && numBits == roundUpToByte(p.n)) {
		return fmt.Errorf("%w: %d bits for %d pieces", ErrBitfieldLength, numBits, p.n)
	}

	bits := bitmap.New(p.n)
	for pieceIndex := 0; pieceIndex < p.n; pieceIndex++ {
		if bitfield[pieceIndex/8]&(0x80>>uint(pieceIndex%8)) != 0 {
			bits.Set(pieceIndex, true)
		}
	}
	p.bits = bits
	return nil
}

func roundUpToByte(n int) int {
	return (n + 7) / 8 * 8
}
