package cubby

// BlockSize is the fixed block size B described in §4.1: the log file is
// divided into blocks of this many bytes, the first byte of each block
// marking it DATA or HEADER.
const BlockSize = 1024

const (
	blockData   byte = 0x00
	blockHeader byte = 0x2A
)

// Framer converts opaque byte sequences to and from the block-marked
// on-disk representation. It is pure arithmetic and byte manipulation --
// per §4.1, it never fails.
type Framer struct{}

// Encode produces the framed byte list that, written starting at absolute
// file offset p, preserves the block-marker convention: a DATA marker
// precedes the payload of every block boundary crossed while writing the
// logical bytes.
func (Framer) Encode(data []byte, p uint64) []byte {
	return frameBytes(data, p, blockData)
}

// AddHeaderMarker returns the block-aligned offset at which a HEADER
// marker will sit, plus the zero-filled padding bytes (if any) needed to
// reach that boundary from p. The padding bytes belong to the tail of the
// block already in progress at p and carry no marker of their own.
func (Framer) AddHeaderMarker(p uint64) (loc uint64, padding []byte) {
	blockOff := p % BlockSize
	if blockOff == 0 {
		return p, nil
	}

	pad := BlockSize - blockOff
	return p + pad, make([]byte, pad)
}

// EncodeHeader is like Encode, except the very first block boundary (at
// the aligned offset itself) is marked HEADER instead of DATA. loc must be
// a multiple of BlockSize, as returned by AddHeaderMarker.
func (Framer) EncodeHeader(data []byte, loc uint64) []byte {
	return frameBytes(data, loc, blockHeader)
}

// Decode is the inverse of Encode/EncodeHeader: given raw file bytes read
// starting at absolute offset p, strip the block markers and return the
// logical payload.
func (Framer) Decode(raw []byte, p uint64) []byte {
	out := make([]byte, 0, len(raw))

	offset := p
	remaining := raw

	for len(remaining) > 0 {
		blockOff := offset % BlockSize
		if blockOff == 0 {
			remaining = remaining[1:]
			offset++

			if len(remaining) == 0 {
				break
			}

			blockOff = offset % BlockSize
		}

		space := uint64(BlockSize) - blockOff
		n := uint64(len(remaining))
		if n > space {
			n = space
		}

		out = append(out, remaining[:n]...)
		remaining = remaining[n:]
		offset += n
	}

	return out
}

// Length returns the number of raw file bytes occupied by n logical bytes
// written starting at offset p, given the block layout -- used to size the
// read buffer for a framed record before it's decoded.
func (Framer) Length(p, n uint64) uint64 {
	if n == 0 {
		return 0
	}

	total := uint64(0)
	offset := p
	remaining := n

	for remaining > 0 {
		blockOff := offset % BlockSize
		if blockOff == 0 {
			total++
			offset++
			blockOff = 1
		}

		space := uint64(BlockSize) - blockOff
		chunk := remaining
		if chunk > space {
			chunk = space
		}

		total += chunk
		remaining -= chunk
		offset += chunk
	}

	return total
}

// LatestPossibleHeaderOffset returns the largest multiple of BlockSize
// strictly less than p. It's the starting point for the reverse scan in
// Store.LatestHeader.
func (Framer) LatestPossibleHeaderOffset(p uint64) uint64 {
	if p == 0 {
		return 0
	}

	return ((p - 1) / BlockSize) * BlockSize
}

// frameBytes is the shared implementation behind Encode/EncodeHeader: it
// writes firstMarker at the boundary at p (only meaningful when p is block
// aligned) and blockData at every subsequent boundary crossed.
func frameBytes(data []byte, p uint64, firstMarker byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/(BlockSize-1)+1)

	offset := p
	remaining := data
	first := true

	for len(remaining) > 0 {
		blockOff := offset % BlockSize
		if blockOff == 0 {
			if first {
				out = append(out, firstMarker)
			} else {
				out = append(out, blockData)
			}

			offset++
			blockOff = 1
		}

		first = false

		space := uint64(BlockSize) - blockOff
		n := uint64(len(remaining))
		if n > space {
			n = space
		}

		out = append(out, remaining[:n]...)
		remaining = remaining[n:]
		offset += n
	}

	return out
}
