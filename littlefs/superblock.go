package littlefs

import (
	"bytes"
	"encoding/binary"
)

// probeWindow bounds the superblock scan to the first two maximum-size
// blocks of the image.
const probeWindow = 2 * 16384

// Superblock holds the filesystem parameters recovered from an image.
type Superblock struct {
	Version    uint32
	BlockSize  uint32
	BlockCount uint32
	NameMax    uint32
}

// ProbeSuperblock scans the start of an image for the filesystem magic and
// an adjacent, plausible parameter record. The record does not sit at a
// fixed distance from the magic because the preceding tag layout varies, so
// a small set of candidate offsets is tried and each candidate is validated
// against the image before being accepted.
func ProbeSuperblock(image []byte) (Superblock, bool) {
	window := image
	if len(window) > probeWindow {
		window = window[:probeWindow]
	}

	from := 0
	for {
		idx := bytes.Index(window[from:], []byte(magic))
		if idx < 0 {
			return Superblock{}, false
		}
		fieldsStart := from + idx + len(magic)
		for _, skip := range []int{4, 8, 12} {
			pos := fieldsStart + skip
			if pos+24 > len(image) {
				continue
			}
			sb := Superblock{
				Version:    binary.LittleEndian.Uint32(image[pos:]),
				BlockSize:  binary.LittleEndian.Uint32(image[pos+4:]),
				BlockCount: binary.LittleEndian.Uint32(image[pos+8:]),
				NameMax:    binary.LittleEndian.Uint32(image[pos+12:]),
			}
			if sb.valid(uint32(len(image))) {
				return sb, true
			}
		}
		from += idx + len(magic)
	}
}

func (sb Superblock) valid(regionSize uint32) bool {
	if sb.Version>>16 != 2 {
		return false
	}
	if !isValidBlockSize(sb.BlockSize) {
		return false
	}
	if sb.BlockCount == 0 || uint64(sb.BlockCount)*uint64(sb.BlockSize) > uint64(regionSize) {
		return false
	}
	if sb.NameMax == 0 || sb.NameMax > maxNameMax {
		return false
	}
	return true
}
