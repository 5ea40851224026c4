// Package littlefs builds and extracts LittleFS filesystem images.
//
// The on-disk format stores all metadata in metadata pairs: two erase blocks
// holding a revision count followed by a log of tagged entries. Tags are
// 32-bit words split into an 11-bit type, a 10-bit entry id and a 10-bit
// length, stored big-endian and xored with the previously written tag so
// that erased flash terminates the log. Every commit ends with a CRC entry
// covering the block from its start. File contents live either inline in the
// metadata log or in a CTZ skip-list of data blocks; directories are
// metadata pairs referenced by an 8-byte pair pointer and continued across
// blocks with hard-tail links.
package littlefs

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// Entry tag types. The low byte of a name tag carries the entry kind and the
// low byte of a user attribute tag carries the attribute id.
const (
	typeNameReg      = 0x001
	typeNameDir      = 0x002
	typeSuperblock   = 0x0ff
	typeDirStruct    = 0x200
	typeInlineStruct = 0x201
	typeCtzStruct    = 0x202
	typeUserAttr     = 0x300
	typeCreate       = 0x401
	typeDelete       = 0x4ff
	typeCRC          = 0x500
	typeSoftTail     = 0x600
	typeHardTail     = 0x601
)

// attrMtime is the 't' user attribute holding a 4-byte little-endian Unix
// modification time, as written by the SDK image tools.
const attrMtime = 0x74

// noID marks tags that do not belong to an entry (tails, CRCs).
const noID = 0x3ff

const (
	magic = "littlefs"

	// Limits encoded in the superblock.
	defaultNameMax = 64
	maxNameMax     = 1022
	defaultFileMax = 0x7FFFFFFF
	defaultAttrMax = 1022

	// Size field ceiling of a tag; larger payloads cannot be inlined.
	maxTagSize = 0x3FE
)

// DefaultDiskVersion is the on-disk version encoded when the configured
// "major.minor" string is absent or malformed.
const DefaultDiskVersion = "2.1"

// Fallback geometry used when superblock auto-detection fails.
const (
	FallbackBlockSize = 4096
	FallbackNameMax   = 64
)

var (
	// ErrTooSmall indicates a region that cannot hold the two superblock
	// metadata blocks.
	ErrTooSmall = errors.New("littlefs: region too small for two metadata blocks")
	// ErrNoSpace indicates that the source tree does not fit the region.
	ErrNoSpace = errors.New("littlefs: no space left in image")
	// ErrCorrupt indicates metadata that fails CRC or structural checks.
	ErrCorrupt = errors.New("littlefs: corrupt metadata")
)

// validBlockSizes are the erase-block sizes accepted when decoding a
// superblock from raw bytes.
var validBlockSizes = []uint32{512, 1024, 2048, 4096, 8192, 16384}

func isValidBlockSize(bs uint32) bool {
	for _, v := range validBlockSizes {
		if bs == v {
			return true
		}
	}
	return false
}

// Params configures image construction.
type Params struct {
	// BlockSize is the erase-block size of the target flash. Default 4096.
	BlockSize uint32
	// DiskVersion selects the on-disk version as "major.minor".
	// Malformed values fall back to DefaultDiskVersion with a warning.
	DiskVersion string
	// NameMax bounds filename length. Default 64, ceiling 1022.
	NameMax uint32
}

func (p Params) withDefaults() Params {
	if p.BlockSize == 0 {
		p.BlockSize = FallbackBlockSize
	}
	if p.NameMax == 0 {
		p.NameMax = defaultNameMax
	}
	if p.NameMax > maxNameMax {
		p.NameMax = maxNameMax
	}
	if p.DiskVersion == "" {
		p.DiskVersion = DefaultDiskVersion
	}
	return p
}

// diskVersion packs a "major.minor" string as (major<<16)|minor.
func diskVersion(s string) uint32 {
	var major, minor uint32
	if n, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil || n != 2 {
		fmt.Printf("Warning! Invalid LittleFS disk version %q, using %s\n", s, DefaultDiskVersion)
		return 2<<16 | 1
	}
	return major<<16 | minor
}

// makeTag packs type, id and size into a logical tag word. Logical tags
// always have the top bit clear; erased flash decodes with it set, which is
// how log parsing terminates.
func makeTag(typ, id, size uint32) uint32 {
	return typ<<20 | id<<10 | size
}

func tagType(tag uint32) uint32 { return (tag >> 20) & 0x7FF }
func tagID(tag uint32) uint32   { return (tag >> 10) & 0x3FF }
func tagSize(tag uint32) uint32 { return tag & 0x3FF }

// crc is the running CRC used by the metadata log: polynomial 0x04c11db7
// (reflected), seeded with 0xffffffff and without output inversion.
func crc(seed uint32, data []byte) uint32 {
	return ^crc32.Update(^seed, crc32.IEEETable, data)
}

// ctzWords returns the number of skip-list pointer words at the start of the
// data block with the given index. Block 0 has none; block n holds
// ctz(n)+1 pointers to blocks n-2^0, n-2^1, ...
func ctzWords(index uint32) uint32 {
	if index == 0 {
		return 0
	}
	return uint32(bits.TrailingZeros32(index)) + 1
}

// ctzCapacity returns the number of content bytes the data block with the
// given index can hold.
func ctzCapacity(blockSize, index uint32) uint32 {
	return blockSize - 4*ctzWords(index)
}
