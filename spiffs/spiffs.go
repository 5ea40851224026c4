// Package spiffs builds and extracts SPIFFS filesystem images.
//
// SPIFFS is a flat filesystem: there are no directory objects, every file is
// registered under its full posix path. Flash is divided into logical
// blocks, each divided into logical pages. The first page(s) of every block
// form the object lookup, an array of 16-bit object ids mapping the block's
// remaining pages to the objects using them. Each object consists of one
// index header page (name, size, metadata and a table of data page numbers),
// optional further index pages, and data pages of raw content.
package spiffs

import (
	"errors"
	"fmt"
)

const (
	// magicBase seeds the per-block magic word, mixed with the page size
	// and optionally the count of blocks remaining after the block.
	magicBase = 0x20140529

	pageHeaderSize = 5
	// Index pages keep their entry tables 4-aligned, which pads the page
	// header to 8 bytes.
	indexHeaderPad = 8

	objectTypeFile = 1

	// Lookup entry for a page holding part of an object index.
	lookupIndexFlag = 0x8000
	lookupFree      = 0xFFFF

	// Page header flags, bits cleared from erased 0xFF.
	flagsData  = 0xFC // used | final
	flagsIndex = 0xF8 // used | final | index
)

var (
	// ErrConfig indicates page/block parameters that cannot describe a
	// filesystem.
	ErrConfig = errors.New("spiffs: invalid configuration")
	// ErrNoSpace indicates that the source tree does not fit the region.
	ErrNoSpace = errors.New("spiffs: image full")
	// ErrParse indicates an image that does not decode under the given
	// configuration.
	ErrParse = errors.New("spiffs: image does not parse")
)

// Config carries the build/extraction parameters of an image. The on-disk
// format does not record them, so both sides must agree or rely on
// auto-detection.
type Config struct {
	PageSize           uint32
	BlockSize          uint32
	ObjNameLen         int
	MetaLen            int
	UseMagic           bool
	UseMagicLen        bool
	AlignedObjIxTables bool
}

// DefaultConfig is the stock ESP32/ESP8266 configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:    256,
		BlockSize:   4096,
		ObjNameLen:  32,
		MetaLen:     4,
		UseMagic:    true,
		UseMagicLen: true,
	}
}

// DetectCandidates returns the historically common configurations tried, in
// order, when extracting an image of unknown provenance.
func DetectCandidates() []Config {
	base := DefaultConfig()
	c2 := base
	c2.BlockSize = 8192
	c3 := base
	c3.PageSize = 512
	c4 := base
	c4.ObjNameLen = 64
	return []Config{base, c2, c3, c4}
}

func (c Config) validate() error {
	if c.PageSize == 0 || c.BlockSize == 0 || c.BlockSize%c.PageSize != 0 {
		return fmt.Errorf("%w: block size %d not a multiple of page size %d", ErrConfig, c.BlockSize, c.PageSize)
	}
	if c.pagesPerBlock() < 2 {
		return fmt.Errorf("%w: block size %d holds no data pages", ErrConfig, c.BlockSize)
	}
	if 2*c.pagesPerBlock() > c.PageSize {
		return fmt.Errorf("%w: object lookup for %d pages exceeds one page", ErrConfig, c.pagesPerBlock())
	}
	if c.ObjNameLen <= 0 || c.MetaLen < 0 {
		return fmt.Errorf("%w: name length %d, meta length %d", ErrConfig, c.ObjNameLen, c.MetaLen)
	}
	if c.indexHeaderEntryOffset()+2 > int(c.PageSize) {
		return fmt.Errorf("%w: index header larger than a page", ErrConfig)
	}
	return nil
}

func (c Config) pagesPerBlock() uint32 { return c.BlockSize / c.PageSize }

// lookupPages is the number of pages per block reserved for the object
// lookup. Validation caps the lookup at a single page.
func (c Config) lookupPages() uint32 { return 1 }

// lookupEntries is the number of usable lookup slots per block. When magic
// is on, the last slot holds the magic word and its page stays unused.
func (c Config) lookupEntries() uint32 {
	n := c.pagesPerBlock() - c.lookupPages()
	if c.UseMagic {
		n--
	}
	return n
}

func (c Config) magic(blockIndex, blockCount uint32) uint16 {
	v := uint32(magicBase) ^ c.PageSize
	if c.UseMagicLen {
		v ^= blockCount - blockIndex
	}
	return uint16(v)
}

// magicSlotOffset is the byte offset of the magic word within a block.
func (c Config) magicSlotOffset() uint32 {
	return 2 * (c.pagesPerBlock() - c.lookupPages() - 1)
}

func (c Config) dataCapacity() int { return int(c.PageSize) - pageHeaderSize }

// indexHeaderEntryOffset is the byte offset within an object index header
// page at which the data page table begins.
func (c Config) indexHeaderEntryOffset() int {
	off := indexHeaderPad + 4 + 1 + c.ObjNameLen + c.MetaLen
	if c.AlignedObjIxTables {
		off = (off + 3) &^ 3
	}
	return off
}

func (c Config) indexHeaderEntries() int {
	return (int(c.PageSize) - c.indexHeaderEntryOffset()) / 2
}

func (c Config) indexEntries() int {
	return (int(c.PageSize) - indexHeaderPad) / 2
}

// pageOffset converts a global page number to its byte offset in the image.
func (c Config) pageOffset(page uint32) uint32 { return page * c.PageSize }

// isLookupPage reports whether the global page number falls on a block's
// object lookup.
func (c Config) isLookupPage(page uint32) bool {
	return page%c.pagesPerBlock() < c.lookupPages()
}

// lookupSlot returns the image offset of the lookup entry describing the
// given global page number.
func (c Config) lookupSlot(page uint32) uint32 {
	block := page / c.pagesPerBlock()
	inBlock := page % c.pagesPerBlock()
	return block*c.BlockSize + 2*(inBlock-c.lookupPages())
}
