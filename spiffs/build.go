package spiffs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Build serializes every file under srcDir into a SPIFFS image of exactly
// regionSize bytes. Directories are not represented on disk; files are
// registered under their posix-style absolute path relative to srcDir.
func Build(srcDir string, regionSize uint32, c Config) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	blockCount := regionSize / c.BlockSize
	if blockCount == 0 {
		return nil, fmt.Errorf("%w: region %d bytes smaller than one block", ErrConfig, regionSize)
	}

	w := &writer{
		c:          c,
		image:      make([]byte, regionSize),
		blockCount: blockCount,
		totalPages: blockCount * c.pagesPerBlock(),
	}
	for i := range w.image {
		w.image[i] = 0xFF
	}
	if c.UseMagic {
		for bix := uint32(0); bix < blockCount; bix++ {
			off := bix*c.BlockSize + c.magicSlotOffset()
			binary.LittleEndian.PutUint16(w.image[off:], c.magic(bix, blockCount))
		}
	}

	objID := uint16(1)
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		if len(name) >= c.ObjNameLen {
			return fmt.Errorf("spiffs: path %q exceeds object name limit of %d bytes", name, c.ObjNameLen-1)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var mtime uint32
		if info, err := d.Info(); err == nil {
			mtime = uint32(info.ModTime().Unix())
		}

		if err := w.addFile(objID, name, content, mtime); err != nil {
			return err
		}
		objID++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.image, nil
}

type writer struct {
	c          Config
	image      []byte
	blockCount uint32
	totalPages uint32
	nextPage   uint32
}

// allocPage claims the next usable page, records the owning object in the
// block's lookup and returns the global page number.
func (w *writer) allocPage(objID uint16, isIndex bool) (uint32, error) {
	ppb := w.c.pagesPerBlock()
	for w.nextPage < w.totalPages {
		p := w.nextPage
		w.nextPage++
		if w.c.isLookupPage(p) {
			continue
		}
		if w.c.UseMagic && p%ppb == ppb-1 {
			continue // lookup slot taken by the magic word
		}
		v := objID
		if isIndex {
			v |= lookupIndexFlag
		}
		binary.LittleEndian.PutUint16(w.image[w.c.lookupSlot(p):], v)
		return p, nil
	}
	return 0, ErrNoSpace
}

func (w *writer) page(p uint32) []byte {
	off := w.c.pageOffset(p)
	return w.image[off : off+w.c.PageSize]
}

func (w *writer) writePageHeader(buf []byte, objID uint16, span uint16, flags byte) {
	binary.LittleEndian.PutUint16(buf[0:2], objID)
	binary.LittleEndian.PutUint16(buf[2:4], span)
	buf[4] = flags
}

func (w *writer) addFile(objID uint16, name string, content []byte, mtime uint32) error {
	headerPage, err := w.allocPage(objID, true)
	if err != nil {
		return err
	}

	// Data pages first; the index tables reference them by page number.
	capacity := w.c.dataCapacity()
	var dataPages []uint32
	for off, span := 0, uint16(0); off < len(content); span++ {
		p, err := w.allocPage(objID, false)
		if err != nil {
			return err
		}
		buf := w.page(p)
		w.writePageHeader(buf, objID, span, flagsData)
		n := len(content) - off
		if n > capacity {
			n = capacity
		}
		copy(buf[pageHeaderSize:], content[off:off+n])
		off += n
		dataPages = append(dataPages, p)
	}

	hdr := w.page(headerPage)
	w.writePageHeader(hdr, objID, 0, flagsIndex)
	binary.LittleEndian.PutUint32(hdr[indexHeaderPad:], uint32(len(content)))
	hdr[indexHeaderPad+4] = objectTypeFile
	nameField := hdr[indexHeaderPad+5 : indexHeaderPad+5+w.c.ObjNameLen]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, name)
	if w.c.MetaLen >= 4 {
		binary.LittleEndian.PutUint32(hdr[indexHeaderPad+5+w.c.ObjNameLen:], mtime)
	}

	// Fill the header page's table, spilling into further index pages.
	entryBuf := hdr[w.c.indexHeaderEntryOffset():]
	room := w.c.indexHeaderEntries()
	ixSpan := uint16(1)
	for _, p := range dataPages {
		if room == 0 {
			ixPage, err := w.allocPage(objID, true)
			if err != nil {
				return err
			}
			buf := w.page(ixPage)
			w.writePageHeader(buf, objID, ixSpan, flagsIndex)
			ixSpan++
			entryBuf = buf[indexHeaderPad:]
			room = w.c.indexEntries()
		}
		binary.LittleEndian.PutUint16(entryBuf[0:2], uint16(p))
		entryBuf = entryBuf[2:]
		room--
	}
	return nil
}
