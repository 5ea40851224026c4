package spiffs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// storedFile is one object recovered from an image.
type storedFile struct {
	name    string
	content []byte
	mtime   uint32
}

// DetectConfig trial-parses the image against the historically common
// configurations and returns the first one that parses, or the default
// configuration and false when none does.
func DetectConfig(image []byte) (Config, bool) {
	for _, c := range DetectCandidates() {
		if _, err := parse(image, c); err == nil {
			return c, true
		}
	}
	return DefaultConfig(), false
}

// Extract recovers every file stored in image into outDir, auto-detecting
// the image parameters, and returns the extracted file count. When no
// candidate configuration parses, extraction still proceeds under the
// default configuration and reports whatever it finds; an empty result is a
// warning, not an error, since a freshly formatted filesystem holds no
// files.
func Extract(image []byte, outDir string) (int, error) {
	cfg, ok := DetectConfig(image)
	if ok {
		fmt.Printf("[spiffs] detected page_size=%d block_size=%d obj_name_len=%d\n",
			cfg.PageSize, cfg.BlockSize, cfg.ObjNameLen)
	} else {
		fmt.Printf("[spiffs] no known configuration matched, assuming page_size=%d block_size=%d\n",
			cfg.PageSize, cfg.BlockSize)
	}

	files, err := parse(image, cfg)
	if err != nil && ok {
		return 0, err
	}

	count := 0
	for _, f := range files {
		rel := filepath.FromSlash(strings.TrimPrefix(f.name, "/"))
		host := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			fmt.Printf("[spiffs] skipping %s: %v\n", rel, err)
			continue
		}
		if err := os.WriteFile(host, f.content, 0o644); err != nil {
			fmt.Printf("[spiffs] skipping %s: %v\n", rel, err)
			continue
		}
		if f.mtime != 0 && f.mtime != 0xFFFFFFFF {
			t := time.Unix(int64(f.mtime), 0)
			_ = os.Chtimes(host, t, t)
		}
		fmt.Printf("[FILE] %s (%d bytes)\n", rel, len(f.content))
		count++
	}
	if count == 0 {
		fmt.Println("Warning! No files extracted, filesystem may be empty or freshly formatted")
	}
	return count, nil
}

// ExtractWith is Extract with explicit, known parameters.
func ExtractWith(image []byte, outDir string, c Config) (int, error) {
	files, err := parse(image, c)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		rel := filepath.FromSlash(strings.TrimPrefix(f.name, "/"))
		host := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			fmt.Printf("[spiffs] skipping %s: %v\n", rel, err)
			continue
		}
		if err := os.WriteFile(host, f.content, 0o644); err != nil {
			fmt.Printf("[spiffs] skipping %s: %v\n", rel, err)
			continue
		}
		fmt.Printf("[FILE] %s (%d bytes)\n", rel, len(f.content))
		count++
	}
	return count, nil
}

type indexPage struct {
	span    uint16
	entries []byte
}

type object struct {
	id      uint16
	name    string
	size    uint32
	mtime   uint32
	header  []byte // entry table of the index header page
	indexes []indexPage
}

// parse decodes an image under one configuration. Any structural
// inconsistency fails the whole parse, which is what lets the candidate
// ladder reject wrong configurations.
func parse(image []byte, c Config) ([]storedFile, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	blockCount := uint32(len(image)) / c.BlockSize
	if blockCount == 0 {
		return nil, fmt.Errorf("%w: image smaller than one block", ErrParse)
	}

	if c.UseMagic {
		for bix := uint32(0); bix < blockCount; bix++ {
			off := bix*c.BlockSize + c.magicSlotOffset()
			got := binary.LittleEndian.Uint16(image[off:])
			if got != c.magic(bix, blockCount) {
				return nil, fmt.Errorf("%w: bad magic in block %d", ErrParse, bix)
			}
		}
	}

	objects := map[uint16]*object{}
	var order []uint16

	ppb := c.pagesPerBlock()
	totalPages := blockCount * ppb
	for bix := uint32(0); bix < blockCount; bix++ {
		slots := c.pagesPerBlock() - c.lookupPages()
		if c.UseMagic {
			slots--
		}
		for i := uint32(0); i < slots; i++ {
			v := binary.LittleEndian.Uint16(image[bix*c.BlockSize+2*i:])
			if v == lookupFree || v&^lookupIndexFlag == 0 {
				continue
			}
			if v&lookupIndexFlag == 0 {
				continue // data pages are reached through the index tables
			}
			page := bix*ppb + c.lookupPages() + i
			if err := readIndexPage(image, c, page, v&^lookupIndexFlag, objects, &order); err != nil {
				return nil, err
			}
		}
	}

	var files []storedFile
	for _, id := range order {
		obj := objects[id]
		if obj.name == "" {
			return nil, fmt.Errorf("%w: object %d has index pages but no header", ErrParse, id)
		}
		content, err := readContent(image, c, obj, totalPages)
		if err != nil {
			return nil, err
		}
		files = append(files, storedFile{name: obj.name, content: content, mtime: obj.mtime})
	}
	return files, nil
}

func readIndexPage(image []byte, c Config, page uint32, id uint16, objects map[uint16]*object, order *[]uint16) error {
	buf := image[c.pageOffset(page) : c.pageOffset(page)+c.PageSize]
	hdrID := binary.LittleEndian.Uint16(buf[0:2])
	span := binary.LittleEndian.Uint16(buf[2:4])
	if hdrID != id || buf[4] != flagsIndex {
		return fmt.Errorf("%w: lookup and page header disagree at page %d", ErrParse, page)
	}

	obj := objects[id]
	if obj == nil {
		obj = &object{id: id}
		objects[id] = obj
		*order = append(*order, id)
	}

	if span == 0 {
		obj.size = binary.LittleEndian.Uint32(buf[indexHeaderPad:])
		if buf[indexHeaderPad+4] != objectTypeFile {
			return fmt.Errorf("%w: object %d has unknown type 0x%02x", ErrParse, id, buf[indexHeaderPad+4])
		}
		nameField := buf[indexHeaderPad+5 : indexHeaderPad+5+c.ObjNameLen]
		nul := bytes.IndexByte(nameField, 0)
		if nul <= 0 {
			return fmt.Errorf("%w: object %d has no name", ErrParse, id)
		}
		obj.name = string(nameField[:nul])
		if c.MetaLen >= 4 {
			obj.mtime = binary.LittleEndian.Uint32(buf[indexHeaderPad+5+c.ObjNameLen:])
		}
		obj.header = buf[c.indexHeaderEntryOffset():]
		return nil
	}

	obj.indexes = append(obj.indexes, indexPage{span: span, entries: buf[indexHeaderPad:]})
	return nil
}

// readContent walks an object's index tables in span order, reading each
// referenced data page.
func readContent(image []byte, c Config, obj *object, totalPages uint32) ([]byte, error) {
	sort.Slice(obj.indexes, func(i, j int) bool { return obj.indexes[i].span < obj.indexes[j].span })

	tables := [][]byte{obj.header}
	for _, ix := range obj.indexes {
		tables = append(tables, ix.entries)
	}

	capacity := c.dataCapacity()
	out := make([]byte, 0, obj.size)
	span := uint16(0)
	for _, table := range tables {
		for len(table) >= 2 && uint32(len(out)) < obj.size {
			p := uint32(binary.LittleEndian.Uint16(table[0:2]))
			table = table[2:]
			if p == uint32(lookupFree) || p >= totalPages || c.isLookupPage(p) {
				return nil, fmt.Errorf("%w: object %d references bad page %d", ErrParse, obj.id, p)
			}
			buf := image[c.pageOffset(p) : c.pageOffset(p)+c.PageSize]
			if binary.LittleEndian.Uint16(buf[0:2]) != obj.id ||
				binary.LittleEndian.Uint16(buf[2:4]) != span ||
				buf[4] != flagsData {
				return nil, fmt.Errorf("%w: object %d has inconsistent data page %d", ErrParse, obj.id, p)
			}
			n := int(obj.size) - len(out)
			if n > capacity {
				n = capacity
			}
			out = append(out, buf[pageHeaderSize:pageHeaderSize+n]...)
			span++
		}
	}
	if uint32(len(out)) != obj.size {
		return nil, fmt.Errorf("%w: object %d truncated at %d of %d bytes", ErrParse, obj.id, len(out), obj.size)
	}
	return out, nil
}
