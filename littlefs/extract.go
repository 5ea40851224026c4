package littlefs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Extract recovers the directory tree stored in image into outDir and
// returns the number of extracted files. The filesystem parameters are
// probed from the superblock; when the probe fails, or when mounting under
// the probed parameters fails, a fixed fallback geometry is tried before
// giving up. Per-file failures are logged and skipped so one corrupt entry
// does not lose the rest of the image.
func Extract(image []byte, outDir string) (int, error) {
	sb, ok := ProbeSuperblock(image)
	fallback := Superblock{
		BlockSize:  FallbackBlockSize,
		BlockCount: uint32(len(image)) / FallbackBlockSize,
		NameMax:    FallbackNameMax,
	}
	if !ok {
		fmt.Printf("[littlefs] no valid superblock found, assuming block_size=%d name_max=%d\n",
			FallbackBlockSize, FallbackNameMax)
		sb = fallback
	} else {
		fmt.Printf("[littlefs] detected block_size=%d block_count=%d name_max=%d\n",
			sb.BlockSize, sb.BlockCount, sb.NameMax)
	}

	count, err := extractWith(image, outDir, sb)
	if err != nil && sb.BlockSize != fallback.BlockSize {
		fmt.Printf("[littlefs] mount failed (%v), retrying with fallback geometry\n", err)
		return extractWith(image, outDir, fallback)
	}
	return count, err
}

func extractWith(image []byte, outDir string, sb Superblock) (int, error) {
	fsys := &mount{image: image, sb: sb}
	root, err := fsys.readDir([2]uint32{0, 1})
	if err != nil {
		return 0, err
	}

	w := &walker{fsys: fsys, outDir: outDir}
	w.walkEntries(root, "")
	return w.count, nil
}

type mount struct {
	image []byte
	sb    Superblock
}

// dirEntry is one committed metadata entry recovered from a block.
type dirEntry struct {
	id         uint32
	name       string
	isDir      bool
	isSuper    bool
	structType uint32
	structData []byte
	mtime      uint32
	hasMtime   bool
}

func (m *mount) blockData(n uint32) ([]byte, error) {
	bs := m.sb.BlockSize
	end := uint64(n+1) * uint64(bs)
	if end > uint64(len(m.image)) {
		return nil, fmt.Errorf("%w: block %d out of range", ErrCorrupt, n)
	}
	return m.image[n*bs : (n+1)*bs], nil
}

// readDir parses a metadata pair and its hard-tail continuations into a flat
// entry list. Both blocks of each pair are tried; the first with a valid
// committed log wins.
func (m *mount) readDir(pair [2]uint32) ([]dirEntry, error) {
	var all []dirEntry
	seen := map[[2]uint32]bool{}
	for {
		if seen[pair] {
			return nil, fmt.Errorf("%w: metadata tail cycle at pair {%d,%d}", ErrCorrupt, pair[0], pair[1])
		}
		seen[pair] = true

		ents, tail, hasTail, err := m.readPair(pair)
		if err != nil {
			return nil, err
		}
		all = append(all, ents...)
		if !hasTail {
			return all, nil
		}
		pair = tail
	}
}

func (m *mount) readPair(pair [2]uint32) ([]dirEntry, [2]uint32, bool, error) {
	var firstErr error
	for _, blk := range pair {
		block, err := m.blockData(blk)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ents, tail, hasTail, err := parseBlock(block)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return ents, tail, hasTail, nil
	}
	if firstErr == nil {
		firstErr = ErrCorrupt
	}
	return nil, [2]uint32{}, false, fmt.Errorf("metadata pair {%d,%d}: %w", pair[0], pair[1], firstErr)
}

// parseBlock replays a metadata log. Changes only take effect at each valid
// CRC commit; a commit whose checksum does not match ends the replay.
func parseBlock(block []byte) ([]dirEntry, [2]uint32, bool, error) {
	if len(block) < 8 {
		return nil, [2]uint32{}, false, ErrCorrupt
	}

	committed := map[uint32]*dirEntry{}
	var committedOrder []uint32
	var committedTail [2]uint32
	committedHasTail := false

	pending := map[uint32]*dirEntry{}
	var pendingOrder []uint32
	pendingTail := committedTail
	pendingHasTail := false
	anyCommit := false

	off := 4 // revision word
	ptag := uint32(0xFFFFFFFF)
	for off+4 <= len(block) {
		tag := binary.BigEndian.Uint32(block[off:]) ^ ptag
		if tag&0x80000000 != 0 {
			break
		}
		ptag = tag
		off += 4

		typ := tagType(tag)
		id := tagID(tag)
		size := tagSize(tag)
		dataLen := int(size)
		if size == maxTagSize+1 { // deleted-tag marker carries no data
			dataLen = 0
		}
		if off+dataLen > len(block) {
			break
		}
		data := block[off : off+dataLen]

		switch {
		case typ == typeCRC:
			if dataLen < 4 {
				off += dataLen
				break
			}
			stored := binary.LittleEndian.Uint32(data)
			if crc(0xFFFFFFFF, block[:off]) != stored {
				off = len(block) // stop replay
				break
			}
			for id, e := range pending {
				if _, ok := committed[id]; !ok {
					committedOrder = append(committedOrder, id)
				}
				committed[id] = e
			}
			committedTail = pendingTail
			committedHasTail = pendingHasTail
			anyCommit = true
			off += dataLen
			// pending carries forward into the next commit window

		case typ == typeCreate:
			if _, ok := pending[id]; !ok {
				pending[id] = &dirEntry{id: id}
				pendingOrder = append(pendingOrder, id)
			}
			off += dataLen

		case typ == typeDelete:
			delete(pending, id)
			off += dataLen

		case typ == typeNameReg || typ == typeNameDir || typ == typeSuperblock:
			e := ensureEntry(pending, &pendingOrder, id)
			if typ == typeSuperblock {
				e.isSuper = true
			} else {
				e.name = string(data)
				e.isDir = typ == typeNameDir
			}
			off += dataLen

		case typ == typeDirStruct || typ == typeInlineStruct || typ == typeCtzStruct:
			e := ensureEntry(pending, &pendingOrder, id)
			e.structType = typ
			e.structData = data
			off += dataLen

		case typ == typeSoftTail || typ == typeHardTail:
			if dataLen >= 8 {
				pendingTail[0] = binary.LittleEndian.Uint32(data[0:4])
				pendingTail[1] = binary.LittleEndian.Uint32(data[4:8])
				pendingHasTail = typ == typeHardTail
			}
			off += dataLen

		case typ == typeUserAttr|attrMtime:
			e := ensureEntry(pending, &pendingOrder, id)
			if dataLen >= 4 {
				e.mtime = binary.LittleEndian.Uint32(data)
				e.hasMtime = true
			}
			off += dataLen

		default:
			off += dataLen
		}
	}

	if !anyCommit {
		return nil, [2]uint32{}, false, ErrCorrupt
	}
	ents := make([]dirEntry, 0, len(committedOrder))
	for _, id := range committedOrder {
		if e, ok := committed[id]; ok {
			ents = append(ents, *e)
		}
	}
	return ents, committedTail, committedHasTail, nil
}

func ensureEntry(m map[uint32]*dirEntry, order *[]uint32, id uint32) *dirEntry {
	if e, ok := m[id]; ok {
		return e
	}
	e := &dirEntry{id: id}
	m[id] = e
	*order = append(*order, id)
	return e
}

type walker struct {
	fsys   *mount
	outDir string
	count  int
}

func (w *walker) walkEntries(ents []dirEntry, prefix string) {
	for _, e := range ents {
		if e.isSuper || e.name == "" {
			continue
		}
		rel := filepath.Join(prefix, e.name)
		host := filepath.Join(w.outDir, rel)

		if e.isDir {
			if len(e.structData) < 8 {
				fmt.Printf("[littlefs] skipping directory %s: missing block pair\n", rel)
				continue
			}
			pair := [2]uint32{
				binary.LittleEndian.Uint32(e.structData[0:4]),
				binary.LittleEndian.Uint32(e.structData[4:8]),
			}
			if err := os.MkdirAll(host, 0o755); err != nil {
				fmt.Printf("[littlefs] skipping directory %s: %v\n", rel, err)
				continue
			}
			sub, err := w.fsys.readDir(pair)
			if err != nil {
				fmt.Printf("[littlefs] skipping directory %s: %v\n", rel, err)
			} else {
				w.walkEntries(sub, rel)
			}
			w.applyMtime(host, e)
			continue
		}

		content, err := w.fsys.fileContent(e)
		if err != nil {
			fmt.Printf("[littlefs] skipping file %s: %v\n", rel, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			fmt.Printf("[littlefs] skipping file %s: %v\n", rel, err)
			continue
		}
		if err := os.WriteFile(host, content, 0o644); err != nil {
			fmt.Printf("[littlefs] skipping file %s: %v\n", rel, err)
			continue
		}
		w.applyMtime(host, e)
		fmt.Printf("[FILE] %s (%d bytes)\n", rel, len(content))
		w.count++
	}
}

func (w *walker) applyMtime(host string, e dirEntry) {
	if !e.hasMtime {
		return
	}
	t := time.Unix(int64(e.mtime), 0)
	_ = os.Chtimes(host, t, t) // best effort
}

func (m *mount) fileContent(e dirEntry) ([]byte, error) {
	switch e.structType {
	case typeInlineStruct:
		return e.structData, nil
	case typeCtzStruct:
		if len(e.structData) < 8 {
			return nil, fmt.Errorf("%w: short file record", ErrCorrupt)
		}
		head := binary.LittleEndian.Uint32(e.structData[0:4])
		size := binary.LittleEndian.Uint32(e.structData[4:8])
		return m.readCtz(head, size)
	default:
		return nil, fmt.Errorf("%w: file entry without contents record", ErrCorrupt)
	}
}

// readCtz reassembles file content from a CTZ skip-list, walking backward
// from the head block through each block's immediate-predecessor pointer.
func (m *mount) readCtz(head, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	bs := m.sb.BlockSize

	// Per-index capacities and their prefix sums locate each block's slice
	// of the file.
	var caps []uint32
	var total uint64
	for i := uint32(0); total < uint64(size); i++ {
		c := ctzCapacity(bs, i)
		if c == 0 {
			return nil, fmt.Errorf("%w: block size %d too small for file data", ErrCorrupt, bs)
		}
		caps = append(caps, c)
		total += uint64(c)
	}

	out := make([]byte, size)
	cur := head
	pos := total
	for i := len(caps) - 1; i >= 0; i-- {
		block, err := m.blockData(cur)
		if err != nil {
			return nil, err
		}
		words := ctzWords(uint32(i))
		start := pos - uint64(caps[i])
		chunkEnd := uint64(size)
		if pos < chunkEnd {
			chunkEnd = pos
		}
		if start < uint64(size) {
			copy(out[start:chunkEnd], block[4*words:])
		}
		if i > 0 {
			if words == 0 {
				return nil, fmt.Errorf("%w: truncated skip-list", ErrCorrupt)
			}
			cur = binary.LittleEndian.Uint32(block[0:4])
		}
		pos = start
	}
	return out, nil
}
