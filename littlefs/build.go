package littlefs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Build serializes the directory tree rooted at srcDir into a LittleFS image
// for a filesystem region of regionSize bytes. The image length is
// blockCount*blockSize with blockCount = regionSize/blockSize; a region not
// evenly divisible by the block size yields an image shorter than the
// region, never longer.
func Build(srcDir string, regionSize uint32, p Params) ([]byte, error) {
	p = p.withDefaults()
	blockCount := regionSize / p.BlockSize
	if blockCount < 2 {
		return nil, fmt.Errorf("%w: region %d bytes, block size %d", ErrTooSmall, regionSize, p.BlockSize)
	}

	b := &builder{
		p:          p,
		version:    diskVersion(p.DiskVersion),
		blockCount: blockCount,
		image:      make([]byte, blockCount*p.BlockSize),
		nextBlock:  2,
	}
	for i := range b.image {
		b.image[i] = 0xFF
	}

	root := b.newMdirAt([2]uint32{0, 1})
	b.writeSuperblock(root)

	states := map[string]*dirState{
		".": {cur: root, nextID: 1},
	}

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		name := d.Name()
		if uint32(len(name)) > b.p.NameMax {
			return fmt.Errorf("littlefs: name %q exceeds limit of %d bytes", name, b.p.NameMax)
		}
		parent := states[filepath.ToSlash(filepath.Dir(rel))]
		if parent == nil {
			parent = states["."]
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := uint32(info.ModTime().Unix())

		if d.IsDir() {
			child, err := b.newMdir()
			if err != nil {
				return err
			}
			var pairData [8]byte
			binary.LittleEndian.PutUint32(pairData[0:4], child.pair[0])
			binary.LittleEndian.PutUint32(pairData[4:8], child.pair[1])
			if err := b.addEntry(parent, name, typeNameDir, typeDirStruct, pairData[:], mtime); err != nil {
				return err
			}
			states[filepath.ToSlash(rel)] = &dirState{cur: child}
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(content) <= b.inlineMax() {
			return b.addEntry(parent, name, typeNameReg, typeInlineStruct, content, mtime)
		}

		head, err := b.writeCtz(content)
		if err != nil {
			return err
		}
		var ctz [8]byte
		binary.LittleEndian.PutUint32(ctz[0:4], head)
		binary.LittleEndian.PutUint32(ctz[4:8], uint32(len(content)))
		return b.addEntry(parent, name, typeNameReg, typeCtzStruct, ctz[:], mtime)
	})
	if err != nil {
		return nil, err
	}

	b.finalize()
	return b.image, nil
}

type tagRec struct {
	tag  uint32
	data []byte
}

type mdir struct {
	pair     [2]uint32
	recs     []tagRec
	used     uint32
	hardTail *mdir
}

// dirState tracks the metadata block currently receiving a directory's
// entries and the next free entry id within it.
type dirState struct {
	cur    *mdir
	nextID uint32
}

type builder struct {
	p          Params
	version    uint32
	blockCount uint32
	image      []byte
	nextBlock  uint32
	mdirs      []*mdir
}

func (b *builder) alloc() (uint32, error) {
	if b.nextBlock >= b.blockCount {
		return 0, ErrNoSpace
	}
	blk := b.nextBlock
	b.nextBlock++
	return blk, nil
}

func (b *builder) newMdirAt(pair [2]uint32) *mdir {
	m := &mdir{pair: pair, used: 4} // revision word
	b.mdirs = append(b.mdirs, m)
	return m
}

func (b *builder) newMdir() (*mdir, error) {
	a, err := b.alloc()
	if err != nil {
		return nil, err
	}
	c, err := b.alloc()
	if err != nil {
		return nil, err
	}
	return b.newMdirAt([2]uint32{a, c}), nil
}

// mdirCapacity is the metadata space of one block: the block minus the
// revision word, the tail entry and the closing CRC entry.
func (b *builder) mdirCapacity() uint32 {
	return b.p.BlockSize - 4 - 12 - 8
}

// inlineMax bounds inline file content: a quarter block, capped by the tag
// length field.
func (b *builder) inlineMax() int {
	m := b.p.BlockSize / 4
	if m > maxTagSize {
		m = maxTagSize
	}
	return int(m)
}

func (b *builder) writeSuperblock(root *mdir) {
	var sb [24]byte
	binary.LittleEndian.PutUint32(sb[0:4], b.version)
	binary.LittleEndian.PutUint32(sb[4:8], b.p.BlockSize)
	binary.LittleEndian.PutUint32(sb[8:12], b.blockCount)
	binary.LittleEndian.PutUint32(sb[12:16], b.p.NameMax)
	binary.LittleEndian.PutUint32(sb[16:20], defaultFileMax)
	binary.LittleEndian.PutUint32(sb[20:24], defaultAttrMax)

	root.append(tagRec{tag: makeTag(typeCreate, 0, 0)})
	root.append(tagRec{tag: makeTag(typeSuperblock, 0, uint32(len(magic))), data: []byte(magic)})
	root.append(tagRec{tag: makeTag(typeInlineStruct, 0, uint32(len(sb))), data: sb[:]})
}

func (m *mdir) append(r tagRec) {
	m.recs = append(m.recs, r)
	m.used += 4 + uint32(len(r.data))
}

// addEntry commits one directory entry (create, name, struct and mtime
// attribute) to the directory's current metadata block, rolling over to a
// hard-tail continuation block when it no longer fits.
func (b *builder) addEntry(ds *dirState, name string, nameType, structType uint32, structData []byte, mtime uint32) error {
	need := uint32(4 + 4 + len(name) + 4 + len(structData) + 4 + 4)
	if need > b.mdirCapacity() {
		return fmt.Errorf("littlefs: entry %q too large for block size %d", name, b.p.BlockSize)
	}
	if ds.cur.used+need > b.mdirCapacity() {
		cont, err := b.newMdir()
		if err != nil {
			return err
		}
		ds.cur.hardTail = cont
		ds.cur = cont
		ds.nextID = 0
	}

	id := ds.nextID
	ds.nextID++

	var mt [4]byte
	binary.LittleEndian.PutUint32(mt[:], mtime)

	ds.cur.append(tagRec{tag: makeTag(typeCreate, id, 0)})
	ds.cur.append(tagRec{tag: makeTag(nameType, id, uint32(len(name))), data: []byte(name)})
	ds.cur.append(tagRec{tag: makeTag(structType, id, uint32(len(structData))), data: structData})
	ds.cur.append(tagRec{tag: makeTag(typeUserAttr|attrMtime, id, 4), data: mt[:]})
	return nil
}

// writeCtz lays file content out as a CTZ skip-list and returns the physical
// block number of the list head (the last block).
func (b *builder) writeCtz(content []byte) (uint32, error) {
	bs := b.p.BlockSize
	var phys []uint32
	remaining := content
	for i := uint32(0); len(remaining) > 0; i++ {
		blk, err := b.alloc()
		if err != nil {
			return 0, err
		}
		phys = append(phys, blk)
		buf := b.image[blk*bs : (blk+1)*bs]

		words := ctzWords(i)
		for j := uint32(0); j < words; j++ {
			binary.LittleEndian.PutUint32(buf[4*j:], phys[i-(1<<j)])
		}

		n := int(ctzCapacity(bs, i))
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(buf[4*words:], remaining[:n])
		remaining = remaining[n:]
	}
	return phys[len(phys)-1], nil
}

// finalize serializes every metadata block. Continuations are linked with
// hard tails; remaining blocks are threaded in creation order with soft
// tails so a traversal touches every metadata pair.
func (b *builder) finalize() {
	for i, m := range b.mdirs {
		var tail tagRec
		switch {
		case m.hardTail != nil:
			tail = tailRec(typeHardTail, m.hardTail.pair)
		case i+1 < len(b.mdirs):
			tail = tailRec(typeSoftTail, b.mdirs[i+1].pair)
		}
		b.serialize(m, tail)
	}
}

func tailRec(typ uint32, pair [2]uint32) tagRec {
	var data [8]byte
	binary.LittleEndian.PutUint32(data[0:4], pair[0])
	binary.LittleEndian.PutUint32(data[4:8], pair[1])
	return tagRec{tag: makeTag(typ, noID, 8), data: data[:]}
}

func (b *builder) serialize(m *mdir, tail tagRec) {
	bs := b.p.BlockSize
	buf := b.image[m.pair[0]*bs : (m.pair[0]+1)*bs]
	binary.LittleEndian.PutUint32(buf[0:4], 1) // revision

	off := 4
	ptag := uint32(0xFFFFFFFF)
	emit := func(r tagRec) {
		binary.BigEndian.PutUint32(buf[off:], r.tag^ptag)
		ptag = r.tag
		off += 4
		copy(buf[off:], r.data)
		off += len(r.data)
	}

	for _, r := range m.recs {
		emit(r)
	}
	if tail.tag != 0 {
		emit(tail)
	}

	crcTag := makeTag(typeCRC, noID, 4)
	binary.BigEndian.PutUint32(buf[off:], crcTag^ptag)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], crc(0xFFFFFFFF, buf[:off]))
}
