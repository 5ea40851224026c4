package fatfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"
)

// Build formats the wear-leveled FAT area of a regionSize-byte partition,
// fills it from srcDir and returns the framed image. Files that cannot be
// written are skipped and summarized, not fatal; everything structural is.
func Build(srcDir string, regionSize uint32, p Params) ([]byte, error) {
	p = p.withDefaults()
	sectorSize := p.SectorSize
	if !isValidSectorSize(sectorSize) {
		return nil, fmt.Errorf("%w: %d", ErrSectorSize, sectorSize)
	}

	totalSectors := regionSize / sectorSize
	overhead := OverheadSectors(totalSectors, sectorSize)
	if totalSectors <= overhead {
		return nil, fmt.Errorf("%w: %d bytes leaves no FAT area after %d leveling sectors",
			ErrTooSmall, regionSize, overhead)
	}
	fatAreaSize := (totalSectors - overhead) * sectorSize

	g, err := newGeometry(fatAreaSize, sectorSize)
	if err != nil {
		return nil, err
	}

	v := &volume{
		g:           g,
		img:         make([]byte, fatAreaSize),
		nextCluster: 2,
	}
	v.format()

	root := &directory{v: v, shortNames: map[string]bool{}}
	dirs := map[string]*directory{".": root}

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
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
		parent := dirs[filepath.ToSlash(filepath.Dir(rel))]
		if parent == nil {
			// parent creation failed earlier, skip the subtree entry
			if !d.IsDir() {
				v.skipped = append(v.skipped, filepath.ToSlash(rel))
			}
			return nil
		}

		var mtime time.Time
		if info, err := d.Info(); err == nil {
			mtime = info.ModTime()
		}

		if d.IsDir() {
			sub, err := v.makeDir(parent, d.Name(), mtime)
			if err != nil {
				return fmt.Errorf("create directory %s: %w", rel, err)
			}
			dirs[filepath.ToSlash(rel)] = sub
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			v.skipped = append(v.skipped, filepath.ToSlash(rel))
			return nil
		}
		if err := v.writeFile(parent, d.Name(), content, mtime); err != nil {
			v.skipped = append(v.skipped, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if got := binary.LittleEndian.Uint16(v.img[11:]); uint32(got) != sectorSize {
		return nil, fmt.Errorf("%w: boot sector says %d, configured %d", ErrSectorSize, got, sectorSize)
	}

	if len(v.skipped) > 0 {
		show := v.skipped
		if len(show) > 10 {
			show = show[:10]
		}
		fmt.Printf("Warning! %d file(s) were not written to the image:\n", len(v.skipped))
		for _, s := range show {
			fmt.Printf("  %s\n", s)
		}
		if rest := len(v.skipped) - len(show); rest > 0 {
			fmt.Printf("  ... and %d more\n", rest)
		}
	}

	return wlWrap(v.img, regionSize, sectorSize), nil
}

type volume struct {
	g           geometry
	img         []byte
	nextCluster uint32
	skipped     []string
}

// format writes the boot sector and initializes both FAT copies. The rest
// of the area stays zeroed.
func (v *volume) format() {
	g := v.g
	sec := v.img
	sec[0], sec[1], sec[2] = 0xEB, 0x3C, 0x90
	copy(sec[3:11], oemName)
	binary.LittleEndian.PutUint16(sec[11:], uint16(g.sectorSize))
	sec[13] = byte(g.sectorsPerCluster)
	binary.LittleEndian.PutUint16(sec[14:], reservedSectors)
	sec[16] = numFATs
	binary.LittleEndian.PutUint16(sec[17:], rootEntries)
	if g.totalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(sec[19:], uint16(g.totalSectors))
	} else {
		binary.LittleEndian.PutUint32(sec[32:], g.totalSectors)
	}
	sec[21] = mediaDescriptor
	binary.LittleEndian.PutUint16(sec[22:], uint16(g.fatSectors))
	binary.LittleEndian.PutUint16(sec[24:], 63) // sectors per track
	binary.LittleEndian.PutUint16(sec[26:], 255)
	sec[38] = 0x29 // extended boot signature
	binary.LittleEndian.PutUint32(sec[39:], uint32(time.Now().Unix()))
	copy(sec[43:54], "NO NAME    ")
	if g.fat16 {
		copy(sec[54:62], "FAT16   ")
	} else {
		copy(sec[54:62], "FAT12   ")
	}
	sec[510], sec[511] = 0x55, 0xAA

	for c := uint32(0); c < numFATs; c++ {
		fat := v.img[g.fatOffset(c):]
		fat[0] = mediaDescriptor
		fat[1] = 0xFF
		fat[2] = 0xFF
		if g.fat16 {
			fat[3] = 0xFF
		}
	}
}

func (v *volume) allocCluster() (uint32, error) {
	if v.nextCluster >= v.g.clusters+2 {
		return 0, ErrNoSpace
	}
	c := v.nextCluster
	v.nextCluster++
	v.setFAT(c, v.g.endOfChain())
	return c, nil
}

// setFAT stores value for cluster in both FAT copies.
func (v *volume) setFAT(cluster, value uint32) {
	for c := uint32(0); c < numFATs; c++ {
		fat := v.img[v.g.fatOffset(c):]
		if v.g.fat16 {
			binary.LittleEndian.PutUint16(fat[cluster*2:], uint16(value))
			continue
		}
		off := cluster + cluster/2
		if cluster%2 == 0 {
			fat[off] = byte(value)
			fat[off+1] = fat[off+1]&0xF0 | byte(value>>8)&0x0F
		} else {
			fat[off] = fat[off]&0x0F | byte(value&0x0F)<<4
			fat[off+1] = byte(value >> 4)
		}
	}
}

// writeContent stores content in a fresh cluster chain and returns the
// first cluster, or 0 for empty content.
func (v *volume) writeContent(content []byte) (uint32, error) {
	if len(content) == 0 {
		return 0, nil
	}
	cb := v.g.clusterBytes()
	var first, prev uint32
	for off := 0; off < len(content); off += int(cb) {
		c, err := v.allocCluster()
		if err != nil {
			return 0, err
		}
		if first == 0 {
			first = c
		} else {
			v.setFAT(prev, c)
		}
		prev = c
		end := off + int(cb)
		if end > len(content) {
			end = len(content)
		}
		copy(v.img[v.g.clusterOffset(c):], content[off:end])
	}
	return first, nil
}

func (v *volume) writeFile(dir *directory, name string, content []byte, mtime time.Time) error {
	first, err := v.writeContent(content)
	if err != nil {
		return err
	}
	return dir.addNamedEntry(name, attrArchive, first, uint32(len(content)), mtime)
}

func (v *volume) makeDir(parent *directory, name string, mtime time.Time) (*directory, error) {
	c, err := v.allocCluster()
	if err != nil {
		return nil, err
	}
	sub := &directory{v: v, firstCluster: c, clusters: []uint32{c}, shortNames: map[string]bool{}}

	dot := shortEntry([11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '},
		attrDirectory, c, 0, mtime)
	dotdot := shortEntry([11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '},
		attrDirectory, parent.firstCluster, 0, mtime)
	if err := sub.addEntries([][]byte{dot, dotdot}); err != nil {
		return nil, err
	}

	if err := parent.addNamedEntry(name, attrDirectory, c, 0, mtime); err != nil {
		return nil, err
	}
	return sub, nil
}

// directory tracks entry slots of the fixed root region or a cluster chain.
type directory struct {
	v            *volume
	firstCluster uint32 // 0 for the root directory
	clusters     []uint32
	used         uint32
	shortNames   map[string]bool
}

func (d *directory) capacity() uint32 {
	if d.firstCluster == 0 {
		return rootEntries
	}
	return uint32(len(d.clusters)) * d.v.g.clusterBytes() / dirEntrySize
}

func (d *directory) slotOffset(i uint32) uint32 {
	if d.firstCluster == 0 {
		return d.v.g.rootDirOffset() + i*dirEntrySize
	}
	perCluster := d.v.g.clusterBytes() / dirEntrySize
	c := d.clusters[i/perCluster]
	return d.v.g.clusterOffset(c) + (i%perCluster)*dirEntrySize
}

func (d *directory) addEntries(entries [][]byte) error {
	for d.used+uint32(len(entries)) > d.capacity() {
		if d.firstCluster == 0 {
			return fmt.Errorf("%w: root directory full", ErrNoSpace)
		}
		c, err := d.v.allocCluster()
		if err != nil {
			return err
		}
		d.v.setFAT(d.clusters[len(d.clusters)-1], c)
		d.clusters = append(d.clusters, c)
	}
	for _, e := range entries {
		copy(d.v.img[d.slotOffset(d.used):], e)
		d.used++
	}
	return nil
}

func (d *directory) addNamedEntry(name string, attr byte, cluster, size uint32, mtime time.Time) error {
	short, needsLFN := shortName(name, d.shortNames)
	d.shortNames[string(short[:])] = true

	var entries [][]byte
	if needsLFN {
		entries = lfnEntries(name, checksum(short))
	}
	entries = append(entries, shortEntry(short, attr, cluster, size, mtime))
	return d.addEntries(entries)
}

func shortEntry(name [11]byte, attr byte, cluster, size uint32, mtime time.Time) []byte {
	e := make([]byte, dirEntrySize)
	copy(e[0:11], name[:])
	e[11] = attr
	date, tim := dosDateTime(mtime)
	binary.LittleEndian.PutUint16(e[14:], tim) // creation
	binary.LittleEndian.PutUint16(e[16:], date)
	binary.LittleEndian.PutUint16(e[18:], date) // last access
	binary.LittleEndian.PutUint16(e[22:], tim)  // write
	binary.LittleEndian.PutUint16(e[24:], date)
	binary.LittleEndian.PutUint16(e[26:], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:], size)
	return e
}

func dosDateTime(t time.Time) (date, tim uint16) {
	if t.Year() < 1980 {
		return 1<<5 | 1, 0 // 1980-01-01
	}
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tim = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, tim
}

// shortName derives a unique 8.3 name, reporting whether a long-name record
// is still needed to preserve the original spelling.
func shortName(name string, taken map[string]bool) ([11]byte, bool) {
	upper := strings.ToUpper(name)
	base, ext := upper, ""
	if i := strings.LastIndexByte(upper, '.'); i > 0 {
		base, ext = upper[:i], upper[i+1:]
	}
	sanitize := func(s string) (string, bool) {
		var b strings.Builder
		clean := true
		for _, r := range s {
			switch {
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
				strings.ContainsRune("!#$%&'()-@^_`{}~", r):
				b.WriteRune(r)
			case r == '.' || r == ' ':
				clean = false
			default:
				b.WriteByte('_')
				clean = false
			}
		}
		return b.String(), clean
	}
	cleanBase, okBase := sanitize(base)
	cleanExt, okExt := sanitize(ext)
	lossless := okBase && okExt && len(cleanBase) <= 8 && len(cleanExt) <= 3 && upper == name
	if len(cleanExt) > 3 {
		cleanExt = cleanExt[:3]
	}

	pack := func(b, e string) [11]byte {
		var out [11]byte
		for i := range out {
			out[i] = ' '
		}
		copy(out[0:8], b)
		copy(out[8:11], e)
		return out
	}

	if len(cleanBase) <= 8 {
		candidate := pack(cleanBase, cleanExt)
		if !taken[string(candidate[:])] {
			return candidate, !lossless
		}
	}

	// Truncate and disambiguate with a numeric tail.
	for n := 1; n < 1000000; n++ {
		tail := fmt.Sprintf("~%d", n)
		keep := 8 - len(tail)
		b := cleanBase
		if len(b) > keep {
			b = b[:keep]
		}
		candidate := pack(b+tail, cleanExt)
		if !taken[string(candidate[:])] {
			return candidate, true
		}
	}
	return pack(cleanBase, cleanExt), true
}

// checksum is the rotate-and-add hash long-name records carry to pair them
// with their 8.3 entry.
func checksum(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// lfnEntries encodes a long file name as a reversed run of 13-character
// UTF-16 records preceding the 8.3 entry.
func lfnEntries(name string, sum byte) [][]byte {
	units := utf16.Encode([]rune(name))
	units = append(units, 0)
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}
	n := len(units) / 13
	entries := make([][]byte, 0, n)
	for seq := n; seq >= 1; seq-- {
		e := make([]byte, dirEntrySize)
		e[0] = byte(seq)
		if seq == n {
			e[0] |= 0x40
		}
		part := units[(seq-1)*13 : seq*13]
		for i, off := range []int{1, 3, 5, 7, 9} {
			binary.LittleEndian.PutUint16(e[off:], part[i])
		}
		e[11] = attrLongName
		e[13] = sum
		for i, off := range []int{14, 16, 18, 20, 22, 24} {
			binary.LittleEndian.PutUint16(e[off:], part[5+i])
		}
		for i, off := range []int{28, 30} {
			binary.LittleEndian.PutUint16(e[off:], part[11+i])
		}
		entries = append(entries, e)
	}
	return entries
}
