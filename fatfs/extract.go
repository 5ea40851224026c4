package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
)

// Extract strips the wear-leveling frame when present, mounts the FAT
// volume and writes its tree under outDir, returning the extracted file
// count. FAT12, FAT16 and FAT32 volumes are all readable; whatever the
// device actually carries gets decoded.
func Extract(image []byte, outDir string, sectorSize uint32) (int, error) {
	fat, wrapped := wlUnwrap(image, sectorSize)
	if wrapped {
		fmt.Printf("[fatfs] wear-leveling frame detected, FAT area is %d bytes\n", len(fat))
	}
	if len(fat) < 512 {
		return 0, errors.New("fatfs: buffer too small for a boot sector")
	}

	bps := uint32(binary.LittleEndian.Uint16(fat[11:]))
	if !isValidSectorSize(bps) {
		return 0, fmt.Errorf("%w: boot sector says %d", ErrSectorSize, bps)
	}

	r, err := newReader(fat, bps)
	if err != nil {
		return 0, err
	}
	fmt.Printf("[fatfs] FAT%d volume, %d bytes/sector, %d sectors/cluster\n",
		r.fatType, r.bps, r.spc)

	root, err := r.rootRegion()
	if err != nil {
		return 0, err
	}
	w := &fatWalker{r: r, outDir: outDir}
	w.walk(root, "")
	return w.count, nil
}

type reader struct {
	img          []byte
	bps          uint32
	spc          uint32
	reserved     uint32
	numFATs      uint32
	rootEntries  uint32
	fatSectors   uint32
	totalSectors uint32
	rootCluster  uint32
	clusters     uint32
	fatType      int
}

func newReader(img []byte, bps uint32) (*reader, error) {
	r := &reader{
		img:         img,
		bps:         bps,
		spc:         uint32(img[13]),
		reserved:    uint32(binary.LittleEndian.Uint16(img[14:])),
		numFATs:     uint32(img[16]),
		rootEntries: uint32(binary.LittleEndian.Uint16(img[17:])),
	}
	if r.spc == 0 || r.numFATs == 0 {
		return nil, errors.New("fatfs: malformed boot sector")
	}
	r.totalSectors = uint32(binary.LittleEndian.Uint16(img[19:]))
	if r.totalSectors == 0 {
		r.totalSectors = binary.LittleEndian.Uint32(img[32:])
	}
	r.fatSectors = uint32(binary.LittleEndian.Uint16(img[22:]))
	if r.fatSectors == 0 {
		r.fatSectors = binary.LittleEndian.Uint32(img[36:]) // FAT32
		r.rootCluster = binary.LittleEndian.Uint32(img[44:])
	}
	if r.fatSectors == 0 || r.totalSectors == 0 {
		return nil, errors.New("fatfs: malformed boot sector")
	}

	rootDirSectors := (r.rootEntries*dirEntrySize + r.bps - 1) / r.bps
	system := r.reserved + r.numFATs*r.fatSectors + rootDirSectors
	if system >= r.totalSectors {
		return nil, errors.New("fatfs: system area exceeds volume")
	}
	r.clusters = (r.totalSectors - system) / r.spc
	switch {
	case r.clusters < fat12MaxClusters:
		r.fatType = 12
	case r.clusters <= fat16MaxClusters:
		r.fatType = 16
	default:
		r.fatType = 32
	}
	return r, nil
}

func (r *reader) rootDirOffset() uint32 {
	return (r.reserved + r.numFATs*r.fatSectors) * r.bps
}

func (r *reader) dataOffset() uint32 {
	rootDirSectors := (r.rootEntries*dirEntrySize + r.bps - 1) / r.bps
	return r.rootDirOffset() + rootDirSectors*r.bps
}

func (r *reader) clusterBytes() uint32 { return r.spc * r.bps }

func (r *reader) clusterData(c uint32) ([]byte, error) {
	off := uint64(r.dataOffset()) + uint64(c-2)*uint64(r.clusterBytes())
	end := off + uint64(r.clusterBytes())
	if c < 2 || end > uint64(len(r.img)) {
		return nil, fmt.Errorf("fatfs: cluster %d out of range", c)
	}
	return r.img[off:end], nil
}

func (r *reader) fatEntry(c uint32) uint32 {
	fat := r.img[r.reserved*r.bps:]
	switch r.fatType {
	case 12:
		off := c + c/2
		v := uint32(binary.LittleEndian.Uint16(fat[off:]))
		if c%2 == 0 {
			return v & 0xFFF
		}
		return v >> 4
	case 16:
		return uint32(binary.LittleEndian.Uint16(fat[c*2:]))
	default:
		return binary.LittleEndian.Uint32(fat[c*4:]) & 0x0FFFFFFF
	}
}

func (r *reader) endOfChain(v uint32) bool {
	switch r.fatType {
	case 12:
		return v >= endOfChain12
	case 16:
		return v >= endOfChain16
	default:
		return v >= 0x0FFFFFF8
	}
}

// chainData concatenates the clusters of one FAT chain.
func (r *reader) chainData(first uint32) ([]byte, error) {
	var out []byte
	seen := map[uint32]bool{}
	for c := first; !r.endOfChain(c); c = r.fatEntry(c) {
		if c < 2 || seen[c] {
			return nil, fmt.Errorf("fatfs: broken cluster chain at %d", c)
		}
		seen[c] = true
		data, err := r.clusterData(c)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// rootRegion returns the raw bytes of the root directory.
func (r *reader) rootRegion() ([]byte, error) {
	if r.fatType == 32 {
		return r.chainData(r.rootCluster)
	}
	off := r.rootDirOffset()
	end := off + r.rootEntries*dirEntrySize
	if uint64(end) > uint64(len(r.img)) {
		return nil, errors.New("fatfs: root directory exceeds volume")
	}
	return r.img[off:end], nil
}

type fatWalker struct {
	r      *reader
	outDir string
	count  int
}

type lfnPart struct {
	seq   int
	units []uint16
	sum   byte
}

func (w *fatWalker) walk(region []byte, prefix string) {
	var parts []lfnPart
	for off := 0; off+dirEntrySize <= len(region); off += dirEntrySize {
		e := region[off : off+dirEntrySize]
		switch {
		case e[0] == 0x00:
			return // end of directory
		case e[0] == 0xE5:
			parts = nil
			continue
		case e[11] == attrLongName:
			parts = append(parts, decodeLFN(e))
			continue
		case e[11]&attrVolumeID != 0:
			parts = nil
			continue
		}

		name := assembleLFN(parts, checksumOf(e))
		parts = nil
		if name == "" {
			name = decodeShort(e)
		}
		if name == "." || name == ".." {
			continue
		}

		rel := filepath.Join(prefix, name)
		host := filepath.Join(w.outDir, rel)
		cluster := uint32(binary.LittleEndian.Uint16(e[26:]))
		if w.r.fatType == 32 {
			cluster |= uint32(binary.LittleEndian.Uint16(e[20:])) << 16
		}
		mtime := decodeDosTime(binary.LittleEndian.Uint16(e[24:]), binary.LittleEndian.Uint16(e[22:]))

		if e[11]&attrDirectory != 0 {
			if err := os.MkdirAll(host, 0o755); err != nil {
				fmt.Printf("[fatfs] skipping directory %s: %v\n", rel, err)
				continue
			}
			sub, err := w.r.chainData(cluster)
			if err != nil {
				fmt.Printf("[fatfs] skipping directory %s: %v\n", rel, err)
				continue
			}
			w.walk(sub, rel)
			continue
		}

		size := binary.LittleEndian.Uint32(e[28:])
		var content []byte
		if size > 0 {
			data, err := w.r.chainData(cluster)
			if err != nil {
				fmt.Printf("[fatfs] skipping file %s: %v\n", rel, err)
				continue
			}
			if uint32(len(data)) < size {
				fmt.Printf("[fatfs] skipping file %s: chain shorter than recorded size\n", rel)
				continue
			}
			content = data[:size]
		}
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			fmt.Printf("[fatfs] skipping file %s: %v\n", rel, err)
			continue
		}
		if err := os.WriteFile(host, content, 0o644); err != nil {
			fmt.Printf("[fatfs] skipping file %s: %v\n", rel, err)
			continue
		}
		if !mtime.IsZero() {
			_ = os.Chtimes(host, mtime, mtime)
		}
		fmt.Printf("[FILE] %s (%d bytes)\n", rel, len(content))
		w.count++
	}
}

func checksumOf(e []byte) byte {
	var name [11]byte
	copy(name[:], e[0:11])
	return checksum(name)
}

func decodeLFN(e []byte) lfnPart {
	p := lfnPart{seq: int(e[0] & 0x1F), sum: e[13]}
	for _, off := range []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30} {
		p.units = append(p.units, binary.LittleEndian.Uint16(e[off:]))
	}
	return p
}

func assembleLFN(parts []lfnPart, sum byte) string {
	if len(parts) == 0 {
		return ""
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].seq < parts[j].seq })
	var units []uint16
	for _, p := range parts {
		if p.sum != sum {
			return ""
		}
		units = append(units, p.units...)
	}
	for i, u := range units {
		if u == 0 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func decodeShort(e []byte) string {
	base := strings.TrimRight(string(e[0:8]), " ")
	if len(base) > 0 && base[0] == 0x05 {
		base = "\xE5" + base[1:]
	}
	ext := strings.TrimRight(string(e[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func decodeDosTime(date, tim uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(date>>9), time.Month(date>>5&0xF), int(date&0x1F),
		int(tim>>11), int(tim>>5&0x3F), int(tim&0x1F)*2, 0, time.Local)
}
