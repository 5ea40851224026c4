// Package fatfs builds and extracts FAT filesystem images wrapped in the
// flash wear-leveling frame used on ESP32 fat partitions. Images are
// formatted FAT12 or FAT16 with two FAT copies and a fixed 512-entry root
// directory; the variant is chosen automatically from the cluster count.
package fatfs

import (
	"errors"
	"fmt"
)

const (
	// DefaultSectorSize matches the flash erase granularity the SDK
	// formats fat partitions with.
	DefaultSectorSize = 4096

	dirEntrySize = 32
	rootEntries  = 512

	reservedSectors = 1
	numFATs         = 2
	mediaDescriptor = 0xF8
	oemName         = "MSDOS5.0"

	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	// Cluster-count boundary between FAT12 and FAT16.
	fat12MaxClusters = 4085
	fat16MaxClusters = 65524

	endOfChain12 = 0xFF8
	endOfChain16 = 0xFFF8
)

var (
	// ErrSectorSize indicates a bytes_per_sector value no FAT build or
	// extraction can proceed with.
	ErrSectorSize = errors.New("fatfs: invalid bytes_per_sector")
	// ErrNoSpace indicates that the source tree does not fit the FAT area.
	ErrNoSpace = errors.New("fatfs: no space left in image")
	// ErrTooSmall indicates a region that cannot hold a FAT filesystem
	// next to its wear-leveling frame.
	ErrTooSmall = errors.New("fatfs: region too small")
)

var validSectorSizes = []uint32{512, 1024, 2048, 4096}

func isValidSectorSize(s uint32) bool {
	for _, v := range validSectorSizes {
		if s == v {
			return true
		}
	}
	return false
}

// Params configures image construction.
type Params struct {
	// SectorSize is the logical sector size, one of 512, 1024, 2048
	// or 4096. Default 4096.
	SectorSize uint32
}

func (p Params) withDefaults() Params {
	if p.SectorSize == 0 {
		p.SectorSize = DefaultSectorSize
	}
	return p
}

// geometry fixes the on-disk layout of one formatted volume.
type geometry struct {
	sectorSize        uint32
	sectorsPerCluster uint32
	totalSectors      uint32
	fatSectors        uint32
	clusters          uint32
	fat16             bool
}

func (g geometry) rootDirSectors() uint32 {
	return (rootEntries*dirEntrySize + g.sectorSize - 1) / g.sectorSize
}

func (g geometry) fatOffset(copy uint32) uint32 {
	return (reservedSectors + copy*g.fatSectors) * g.sectorSize
}

func (g geometry) rootDirOffset() uint32 {
	return (reservedSectors + numFATs*g.fatSectors) * g.sectorSize
}

func (g geometry) dataOffset() uint32 {
	return g.rootDirOffset() + g.rootDirSectors()*g.sectorSize
}

func (g geometry) clusterBytes() uint32 {
	return g.sectorsPerCluster * g.sectorSize
}

// clusterOffset maps a cluster number (2-based) to its byte offset.
func (g geometry) clusterOffset(n uint32) uint32 {
	return g.dataOffset() + (n-2)*g.clusterBytes()
}

func (g geometry) endOfChain() uint32 {
	if g.fat16 {
		return 0xFFFF
	}
	return 0xFFF
}

// newGeometry picks cluster size and FAT variant for a FAT area of
// totalSize bytes, sizing the FAT iteratively until the entry count and the
// sector count agree.
func newGeometry(totalSize, sectorSize uint32) (geometry, error) {
	if !isValidSectorSize(sectorSize) {
		return geometry{}, fmt.Errorf("%w: %d", ErrSectorSize, sectorSize)
	}
	g := geometry{sectorSize: sectorSize, totalSectors: totalSize / sectorSize}

	for _, spc := range []uint32{1, 2, 4, 8, 16, 32, 64, 128} {
		for _, fat16 := range []bool{false, true} {
			g.sectorsPerCluster = spc
			g.fat16 = fat16
			fatSectors, clusters, ok := g.solveFAT()
			if !ok {
				continue
			}
			if !fat16 && clusters >= fat12MaxClusters {
				continue
			}
			if fat16 && (clusters < fat12MaxClusters || clusters > fat16MaxClusters) {
				continue
			}
			g.fatSectors = fatSectors
			g.clusters = clusters
			return g, nil
		}
	}
	return geometry{}, fmt.Errorf("%w: no FAT geometry fits %d bytes", ErrTooSmall, totalSize)
}

func (g geometry) solveFAT() (fatSectors, clusters uint32, ok bool) {
	fatSectors = 1
	for i := 0; i < 8; i++ {
		system := reservedSectors + numFATs*fatSectors + g.rootDirSectors()
		if system >= g.totalSectors {
			return 0, 0, false
		}
		clusters = (g.totalSectors - system) / g.sectorsPerCluster
		if clusters == 0 {
			return 0, 0, false
		}
		entries := clusters + 2
		var neededBytes uint32
		if g.fat16 {
			neededBytes = entries * 2
		} else {
			neededBytes = (entries*3 + 1) / 2
		}
		need := (neededBytes + g.sectorSize - 1) / g.sectorSize
		if need == fatSectors {
			return fatSectors, clusters, true
		}
		fatSectors = need
	}
	return 0, 0, false
}
