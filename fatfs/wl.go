package fatfs

import (
	"encoding/binary"
	"hash/crc32"
)

// The wear-leveling layer frames a FAT area inside the flash partition:
// data sectors first, then one dummy sector used for rotation, two copies
// of the leveling state record and finally a config sector at the very end
// of the region. A freshly built image has never rotated, so the FAT bytes
// sit at offset zero and stripping the frame is a truncation.
const (
	wlVersion      = 2
	wlUpdateRate   = 16
	wlWriteSize    = 16
	wlTempBuffSize = 32

	wlConfigSize = 36
	wlStateSize  = 36
)

// StateSectors returns how many sectors one copy of the leveling state
// occupies for a region of totalSectors sectors. The state record carries a
// 16-byte position stamp per update-rate group of sectors.
func StateSectors(totalSectors, sectorSize uint32) uint32 {
	bytes := uint32(64) + 16*((totalSectors+15)/16)
	return (bytes + sectorSize - 1) / sectorSize
}

// OverheadSectors returns the number of sectors the wear-leveling frame
// consumes: the dummy rotation sector, two state copies and the config
// sector.
func OverheadSectors(totalSectors, sectorSize uint32) uint32 {
	return 1 + 2*StateSectors(totalSectors, sectorSize) + 1
}

// wlWrap frames raw FAT bytes into a full region image.
func wlWrap(fat []byte, regionSize, sectorSize uint32) []byte {
	out := make([]byte, regionSize)
	for i := range out {
		out[i] = 0xFF
	}
	copy(out, fat)

	totalSectors := regionSize / sectorSize
	stateSectors := StateSectors(totalSectors, sectorSize)
	dataSectors := totalSectors - OverheadSectors(totalSectors, sectorSize) + 1 // data plus dummy

	state := make([]byte, wlStateSize)
	binary.LittleEndian.PutUint32(state[0:], 0)                // pos
	binary.LittleEndian.PutUint32(state[4:], dataSectors)      // max_pos
	binary.LittleEndian.PutUint32(state[8:], 0)                // move_count
	binary.LittleEndian.PutUint32(state[12:], 0)               // access_count
	binary.LittleEndian.PutUint32(state[16:], wlUpdateRate)    // max_count
	binary.LittleEndian.PutUint32(state[20:], sectorSize)      // block_size
	binary.LittleEndian.PutUint32(state[24:], wlVersion)       // version
	binary.LittleEndian.PutUint32(state[28:], 0)               // device_id
	binary.LittleEndian.PutUint32(state[32:], crc32.ChecksumIEEE(state[:32]))

	cfg := make([]byte, wlConfigSize)
	binary.LittleEndian.PutUint32(cfg[0:], 0)              // start_addr
	binary.LittleEndian.PutUint32(cfg[4:], regionSize)     // full_mem_size
	binary.LittleEndian.PutUint32(cfg[8:], sectorSize)     // page_size
	binary.LittleEndian.PutUint32(cfg[12:], sectorSize)    // sector_size
	binary.LittleEndian.PutUint32(cfg[16:], wlUpdateRate)  // updaterate
	binary.LittleEndian.PutUint32(cfg[20:], wlWriteSize)   // wr_size
	binary.LittleEndian.PutUint32(cfg[24:], wlVersion)     // version
	binary.LittleEndian.PutUint32(cfg[28:], wlTempBuffSize)
	binary.LittleEndian.PutUint32(cfg[32:], crc32.ChecksumIEEE(cfg[:32]))

	stateOff := (totalSectors - 1 - 2*stateSectors) * sectorSize
	copy(out[stateOff:], state)
	copy(out[stateOff+stateSectors*sectorSize:], state)
	copy(out[(totalSectors-1)*sectorSize:], cfg)
	return out
}

// wlUnwrap detects the wear-leveling frame and returns the raw FAT area.
// Buffers without a valid frame are returned unchanged: small partitions
// are sometimes flashed without leveling.
func wlUnwrap(image []byte, sectorSize uint32) ([]byte, bool) {
	totalSectors := uint32(len(image)) / sectorSize
	if totalSectors < 4 || uint32(len(image))%sectorSize != 0 {
		return image, false
	}

	cfg := image[(totalSectors-1)*sectorSize:]
	if len(cfg) < wlConfigSize {
		return image, false
	}
	if crc32.ChecksumIEEE(cfg[:32]) != binary.LittleEndian.Uint32(cfg[32:]) {
		return image, false
	}
	fullMemSize := binary.LittleEndian.Uint32(cfg[4:])
	cfgSectorSize := binary.LittleEndian.Uint32(cfg[12:])
	if fullMemSize != uint32(len(image)) || cfgSectorSize != sectorSize {
		return image, false
	}

	overhead := OverheadSectors(totalSectors, sectorSize)
	if overhead >= totalSectors {
		return image, false
	}
	return image[:(totalSectors-overhead)*sectorSize], true
}
