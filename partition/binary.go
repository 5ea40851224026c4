package partition

import (
	"encoding/binary"
	"strings"
)

// Binary partition-table record layout, from esp_partition_info_t.
// Records are 32 bytes: magic, type, subtype, offset, size, 16-byte label
// and flags, all little-endian.
const (
	recordMagic = 0x50AA
	recordSize  = 32
)

// Partition type and subtype bytes as stored on flash.
const (
	TypeApp  = 0x00
	TypeData = 0x01

	SubtypeFAT      = 0x81
	SubtypeSPIFFS   = 0x82 // historically shared between SPIFFS and LittleFS
	SubtypeLittleFS = 0x83
)

// BinaryEntry is one record of the on-flash partition table.
type BinaryEntry struct {
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   string
	Flags   uint32
}

// IsFilesystem reports whether the record describes a data partition holding
// a device filesystem.
func (e BinaryEntry) IsFilesystem() bool {
	if e.Type != TypeData {
		return false
	}
	switch e.Subtype {
	case SubtypeFAT, SubtypeSPIFFS, SubtypeLittleFS:
		return true
	}
	return false
}

// ParseBinary decodes magic-prefixed partition records from a raw
// partition-table region. Decoding stops at the first record without the
// magic prefix; a table downloaded from a blank or corrupt region therefore
// yields an empty slice, not an error.
func ParseBinary(data []byte) []BinaryEntry {
	var entries []BinaryEntry
	for off := 0; off+recordSize <= len(data); off += recordSize {
		rec := data[off : off+recordSize]
		if binary.LittleEndian.Uint16(rec[0:2]) != recordMagic {
			break
		}
		entries = append(entries, BinaryEntry{
			Type:    rec[2],
			Subtype: rec[3],
			Offset:  binary.LittleEndian.Uint32(rec[4:8]),
			Size:    binary.LittleEndian.Uint32(rec[8:12]),
			Label:   strings.TrimRight(string(rec[12:28]), "\x00"),
			Flags:   binary.LittleEndian.Uint32(rec[28:32]),
		})
	}
	return entries
}

// AppendBinary encodes entries in the on-flash record format, appending to
// dst. Used by tests and fixture generation; the device writes the real
// table.
func AppendBinary(dst []byte, entries []BinaryEntry) []byte {
	for _, e := range entries {
		var rec [recordSize]byte
		binary.LittleEndian.PutUint16(rec[0:2], recordMagic)
		rec[2] = e.Type
		rec[3] = e.Subtype
		binary.LittleEndian.PutUint32(rec[4:8], e.Offset)
		binary.LittleEndian.PutUint32(rec[8:12], e.Size)
		copy(rec[12:28], e.Label)
		binary.LittleEndian.PutUint32(rec[28:32], e.Flags)
		dst = append(dst, rec[:]...)
	}
	return dst
}
