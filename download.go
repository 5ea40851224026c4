package espfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pioarduino/espfs/partition"
)

const (
	// DefaultTableOffset is where the partition table lives in flash.
	DefaultTableOffset = 0x8000
	tableSize          = 0x1000

	// sniffWindow bounds the search for the LittleFS magic when a
	// partition carries the ambiguous spiffs subtype.
	sniffWindow = 8192
)

// ErrNoPartitionTable indicates that the bytes read from the table region
// contain no valid partition records.
var ErrNoPartitionTable = errors.New("espfs: missing or unparseable partition table")

// ErrUnknownSubtype indicates a filesystem partition whose subtype maps to
// no supported codec.
var ErrUnknownSubtype = errors.New("espfs: unknown partition subtype")

// FlashReader reads a span of raw bytes from device flash.
type FlashReader interface {
	ReadFlash(offset, size uint32) ([]byte, error)
}

// EsptoolReader shells out to esptool for flash reads.
type EsptoolReader struct {
	// Esptool is the executable to invoke. Default "esptool.py".
	Esptool string
	// Chip passed as --chip. Default "esp32".
	Chip string
	// Port passed as --port.
	Port string
	// Baud passed as --baud. Default 460800.
	Baud int
}

func (r *EsptoolReader) ReadFlash(offset, size uint32) ([]byte, error) {
	esptool := r.Esptool
	if esptool == "" {
		esptool = "esptool.py"
	}
	chip := r.Chip
	if chip == "" {
		chip = "esp32"
	}
	baud := r.Baud
	if baud == 0 {
		baud = 460800
	}

	tmp, err := os.CreateTemp("", "espfs-read-*.bin")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := []string{
		"--chip", chip,
		"--port", r.Port,
		"--baud", strconv.Itoa(baud),
		"--before", "default_reset",
		"--after", "hard_reset",
		"read_flash",
		fmt.Sprintf("0x%x", offset),
		strconv.Itoa(int(size)),
		tmpPath,
	}
	cmd := exec.Command(esptool, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	fmt.Printf("[espfs] %s %v\n", esptool, args)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("esptool read_flash at 0x%x: %w", offset, err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) < size {
		return nil, fmt.Errorf("esptool returned %d of %d bytes", len(data), size)
	}
	return data[:size], nil
}

// Download reads the partition table from the device, locates the
// filesystem partition, reads its region and unpacks it into the configured
// unpack directory, which is cleared first so it exactly mirrors the
// device. The filesystem type comes from the partition subtype byte, not
// from the configured type: 0x81 is FAT, 0x83 is LittleFS and the historic
// 0x82 spiffs subtype is shared between SPIFFS and LittleFS, resolved by
// sniffing the image for the LittleFS magic.
func Download(cfg Config, fr FlashReader, tableOffset uint32) (int, error) {
	if tableOffset == 0 {
		tableOffset = DefaultTableOffset
	}

	raw, err := fr.ReadFlash(tableOffset, tableSize)
	if err != nil {
		return 0, err
	}
	entries := partition.ParseBinary(raw)
	if len(entries) == 0 {
		return 0, ErrNoPartitionTable
	}

	var fsEntry *partition.BinaryEntry
	for i := range entries {
		if entries[i].IsFilesystem() {
			fsEntry = &entries[i]
			break
		}
	}
	if fsEntry == nil {
		return 0, partition.ErrNoFilesystemPartition
	}
	fmt.Printf("[espfs] filesystem partition %q at 0x%x (%d bytes, subtype 0x%02x)\n",
		fsEntry.Label, fsEntry.Offset, fsEntry.Size, fsEntry.Subtype)

	image, err := fr.ReadFlash(fsEntry.Offset, fsEntry.Size)
	if err != nil {
		return 0, err
	}

	fsType, err := classifySubtype(fsEntry.Subtype, image)
	if err != nil {
		return 0, err
	}
	fmt.Printf("[espfs] detected filesystem type %v\n", fsType)

	cfg.Type = fsType
	codec, err := cfg.Codec()
	if err != nil {
		return 0, err
	}

	outDir := cfg.UnpackDir
	if outDir == "" {
		outDir = "unpacked_fs"
	}
	if err := cleanOutputDir(outDir); err != nil {
		return 0, err
	}

	count, err := codec.Extract(image, outDir)
	if err != nil {
		return count, err
	}
	abs, _ := filepath.Abs(outDir)
	fmt.Printf("[espfs] extracted %d file(s) to %s\n", count, abs)
	return count, nil
}

// classifySubtype maps a partition subtype byte to a codec variant.
func classifySubtype(subtype byte, image []byte) (FSType, error) {
	switch subtype {
	case partition.SubtypeFAT:
		return FatFS, nil
	case partition.SubtypeLittleFS:
		return LittleFS, nil
	case partition.SubtypeSPIFFS:
		window := image
		if len(window) > sniffWindow {
			window = window[:sniffWindow]
		}
		if bytes.Contains(window, []byte("littlefs")) {
			return LittleFS, nil
		}
		return SPIFFS, nil
	default:
		return 0, fmt.Errorf("%w 0x%02x", ErrUnknownSubtype, subtype)
	}
}
