// Package partition resolves ESP32 partition tables into typed flash regions.
//
// Two representations are handled: the CSV table that board/project
// configuration ships (name, type, subtype, offset, size, flags), and the
// binary record format the bootloader reads from flash at the table offset.
// Offsets omitted from the CSV are computed by rounding a running cursor up
// to the alignment required by the partition type (0x10000 for app
// partitions, 4 bytes for everything else).
package partition

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Alignment bounds for computed offsets.
const (
	appAlignment  = 0x10000
	dataAlignment = 4
)

// DefaultAppOffset is the firmware address used when the table has no ota_0
// or factory app partition.
const DefaultAppOffset = 0x10000

// ErrNoFilesystemPartition is returned when a table contains no data
// partition with a filesystem subtype. Filesystem builds and downloads
// cannot proceed without one.
var ErrNoFilesystemPartition = errors.New("no filesystem partition (spiffs, fat or littlefs) in partition table")

// filesystemSubtypes are the data-partition subtypes that hold a device
// filesystem.
var filesystemSubtypes = map[string]bool{
	"spiffs":   true,
	"fat":      true,
	"littlefs": true,
}

// Entry is one row of the partition table with its offset resolved.
type Entry struct {
	Name    string
	Type    string // "app"/"0" or "data"/"1", as written in the table
	Subtype string
	Offset  uint32
	Size    uint32
	Flags   string
}

// IsApp reports whether the entry is an application partition.
func (e Entry) IsApp() bool {
	return e.Type == "app" || e.Type == "0"
}

// IsData reports whether the entry is a data partition.
func (e Entry) IsData() bool {
	return e.Type == "data" || e.Type == "1"
}

// Region is a byte range of flash.
type Region struct {
	Offset uint32
	Size   uint32
}

// End returns the first byte offset past the region.
func (r Region) End() uint32 { return r.Offset + r.Size }

// Table is an ordered partition table with all offsets resolved.
type Table struct {
	Entries []Entry
}

// ParseSize normalizes a size or offset field to a byte count. Plain digits
// are decimal, a 0x prefix selects hex, and a trailing K or M multiplies by
// 1024 or 1024*1024. This is the single parsing rule shared by every field.
func ParseSize(value string) (uint32, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty size value")
	}

	switch {
	case strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X"):
		n, err := strconv.ParseUint(value[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid hex value %q: %w", value, err)
		}
		return uint32(n), nil
	case isDigits(value):
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal value %q: %w", value, err)
		}
		return uint32(n), nil
	default:
		suffix := value[len(value)-1]
		var mult uint64
		switch suffix {
		case 'K', 'k':
			mult = 1024
		case 'M', 'm':
			mult = 1024 * 1024
		default:
			return 0, fmt.Errorf("unrecognized size value %q", value)
		}
		n, err := strconv.ParseUint(value[:len(value)-1], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid size value %q: %w", value, err)
		}
		if n*mult > 0xFFFFFFFF {
			return 0, fmt.Errorf("size value %q overflows 32 bits", value)
		}
		return uint32(n * mult), nil
	}
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ParseCSVFile reads and resolves a partition table from a CSV file.
func ParseCSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open partition table %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	t, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("partition table %s: %w", path, err)
	}
	return t, nil
}

// ParseCSV streams a partition table, skipping blank and comment lines and
// resolving missing offsets against the running cursor.
func ParseCSV(r io.Reader) (*Table, error) {
	t := &Table{}
	var nextOffset uint32

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens := strings.Split(line, ",")
		for i := range tokens {
			tokens[i] = strings.TrimSpace(tokens[i])
		}
		if len(tokens) < 5 {
			continue
		}

		e := Entry{
			Name:    tokens[0],
			Type:    tokens[1],
			Subtype: tokens[2],
		}
		if len(tokens) > 5 {
			e.Flags = tokens[5]
		}

		bound := uint32(dataAlignment)
		if e.IsApp() {
			bound = appAlignment
		}

		if tokens[3] == "" {
			e.Offset = alignUp(nextOffset, bound)
		} else {
			off, err := ParseSize(tokens[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: offset: %w", lineNo, err)
			}
			e.Offset = off
		}

		size, err := ParseSize(tokens[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: size: %w", lineNo, err)
		}
		e.Size = size

		nextOffset = e.Offset + e.Size
		t.Entries = append(t.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading partition table: %w", err)
	}

	return t, nil
}

func alignUp(v, bound uint32) uint32 {
	return (v + bound - 1) &^ (bound - 1)
}

// FilesystemRegion returns the region of the first data partition whose
// subtype is a filesystem (spiffs, fat or littlefs), together with that
// subtype. Returns ErrNoFilesystemPartition when the table has none.
func (t *Table) FilesystemRegion() (Region, string, error) {
	for _, e := range t.Entries {
		if e.IsData() && filesystemSubtypes[e.Subtype] {
			return Region{Offset: e.Offset, Size: e.Size}, e.Subtype, nil
		}
	}
	return Region{}, "", ErrNoFilesystemPartition
}

// AppOffset returns the flash offset of the application image: the first app
// partition with subtype ota_0, else the first factory partition, else
// DefaultAppOffset.
func (t *Table) AppOffset() uint32 {
	for _, e := range t.Entries {
		if e.IsApp() && e.Subtype == "ota_0" {
			return e.Offset
		}
	}
	for _, e := range t.Entries {
		if e.IsApp() && e.Subtype == "factory" {
			return e.Offset
		}
	}
	return DefaultAppOffset
}

// MaxUploadSize returns the size of the app partition selected for firmware
// upload. A non-empty customName takes priority when a partition of that name
// exists; otherwise the first ota_0 app partition wins, then the first
// factory partition, then the largest app partition. Zero means the table
// has no app partition at all.
func (t *Table) MaxUploadSize(customName string) uint32 {
	if customName != "" {
		for _, e := range t.Entries {
			if e.Name == customName {
				return e.Size
			}
		}
		fmt.Printf("Warning! Selected partition %q is not in the partition table, default partition will be used\n", customName)
	}

	for _, e := range t.Entries {
		if e.IsApp() && e.Subtype == "ota_0" {
			return e.Size
		}
	}
	for _, e := range t.Entries {
		if e.IsApp() && e.Subtype == "factory" {
			return e.Size
		}
	}

	var max uint32
	for _, e := range t.Entries {
		if e.IsApp() && e.Size > max {
			max = e.Size
		}
	}
	return max
}
