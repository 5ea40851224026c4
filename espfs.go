// Package espfs builds and extracts the filesystem images flashed to ESP32
// data partitions. It resolves partition geometry from a table, dispatches
// to one of three codecs (LittleFS, SPIFFS, FAT with wear leveling) and
// implements the device round trip of reading images back over the serial
// flasher and unpacking them to a host directory.
package espfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pioarduino/espfs/fatfs"
	"github.com/pioarduino/espfs/littlefs"
	"github.com/pioarduino/espfs/partition"
	"github.com/pioarduino/espfs/spiffs"
)

// FSType selects one of the supported on-flash filesystem formats.
type FSType int

const (
	LittleFS FSType = iota
	SPIFFS
	FatFS
)

func (t FSType) String() string {
	switch t {
	case LittleFS:
		return "littlefs"
	case SPIFFS:
		return "spiffs"
	case FatFS:
		return "fatfs"
	default:
		return fmt.Sprintf("FSType(%d)", int(t))
	}
}

// ErrUnknownFSType indicates a configured filesystem type with no codec.
// This is a configuration error and aborts before any I/O.
var ErrUnknownFSType = errors.New("espfs: unknown filesystem type")

// ParseFSType maps a configured type string to its codec variant. An empty
// string selects LittleFS, the SDK default.
func ParseFSType(s string) (FSType, error) {
	switch s {
	case "", "littlefs":
		return LittleFS, nil
	case "spiffs":
		return SPIFFS, nil
	case "fatfs", "fat":
		return FatFS, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFSType, s)
	}
}

// Codec is the shared surface of the three filesystem implementations.
type Codec interface {
	// Build serializes srcDir into an image for a region of the given
	// size.
	Build(srcDir string, regionSize uint32) ([]byte, error)
	// Extract writes the files stored in image under outDir and returns
	// how many were extracted.
	Extract(image []byte, outDir string) (int, error)
}

// Config carries the project-level tunables of all three codecs, with the
// SDK's defaults filled in by NewConfig.
type Config struct {
	Type FSType

	// LittleFS and SPIFFS erase-block size.
	BlockSize uint32
	// SPIFFS logical page size.
	PageSize uint32
	// LittleFS on-disk version as "major.minor".
	DiskVersion string
	// LittleFS filename limit.
	NameMax uint32
	// SPIFFS object name and metadata lengths.
	ObjNameLen int
	MetaLen    int
	// FAT wear-leveling sector size.
	SectorSize uint32
	// Directory name downloads unpack into.
	UnpackDir string
}

// Option adjusts a Config.
type Option func(*Config)

// WithType sets the filesystem type.
func WithType(t FSType) Option {
	return func(c *Config) { c.Type = t }
}

// WithBlockSize sets the erase-block size used by LittleFS and SPIFFS.
func WithBlockSize(n uint32) Option {
	return func(c *Config) { c.BlockSize = n }
}

// WithPageSize sets the SPIFFS logical page size.
func WithPageSize(n uint32) Option {
	return func(c *Config) { c.PageSize = n }
}

// WithDiskVersion sets the LittleFS on-disk version string.
func WithDiskVersion(v string) Option {
	return func(c *Config) { c.DiskVersion = v }
}

// WithSectorSize sets the FAT wear-leveling sector size.
func WithSectorSize(n uint32) Option {
	return func(c *Config) { c.SectorSize = n }
}

// WithUnpackDir sets the directory name downloads unpack into.
func WithUnpackDir(dir string) Option {
	return func(c *Config) { c.UnpackDir = dir }
}

// NewConfig returns a Config holding the SDK defaults, adjusted by opts.
func NewConfig(opts ...Option) Config {
	c := Config{
		Type:        LittleFS,
		BlockSize:   4096,
		PageSize:    256,
		DiskVersion: littlefs.DefaultDiskVersion,
		NameMax:     64,
		ObjNameLen:  32,
		MetaLen:     4,
		SectorSize:  fatfs.DefaultSectorSize,
		UnpackDir:   "unpacked_fs",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Codec returns the codec implementation the config selects.
func (c Config) Codec() (Codec, error) {
	switch c.Type {
	case LittleFS:
		return littlefsCodec{p: littlefs.Params{
			BlockSize:   c.BlockSize,
			DiskVersion: c.DiskVersion,
			NameMax:     c.NameMax,
		}}, nil
	case SPIFFS:
		sc := spiffs.DefaultConfig()
		sc.PageSize = c.PageSize
		sc.BlockSize = c.BlockSize
		sc.ObjNameLen = c.ObjNameLen
		sc.MetaLen = c.MetaLen
		return spiffsCodec{c: sc}, nil
	case FatFS:
		return fatCodec{p: fatfs.Params{SectorSize: c.SectorSize}}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownFSType, c.Type)
	}
}

type littlefsCodec struct{ p littlefs.Params }

func (c littlefsCodec) Build(srcDir string, regionSize uint32) ([]byte, error) {
	return littlefs.Build(srcDir, regionSize, c.p)
}

func (c littlefsCodec) Extract(image []byte, outDir string) (int, error) {
	return littlefs.Extract(image, outDir)
}

type spiffsCodec struct{ c spiffs.Config }

func (c spiffsCodec) Build(srcDir string, regionSize uint32) ([]byte, error) {
	return spiffs.Build(srcDir, regionSize, c.c)
}

func (c spiffsCodec) Extract(image []byte, outDir string) (int, error) {
	return spiffs.Extract(image, outDir)
}

type fatCodec struct{ p fatfs.Params }

func (c fatCodec) Build(srcDir string, regionSize uint32) ([]byte, error) {
	return fatfs.Build(srcDir, regionSize, c.p)
}

func (c fatCodec) Extract(image []byte, outDir string) (int, error) {
	return fatfs.Extract(image, outDir, c.p.SectorSize)
}

// BuildImage resolves the filesystem region from the partition table at
// tablePath and serializes srcDir with the configured codec. The returned
// image's length never exceeds the region size.
func BuildImage(cfg Config, tablePath, srcDir string) ([]byte, partition.Region, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, partition.Region{}, err
	}

	table, err := partition.ParseCSVFile(tablePath)
	if err != nil {
		return nil, partition.Region{}, fmt.Errorf("parse partition table: %w", err)
	}
	region, subtype, err := table.FilesystemRegion()
	if err != nil {
		return nil, partition.Region{}, err
	}
	fmt.Printf("[espfs] building %v image for %s partition at 0x%x (%d bytes)\n",
		cfg.Type, subtype, region.Offset, region.Size)

	image, err := codec.Build(srcDir, region.Size)
	if err != nil {
		return nil, partition.Region{}, fmt.Errorf("build %v image: %w", cfg.Type, err)
	}
	return image, region, nil
}

// BuildImageFile is BuildImage plus writing the artifact to outPath.
func BuildImageFile(cfg Config, tablePath, srcDir, outPath string) error {
	image, _, err := BuildImage(cfg, tablePath, srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, image, 0o644)
}

// cleanOutputDir removes and recreates dir so extraction mirrors the device
// exactly, with no stale files from a previous download.
func cleanOutputDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
