// Command espfs builds filesystem images for ESP32 data partitions and
// downloads them back from a device.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/pioarduino/espfs"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "buildfs":
		if err := runBuild(os.Args[2:]); err != nil {
			log.Fatalf("buildfs failed: %v", err)
		}
	case "downloadfs":
		if err := runDownload(os.Args[2:]); err != nil {
			log.Fatalf("downloadfs failed: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	prog := filepath.Base(os.Args[0])
	log.Printf("usage: %s buildfs|downloadfs [flags]", prog)
	log.Printf("  buildfs    build a filesystem image from a directory")
	log.Printf("  downloadfs read the filesystem partition from a device and unpack it")
}

func commonFlags(fs *flag.FlagSet) (fsType *string, block, page, sector *uint, diskVersion *string) {
	fsType = fs.String("type", "littlefs", "filesystem type: littlefs, spiffs or fatfs")
	block = fs.Uint("block", 4096, "erase block size (littlefs, spiffs)")
	page = fs.Uint("page", 256, "logical page size (spiffs)")
	sector = fs.Uint("sector", 4096, "wear-leveling sector size (fatfs)")
	diskVersion = fs.String("disk-version", "2.1", "littlefs on-disk version")
	return
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("buildfs", flag.ExitOnError)
	fsType, block, page, sector, diskVersion := commonFlags(fs)
	table := fs.String("table", "partitions.csv", "partition table CSV")
	src := fs.String("src", "data", "source directory")
	out := fs.String("out", "", "output image path (default <type>.bin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	typ, err := espfs.ParseFSType(*fsType)
	if err != nil {
		return err
	}
	cfg := espfs.NewConfig(
		espfs.WithType(typ),
		espfs.WithBlockSize(uint32(*block)),
		espfs.WithPageSize(uint32(*page)),
		espfs.WithSectorSize(uint32(*sector)),
		espfs.WithDiskVersion(*diskVersion),
	)

	outPath := *out
	if outPath == "" {
		outPath = typ.String() + ".bin"
	}
	if err := espfs.BuildImageFile(cfg, *table, *src, outPath); err != nil {
		return err
	}
	log.Printf("wrote %s", outPath)
	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("downloadfs", flag.ExitOnError)
	_, block, page, sector, _ := commonFlags(fs)
	port := fs.String("port", "", "serial port of the device")
	chip := fs.String("chip", "esp32", "chip name passed to esptool")
	baud := fs.Int("baud", 460800, "baud rate for flash reads")
	esptool := fs.String("esptool", "esptool.py", "esptool executable")
	tableOffset := fs.Uint("table-offset", espfs.DefaultTableOffset, "flash offset of the partition table")
	unpack := fs.String("unpack", "unpacked_fs", "output directory, cleared before extraction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port == "" {
		log.Printf("downloadfs requires --port")
		fs.Usage()
		os.Exit(2)
	}

	cfg := espfs.NewConfig(
		espfs.WithBlockSize(uint32(*block)),
		espfs.WithPageSize(uint32(*page)),
		espfs.WithSectorSize(uint32(*sector)),
		espfs.WithUnpackDir(*unpack),
	)
	reader := &espfs.EsptoolReader{
		Esptool: *esptool,
		Chip:    *chip,
		Port:    *port,
		Baud:    *baud,
	}

	count, err := espfs.Download(cfg, reader, uint32(*tableOffset))
	if err != nil {
		return err
	}
	log.Printf("extracted %d file(s)", count)
	return nil
}
