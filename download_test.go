package espfs

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioarduino/espfs/littlefs"
	"github.com/pioarduino/espfs/partition"
)

// fakeFlash serves reads from an in-memory flash image.
type fakeFlash struct {
	data []byte
}

func (f *fakeFlash) ReadFlash(offset, size uint32) ([]byte, error) {
	if uint64(offset)+uint64(size) > uint64(len(f.data)) {
		return nil, fmt.Errorf("read beyond flash end at 0x%x", offset)
	}
	return f.data[offset : offset+size], nil
}

const (
	testFSOffset = 0x110000
	testFSSize   = 0x60000
)

// deviceFlash assembles a flash image with a partition table at the default
// offset and a filesystem image at testFSOffset.
func deviceFlash(t *testing.T, subtype uint8, fsImage []byte) *fakeFlash {
	t.Helper()
	require.LessOrEqual(t, len(fsImage), testFSSize)

	flash := make([]byte, testFSOffset+testFSSize)
	for i := range flash {
		flash[i] = 0xFF
	}
	table := partition.AppendBinary(nil, []partition.BinaryEntry{
		{Type: partition.TypeApp, Subtype: 0x10, Offset: 0x10000, Size: 0x100000, Label: "app0"},
		{Type: partition.TypeData, Subtype: subtype, Offset: testFSOffset, Size: testFSSize, Label: "storage"},
	})
	copy(flash[DefaultTableOffset:], table)
	copy(flash[testFSOffset:], fsImage)
	return &fakeFlash{data: flash}
}

func buildLittleFSImage(t *testing.T, files map[string]string) []byte {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		p := filepath.Join(src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	image, err := littlefs.Build(src, testFSSize, littlefs.Params{})
	require.NoError(t, err)
	return image
}

func TestDownloadRoundTrip(t *testing.T) {
	files := map[string]string{
		"index.html":     "<html></html>\n",
		"conf/net.json":  `{"ssid":"lab"}`,
		"conf/mqtt.json": `{"broker":"tcp://10.0.0.2"}`,
	}
	flash := deviceFlash(t, partition.SubtypeLittleFS, buildLittleFSImage(t, files))

	cfg := NewConfig(WithUnpackDir(filepath.Join(t.TempDir(), "unpacked")))
	count, err := Download(cfg, flash, 0)
	require.NoError(t, err)
	assert.Equal(t, len(files), count)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(cfg.UnpackDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}
}

func TestDownloadClassifiesAmbiguousSubtype(t *testing.T) {
	// Subtype 0x82 is historically shared between SPIFFS and LittleFS.
	// The image carries the LittleFS magic, so it must route to the
	// LittleFS extractor.
	files := map[string]string{"a.txt": "hi"}
	flash := deviceFlash(t, partition.SubtypeSPIFFS, buildLittleFSImage(t, files))

	cfg := NewConfig(WithUnpackDir(filepath.Join(t.TempDir(), "unpacked")))
	count, err := Download(cfg, flash, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := os.ReadFile(filepath.Join(cfg.UnpackDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestDownloadClearsStaleOutput(t *testing.T) {
	flash := deviceFlash(t, partition.SubtypeLittleFS,
		buildLittleFSImage(t, map[string]string{"new.txt": "fresh"}))

	outDir := filepath.Join(t.TempDir(), "unpacked")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	stale := filepath.Join(outDir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	cfg := NewConfig(WithUnpackDir(outDir))
	_, err := Download(cfg, flash, 0)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outDir, "new.txt"))
	assert.NoError(t, err)
}

func TestClassifySubtype(t *testing.T) {
	got, err := classifySubtype(partition.SubtypeFAT, nil)
	require.NoError(t, err)
	assert.Equal(t, FatFS, got)

	got, err = classifySubtype(partition.SubtypeLittleFS, nil)
	require.NoError(t, err)
	assert.Equal(t, LittleFS, got)

	// Ambiguous subtype without the magic falls to SPIFFS.
	got, err = classifySubtype(partition.SubtypeSPIFFS, make([]byte, 16384))
	require.NoError(t, err)
	assert.Equal(t, SPIFFS, got)

	_, err = classifySubtype(0x99, nil)
	require.ErrorIs(t, err, ErrUnknownSubtype)
}

func TestDownloadNoTableIsFatal(t *testing.T) {
	flash := &fakeFlash{data: make([]byte, testFSOffset+testFSSize)}
	for i := range flash.data {
		flash.data[i] = 0xFF
	}

	cfg := NewConfig(WithUnpackDir(filepath.Join(t.TempDir(), "unpacked")))
	_, err := Download(cfg, flash, 0)
	require.ErrorIs(t, err, ErrNoPartitionTable)
}

func TestDownloadNoFilesystemPartitionIsFatal(t *testing.T) {
	flash := &fakeFlash{data: make([]byte, testFSOffset+testFSSize)}
	table := partition.AppendBinary(nil, []partition.BinaryEntry{
		{Type: partition.TypeApp, Subtype: 0x10, Offset: 0x10000, Size: 0x100000, Label: "app0"},
	})
	copy(flash.data[DefaultTableOffset:], table)

	cfg := NewConfig(WithUnpackDir(filepath.Join(t.TempDir(), "unpacked")))
	_, err := Download(cfg, flash, 0)
	require.ErrorIs(t, err, partition.ErrNoFilesystemPartition)
}
