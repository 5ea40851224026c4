package espfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioarduino/espfs/partition"
)

const testTable = `# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x5000,
otadata,  data, ota,     0xe000,  0x2000,
app0,     app,  ota_0,   0x10000, 0x100000,
storage,  data, spiffs,  0x110000,0x60000,
`

func writeTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partitions.csv")
	require.NoError(t, os.WriteFile(path, []byte(testTable), 0o644))
	return path
}

func TestParseFSType(t *testing.T) {
	for in, want := range map[string]FSType{
		"":         LittleFS,
		"littlefs": LittleFS,
		"spiffs":   SPIFFS,
		"fatfs":    FatFS,
		"fat":      FatFS,
	} {
		got, err := ParseFSType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFSType("jffs2")
	require.ErrorIs(t, err, ErrUnknownFSType)
}

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, LittleFS, c.Type)
	assert.Equal(t, uint32(4096), c.BlockSize)
	assert.Equal(t, uint32(256), c.PageSize)
	assert.Equal(t, "2.1", c.DiskVersion)
	assert.Equal(t, uint32(4096), c.SectorSize)
	assert.Equal(t, "unpacked_fs", c.UnpackDir)

	c = NewConfig(WithType(FatFS), WithSectorSize(512), WithUnpackDir("data"))
	assert.Equal(t, FatFS, c.Type)
	assert.Equal(t, uint32(512), c.SectorSize)
	assert.Equal(t, "data", c.UnpackDir)
}

func TestCodecDispatchUnknownTypeIsFatal(t *testing.T) {
	c := NewConfig()
	c.Type = FSType(9)
	_, err := c.Codec()
	require.ErrorIs(t, err, ErrUnknownFSType)
}

func TestBuildImageMatchesRegionSize(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hi"), 0o644))

	image, region, err := BuildImage(NewConfig(), writeTable(t), src)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x110000), region.Offset)
	assert.Equal(t, uint32(0x60000), region.Size)
	assert.Len(t, image, 0x60000)
}

func TestBuildImageAllCodecs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hi"), 0o644))
	table := writeTable(t)

	for _, typ := range []FSType{LittleFS, SPIFFS, FatFS} {
		image, _, err := BuildImage(NewConfig(WithType(typ)), table, src)
		require.NoError(t, err, typ.String())
		assert.LessOrEqual(t, len(image), 0x60000, typ.String())
	}
}

func TestBuildImageNoFilesystemPartition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partitions.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("app0, app, ota_0, 0x10000, 0x100000,\n"), 0o644))

	_, _, err := BuildImage(NewConfig(), path, t.TempDir())
	require.ErrorIs(t, err, partition.ErrNoFilesystemPartition)
}

func TestBuildImageFileWritesArtifact(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hi"), 0o644))
	out := filepath.Join(t.TempDir(), "build", "littlefs.bin")

	require.NoError(t, BuildImageFile(NewConfig(), writeTable(t), src, out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(0x60000), info.Size())
}
