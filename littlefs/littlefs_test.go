package littlefs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestBuildImageLength(t *testing.T) {
	src := writeTree(t, map[string]string{"a.txt": "hi"}, "sub")

	image, err := Build(src, 65536, Params{BlockSize: 4096})
	require.NoError(t, err)
	assert.Len(t, image, 65536)
}

func TestBuildFloorsBlockCount(t *testing.T) {
	src := writeTree(t, map[string]string{"a.txt": "hi"})

	// A region not divisible by the block size must round the image down,
	// never up past the region.
	image, err := Build(src, 65536+100, Params{BlockSize: 4096})
	require.NoError(t, err)
	assert.Len(t, image, 65536)
}

func TestBuildRegionTooSmall(t *testing.T) {
	src := writeTree(t, nil)

	_, err := Build(src, 4096, Params{BlockSize: 4096})
	require.ErrorIs(t, err, ErrTooSmall)
}

func TestProbeSuperblock(t *testing.T) {
	src := writeTree(t, map[string]string{"a.txt": "hi"})

	image, err := Build(src, 131072, Params{BlockSize: 4096, DiskVersion: "2.1"})
	require.NoError(t, err)

	sb, ok := ProbeSuperblock(image)
	require.True(t, ok)
	assert.Equal(t, uint32(2<<16|1), sb.Version)
	assert.Equal(t, uint32(4096), sb.BlockSize)
	assert.Equal(t, uint32(32), sb.BlockCount)
	assert.Equal(t, uint32(defaultNameMax), sb.NameMax)
}

func TestProbeSuperblockGarbage(t *testing.T) {
	image := bytes.Repeat([]byte{0xFF}, 65536)
	_, ok := ProbeSuperblock(image)
	assert.False(t, ok)

	// The magic alone is not enough; the fields next to it must validate.
	copy(image[64:], "littlefs")
	_, ok = ProbeSuperblock(image)
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	files := map[string]string{
		"a.txt":           "hi",
		"boot/config.ini": "key=value\n",
		"boot/empty.bin":  "",
	}
	src := writeTree(t, files, "sub")

	image, err := Build(src, 262144, Params{BlockSize: 4096})
	require.NoError(t, err)

	out := t.TempDir()
	count, err := Extract(image, out)
	require.NoError(t, err)
	assert.Equal(t, len(files), count)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}
	info, err := os.Stat(filepath.Join(out, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRoundTripLargeFile(t *testing.T) {
	// Content spanning many blocks exercises the skip-list file layout
	// rather than inline storage.
	content := make([]byte, 50000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	src := writeTree(t, map[string]string{"big.bin": string(content)})

	image, err := Build(src, 262144, Params{BlockSize: 4096})
	require.NoError(t, err)

	out := t.TempDir()
	count, err := Extract(image, out)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := os.ReadFile(filepath.Join(out, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestRoundTripManyFiles(t *testing.T) {
	// Enough entries to overflow one metadata block and force a
	// continuation.
	files := map[string]string{}
	for i := 0; i < 100; i++ {
		files[filepath.Join("data", fileName(i))] = fileName(i)
	}
	src := writeTree(t, files)

	image, err := Build(src, 1048576, Params{BlockSize: 4096})
	require.NoError(t, err)

	out := t.TempDir()
	count, err := Extract(image, out)
	require.NoError(t, err)
	assert.Equal(t, len(files), count)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}
}

func fileName(i int) string {
	return "entry-" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".txt"
}

func TestNameTooLong(t *testing.T) {
	long := bytes.Repeat([]byte{'x'}, 70)
	src := writeTree(t, map[string]string{string(long): "data"})

	_, err := Build(src, 65536, Params{BlockSize: 4096, NameMax: 64})
	require.Error(t, err)
}

func TestDiskVersionEncoding(t *testing.T) {
	assert.Equal(t, uint32(2<<16|1), diskVersion("2.1"))
	assert.Equal(t, uint32(2<<16|0), diskVersion("2.0"))
	assert.Equal(t, uint32(3<<16|4), diskVersion("3.4"))
	// Malformed strings fall back to the default.
	assert.Equal(t, uint32(2<<16|1), diskVersion("garbage"))
	assert.Equal(t, uint32(2<<16|1), diskVersion(""))
}

func TestCtzGeometry(t *testing.T) {
	assert.Equal(t, uint32(0), ctzWords(0))
	assert.Equal(t, uint32(1), ctzWords(1))
	assert.Equal(t, uint32(2), ctzWords(2))
	assert.Equal(t, uint32(1), ctzWords(3))
	assert.Equal(t, uint32(3), ctzWords(4))

	assert.Equal(t, uint32(4096), ctzCapacity(4096, 0))
	assert.Equal(t, uint32(4092), ctzCapacity(4096, 1))
	assert.Equal(t, uint32(4088), ctzCapacity(4096, 2))
}
