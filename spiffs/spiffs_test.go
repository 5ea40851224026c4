package spiffs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestBuildImageLength(t *testing.T) {
	src := writeTree(t, map[string]string{"a.txt": "hi"})

	image, err := Build(src, 65536, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, image, 65536)
}

func TestRoundTrip(t *testing.T) {
	files := map[string]string{
		"a.txt":          "hi",
		"www/index.html": "<html></html>\n",
		"www/empty.txt":  "",
	}
	src := writeTree(t, files)

	image, err := Build(src, 131072, DefaultConfig())
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

func TestRoundTripLargeFile(t *testing.T) {
	// Larger than one data page so content spans multiple pages.
	content := make([]byte, 30000)
	for i := range content {
		content[i] = byte(i % 253)
	}
	src := writeTree(t, map[string]string{"big.bin": string(content)})

	image, err := Build(src, 131072, DefaultConfig())
	require.NoError(t, err)

	out := t.TempDir()
	count, err := Extract(image, out)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := os.ReadFile(filepath.Join(out, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestDetectConfigMatchesFirstCandidate(t *testing.T) {
	// An image built with the stock configuration must be identified as
	// the first entry of the candidate ladder.
	src := writeTree(t, map[string]string{"a.txt": "hello"})

	image, err := Build(src, 131072, DefaultConfig())
	require.NoError(t, err)

	cfg, ok := DetectConfig(image)
	require.True(t, ok)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestDetectConfigAlternateGeometry(t *testing.T) {
	alt := DefaultConfig()
	alt.BlockSize = 8192
	src := writeTree(t, map[string]string{"b.txt": "data"})

	image, err := Build(src, 131072, alt)
	require.NoError(t, err)

	cfg, ok := DetectConfig(image)
	require.True(t, ok)
	assert.Equal(t, alt, cfg)
}

func TestExtractUnformattedRegion(t *testing.T) {
	// Erased flash parses under no candidate; extraction proceeds under
	// the default configuration and reports zero files without failing.
	image := bytes.Repeat([]byte{0xFF}, 65536)

	out := t.TempDir()
	count, err := Extract(image, out)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBuildNameTooLong(t *testing.T) {
	name := make([]byte, 40)
	for i := range name {
		name[i] = 'x'
	}
	src := writeTree(t, map[string]string{string(name): "data"})

	_, err := Build(src, 65536, DefaultConfig())
	require.Error(t, err)
}

func TestBuildNoSpace(t *testing.T) {
	content := make([]byte, 20000)
	src := writeTree(t, map[string]string{"big.bin": string(content)})

	// One 4 KiB block cannot hold 20 KB of content.
	_, err := Build(src, 8192, DefaultConfig())
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestConfigValidation(t *testing.T) {
	bad := DefaultConfig()
	bad.BlockSize = 1000 // not a multiple of the page size
	require.ErrorIs(t, bad.validate(), ErrConfig)

	bad = DefaultConfig()
	bad.PageSize = 64 // lookup for 64 pages does not fit one page
	require.ErrorIs(t, bad.validate(), ErrConfig)
}
