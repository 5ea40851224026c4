package partition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultTable = `# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x5000,
otadata,  data, ota,     0xe000,  0x2000,
app0,     app,  ota_0,   0x10000, 0x140000,
app1,     app,  ota_1,   0x150000,0x140000,
spiffs,   data, spiffs,  0x290000,0x160000,
coredump, data, coredump,0x3F0000,0x10000,
`

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"4096", 4096, true},
		{"0x1000", 0x1000, true},
		{"0X10000", 0x10000, true},
		{"20K", 20 * 1024, true},
		{"4M", 4 * 1024 * 1024, true},
		{"1m", 1024 * 1024, true},
		{" 0x9000 ", 0x9000, true},
		{"", 0, false},
		{"banana", 0, false},
		{"0xZZ", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if !tt.ok {
			assert.Error(t, err, "ParseSize(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseSize(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseSize(%q)", tt.in)
	}
}

func TestParseCSVResolvesOffsets(t *testing.T) {
	// Offsets omitted from the table are rounded up to the alignment of the
	// partition type: 64K for app, 4 bytes otherwise.
	tbl, err := ParseCSV(strings.NewReader(`nvs,     data, nvs,     0x9000, 0x5000,
otadata, data, ota,     ,       0x2000,
factory, app,  factory, ,       1M,
fs,      data, littlefs,,       960K,
`))
	require.NoError(t, err)
	require.Len(t, tbl.Entries, 4)

	assert.Equal(t, uint32(0x9000), tbl.Entries[0].Offset)
	assert.Equal(t, uint32(0xe000), tbl.Entries[1].Offset)
	// 0x10000 follows from rounding 0xe000+0x2000 up to the app alignment.
	assert.Equal(t, uint32(0x10000), tbl.Entries[2].Offset)
	assert.Equal(t, uint32(0x110000), tbl.Entries[3].Offset)

	// Resolved entries never overlap.
	for i := 1; i < len(tbl.Entries); i++ {
		prev, cur := tbl.Entries[i-1], tbl.Entries[i]
		assert.LessOrEqual(t, prev.Offset+prev.Size, cur.Offset,
			"partition %q overlaps %q", prev.Name, cur.Name)
	}
}

func TestParseCSVSkipsCommentsAndShortRows(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(defaultTable))
	require.NoError(t, err)
	assert.Len(t, tbl.Entries, 6)
}

func TestFilesystemRegion(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(defaultTable))
	require.NoError(t, err)

	region, subtype, err := tbl.FilesystemRegion()
	require.NoError(t, err)
	assert.Equal(t, "spiffs", subtype)
	assert.Equal(t, uint32(0x290000), region.Offset)
	assert.Equal(t, uint32(0x160000), region.Size)

	// Repeated resolution of the same table is stable.
	again, _, err := tbl.FilesystemRegion()
	require.NoError(t, err)
	assert.Equal(t, region, again)
}

func TestFilesystemRegionMissingIsFatal(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(`nvs,     data, nvs,     0x9000,  0x5000,
factory, app,  factory, 0x10000, 1M,
`))
	require.NoError(t, err)

	_, _, err = tbl.FilesystemRegion()
	assert.ErrorIs(t, err, ErrNoFilesystemPartition)
}

func TestFilesystemRegionPicksFirst(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(`fs1, data, littlefs, 0x110000, 0x100000,
fs2, data, spiffs,   0x210000, 0x100000,
`))
	require.NoError(t, err)

	region, subtype, err := tbl.FilesystemRegion()
	require.NoError(t, err)
	assert.Equal(t, "littlefs", subtype)
	assert.Equal(t, uint32(0x110000), region.Offset)
}

func TestAppOffset(t *testing.T) {
	tests := []struct {
		name  string
		table string
		want  uint32
	}{
		{
			name:  "ota_0 wins",
			table: defaultTable,
			want:  0x10000,
		},
		{
			name: "factory fallback",
			table: `nvs,     data, nvs,     0x9000,  0x5000,
factory, app,  factory, 0x20000, 1M,
`,
			want: 0x20000,
		},
		{
			name: "default when no app entry matches",
			table: `nvs, data, nvs, 0x9000, 0x5000,
`,
			want: DefaultAppOffset,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := ParseCSV(strings.NewReader(tt.table))
			require.NoError(t, err)
			assert.Equal(t, tt.want, tbl.AppOffset())
		})
	}
}

func TestMaxUploadSize(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(defaultTable))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x140000), tbl.MaxUploadSize(""))
	assert.Equal(t, uint32(0x140000), tbl.MaxUploadSize("app1"))
	// Unknown custom name falls back to the ota_0 partition.
	assert.Equal(t, uint32(0x140000), tbl.MaxUploadSize("nope"))
}

func TestBinaryRoundTrip(t *testing.T) {
	entries := []BinaryEntry{
		{Type: TypeData, Subtype: 0x02, Offset: 0x9000, Size: 0x5000, Label: "nvs"},
		{Type: TypeApp, Subtype: 0x10, Offset: 0x10000, Size: 0x140000, Label: "app0"},
		{Type: TypeData, Subtype: SubtypeSPIFFS, Offset: 0x290000, Size: 0x160000, Label: "spiffs"},
	}

	raw := AppendBinary(nil, entries)
	// A downloaded table region is 4KB; everything past the records is blank.
	raw = append(raw, make([]byte, 4096-len(raw))...)

	got := ParseBinary(raw)
	require.Len(t, got, 3)
	assert.Equal(t, entries, got)

	assert.False(t, got[0].IsFilesystem())
	assert.False(t, got[1].IsFilesystem())
	assert.True(t, got[2].IsFilesystem())
}

func TestParseBinaryStopsAtBlank(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = 0xFF
	}
	assert.Empty(t, ParseBinary(raw))
}
