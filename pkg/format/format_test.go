package format

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/digest"
	"github.com/beam-cloud/evp/pkg/stream"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureFile struct {
	path string
	data string
}

var testFiles = []fixtureFile{
	{"subfolder_1/text_1.txt", "first file in the first folder"},
	{"subfolder_1/text_2.txt", "second file in the first folder"},
	{"subfolder_2/text_3.txt", ""},
	{"text_1.txt", strings.Repeat("root file ", 4000)},
}

// writeBytes runs fn against a file backed writer and returns what it wrote.
func writeBytes(t *testing.T, fn func(w *stream.Writer) error) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "out.bin")
	w, err := stream.CreateFile(path)
	require.NoError(t, err)
	require.NoError(t, fn(w))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func buildV1(t *testing.T, files []fixtureFile) []byte {
	t.Helper()

	return writeBytes(t, func(w *stream.Writer) error {
		vw := NewV1Writer(w)
		if err := vw.Begin(); err != nil {
			return err
		}
		for _, f := range files {
			if _, err := vw.AddFile(f.path, strings.NewReader(f.data)); err != nil {
				return err
			}
		}
		_, err := vw.Finish()
		return err
	})
}

type v2Fixture struct {
	formatType common.FormatType
	files      []fixtureFile
	compressed map[string]bool
	sizeDelta  int
	storeRaw   bool
	trailing   int
	mutate     func(payload []byte)
}

func buildV2(t *testing.T, fx v2Fixture) []byte {
	t.Helper()

	var data bytes.Buffer
	block := common.NewDescriptorBlock()
	block.RegionName = "na"
	for _, f := range fx.files {
		entry := common.FileEntry{
			Path:           f.path,
			DataOffset:     uint32(common.DataStartOffset + data.Len()),
			DataSize:       uint32(len(f.data)),
			CompressedSize: uint32(len(f.data)),
			Digest:         digest.Of([]byte(f.data)),
		}
		if fx.compressed[f.path] {
			entry.CompressedSize--
			entry.Flags = common.FlagCompressed
		}
		block.Append(entry)
		data.WriteString(f.data)
	}

	plain := writeBytes(t, func(w *stream.Writer) error {
		return encodeDescriptorBlock(w, block)
	})

	payload := plain
	if !fx.storeRaw {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		_, err := zw.Write(plain)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		payload = append(compressed.Bytes(), bytes.Repeat([]byte{0xAB}, fx.trailing)...)

		if fx.mutate != nil {
			fx.mutate(payload)
		}
		TEAEncode(payload)
	}

	size := uint32(len(plain) + fx.sizeDelta)
	csize := uint32(len(payload))

	var out bytes.Buffer
	out.Write(common.EVPFileStartBytes[:])
	for _, v := range []uint32{
		uint32(fx.formatType),
		uint32(common.DataStartOffset + data.Len()),
		8 + csize,
		uint32(len(fx.files)),
		0,
	} {
		require.NoError(t, binary.Write(&out, binary.LittleEndian, v))
	}
	out.Write(data.Bytes())
	require.NoError(t, binary.Write(&out, binary.LittleEndian, size))
	require.NoError(t, binary.Write(&out, binary.LittleEndian, csize))
	out.Write(payload)

	return out.Bytes()
}

func readAll(t *testing.T, f Format, r *stream.Reader, entry common.FileEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	err := f.ReadEntryData(r, entry, func(p []byte) error {
		_, err := buf.Write(p)
		return err
	})
	require.NoError(t, err)
	return buf.Bytes()
}

func TestV1RoundTrip(t *testing.T) {
	archive := buildV1(t, testFiles)
	r := stream.NewBytesReader(archive)

	f, err := Open(r)
	require.NoError(t, err)
	assert.Equal(t, V1, f.Version())

	header := f.Header()
	assert.Equal(t, common.FormatTypeV207, header.Type)
	assert.Equal(t, uint32(len(testFiles)), header.FileCount)
	assert.Equal(t, uint64(len(archive)), uint64(header.DescriptorOffset)+uint64(header.DescriptorSize))

	desc, err := f.Descriptor()
	require.NoError(t, err)
	require.Len(t, desc.Entries, len(testFiles))

	offset := uint32(common.DataStartOffset)
	for i, entry := range desc.Entries {
		want := testFiles[i]
		assert.Equal(t, want.path, entry.Path)
		assert.Equal(t, offset, entry.DataOffset, "entries are back to back")
		assert.Equal(t, uint32(len(want.data)), entry.DataSize)
		assert.Equal(t, entry.DataSize, entry.CompressedSize)
		assert.Equal(t, common.FlagCompressed, entry.Flags)
		assert.Equal(t, digest.Of([]byte(want.data)), entry.Digest)
		assert.Equal(t, want.data, string(readAll(t, f, r, entry)))
		offset += entry.DataSize
	}
	assert.Equal(t, offset, header.DescriptorOffset)

	empty := desc.Entries[2]
	assert.Equal(t, [common.DigestLength]byte{}, empty.Digest)
}

func TestV1WriterPathsOnDisk(t *testing.T) {
	archive := buildV1(t, []fixtureFile{{"/a/b\\c.txt", "x"}})

	assert.True(t, bytes.Contains(archive, []byte("a\\b\\c.txt")))
	assert.False(t, bytes.Contains(archive, []byte("a/b")))

	f, err := Open(stream.NewBytesReader(archive))
	require.NoError(t, err)
	desc, err := f.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.txt", desc.Entries[0].Path)
}

func TestV1EmptyArchive(t *testing.T) {
	archive := buildV1(t, nil)
	assert.Len(t, archive, common.HeaderLength+4+12)

	f, err := Open(stream.NewBytesReader(archive))
	require.NoError(t, err)
	assert.Equal(t, uint32(common.DataStartOffset), f.Header().DescriptorOffset)

	desc, err := f.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, 0, desc.Len())
}

func TestParseDescriptorBlockIdempotent(t *testing.T) {
	r := stream.NewBytesReader(buildV1(t, testFiles))

	f, err := Open(r)
	require.NoError(t, err)
	first, err := f.Descriptor()
	require.NoError(t, err)

	require.NoError(t, f.ParseDescriptorBlock(r))
	second, err := f.Descriptor()
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
}

func TestReadBeforeParse(t *testing.T) {
	r := stream.NewBytesReader(buildV1(t, testFiles))

	f, err := Detect(r)
	require.NoError(t, err)

	_, err = f.Descriptor()
	assert.ErrorIs(t, err, common.ErrDescriptorNotParsed)

	err = f.ReadEntryData(r, common.FileEntry{}, func([]byte) error { return nil })
	assert.ErrorIs(t, err, common.ErrDescriptorNotParsed)

	assert.ErrorIs(t, NewV1().ParseDescriptorBlock(r), common.ErrFileHeaderMismatch)
	assert.ErrorIs(t, NewV2().ParseDescriptorBlock(r), common.ErrFileHeaderMismatch)
}

func TestDetect(t *testing.T) {
	v1 := buildV1(t, testFiles)

	withType := func(ft common.FormatType) []byte {
		b := bytes.Clone(v1)
		binary.LittleEndian.PutUint32(b[common.SignatureLength:], uint32(ft))
		return b
	}
	badSignature := bytes.Clone(v1)
	badSignature[0] ^= 0xff

	tests := []struct {
		name    string
		data    []byte
		want    Version
		wantErr string
	}{
		{"v1", v1, V1, ""},
		{"v101", withType(common.FormatTypeV101), V2, ""},
		{"v102", withType(common.FormatTypeV102), V2, ""},
		{"unknown type", withType(0x99), 0, "type code 0x00000099"},
		{"bad signature", badSignature, 0, "unexpected signature"},
		{"short", v1[:20], 0, "shorter than"},
		{"empty", nil, 0, "shorter than"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Detect(stream.NewBytesReader(tc.data))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, common.ErrUnknownFormat)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Version())
		})
	}
}

func TestV1EntryOutOfBounds(t *testing.T) {
	archive := buildV1(t, testFiles)

	// Shrink the last entry's allowance by moving the descriptor offset
	// back while keeping the block where it is.
	r := stream.NewBytesReader(archive)
	f := NewV1()
	ok, err := f.ParseHeader(r)
	require.NoError(t, err)
	require.True(t, ok)

	header := f.Header()
	tampered := bytes.Clone(archive)
	records := archive[header.DescriptorOffset:]
	binary.LittleEndian.PutUint32(tampered[common.SignatureLength+4:], header.DescriptorOffset-1)
	copy(tampered[header.DescriptorOffset-1:], records)
	tampered = tampered[:len(tampered)-1]

	_, err = Open(stream.NewBytesReader(tampered))
	assert.ErrorIs(t, err, common.ErrOutOfBounds)
}

func TestV1EntryDataSizeOutOfBounds(t *testing.T) {
	archive := buildV1(t, []fixtureFile{{"a.txt", "hello"}})

	f, err := Open(stream.NewBytesReader(archive))
	require.NoError(t, err)
	desc, err := f.Descriptor()
	require.NoError(t, err)

	// The stored size still fits, only the size that gets streamed runs
	// into the descriptor block.
	header := f.Header()
	tamperedDesc := common.NewDescriptorBlock()
	tamperedDesc.RegionName = desc.RegionName
	tamperedDesc.Reserved = desc.Reserved
	for _, entry := range desc.Entries {
		entry.DataSize += 40
		tamperedDesc.Append(entry)
	}
	block := writeBytes(t, func(w *stream.Writer) error {
		return encodeDescriptorBlock(w, tamperedDesc)
	})
	require.Len(t, block, int(header.DescriptorSize))

	tampered := append(bytes.Clone(archive[:header.DescriptorOffset]), block...)

	_, err = Open(stream.NewBytesReader(tampered))
	assert.ErrorIs(t, err, common.ErrOutOfBounds)
}

func TestV2Read(t *testing.T) {
	for _, ft := range []common.FormatType{common.FormatTypeV101, common.FormatTypeV102} {
		t.Run(ft.String(), func(t *testing.T) {
			r := stream.NewBytesReader(buildV2(t, v2Fixture{formatType: ft, files: testFiles}))

			f, err := Open(r)
			require.NoError(t, err)
			assert.Equal(t, V2, f.Version())

			desc, err := f.Descriptor()
			require.NoError(t, err)
			assert.Equal(t, "na", desc.RegionName)
			assert.NotEqual(t, desc.Size, desc.CompressedSize)
			require.Len(t, desc.Entries, len(testFiles))

			for i, entry := range desc.Entries {
				assert.Equal(t, testFiles[i].path, entry.Path)
				assert.Equal(t, testFiles[i].data, string(readAll(t, f, r, entry)))
			}
		})
	}
}

func TestV2Errors(t *testing.T) {
	tests := []struct {
		name    string
		fixture v2Fixture
		wantErr error
	}{
		{
			name:    "not compressed",
			fixture: v2Fixture{storeRaw: true},
			wantErr: common.ErrDescriptorNotCompressed,
		},
		{
			name: "wrong key",
			fixture: v2Fixture{mutate: func(p []byte) {
				p[0], p[1] = 0, 0
			}},
			wantErr: common.ErrWrongKey,
		},
		{
			name:    "size mismatch",
			fixture: v2Fixture{sizeDelta: 1},
			wantErr: common.ErrSizeMismatch,
		},
		{
			name:    "trailing bytes after stream",
			fixture: v2Fixture{trailing: 16},
			wantErr: common.ErrSizeMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fixture.formatType = common.FormatTypeV101
			tc.fixture.files = testFiles

			_, err := Open(stream.NewBytesReader(buildV2(t, tc.fixture)))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestV2CompressedEntryUnsupported(t *testing.T) {
	r := stream.NewBytesReader(buildV2(t, v2Fixture{
		formatType: common.FormatTypeV102,
		files:      testFiles,
		compressed: map[string]bool{"text_1.txt": true},
	}))

	f, err := Open(r)
	require.NoError(t, err)

	desc, err := f.Descriptor()
	require.NoError(t, err)

	stored, ok := desc.Lookup("subfolder_1/text_1.txt")
	require.True(t, ok)
	assert.Equal(t, testFiles[0].data, string(readAll(t, f, r, stored)))

	compressed, ok := desc.Lookup("text_1.txt")
	require.True(t, ok)
	err = f.ReadEntryData(r, compressed, func([]byte) error { return nil })
	assert.ErrorIs(t, err, common.ErrUnsupportedCompression)
}
