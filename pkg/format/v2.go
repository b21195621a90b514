package format

import (
	"bytes"
	"fmt"
	"io"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/stream"
	"github.com/rs/zerolog/log"
)

// FormatV2 reads archives whose descriptor block is zlib compressed and has
// its leading bytes TEA obfuscated. Writing v2 is not supported.
type FormatV2 struct {
	header common.Header
	desc   *common.DescriptorBlock
}

func NewV2() *FormatV2 {
	return &FormatV2{}
}

func (f *FormatV2) Version() Version {
	return V2
}

func (f *FormatV2) Header() common.Header {
	return f.header
}

const maxDescriptorPrealloc = 1 << 20

func isV2Type(t common.FormatType) bool {
	return t == common.FormatTypeV101 || t == common.FormatTypeV102
}

func (f *FormatV2) ParseHeader(r *stream.Reader) (bool, error) {
	header, ok, err := readHeader(r)
	if err != nil || !ok {
		return false, err
	}
	if !isV2Type(header.Type) {
		return false, nil
	}

	f.header = header
	f.desc = nil
	return true, nil
}

func (f *FormatV2) ParseDescriptorBlock(r *stream.Reader) error {
	if !isV2Type(f.header.Type) {
		return common.ErrFileHeaderMismatch
	}

	if _, err := r.Seek(int64(f.header.DescriptorOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to locate descriptor block: %w", err)
	}

	size, err := r.ReadUint32()
	if err != nil {
		return err
	}
	compressedSize, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if size == compressedSize {
		return common.ErrDescriptorNotCompressed
	}

	raw, err := r.ReadExact(int(compressedSize))
	if err != nil {
		return fmt.Errorf("failed to read descriptor block: %w", err)
	}

	decodeSize := descriptorDecodeSize(compressedSize)
	for off := uint32(0); off < decodeSize; off += teaBlockSize {
		teaDecodeBlock(raw[off:off+teaBlockSize], descriptorKey)
		if off == 0 && !isZlibHeader(raw) {
			return common.ErrWrongKey
		}
	}

	var out bytes.Buffer
	out.Grow(int(min(size, maxDescriptorPrealloc)))
	stats, err := inflate(raw, size, func(p []byte) error {
		_, err := out.Write(p)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to inflate descriptor block: %w", err)
	}

	log.Debug().
		Uint32("decoded", decodeSize).
		Int64("consumed", stats.Consumed).
		Int64("produced", stats.Produced).
		Msg("inflated descriptor block")

	block, err := decodeDescriptorBlock(stream.NewBytesReader(out.Bytes()), f.header.FileCount)
	if err != nil {
		return fmt.Errorf("failed to parse descriptor block: %w", err)
	}
	if err := checkEntryBounds(block, uint64(r.Size()), func(e common.FileEntry) uint32 {
		return e.StoredSize()
	}); err != nil {
		return err
	}

	block.Size = size
	block.CompressedSize = compressedSize
	f.desc = block
	return nil
}

func (f *FormatV2) Descriptor() (*common.DescriptorBlock, error) {
	if f.desc == nil {
		return nil, common.ErrDescriptorNotParsed
	}
	return f.desc, nil
}

// ReadEntryData streams stored entries. Entries whose data is compressed
// are rejected.
func (f *FormatV2) ReadEntryData(r *stream.Reader, entry common.FileEntry, sink Sink) error {
	if f.desc == nil {
		return common.ErrDescriptorNotParsed
	}
	if !entry.IsStored() {
		return fmt.Errorf("%w: %s", common.ErrUnsupportedCompression, entry.Path)
	}
	return streamEntry(r, entry, entry.DataSize, sink)
}
