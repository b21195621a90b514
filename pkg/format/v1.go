package format

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/digest"
	"github.com/beam-cloud/evp/pkg/stream"
)

// FormatV1 reads archives with a plain descriptor block.
type FormatV1 struct {
	header common.Header
	desc   *common.DescriptorBlock
}

func NewV1() *FormatV1 {
	return &FormatV1{}
}

func (f *FormatV1) Version() Version {
	return V1
}

func (f *FormatV1) Header() common.Header {
	return f.header
}

func (f *FormatV1) ParseHeader(r *stream.Reader) (bool, error) {
	header, ok, err := readHeader(r)
	if err != nil || !ok {
		return false, err
	}
	if header.Type != common.FormatTypeV207 {
		return false, nil
	}

	f.header = header
	f.desc = nil
	return true, nil
}

func (f *FormatV1) ParseDescriptorBlock(r *stream.Reader) error {
	if f.header.Type != common.FormatTypeV207 {
		return common.ErrFileHeaderMismatch
	}

	section, err := r.Slice(int64(f.header.DescriptorOffset), int64(f.header.DescriptorSize))
	if err != nil {
		return fmt.Errorf("failed to locate descriptor block: %w", err)
	}

	block, err := decodeDescriptorBlock(section, f.header.FileCount)
	if err != nil {
		return fmt.Errorf("failed to parse descriptor block: %w", err)
	}
	if err := checkEntryBounds(block, uint64(f.header.DescriptorOffset), v1ReadSize); err != nil {
		return err
	}

	f.desc = block
	return nil
}

func (f *FormatV1) Descriptor() (*common.DescriptorBlock, error) {
	if f.desc == nil {
		return nil, common.ErrDescriptorNotParsed
	}
	return f.desc, nil
}

func (f *FormatV1) ReadEntryData(r *stream.Reader, entry common.FileEntry, sink Sink) error {
	if f.desc == nil {
		return common.ErrDescriptorNotParsed
	}
	return streamEntry(r, entry, v1ReadSize(entry), sink)
}

func v1ReadSize(entry common.FileEntry) uint32 {
	return entry.DataSize
}

// V1Writer emits a v1 archive: a placeholder header, the file data back to
// back, then the descriptor block, then the real header.
type V1Writer struct {
	w      *stream.Writer
	desc   *common.DescriptorBlock
	header common.Header
	buf    []byte
}

func NewV1Writer(w *stream.Writer) *V1Writer {
	return &V1Writer{
		w:    w,
		desc: common.NewDescriptorBlock(),
		header: common.Header{
			Signature: common.EVPFileStartBytes,
			Type:      common.FormatTypeV207,
		},
	}
}

// Begin writes the placeholder header. Data starts right after it.
func (v *V1Writer) Begin() error {
	if _, err := v.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeHeader(v.w, v.header); err != nil {
		return fmt.Errorf("failed to write placeholder header: %w", err)
	}
	return nil
}

// AddFile streams src into the archive while hashing it and records an
// entry for path.
func (v *V1Writer) AddFile(path string, src io.Reader) (common.FileEntry, error) {
	offset := v.w.Pos()
	if offset < common.DataStartOffset {
		return common.FileEntry{}, fmt.Errorf("%w: data written before header", common.ErrOutOfBounds)
	}
	if offset > math.MaxUint32 {
		return common.FileEntry{}, fmt.Errorf("%w: archive exceeds 4 GiB at %s", common.ErrOutOfBounds, path)
	}

	if v.buf == nil {
		v.buf = make([]byte, common.ChunkSize)
	}

	hasher := digest.New()
	n, err := io.CopyBuffer(io.MultiWriter(hasher, v.w), src, v.buf)
	if err != nil {
		return common.FileEntry{}, fmt.Errorf("failed to copy %s: %w", path, err)
	}
	if n > math.MaxUint32 || uint64(offset)+uint64(n) > math.MaxUint32 {
		return common.FileEntry{}, fmt.Errorf("%w: archive exceeds 4 GiB at %s", common.ErrOutOfBounds, path)
	}

	entry := common.FileEntry{
		Path:           NormalizePath(path),
		DataOffset:     uint32(offset),
		DataSize:       uint32(n),
		CompressedSize: uint32(n),
		Flags:          common.FlagCompressed,
		Digest:         hasher.Sum(),
	}
	v.desc.Append(entry)
	return entry, nil
}

// Finish writes the descriptor block and backpatches the header.
func (v *V1Writer) Finish() (common.Header, error) {
	offset := v.w.Pos()
	if offset > math.MaxUint32 {
		return v.header, fmt.Errorf("%w: descriptor offset %d", common.ErrOutOfBounds, offset)
	}

	if err := encodeDescriptorBlock(v.w, v.desc); err != nil {
		return v.header, fmt.Errorf("failed to write descriptor block: %w", err)
	}

	v.header.DescriptorOffset = uint32(offset)
	v.header.DescriptorSize = uint32(v.w.Pos() - offset)
	v.header.FileCount = uint32(v.desc.Len())

	end := v.w.Pos()
	if err := v.Begin(); err != nil {
		return v.header, err
	}
	if _, err := v.w.Seek(end, io.SeekStart); err != nil {
		return v.header, err
	}

	return v.header, v.w.Flush()
}

func (v *V1Writer) Descriptor() *common.DescriptorBlock {
	return v.desc
}

// NormalizePath converts an on-disk or host path to the in-archive form:
// '/' separated with no leading separator.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimLeft(path, "/")
}
