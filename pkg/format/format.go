package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/stream"
	"github.com/rs/zerolog/log"
)

type Version uint8

const (
	V1 Version = iota + 1
	V2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "unknown"
	}
}

// Sink receives entry data chunk by chunk. The slice is only valid for the
// duration of the call.
type Sink func([]byte) error

// Format is one on-disk archive layout. A Format starts undetected,
// becomes detected after a successful ParseHeader and is ready to serve
// entry data once ParseDescriptorBlock succeeded.
type Format interface {
	Version() Version
	Header() common.Header

	// ParseHeader reports whether the stream holds this layout. A mismatch
	// is not an error.
	ParseHeader(r *stream.Reader) (bool, error)

	// ParseDescriptorBlock may be called more than once, each call rebuilds
	// the entry list from the stream.
	ParseDescriptorBlock(r *stream.Reader) error

	Descriptor() (*common.DescriptorBlock, error)
	ReadEntryData(r *stream.Reader, entry common.FileEntry, sink Sink) error
}

// candidates lists the readable layouts in detection order.
func candidates() []Format {
	return []Format{NewV1(), NewV2()}
}

// Detect returns the first layout whose header matches the stream.
func Detect(r *stream.Reader) (Format, error) {
	for _, f := range candidates() {
		ok, err := f.ParseHeader(r)
		if err != nil {
			if errors.Is(err, common.ErrOutOfBounds) {
				continue
			}
			return nil, err
		}
		if ok {
			log.Debug().Str("version", f.Version().String()).Str("type", f.Header().Type.String()).Msg("detected archive format")
			return f, nil
		}
	}

	return nil, unknownFormatError(r)
}

// Open detects the layout and parses its descriptor block.
func Open(r *stream.Reader) (Format, error) {
	f, err := Detect(r)
	if err != nil {
		return nil, err
	}
	if err := f.ParseDescriptorBlock(r); err != nil {
		return nil, err
	}
	return f, nil
}

func unknownFormatError(r *stream.Reader) error {
	if r.Size() < common.HeaderLength {
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte header", common.ErrUnknownFormat, r.Size(), common.HeaderLength)
	}

	section := r.Section()
	signature, err := section.ReadExact(common.SignatureLength)
	if err != nil {
		return common.ErrUnknownFormat
	}
	if !bytes.Equal(signature, common.EVPFileStartBytes[:]) {
		return fmt.Errorf("%w: unexpected signature %x", common.ErrUnknownFormat, signature[:16])
	}

	formatType, err := stream.Read[common.FormatType](section)
	if err != nil {
		return common.ErrUnknownFormat
	}
	return fmt.Errorf("%w: type code 0x%08x", common.ErrUnknownFormat, uint32(formatType))
}

// readHeader reads the fixed header at the start of the stream. ok is false
// when the signature does not match.
func readHeader(r *stream.Reader) (header common.Header, ok bool, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return header, false, err
	}
	if err := r.ReadInto(header.Signature[:]); err != nil {
		return header, false, err
	}
	if header.Signature != common.EVPFileStartBytes {
		return header, false, nil
	}

	if header.Type, err = stream.Read[common.FormatType](r); err != nil {
		return header, false, err
	}
	if header.DescriptorOffset, err = r.ReadUint32(); err != nil {
		return header, false, err
	}
	if header.DescriptorSize, err = r.ReadUint32(); err != nil {
		return header, false, err
	}
	if header.FileCount, err = r.ReadUint32(); err != nil {
		return header, false, err
	}
	if header.Reserved, err = r.ReadUint32(); err != nil {
		return header, false, err
	}

	return header, true, nil
}

func writeHeader(w *stream.Writer, header common.Header) error {
	if err := w.WriteBytes(header.Signature[:]); err != nil {
		return err
	}
	for _, v := range []uint32{uint32(header.Type), header.DescriptorOffset, header.DescriptorSize, header.FileCount, header.Reserved} {
		if err := w.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

// minEntryRecord is the size of a record with an empty path.
const minEntryRecord = 4 + 4*4 + 8 + common.DigestLength

func decodeEntry(r *stream.Reader) (entry common.FileEntry, err error) {
	n, err := r.ReadUint32()
	if err != nil {
		return entry, err
	}
	path, err := r.ReadString(n)
	if err != nil {
		return entry, err
	}
	entry.Path = strings.ReplaceAll(path, "\\", "/")

	if entry.DataOffset, err = r.ReadUint32(); err != nil {
		return entry, err
	}
	if entry.CompressedSize, err = r.ReadUint32(); err != nil {
		return entry, err
	}
	if entry.DataSize, err = r.ReadUint32(); err != nil {
		return entry, err
	}
	if entry.Flags, err = r.ReadUint32(); err != nil {
		return entry, err
	}
	if err = r.ReadInto(entry.Reserved[:]); err != nil {
		return entry, err
	}
	if err = r.ReadInto(entry.Digest[:]); err != nil {
		return entry, err
	}

	return entry, nil
}

func encodeEntry(w *stream.Writer, entry common.FileEntry) error {
	if err := w.WriteString(strings.ReplaceAll(entry.Path, "/", "\\")); err != nil {
		return err
	}
	for _, v := range []uint32{entry.DataOffset, entry.CompressedSize, entry.DataSize, entry.Flags} {
		if err := w.WriteUint32(v); err != nil {
			return err
		}
	}
	if err := w.WriteBytes(entry.Reserved[:]); err != nil {
		return err
	}
	return w.WriteBytes(entry.Digest[:])
}

// decodeDescriptorBlock parses the region name, the reserved words and count
// entry records.
func decodeDescriptorBlock(r *stream.Reader, count uint32) (*common.DescriptorBlock, error) {
	block := common.NewDescriptorBlock()

	n, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read region name: %w", err)
	}
	if block.RegionName, err = r.ReadString(n); err != nil {
		return nil, fmt.Errorf("failed to read region name: %w", err)
	}
	for i := range block.Reserved {
		if block.Reserved[i], err = r.ReadUint32(); err != nil {
			return nil, err
		}
	}

	if int64(count)*minEntryRecord > r.Remaining() {
		return nil, fmt.Errorf("%w: %d entries cannot fit in %d bytes", common.ErrOutOfBounds, count, r.Remaining())
	}

	for i := uint32(0); i < count; i++ {
		entry, err := decodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %d: %w", i, err)
		}
		block.Append(entry)
	}

	return block, nil
}

func encodeDescriptorBlock(w *stream.Writer, block *common.DescriptorBlock) error {
	if err := w.WriteString(block.RegionName); err != nil {
		return err
	}
	for _, v := range block.Reserved {
		if err := w.WriteUint32(v); err != nil {
			return err
		}
	}
	for _, entry := range block.Entries {
		if err := encodeEntry(w, entry); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", entry.Path, err)
		}
	}
	return nil
}

// checkEntryBounds rejects entries whose data would extend past limit.
// readSize is the number of bytes ReadEntryData streams for an entry.
func checkEntryBounds(block *common.DescriptorBlock, limit uint64, readSize func(common.FileEntry) uint32) error {
	for _, entry := range block.Entries {
		end := max(entry.End(), uint64(entry.DataOffset)+uint64(readSize(entry)))
		if end > limit {
			return fmt.Errorf("%w: entry %s ends at %d, data ends at %d", common.ErrOutOfBounds, entry.Path, end, limit)
		}
	}
	return nil
}

// streamEntry copies size bytes starting at the entry offset into sink.
func streamEntry(r *stream.Reader, entry common.FileEntry, size uint32, sink Sink) error {
	if _, err := r.Seek(int64(entry.DataOffset), io.SeekStart); err != nil {
		return err
	}
	return r.ReadChunks(int64(size), common.ChunkSize, sink)
}
