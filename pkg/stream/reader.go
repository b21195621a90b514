package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/beam-cloud/evp/pkg/common"
)

// Integer is any fixed-width integer the archive layouts use.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Reader is a bounded random-access reader. It never returns short reads:
// anything that would cross Size() fails with common.ErrOutOfBounds.
type Reader struct {
	src  io.ReaderAt
	size int64
	pos  int64
	file *os.File
}

func NewReader(src io.ReaderAt, size int64) *Reader {
	return &Reader{src: src, size: size}
}

func NewBytesReader(data []byte) *Reader {
	return NewReader(bytes.NewReader(data), int64(len(data)))
}

// OpenFile opens path for reading. Close releases the handle.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := NewReader(f, fi.Size())
	r.file = f
	return r, nil
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Reader) Pos() int64 {
	return r.pos
}

func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) Remaining() int64 {
	return r.size - r.pos
}

// Section returns an independent reader over the same source, positioned at
// the start. Used to give each worker its own cursor.
func (r *Reader) Section() *Reader {
	return NewReader(r.src, r.size)
}

// Slice returns a reader bounded to n bytes starting at off.
func (r *Reader) Slice(off, n int64) (*Reader, error) {
	if off < 0 || n < 0 || off+n > r.size {
		return nil, fmt.Errorf("%w: slice [%d, %d), size %d", common.ErrOutOfBounds, off, off+n, r.size)
	}
	return NewReader(io.NewSectionReader(r.src, off, n), n), nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return r.pos, fmt.Errorf("invalid whence %d", whence)
	}

	if abs < 0 || abs > r.size {
		return r.pos, fmt.Errorf("%w: seek to %d, size %d", common.ErrOutOfBounds, abs, r.size)
	}

	r.pos = abs
	return abs, nil
}

func (r *Reader) Skip(n int64) error {
	_, err := r.Seek(n, io.SeekCurrent)
	return err
}

// ReadInto fills p completely or fails without moving the cursor.
func (r *Reader) ReadInto(p []byte) error {
	n := int64(len(p))
	if n == 0 {
		return nil
	}
	if r.pos+n > r.size {
		return fmt.Errorf("%w: read %d bytes at %d, size %d", common.ErrOutOfBounds, n, r.pos, r.size)
	}

	read, err := r.src.ReadAt(p, r.pos)
	if int64(read) < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("failed to read requested size: %w", err)
	}

	r.pos += n
	return nil
}

func (r *Reader) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read length %d", common.ErrOutOfBounds, n)
	}
	if r.pos+int64(n) > r.size {
		return nil, fmt.Errorf("%w: read %d bytes at %d, size %d", common.ErrOutOfBounds, n, r.pos, r.size)
	}
	buf := make([]byte, n)
	if err := r.ReadInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) ReadString(n uint32) (string, error) {
	b, err := r.ReadExact(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	return Read[uint32](r)
}

func (r *Reader) ReadUint64() (uint64, error) {
	return Read[uint64](r)
}

// ReadChunks streams n bytes from the current position to sink in pieces of
// at most chunkSize bytes. The slice handed to sink is reused between calls.
func (r *Reader) ReadChunks(n int64, chunkSize int, sink func([]byte) error) error {
	if n < 0 || r.pos+n > r.size {
		return fmt.Errorf("%w: read %d bytes at %d, size %d", common.ErrOutOfBounds, n, r.pos, r.size)
	}
	if chunkSize <= 0 {
		chunkSize = common.ChunkSize
	}

	buf := make([]byte, min(int64(chunkSize), n))
	for left := n; left > 0; {
		count := min(left, int64(len(buf)))
		if err := r.ReadInto(buf[:count]); err != nil {
			return err
		}
		if err := sink(buf[:count]); err != nil {
			return err
		}
		left -= count
	}

	return nil
}

// Read decodes one little-endian integer of type T.
func Read[T Integer](r *Reader) (T, error) {
	var value T
	buf := make([]byte, binary.Size(value))
	if err := r.ReadInto(buf); err != nil {
		return value, err
	}
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &value)
	return value, err
}
