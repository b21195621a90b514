package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/beam-cloud/evp/pkg/common"
)

const writeBufferSize = 512 * 1024

// Writer is a buffered sequential writer with seek support, used for
// emitting archives and backpatching their header.
type Writer struct {
	dst    io.WriteSeeker
	buf    *bufio.Writer
	pos    int64
	closer io.Closer
}

func NewWriter(dst io.WriteSeeker) *Writer {
	w := &Writer{dst: dst}
	if dst != nil {
		w.buf = bufio.NewWriterSize(dst, writeBufferSize)
	}
	return w
}

// CreateFile truncates or creates path and returns a writer over it.
func CreateFile(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := NewWriter(f)
	w.closer = f
	return w, nil
}

func (w *Writer) Pos() int64 {
	return w.pos
}

func (w *Writer) valid() error {
	if w.dst == nil || w.buf == nil {
		return common.ErrWriterClosed
	}
	return nil
}

func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	if err := w.valid(); err != nil {
		return w.pos, err
	}
	if err := w.buf.Flush(); err != nil {
		return w.pos, fmt.Errorf("failed to flush before seek: %w", err)
	}

	pos, err := w.dst.Seek(offset, whence)
	if err != nil {
		return w.pos, err
	}

	w.pos = pos
	return pos, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.valid(); err != nil {
		return 0, err
	}

	n, err := w.buf.Write(p)
	w.pos += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write requested size: %w", err)
	}
	return n, nil
}

func (w *Writer) WriteBytes(p []byte) error {
	_, err := w.Write(p)
	return err
}

// WriteString writes a u32 length prefix followed by the string bytes.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return w.WriteBytes([]byte(s))
}

func (w *Writer) WriteUint32(v uint32) error {
	return Write(w, v)
}

func (w *Writer) WriteUint64(v uint64) error {
	return Write(w, v)
}

func (w *Writer) Flush() error {
	if err := w.valid(); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes pending bytes and closes the sink if the writer owns it.
// Further writes fail with common.ErrWriterClosed.
func (w *Writer) Close() error {
	if err := w.valid(); err != nil {
		return err
	}

	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}

	w.dst = nil
	w.buf = nil
	return err
}

// Write encodes one little-endian integer of type T.
func Write[T Integer](w *Writer, value T) error {
	if err := w.valid(); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, value); err != nil {
		return err
	}
	return nil
}
