package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/klauspost/compress/zlib"
)

type inflateStats struct {
	Consumed int64
	Produced int64
}

// inflate streams a zlib payload into sink in ChunkSize pieces. Producing
// more or less than expected bytes, or leaving bytes of src unconsumed,
// fails with common.ErrSizeMismatch.
func inflate(src []byte, expected uint32, sink Sink) (inflateStats, error) {
	var stats inflateStats

	in := bytes.NewReader(src)
	zr, err := zlib.NewReader(in)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", common.ErrWrongKey, err)
	}
	defer zr.Close()

	buf := make([]byte, common.ChunkSize)
	for {
		n, rerr := zr.Read(buf)
		if n > 0 {
			stats.Produced += int64(n)
			if stats.Produced > int64(expected) {
				return stats, fmt.Errorf("%w: produced more than %d bytes", common.ErrSizeMismatch, expected)
			}
			if err := sink(buf[:n]); err != nil {
				return stats, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return stats, fmt.Errorf("%w: %v", common.ErrWrongKey, rerr)
		}
	}

	stats.Consumed = int64(len(src) - in.Len())
	if stats.Produced != int64(expected) {
		return stats, fmt.Errorf("%w: produced %d bytes, expected %d", common.ErrSizeMismatch, stats.Produced, expected)
	}
	if stats.Consumed != int64(len(src)) {
		return stats, fmt.Errorf("%w: consumed %d of %d compressed bytes", common.ErrSizeMismatch, stats.Consumed, len(src))
	}
	return stats, nil
}
