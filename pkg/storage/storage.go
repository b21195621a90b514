package storage

import (
	"fmt"
	"io"

	"github.com/beam-cloud/evp/pkg/common"
)

// EntryReader serves byte ranges of archive entries from wherever the
// archive lives.
type EntryReader interface {
	ReadEntry(entry common.FileEntry, dest []byte, off int64) (int, error)
	Descriptor() *common.DescriptorBlock
	CachedLocally() bool
	Cleanup() error
}

type Credentials struct {
	S3 *S3Credentials
}

// S3StorageInfo locates an archive stored in S3.
type S3StorageInfo struct {
	Bucket         string
	Region         string
	Key            string
	Endpoint       string
	ForcePathStyle bool
}

type StorageOpts struct {
	ArchivePath string
	CachePath   string

	// StorageInfo selects S3 storage when set.
	StorageInfo *S3StorageInfo
	Credentials Credentials
}

func NewStorage(opts StorageOpts) (EntryReader, error) {
	if opts.StorageInfo == nil {
		return NewLocalStorage(LocalStorageOpts{ArchivePath: opts.ArchivePath})
	}

	s3Opts := S3StorageOpts{
		Bucket:         opts.StorageInfo.Bucket,
		Region:         opts.StorageInfo.Region,
		Key:            opts.StorageInfo.Key,
		Endpoint:       opts.StorageInfo.Endpoint,
		ForcePathStyle: opts.StorageInfo.ForcePathStyle,
		CachePath:      opts.CachePath,
	}
	if opts.Credentials.S3 != nil {
		s3Opts.AccessKey = opts.Credentials.S3.AccessKey
		s3Opts.SecretKey = opts.Credentials.S3.SecretKey
	}

	s, err := NewS3Storage(s3Opts)
	if err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		s.Cleanup()
		return nil, err
	}
	return s, nil
}

// entryRange maps a read of up to length bytes at off inside entry to an
// absolute archive offset. n is zero once off reaches the end of the entry.
func entryRange(entry common.FileEntry, length int, off int64) (start int64, n int, err error) {
	if !entry.IsStored() {
		return 0, 0, fmt.Errorf("%w: %s", common.ErrUnsupportedCompression, entry.Path)
	}
	if off < 0 {
		return 0, 0, fmt.Errorf("%w: negative offset %d", common.ErrOutOfBounds, off)
	}

	size := int64(entry.DataSize)
	if off >= size {
		return 0, 0, io.EOF
	}

	n = length
	if remaining := size - off; int64(n) > remaining {
		n = int(remaining)
	}
	return int64(entry.DataOffset) + off, n, nil
}
