package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/format"
	"github.com/beam-cloud/evp/pkg/stream"
)

type LocalStorage struct {
	archivePath string
	reader      *stream.Reader
	descriptor  *common.DescriptorBlock
}

type LocalStorageOpts struct {
	ArchivePath string
}

func NewLocalStorage(opts LocalStorageOpts) (*LocalStorage, error) {
	r, err := stream.OpenFile(opts.ArchivePath)
	if err != nil {
		return nil, err
	}

	f, err := format.Open(r)
	if err != nil {
		r.Close()
		return nil, err
	}

	desc, err := f.Descriptor()
	if err != nil {
		r.Close()
		return nil, err
	}

	return &LocalStorage{
		archivePath: opts.ArchivePath,
		reader:      r,
		descriptor:  desc,
	}, nil
}

func (s *LocalStorage) ReadEntry(entry common.FileEntry, dest []byte, off int64) (int, error) {
	start, n, err := entryRange(entry, len(dest), off)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	section, err := s.reader.Slice(start, int64(n))
	if err != nil {
		return 0, fmt.Errorf("unable to read data from file: %w", err)
	}
	if err := section.ReadInto(dest[:n]); err != nil {
		return 0, fmt.Errorf("unable to read data from file: %w", err)
	}
	return n, nil
}

func (s *LocalStorage) CachedLocally() bool {
	return true
}

func (s *LocalStorage) Descriptor() *common.DescriptorBlock {
	return s.descriptor
}

func (s *LocalStorage) Cleanup() error {
	return s.reader.Close()
}
