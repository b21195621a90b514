package common

import "errors"

var (
	ErrFileHeaderMismatch      = errors.New("unexpected file header")
	ErrUnknownFormat           = errors.New("not an .evp archive or .evp version unsupported")
	ErrOutOfBounds             = errors.New("tried to access outside stream bounds")
	ErrWriterClosed            = errors.New("write to closed stream")
	ErrDirectoryNotFound       = errors.New("directory not found")
	ErrNotDirectory            = errors.New("not a directory")
	ErrArchiveNotFound         = errors.New(".evp file not found")
	ErrNotAFile                = errors.New("not a file")
	ErrInvalidExtension        = errors.New("not a file with .evp extension")
	ErrFileNotFound            = errors.New("file not found")
	ErrDescriptorNotParsed     = errors.New("file descriptor block not parsed")
	ErrDescriptorNotCompressed = errors.New("not implemented: file descriptor block not compressed")
	ErrWrongKey                = errors.New("wrong decode key or unsupported compression")
	ErrSizeMismatch            = errors.New("decompressed size mismatch")
	ErrUnsupportedCompression  = errors.New("not supported: compressed file data")
	ErrDigestMismatch          = errors.New("md5 mismatch")
	ErrAlreadyMounted          = errors.New("mountpoint already in use")
)
