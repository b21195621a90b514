package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/btree"
)

// FlagCompressed is set on every entry written by this package, matching
// what the reference packer emits for stored files.
const FlagCompressed uint32 = 0x00000001

type FileEntry struct {
	Path           string // always '/' separated in memory
	DataOffset     uint32
	DataSize       uint32
	CompressedSize uint32
	Flags          uint32
	Reserved       [8]byte
	Digest         [DigestLength]byte
}

// IsStored reports whether the entry data is kept verbatim in the archive.
func (e *FileEntry) IsStored() bool {
	return e.CompressedSize == e.DataSize
}

func (e *FileEntry) IsCompressed() bool {
	return e.Flags&FlagCompressed != 0
}

// End returns the archive offset one past the last byte of the entry.
func (e *FileEntry) End() uint64 {
	return uint64(e.DataOffset) + uint64(e.StoredSize())
}

// StoredSize is the number of bytes the entry occupies in the data section.
func (e *FileEntry) StoredSize() uint32 {
	if e.CompressedSize == 0 {
		return e.DataSize
	}
	return e.CompressedSize
}

type indexItem struct {
	Path  string
	Index int
}

type DescriptorBlock struct {
	// Size and CompressedSize are only present in v2 archives.
	Size           uint32
	CompressedSize uint32

	RegionName string
	Reserved   [3]uint32
	Entries    []FileEntry

	index *btree.BTreeG[*indexItem]
}

func NewDescriptorBlock() *DescriptorBlock {
	return &DescriptorBlock{index: newIndex()}
}

func newIndex() *btree.BTreeG[*indexItem] {
	compare := func(a, b *indexItem) bool {
		return a.Path < b.Path
	}
	return btree.NewBTreeGOptions(compare, btree.Options{NoLocks: false})
}

// Append adds an entry in pack order. A later entry with the same path
// shadows an earlier one for Lookup.
func (b *DescriptorBlock) Append(entry FileEntry) {
	if b.index == nil {
		b.index = newIndex()
	}
	b.Entries = append(b.Entries, entry)
	b.index.Set(&indexItem{Path: entry.Path, Index: len(b.Entries) - 1})
}

// Reset drops all entries, keeping region name and reserved fields.
func (b *DescriptorBlock) Reset() {
	b.Entries = nil
	b.index = newIndex()
}

func (b *DescriptorBlock) Len() int {
	return len(b.Entries)
}

// Files returns a copy of the entries so callers never share the block.
func (b *DescriptorBlock) Files() []FileEntry {
	files := make([]FileEntry, len(b.Entries))
	copy(files, b.Entries)
	return files
}

// Lookup finds the entry stored under path. When several entries share a
// path the last one in pack order is returned.
func (b *DescriptorBlock) Lookup(path string) (FileEntry, bool) {
	if b.index == nil {
		return FileEntry{}, false
	}
	item, ok := b.index.Get(&indexItem{Path: strings.TrimPrefix(path, "/")})
	if !ok {
		return FileEntry{}, false
	}
	return b.Entries[item.Index], true
}

// IsDir reports whether any entry lives below dir.
func (b *DescriptorBlock) IsDir(dir string) bool {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return true
	}
	if b.index == nil {
		return false
	}
	prefix := dir + "/"

	found := false
	b.index.Ascend(&indexItem{Path: prefix}, func(item *indexItem) bool {
		found = strings.HasPrefix(item.Path, prefix)
		return false
	})
	return found
}

type DirEntry struct {
	Name  string
	IsDir bool
	Entry FileEntry
}

// ListDirectory returns the immediate children of dir. Directories are not
// stored in the archive, they are derived from entry paths.
func (b *DescriptorBlock) ListDirectory(dir string) []DirEntry {
	if b.index == nil {
		return nil
	}
	dir = strings.Trim(dir, "/")
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	var entries []DirEntry
	lastDir := ""

	b.index.Ascend(&indexItem{Path: prefix}, func(item *indexItem) bool {
		if !strings.HasPrefix(item.Path, prefix) {
			return false
		}

		rel := item.Path[len(prefix):]
		if rel == "" {
			return true
		}

		if i := strings.IndexByte(rel, '/'); i >= 0 {
			name := rel[:i]
			if name != lastDir {
				entries = append(entries, DirEntry{Name: name, IsDir: true})
				lastDir = name
			}
			return true
		}

		entries = append(entries, DirEntry{Name: rel, Entry: b.Entries[item.Index]})
		return true
	})

	return entries
}

type Status uint8

const (
	StatusOK Status = iota
	StatusCancelled
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Result is what every public pack/unpack operation reports. Output is
// only guaranteed consistent when Status is StatusOK.
type Result struct {
	Status  Status
	Message string
}

func ResultOK() Result {
	return Result{Status: StatusOK}
}

func ResultCancelled() Result {
	return Result{Status: StatusCancelled, Message: "operation cancelled"}
}

func ResultFailure(err error) Result {
	return Result{Status: StatusFailure, Message: err.Error()}
}

func ResultFailuref(format string, args ...interface{}) Result {
	return Result{Status: StatusFailure, Message: fmt.Sprintf(format, args...)}
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

func (r Result) Cancelled() bool {
	return r.Status == StatusCancelled
}

// Err returns nil for StatusOK and an error carrying the message otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if r.Message == "" {
		return errors.New(r.Status.String())
	}
	return errors.New(r.Message)
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Status.String()
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Message)
}
