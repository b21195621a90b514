package evpfs

import (
	"context"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/evp/pkg/common"
)

const (
	dirMode   = fuse.S_IFDIR | 0555
	fileMode  = fuse.S_IFREG | 0444
	blockSize = 512
)

// Node is a file or a directory derived from entry paths. The root has an
// empty path.
type Node struct {
	fs.Inode
	filesystem *FileSystem
	path       string
	isDir      bool
	entry      common.FileEntry
}

var (
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
)

func (n *Node) attr() fuse.Attr {
	t := uint64(n.filesystem.mountedAt.Unix())
	a := fuse.Attr{Atime: t, Mtime: t, Ctime: t}

	if n.isDir {
		a.Mode = dirMode
		a.Nlink = 2
		return a
	}

	a.Mode = fileMode
	a.Nlink = 1
	a.Size = uint64(n.entry.DataSize)
	a.Blocks = (a.Size + blockSize - 1) / blockSize
	return a
}

// child resolves name under n without creating an inode.
func (n *Node) child(name string) (*Node, bool) {
	childPath := path.Join(n.path, name)
	descriptor := n.filesystem.storage.Descriptor()

	if entry, ok := descriptor.Lookup(childPath); ok {
		return &Node{filesystem: n.filesystem, path: childPath, entry: entry}, true
	}
	if descriptor.IsDir(childPath) {
		return &Node{filesystem: n.filesystem, path: childPath, isDir: true}, true
	}
	return nil, false
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Getattr called")

	out.Attr = n.attr()
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.path, name)

	n.filesystem.cacheMutex.RLock()
	cached, found := n.filesystem.lookupCache[childPath]
	n.filesystem.cacheMutex.RUnlock()
	if found {
		out.Attr = cached.attr
		return cached.inode, fs.OK
	}

	child, ok := n.child(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	attr := child.attr()
	out.Attr = attr
	childInode := n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT})

	n.filesystem.cacheMutex.Lock()
	n.filesystem.lookupCache[childPath] = &lookupCacheEntry{inode: childInode, attr: attr}
	n.filesystem.cacheMutex.Unlock()

	return childInode, fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.path).Msg("Readdir called")

	if !n.isDir {
		return nil, syscall.ENOTDIR
	}

	listing := n.filesystem.storage.Descriptor().ListDirectory(n.path)
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, e := range listing {
		mode := uint32(fuse.S_IFREG)
		if e.IsDir {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	log.Debug().Str("path", n.path).Uint32("flags", flags).Msg("Open called")

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.path).Int64("offset", off).Msg("Read called")

	if n.isDir {
		return nil, syscall.EISDIR
	}

	read, err := n.filesystem.storage.ReadEntry(n.entry, dest, off)
	if err != nil {
		log.Error().Err(err).Str("path", n.path).Int64("offset", off).Msg("read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:read]), fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *Node) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}
