package evpfs

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/storage"
)

type FileSystem struct {
	storage     storage.EntryReader
	root        *Node
	lookupCache map[string]*lookupCacheEntry
	cacheMutex  sync.RWMutex
	mountedAt   time.Time
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(s storage.EntryReader) (*FileSystem, error) {
	if s.Descriptor() == nil {
		return nil, common.ErrDescriptorNotParsed
	}

	efs := &FileSystem{
		storage:     s,
		lookupCache: make(map[string]*lookupCacheEntry),
		mountedAt:   time.Now(),
	}
	efs.root = &Node{filesystem: efs, isDir: true}
	return efs, nil
}

func (efs *FileSystem) Root() (fs.InodeEmbedder, error) {
	if efs.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return efs.root, nil
}

type MountOptions struct {
	ArchivePath string
	MountPoint  string
	CachePath   string
	StorageInfo *storage.S3StorageInfo
	Credentials storage.Credentials
}

// Mount prepares a read-only FUSE server for an archive. The returned start
// function begins serving; the channel reports mount failures and is closed
// once the server exits.
func Mount(options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Msgf("mounting archive %s to %s", options.ArchivePath, options.MountPoint)

	if _, err := os.Stat(options.MountPoint); os.IsNotExist(err) {
		err = os.MkdirAll(options.MountPoint, 0755)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	mounted, err := mountinfo.Mounted(options.MountPoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not inspect mount point: %w", err)
	}
	if mounted {
		return nil, nil, nil, fmt.Errorf("%w: %s", common.ErrAlreadyMounted, options.MountPoint)
	}

	s, err := storage.NewStorage(storage.StorageOpts{
		ArchivePath: options.ArchivePath,
		CachePath:   options.CachePath,
		StorageInfo: options.StorageInfo,
		Credentials: options.Credentials,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not load storage: %w", err)
	}

	efs, err := NewFileSystem(s)
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create filesystem: %w", err)
	}

	root, _ := efs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), options.MountPoint, &fuse.MountOptions{
		Name:          "evp",
		FsName:        options.ArchivePath,
		MaxBackground: 512,
		DisableXAttrs: true,
		SyncRead:      false,
		MaxReadAhead:  1024 * 128,
	})
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			s.Cleanup()

			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, server, nil
}
