package evp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/digest"
	"github.com/beam-cloud/evp/pkg/filter"
	"github.com/beam-cloud/evp/pkg/format"
	"github.com/beam-cloud/evp/pkg/metrics"
	"github.com/beam-cloud/evp/pkg/stream"
)

// BufferHook transforms the bytes of a single extracted file before they
// are returned, e.g. to decrypt them.
type BufferHook func(path string, data []byte) ([]byte, error)

type ArchiverOptions struct {
	Verbose bool

	// Metrics defaults to metrics.GlobalMetrics.
	Metrics *metrics.Metrics

	// Concurrency bounds the validation workers. Zero means GOMAXPROCS.
	Concurrency int

	// BufferHook applies to ReadFile, ReadFileByPath and WriteFileTo.
	BufferHook BufferHook
}

// PackInput is a base directory and the files below it to pack, in order.
// Files may be relative to Base or absolute paths inside it.
type PackInput struct {
	Base  string
	Files []string
}

type Archiver struct {
	opts    ArchiverOptions
	metrics *metrics.Metrics
}

func NewArchiver(opts ArchiverOptions) *Archiver {
	m := opts.Metrics
	if m == nil {
		m = metrics.GlobalMetrics
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Archiver{opts: opts, metrics: m}
}

func recoverResult(result *common.Result) {
	if r := recover(); r != nil {
		log.Error().Msgf("recovered from panic: %v", r)
		*result = common.ResultFailuref("internal error: %v", r)
	}
}

func (a *Archiver) record(kind string, start time.Time, result common.Result) {
	a.metrics.RecordOperation(kind, time.Since(start), result.Status == common.StatusFailure)
}

// Pack writes input.Files into a new v1 archive at dest. A cancelled pack
// leaves dest incomplete.
func (a *Archiver) Pack(ctx context.Context, input PackInput, dest string, hooks *Hooks) (result common.Result) {
	h := newHookRunner(hooks)
	start := time.Now()

	defer func() {
		recoverResult(&result)
		h.finish(result)
		a.record("pack", start, result)
	}()

	return a.pack(ctx, input, dest, h)
}

// PackDir packs every file below dir that passes mode.
func (a *Archiver) PackDir(ctx context.Context, dir, dest string, mode filter.Mode, hooks *Hooks) common.Result {
	files, err := filter.Files(dir, mode)
	if err != nil {
		result := common.ResultFailure(err)
		newHookRunner(hooks).finish(result)
		return result
	}
	return a.Pack(ctx, PackInput{Base: dir, Files: files}, dest, hooks)
}

func (a *Archiver) pack(ctx context.Context, input PackInput, dest string, h *hookRunner) common.Result {
	base, err := filepath.Abs(input.Base)
	if err != nil {
		return common.ResultFailure(err)
	}
	if err := validateDirectory(base); err != nil {
		return common.ResultFailure(err)
	}
	if err := validateArchivePath(dest, false); err != nil {
		return common.ResultFailure(err)
	}

	lockPath := dest + ".lock"
	fileLock := flock.New(lockPath)
	if err := fileLock.Lock(); err != nil {
		return common.ResultFailure(fmt.Errorf("failed to lock %s: %w", dest, err))
	}
	defer fileLock.Unlock()
	defer os.Remove(lockPath)

	w, err := stream.CreateFile(dest)
	if err != nil {
		return common.ResultFailure(fmt.Errorf("failed to open .evp file: %w", err))
	}
	defer w.Close()

	log.Info().Msgf("packing %d files from %s to %s", len(input.Files), base, dest)

	vw := format.NewV1Writer(w)
	delta := float32(100) / float32(len(input.Files))

	h.start()

	if err := vw.Begin(); err != nil {
		return common.ResultFailure(err)
	}

	for _, name := range input.Files {
		if h.cancelled(ctx) {
			log.Info().Msgf("pack of %s cancelled", dest)
			return common.ResultCancelled()
		}

		entry, err := a.packFile(vw, base, name)
		if err != nil {
			return common.ResultFailure(err)
		}
		if a.opts.Verbose {
			log.Info().Msgf("packed %s (%d bytes)", entry.Path, entry.DataSize)
		}

		h.progress(delta)
	}

	header, err := vw.Finish()
	if err != nil {
		return common.ResultFailure(err)
	}
	if err := w.Close(); err != nil {
		return common.ResultFailure(err)
	}

	log.Info().Msgf("archive %s created with %d files", dest, header.FileCount)
	return common.ResultOK()
}

func (a *Archiver) packFile(vw *format.V1Writer, base, name string) (common.FileEntry, error) {
	full, rel, err := resolveInput(base, name)
	if err != nil {
		return common.FileEntry{}, err
	}

	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return common.FileEntry{}, fmt.Errorf("%w: %s", common.ErrFileNotFound, name)
		}
		return common.FileEntry{}, err
	}
	if !fi.Mode().IsRegular() {
		return common.FileEntry{}, fmt.Errorf("%w: %s", common.ErrNotAFile, name)
	}

	f, err := os.Open(full)
	if err != nil {
		return common.FileEntry{}, fmt.Errorf("failed to open file %s: %w", name, err)
	}
	defer f.Close()

	entry, err := vw.AddFile(rel, f)
	if err != nil {
		return common.FileEntry{}, err
	}

	a.metrics.RecordPackedFile(entry.Path, int64(entry.DataSize))
	return entry, nil
}

// resolveInput maps a pack input to its path on disk and its path relative
// to base.
func resolveInput(base, name string) (full, rel string, err error) {
	if filepath.IsAbs(name) {
		full = filepath.Clean(name)
		rel, err = filepath.Rel(base, full)
		if err != nil {
			return "", "", err
		}
	} else {
		rel = filepath.Clean(name)
		full = filepath.Join(base, rel)
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s is not inside %s", common.ErrFileNotFound, name, base)
	}
	return full, filepath.ToSlash(rel), nil
}

// Unpack extracts the archive into destDir. A non-empty subset restricts
// extraction to the entries whose data offsets it contains.
func (a *Archiver) Unpack(ctx context.Context, archive, destDir string, subset []common.FileEntry, hooks *Hooks) (result common.Result) {
	h := newHookRunner(hooks)
	start := time.Now()

	defer func() {
		recoverResult(&result)
		h.finish(result)
		a.record("unpack", start, result)
	}()

	return a.unpack(ctx, archive, destDir, subset, h)
}

func (a *Archiver) unpack(ctx context.Context, archive, destDir string, subset []common.FileEntry, h *hookRunner) common.Result {
	if err := validateArchivePath(archive, true); err != nil {
		return common.ResultFailure(err)
	}
	if err := validateDirectory(destDir); err != nil {
		return common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return common.ResultFailure(err)
	}
	defer r.Close()

	desc, err := f.Descriptor()
	if err != nil {
		return common.ResultFailure(err)
	}
	entries := desc.Files()

	var wanted map[uint32]struct{}
	if len(subset) > 0 {
		wanted = make(map[uint32]struct{}, len(subset))
		for _, e := range subset {
			wanted[e.DataOffset] = struct{}{}
		}
	}

	log.Info().Msgf("unpacking %d entries from %s to %s", len(entries), archive, destDir)

	delta := float32(100) / float32(len(entries))

	h.start()

	for _, entry := range entries {
		if h.cancelled(ctx) {
			log.Info().Msgf("unpack of %s cancelled", archive)
			return common.ResultCancelled()
		}

		if wanted != nil {
			if _, ok := wanted[entry.DataOffset]; !ok {
				h.progress(delta)
				continue
			}
		}

		if err := a.unpackEntry(r, f, destDir, entry); err != nil {
			return common.ResultFailure(err)
		}
		if a.opts.Verbose {
			log.Info().Msgf("unpacked %s (%d bytes)", entry.Path, entry.DataSize)
		}

		h.progress(delta)
	}

	return common.ResultOK()
}

func (a *Archiver) unpackEntry(r *stream.Reader, f format.Format, destDir string, entry common.FileEntry) error {
	target, err := entryTarget(destDir, entry.Path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", entry.Path, err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", target, err)
	}
	defer out.Close()

	err = f.ReadEntryData(r, entry, func(p []byte) error {
		_, err := out.Write(p)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", entry.Path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	a.metrics.RecordUnpackedFile(entry.Path, int64(entry.DataSize))
	return nil
}

// entryTarget joins destDir and an entry path, refusing paths that would
// land outside destDir.
func entryTarget(destDir, path string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes %s", common.ErrOutOfBounds, path, destDir)
	}
	return target, nil
}

// Files returns the archive's entries in pack order without touching the
// data section.
func (a *Archiver) Files(archive string) (files []common.FileEntry, result common.Result) {
	defer recoverResult(&result)

	if err := validateArchivePath(archive, true); err != nil {
		return nil, common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	defer r.Close()

	desc, err := f.Descriptor()
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	return desc.Files(), common.ResultOK()
}

// Validate rehashes every entry and returns those whose digest does not
// match, in pack order. The result is a failure when any entry failed.
func (a *Archiver) Validate(ctx context.Context, archive string) (failed []common.FileEntry, result common.Result) {
	start := time.Now()
	defer func() {
		recoverResult(&result)
		a.record("validate", start, result)
	}()

	if err := validateArchivePath(archive, true); err != nil {
		return nil, common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	defer r.Close()

	desc, err := f.Descriptor()
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	entries := desc.Files()
	mismatched := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)

	for i := range entries {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			entry := entries[i]
			hasher := digest.New()
			err := f.ReadEntryData(r.Section(), entry, func(p []byte) error {
				_, err := hasher.Write(p)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", entry.Path, err)
			}

			ok := hasher.Sum() == entry.Digest
			mismatched[i] = !ok
			a.metrics.RecordValidation(entry.Path, ok)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, common.ResultCancelled()
		}
		return nil, common.ResultFailure(err)
	}

	for i, bad := range mismatched {
		if bad {
			failed = append(failed, entries[i])
		}
	}

	if len(failed) > 0 {
		return failed, common.ResultFailure(fmt.Errorf("%w: %d of %d files failed validation", common.ErrDigestMismatch, len(failed), len(entries)))
	}
	return nil, common.ResultOK()
}

// ReadFile reads one entry's data.
func (a *Archiver) ReadFile(archive string, entry common.FileEntry) (data []byte, result common.Result) {
	defer recoverResult(&result)

	if err := validateArchivePath(archive, true); err != nil {
		return nil, common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	defer r.Close()

	data, err = a.readEntry(r, f, entry)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	return data, common.ResultOK()
}

// ReadFileByPath reads the entry stored under path. If several entries
// share the path the last one packed wins.
func (a *Archiver) ReadFileByPath(archive, path string) (data []byte, result common.Result) {
	defer recoverResult(&result)

	if err := validateArchivePath(archive, true); err != nil {
		return nil, common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	defer r.Close()

	entry, err := lookup(f, path)
	if err != nil {
		return nil, common.ResultFailure(err)
	}

	data, err = a.readEntry(r, f, entry)
	if err != nil {
		return nil, common.ResultFailure(err)
	}
	return data, common.ResultOK()
}

// WriteFileTo streams the entry stored under path to w.
func (a *Archiver) WriteFileTo(archive, path string, w io.Writer) (result common.Result) {
	defer recoverResult(&result)

	if err := validateArchivePath(archive, true); err != nil {
		return common.ResultFailure(err)
	}

	r, f, err := openArchive(archive)
	if err != nil {
		return common.ResultFailure(err)
	}
	defer r.Close()

	entry, err := lookup(f, path)
	if err != nil {
		return common.ResultFailure(err)
	}

	if a.opts.BufferHook != nil {
		data, err := a.readEntry(r, f, entry)
		if err != nil {
			return common.ResultFailure(err)
		}
		if _, err := w.Write(data); err != nil {
			return common.ResultFailure(err)
		}
		return common.ResultOK()
	}

	err = f.ReadEntryData(r, entry, func(p []byte) error {
		_, err := w.Write(p)
		return err
	})
	if err != nil {
		return common.ResultFailure(err)
	}
	return common.ResultOK()
}

func (a *Archiver) readEntry(r *stream.Reader, f format.Format, entry common.FileEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(entry.DataSize))

	err := f.ReadEntryData(r, entry, func(p []byte) error {
		_, err := buf.Write(p)
		return err
	})
	if err != nil {
		return nil, err
	}

	data := buf.Bytes()
	if a.opts.BufferHook != nil {
		if data, err = a.opts.BufferHook(entry.Path, data); err != nil {
			return nil, fmt.Errorf("buffer hook failed for %s: %w", entry.Path, err)
		}
	}
	return data, nil
}

func lookup(f format.Format, path string) (common.FileEntry, error) {
	desc, err := f.Descriptor()
	if err != nil {
		return common.FileEntry{}, err
	}
	entry, ok := desc.Lookup(format.NormalizePath(path))
	if !ok {
		return common.FileEntry{}, fmt.Errorf("%w: %s", common.ErrFileNotFound, path)
	}
	return entry, nil
}

// openArchive opens path, detects its layout and parses the descriptor
// block. The caller closes the reader.
func openArchive(path string) (*stream.Reader, format.Format, error) {
	r, err := stream.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open .evp file: %w", err)
	}

	f, err := format.Open(r)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func validateDirectory(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", common.ErrDirectoryNotFound, path)
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s", common.ErrNotDirectory, path)
	}
	return nil
}

// validateArchivePath checks the extension and, when existing is set, that
// path is a regular file.
func validateArchivePath(path string, existing bool) error {
	if existing {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", common.ErrArchiveNotFound, path)
			}
			return err
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("%w: %s", common.ErrNotAFile, path)
		}
	} else if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return fmt.Errorf("%w: %s", common.ErrNotAFile, path)
	}

	if filepath.Base(path) == common.ArchiveExtension || filepath.Ext(path) != common.ArchiveExtension {
		return fmt.Errorf("%w: %s", common.ErrInvalidExtension, path)
	}
	return nil
}
