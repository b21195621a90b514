package evp

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/filter"
)

// SetLogLevel configures the logging verbosity for the EVP library.
// Valid levels: "debug", "info", "warn", "error", "disabled"
// Use "debug" to see per-file and per-format details
// Use "info" for high-level operation logs (default)
// Use "disabled" to suppress all logs
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error, disabled", level)
	}
	return nil
}

var defaultArchiver = NewArchiver(ArchiverOptions{})

// PackAsync runs Pack on a new goroutine and returns immediately.
func (a *Archiver) PackAsync(ctx context.Context, input PackInput, dest string, hooks *Hooks) *Operation {
	op := newOperation("pack")
	hooks = op.adoptFinish(hooks)
	op.start(ctx, func(ctx context.Context) common.Result {
		return a.Pack(ctx, input, dest, hooks)
	})
	return op
}

// PackDirAsync runs PackDir on a new goroutine and returns immediately.
func (a *Archiver) PackDirAsync(ctx context.Context, dir, dest string, mode filter.Mode, hooks *Hooks) *Operation {
	op := newOperation("pack")
	hooks = op.adoptFinish(hooks)
	op.start(ctx, func(ctx context.Context) common.Result {
		return a.PackDir(ctx, dir, dest, mode, hooks)
	})
	return op
}

// UnpackAsync runs Unpack on a new goroutine and returns immediately.
func (a *Archiver) UnpackAsync(ctx context.Context, archive, destDir string, subset []common.FileEntry, hooks *Hooks) *Operation {
	op := newOperation("unpack")
	hooks = op.adoptFinish(hooks)
	op.start(ctx, func(ctx context.Context) common.Result {
		return a.Unpack(ctx, archive, destDir, subset, hooks)
	})
	return op
}

// Pack packs input into dest with the default archiver.
func Pack(input PackInput, dest string) common.Result {
	return defaultArchiver.Pack(context.Background(), input, dest, nil)
}

// PackDir packs the files below dir that pass mode with the default archiver.
func PackDir(dir, dest string, mode filter.Mode) common.Result {
	return defaultArchiver.PackDir(context.Background(), dir, dest, mode, nil)
}

// Unpack extracts archive into destDir with the default archiver.
func Unpack(archive, destDir string, subset []common.FileEntry) common.Result {
	return defaultArchiver.Unpack(context.Background(), archive, destDir, subset, nil)
}

func PackAsync(input PackInput, dest string, hooks *Hooks) *Operation {
	return defaultArchiver.PackAsync(context.Background(), input, dest, hooks)
}

func UnpackAsync(archive, destDir string, subset []common.FileEntry, hooks *Hooks) *Operation {
	return defaultArchiver.UnpackAsync(context.Background(), archive, destDir, subset, hooks)
}

func Files(archive string) ([]common.FileEntry, common.Result) {
	return defaultArchiver.Files(archive)
}

func Validate(archive string) ([]common.FileEntry, common.Result) {
	return defaultArchiver.Validate(context.Background(), archive)
}

func ReadFile(archive string, entry common.FileEntry) ([]byte, common.Result) {
	return defaultArchiver.ReadFile(archive, entry)
}

func ReadFileByPath(archive, path string) ([]byte, common.Result) {
	return defaultArchiver.ReadFileByPath(archive, path)
}

func WriteFileTo(archive, path string, w io.Writer) common.Result {
	return defaultArchiver.WriteFileTo(archive, path, w)
}

// FilteredFiles lists the files below dir that pass mode.
func FilteredFiles(dir string, mode filter.Mode) ([]string, error) {
	return filter.Files(dir, mode)
}
