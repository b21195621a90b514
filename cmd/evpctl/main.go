package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/evp"
	"github.com/beam-cloud/evp/pkg/evpfs"
	"github.com/beam-cloud/evp/pkg/filter"
	"github.com/beam-cloud/evp/pkg/metrics"
	"github.com/beam-cloud/evp/pkg/storage"
)

const defaultLogLevel = "info"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := evp.SetLogLevel(getEnvString("EVP_LOG_LEVEL", defaultLogLevel)); err != nil {
		log.Fatal().Err(err).Msg("invalid EVP_LOG_LEVEL")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "pack":
		packCommand()
	case "unpack":
		unpackCommand()
	case "list", "ls":
		listCommand()
	case "validate":
		validateCommand()
	case "cat":
		catCommand()
	case "mount":
		mountCommand()
	case "store":
		storeCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `evpctl - .evp archive tool

Usage:
  evpctl <command> [options]

Commands:
  pack      Pack a directory into a v1 .evp archive
  unpack    Extract an archive (or some of its files) into a directory
  list      List the files of an archive
  validate  Check every file against its stored MD5
  cat       Write a single file of an archive to stdout
  mount     Mount an archive as a read-only filesystem
  store     Upload an archive to S3

Examples:
  # Pack only the files a client needs
  evpctl pack --dir ./data --out data.evp --filter client

  # Extract two files
  evpctl unpack --archive data.evp --out ./out --path maps/a.bin --path maps/b.bin

  # Mount an archive stored in S3
  evpctl mount --archive data.evp --mountpoint /mnt/data --bucket assets --key data.evp

Environment Variables:
  EVP_LOG_LEVEL  Log level (debug, info, warn, error, disabled; default: info)
  EVP_FILTER     Default pack filter (all, client, server; default: all)
  AWS_REGION     Region of the S3 bucket used by mount and store

`)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseFlags(fs *pflag.FlagSet, verbose *bool) {
	fs.Parse(os.Args[2:])

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func progressHooks(label string) *evp.Hooks {
	var total float32
	last := -1
	return &evp.Hooks{
		OnStart: func() {
			log.Info().Msgf("%s started", label)
		},
		OnProgress: func(delta float32) {
			total += delta
			if step := int(total) / 10; step != last {
				last = step
				log.Debug().Msgf("%s %3.0f%%", label, total)
			}
		},
		OnFinish: func(result common.Result) {
			log.Debug().Str("result", result.String()).Msgf("%s finished", label)
		},
	}
}

func exitOnFailure(result common.Result) {
	if result.OK() {
		return
	}
	if result.Cancelled() {
		log.Warn().Msg("operation cancelled")
		os.Exit(130)
	}
	log.Fatal().Err(result.Err()).Msg("operation failed")
}

func packCommand() {
	fs := pflag.NewFlagSet("pack", pflag.ExitOnError)

	var (
		dir        = fs.StringP("dir", "d", "", "Directory to pack (required)")
		outputPath = fs.StringP("out", "o", "", "Output .evp file path (required)")
		filterName = fs.StringP("filter", "f", getEnvString("EVP_FILTER", "all"), "File filter (all, client, server)")
		verbose    = fs.BoolP("verbose", "v", false, "Verbose logging")
	)

	parseFlags(fs, verbose)

	if *dir == "" || *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --dir and --out are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	mode, err := filter.ParseMode(*filterName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid filter")
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	a := evp.NewArchiver(evp.ArchiverOptions{Verbose: *verbose})
	exitOnFailure(a.PackDir(ctx, *dir, *outputPath, mode, progressHooks("pack")))

	log.Info().Msgf("packed %s into %s in %v", *dir, *outputPath, time.Since(start))
	if *verbose {
		metrics.LogMetricsSummary()
	}
}

func unpackCommand() {
	fs := pflag.NewFlagSet("unpack", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to extract (required)")
		outputPath  = fs.StringP("out", "o", "", "Output directory (required)")
		paths       = fs.StringArrayP("path", "p", nil, "Extract only this file (repeatable)")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)

	parseFlags(fs, verbose)

	if *archivePath == "" || *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --out are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	var subset []common.FileEntry
	if len(*paths) > 0 {
		files, result := evp.Files(*archivePath)
		exitOnFailure(result)

		byPath := make(map[string]common.FileEntry, len(files))
		for _, f := range files {
			byPath[f.Path] = f
		}
		for _, p := range *paths {
			entry, ok := byPath[filepath.ToSlash(p)]
			if !ok {
				log.Fatal().Msgf("%s: %s", common.ErrFileNotFound, p)
			}
			subset = append(subset, entry)
		}
	}

	if err := os.MkdirAll(*outputPath, 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create output directory")
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	a := evp.NewArchiver(evp.ArchiverOptions{Verbose: *verbose})
	exitOnFailure(a.Unpack(ctx, *archivePath, *outputPath, subset, progressHooks("unpack")))

	log.Info().Msgf("extracted %s into %s in %v", *archivePath, *outputPath, time.Since(start))
}

type listedFile struct {
	Path   string `json:"path"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
	MD5    string `json:"md5"`
}

func listCommand() {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to list (required)")
		asJSON      = fs.Bool("json", false, "Print JSON instead of a table")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)

	parseFlags(fs, verbose)

	if *archivePath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	files, result := evp.Files(*archivePath)
	exitOnFailure(result)

	if *asJSON {
		listed := make([]listedFile, 0, len(files))
		for _, f := range files {
			listed = append(listed, listedFile{Path: f.Path, Offset: f.DataOffset, Size: f.DataSize, MD5: fmt.Sprintf("%x", f.Digest)})
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(listed)
		return
	}

	for _, f := range files {
		fmt.Printf("%10d  %x  %s\n", f.DataSize, f.Digest, f.Path)
	}
}

func validateCommand() {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to validate (required)")
		concurrency = fs.IntP("concurrency", "c", 0, "Parallel digest workers (default: GOMAXPROCS)")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)

	parseFlags(fs, verbose)

	if *archivePath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := evp.NewArchiver(evp.ArchiverOptions{Verbose: *verbose, Concurrency: *concurrency})
	failed, result := a.Validate(ctx, *archivePath)
	for _, f := range failed {
		fmt.Println(f.Path)
	}
	exitOnFailure(result)

	log.Info().Msgf("%s is valid", *archivePath)
}

func catCommand() {
	fs := pflag.NewFlagSet("cat", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to read from (required)")
		path        = fs.StringP("path", "p", "", "File inside the archive (required)")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)

	parseFlags(fs, verbose)

	if *archivePath == "" || *path == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --path are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	exitOnFailure(evp.WriteFileTo(*archivePath, *path, os.Stdout))
}

func s3Flags(fs *pflag.FlagSet) (bucket, key, endpoint *string, pathStyle *bool) {
	bucket = fs.String("bucket", "", "S3 bucket holding the archive")
	key = fs.String("key", "", "S3 object key (default: archive file name)")
	endpoint = fs.String("endpoint", "", "Custom S3 endpoint")
	pathStyle = fs.Bool("path-style", false, "Use path style S3 addressing")
	return
}

func mountCommand() {
	fs := pflag.NewFlagSet("mount", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to mount (required)")
		mountPoint  = fs.StringP("mountpoint", "m", "", "Directory to mount the archive on (required)")
		cachePath   = fs.String("cache", "", "Local cache file for S3 archives")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)
	bucket, key, endpoint, pathStyle := s3Flags(fs)

	parseFlags(fs, verbose)

	if *archivePath == "" || *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --mountpoint are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	opts := evpfs.MountOptions{
		ArchivePath: *archivePath,
		MountPoint:  *mountPoint,
		CachePath:   *cachePath,
	}
	if *bucket != "" {
		if *key == "" {
			*key = filepath.Base(*archivePath)
		}
		opts.StorageInfo = &storage.S3StorageInfo{
			Bucket:         *bucket,
			Key:            *key,
			Region:         os.Getenv("AWS_REGION"),
			Endpoint:       *endpoint,
			ForcePathStyle: *pathStyle,
		}
	}

	startServer, serverError, server, err := evpfs.Mount(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount archive")
	}
	if err := startServer(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	ctx, cancel := signalContext()
	defer cancel()

	select {
	case err, ok := <-serverError:
		if ok && err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msgf("unmounting %s", *mountPoint)
		if err := server.Unmount(); err != nil {
			log.Fatal().Err(err).Msg("failed to unmount")
		}
		<-serverError
	}
}

func storeCommand() {
	fs := pflag.NewFlagSet("store", pflag.ExitOnError)

	var (
		archivePath = fs.StringP("archive", "a", "", "Archive to upload (required)")
		verbose     = fs.BoolP("verbose", "v", false, "Verbose logging")
	)
	bucket, key, endpoint, pathStyle := s3Flags(fs)

	parseFlags(fs, verbose)

	if *archivePath == "" || *bucket == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --bucket are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if _, result := evp.Files(*archivePath); !result.OK() {
		exitOnFailure(result)
	}

	// If no key is provided, use the base name of the input archive as key
	if *key == "" {
		*key = filepath.Base(*archivePath)
	}

	s, err := storage.NewS3Storage(storage.S3StorageOpts{
		Bucket:         *bucket,
		Key:            *key,
		Region:         os.Getenv("AWS_REGION"),
		Endpoint:       *endpoint,
		ForcePathStyle: *pathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create storage")
	}

	ctx, cancel := signalContext()
	defer cancel()

	progress := make(chan int)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1
		for p := range progress {
			if p/10 != last {
				last = p / 10
				log.Info().Msgf("uploading %3d%%", p)
			}
		}
	}()

	err = s.Upload(ctx, *archivePath, progress)
	close(progress)
	<-done
	if err != nil {
		log.Fatal().Err(err).Msg("upload failed")
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
