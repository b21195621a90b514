package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/format"
	"github.com/beam-cloud/evp/pkg/metrics"
	"github.com/beam-cloud/evp/pkg/stream"
)

type S3Credentials struct {
	AccessKey string
	SecretKey string
}

type S3Storage struct {
	svc            *s3.Client
	bucket         string
	key            string
	localCachePath string
	downloadDelay  time.Duration
	cachedLocally  atomic.Bool

	mu        sync.RWMutex
	cacheFile *os.File

	size       int64
	descriptor *common.DescriptorBlock
}

type S3StorageOpts struct {
	Bucket         string
	Key            string
	Region         string
	Endpoint       string
	CachePath      string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool

	// HTTPClient replaces the default client, which prefers IPv6 when
	// available.
	HTTPClient *http.Client

	// DownloadDelay defaults to backgroundDownloadStartupDelay.
	DownloadDelay time.Duration
}

const backgroundDownloadStartupDelay = time.Second * 30

// descriptorPrefetch is how much is fetched per ranged GET while reading
// the header and descriptor block.
const descriptorPrefetch = 256 * 1024

func NewS3Storage(opts S3StorageOpts) (*S3Storage, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if opts.AccessKey != "" && opts.SecretKey != "" {
		accessKey = opts.AccessKey
		secretKey = opts.SecretKey
	}

	cfg, err := getAWSConfig(accessKey, secretKey, opts.Region, opts.Endpoint, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	// Check to see if we have access to the bucket
	_, err = svc.HeadBucket(context.TODO(), &s3.HeadBucketInput{
		Bucket: aws.String(opts.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access bucket <%s>: %v", opts.Bucket, err)
	}

	delay := opts.DownloadDelay
	if delay <= 0 {
		delay = backgroundDownloadStartupDelay
	}

	return &S3Storage{
		svc:            svc,
		bucket:         opts.Bucket,
		key:            opts.Key,
		localCachePath: opts.CachePath,
		downloadDelay:  delay,
	}, nil
}

func getAWSConfig(accessKey, secretKey, region, endpoint string, httpClient *http.Client) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	if endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: endpoint,
			}, nil
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient), config.WithUseDualStackEndpoint(aws.DualStackEndpointStateDisabled))
	} else {
		client, dualStack := newHTTPClient()
		loadOpts = append(loadOpts, config.WithHTTPClient(client), config.WithUseDualStackEndpoint(dualStack))
	}

	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	return config.LoadDefaultConfig(context.TODO(), loadOpts...)
}

// Load reads the archive header and descriptor block with ranged GETs and,
// when a cache path is configured, starts caching the whole archive in the
// background.
func (s3c *S3Storage) Load() error {
	size, err := s3c.getFileSize()
	if err != nil {
		return fmt.Errorf("failed to stat archive <%s>: %w", s3c.key, err)
	}

	r := stream.NewReader(&rangeReaderAt{fetch: s3c.downloadAt, size: size, prefetch: descriptorPrefetch}, size)
	f, err := format.Open(r)
	if err != nil {
		return err
	}

	desc, err := f.Descriptor()
	if err != nil {
		return err
	}

	s3c.size = size
	s3c.descriptor = desc

	if s3c.localCachePath != "" {
		cacheFile, err := os.OpenFile(s3c.localCachePath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("failed to open cache file <%s>: %v", s3c.localCachePath, err)
		}
		s3c.cacheFile = cacheFile
		go s3c.startBackgroundDownload()
	}

	return nil
}

type progressReader struct {
	file *os.File
	size int64
	read int64
	ch   chan<- int
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.file.Read(p)
	if n > 0 {
		pr.read += int64(n)
		progress := int(float64(pr.read) / float64(pr.size) * 100)

		if pr.ch != nil {
			pr.ch <- progress
		}
	}
	return n, err
}

func (s3c *S3Storage) Upload(ctx context.Context, archivePath string, progressChan chan<- int) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive <%s>: %v", archivePath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	length := fi.Size()

	pr := &progressReader{
		file: f,
		size: length,
		ch:   progressChan,
	}

	// Create an uploader with the S3 client
	uploader := manager.NewUploader(s3c.svc, func(u *manager.Uploader) {
		u.Concurrency = 128
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s3c.bucket),
		Key:           aws.String(s3c.key),
		Body:          pr,
		ContentLength: &length,
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %v", err)
	}

	log.Info().Msgf("uploaded %s to s3://%s/%s", archivePath, s3c.bucket, s3c.key)
	return nil
}

func (s3c *S3Storage) startBackgroundDownload() {
	cacheFileInfo, err := s3c.cacheFile.Stat()
	if err == nil {
		if cacheFileInfo.Size() == s3c.size {
			log.Info().Msgf("Cache file <%s> exists.", s3c.localCachePath)
			s3c.cachedLocally.Store(true)
			return
		}
	}

	// Wait a bit before kicking off the background download job
	time.Sleep(s3c.downloadDelay)

	tmpCacheFile := fmt.Sprintf("%s.%s", s3c.localCachePath, uuid.New().String()[:6])
	lockFilePath := fmt.Sprintf("%s.lock", s3c.localCachePath)

	fileLock := flock.New(lockFilePath)

	// Attempt to acquire the lock
	locked, err := fileLock.TryLock()
	if err != nil {
		log.Error().Msgf("Error while trying to acquire file lock: %v", err)
		return
	}

	if !locked {
		log.Error().Msgf("Another process is already caching %s. Skipping download.", s3c.localCachePath)
		return
	}

	defer fileLock.Unlock()
	defer os.Remove(lockFilePath)

	log.Info().Msgf("Caching <%s>", s3c.localCachePath)
	startTime := time.Now()
	downloader := manager.NewDownloader(s3c.svc)
	downloader.Concurrency = 32

	f, err := os.Create(tmpCacheFile)
	if err != nil {
		log.Error().Msgf("Failed to create file %q, %v", s3c.localCachePath, err)
		return
	}
	defer f.Close()

	_, err = downloader.Download(context.TODO(), f, &s3.GetObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(s3c.key),
	})
	if err != nil {
		log.Error().Msgf("Failed to download object: %v", err)
		os.Remove(tmpCacheFile)
		return
	}

	err = os.Rename(tmpCacheFile, s3c.localCachePath)
	if err != nil {
		log.Error().Msgf("Failed to move downloaded file to cache path %q, %v", s3c.localCachePath, err)
		return
	}

	// Re-open cached file
	cacheFile, err := os.OpenFile(s3c.localCachePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return
	}

	s3c.mu.Lock()
	s3c.cacheFile.Close()
	s3c.cacheFile = cacheFile
	s3c.mu.Unlock()

	log.Info().Msgf("Archive <%v> cached in %v", s3c.localCachePath, time.Since(startTime))
	s3c.cachedLocally.Store(true)
}

func (s3c *S3Storage) CachedLocally() bool {
	return s3c.cachedLocally.Load()
}

func (s3c *S3Storage) getFileSize() (int64, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(s3c.key),
	}

	resp, err := s3c.svc.HeadObject(context.TODO(), input)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength == nil {
		return 0, fmt.Errorf("no content length for <%s>", s3c.key)
	}

	return *resp.ContentLength, nil
}

func (s3c *S3Storage) ReadEntry(entry common.FileEntry, dest []byte, off int64) (int, error) {
	start, n, err := entryRange(entry, len(dest), off)
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if s3c.cachedLocally.Load() {
		s3c.mu.RLock()
		read, err := s3c.cacheFile.ReadAt(dest[:n], start)
		s3c.mu.RUnlock()
		if err == nil {
			metrics.RecordRead(int64(read), true)
			return read, nil
		}
		// Fall back to remote source if local cache file fails for some reason
	}

	read, err := s3c.downloadChunk(dest[:n], start, start+int64(n)-1)
	if err != nil {
		return read, err
	}
	metrics.RecordRead(int64(read), false)
	return read, nil
}

func (s3c *S3Storage) downloadAt(dest []byte, off int64) (int, error) {
	return s3c.downloadChunk(dest, off, off+int64(len(dest))-1)
}

func (s3c *S3Storage) downloadChunk(dest []byte, start int64, end int64) (int, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	getObjectInput := &s3.GetObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(s3c.key),
		Range:  aws.String(rangeHeader),
	}

	startTime := time.Now()

	// Attempt to download chunk from S3
	resp, err := s3c.svc.GetObject(context.Background(), getObjectInput)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, dest)
	metrics.RecordRangeGet(s3c.key, int64(n), time.Since(startTime))
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (s3c *S3Storage) Descriptor() *common.DescriptorBlock {
	return s3c.descriptor
}

func (s3c *S3Storage) Cleanup() error {
	s3c.mu.Lock()
	defer s3c.mu.Unlock()

	if s3c.cacheFile != nil {
		s3c.cacheFile.Close()
	}

	return nil
}

// rangeReaderAt serves ReadAt from a window fetched on demand, so that the
// many small reads of header and descriptor parsing cost a handful of
// requests.
type rangeReaderAt struct {
	fetch    func(dest []byte, off int64) (int, error)
	size     int64
	prefetch int

	mu        sync.Mutex
	window    []byte
	windowOff int64
}

func (r *rangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}

	if off < r.windowOff || end > r.windowOff+int64(len(r.window)) {
		n := int64(max(len(p), r.prefetch))
		if off+n > r.size {
			n = r.size - off
		}

		window := make([]byte, n)
		read, err := r.fetch(window, off)
		if err != nil {
			return 0, err
		}
		r.window = window[:read]
		r.windowOff = off
	}

	n := copy(p, r.window[off-r.windowOff:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
