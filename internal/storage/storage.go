package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
)

// Storage provides object storage operations against any bucket of one
// S3-compatible endpoint.
type Storage struct {
	client           *minio.Client
	partSize         int64
	downloadParallel int
	logger           *logging.Logger
}

// New creates a new storage client. Without static keys the client falls
// back to the IAM role of the task or instance.
func New(cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	creds := credentials.NewIAM("")
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	partSize := cfg.DownloadPartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	parallel := cfg.DownloadParallel
	if parallel <= 0 {
		parallel = DefaultDownloadParallel
	}

	return &Storage{client: client, partSize: partSize, downloadParallel: parallel, logger: logger}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Storage) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// DownloadFile writes an object to a local file and returns the number of
// bytes written. The object is never held in memory as a whole. Objects
// larger than one part are fetched with parallel range requests.
func (s *Storage) DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	start := time.Now()

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		s.observe("download", bucket, key, start, 0, err)
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	var n int64
	if info.Size > s.partSize && s.downloadParallel > 1 {
		n, err = s.downloadRanged(ctx, bucket, key, file, info.Size)
	} else {
		n, err = s.downloadWhole(ctx, bucket, key, file)
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	s.observe("download", bucket, key, start, n, err)
	if err != nil {
		return n, fmt.Errorf("failed to download object: %w", err)
	}

	return n, nil
}

func (s *Storage) downloadWhole(ctx context.Context, bucket, key string, w io.Writer) (int64, error) {
	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, err
	}
	defer object.Close()

	return io.Copy(w, object)
}

// UploadFile uploads a local file with the content type of its extension.
func (s *Storage) UploadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	start := time.Now()

	info, err := s.client.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{
		ContentType: ContentType(filePath),
	})
	s.observe("upload", bucket, key, start, info.Size, err)
	if err != nil {
		return 0, fmt.Errorf("failed to upload file: %w", err)
	}

	return info.Size, nil
}

// Copy performs a server-side copy inside one bucket. The content type is
// set again from the destination key.
func (s *Storage) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	start := time.Now()

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          bucket,
			Object:          dstKey,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{"Content-Type": ContentType(dstKey)},
		},
		minio.CopySrcOptions{
			Bucket: bucket,
			Object: srcKey,
		},
	)
	s.observe("copy", bucket, dstKey, start, 0, err)
	if err != nil {
		return fmt.Errorf("failed to copy object: %w", err)
	}

	return nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	s.observe("delete", bucket, key, start, 0, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// Exists reports whether an object is present.
func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

// PresignPut returns a time-limited URL allowing one PUT of key.
func (s *Storage) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("failed to generate upload URL: %w", err)
	}

	return u.String(), nil
}

// PresignGet returns a time-limited read URL for an object.
func (s *Storage) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return u.String(), nil
}

// List lists objects with a prefix
func (s *Storage) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var objects []string

	for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// observe records the outcome of one storage operation as a metric and a
// log entry
func (s *Storage) observe(operation, bucket, key string, start time.Time, size int64, err error) {
	elapsed := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(operation, status, elapsed.Seconds(), size)
	s.logger.LogStorageOperation(operation, bucket, key, size, elapsed, err)
}

// ContentType returns the content type based on file extension. Players
// select behaviour by content type as well as extension.
func ContentType(filePath string) string {
	switch filepath.Ext(filePath) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
