package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPartSize is the range size for parallel downloads (16MB)
	DefaultPartSize = 16 * 1024 * 1024

	// MinPartSize keeps range requests from degenerating into tiny reads (5MB)
	MinPartSize = 5 * 1024 * 1024

	// DefaultDownloadParallel is the number of concurrent range requests
	DefaultDownloadParallel = 4
)

// byteRange is an inclusive range of object bytes
type byteRange struct {
	start, end int64
}

// planRanges splits size bytes into ranges of partSize bytes. The last
// range takes the remainder.
func planRanges(size, partSize int64) []byteRange {
	if size <= 0 {
		return nil
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	ranges := make([]byteRange, 0, (size+partSize-1)/partSize)
	for start := int64(0); start < size; start += partSize {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// downloadRanged fetches the object with concurrent range requests, each
// written at its offset in the local file.
func (s *Storage) downloadRanged(ctx context.Context, bucket, key string, file *os.File, size int64) (int64, error) {
	if err := file.Truncate(size); err != nil {
		return 0, fmt.Errorf("failed to size local file: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.downloadParallel)

	for _, r := range planRanges(size, s.partSize) {
		r := r
		g.Go(func() error {
			return s.downloadRange(ctx, bucket, key, file, r)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return size, nil
}

func (s *Storage) downloadRange(ctx context.Context, bucket, key string, file *os.File, r byteRange) error {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(r.start, r.end); err != nil {
		return fmt.Errorf("failed to set range: %w", err)
	}

	object, err := s.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return fmt.Errorf("failed to get range %d-%d: %w", r.start, r.end, err)
	}
	defer object.Close()

	w := io.NewOffsetWriter(file, r.start)
	n, err := io.Copy(w, object)
	if err != nil {
		return fmt.Errorf("failed to read range %d-%d: %w", r.start, r.end, err)
	}
	if want := r.end - r.start + 1; n != want {
		return fmt.Errorf("short range %d-%d: got %d of %d bytes", r.start, r.end, n, want)
	}
	return nil
}
