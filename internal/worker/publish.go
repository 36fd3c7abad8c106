package worker

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/transcoder"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// StagingPrefix holds a run's files until they are published
const StagingPrefix = "staging"

// publish uploads the package under processed/<prefix>/ keeping its
// relative layout. Segments and variant indices go first, the master
// playlist strictly last. With staged publishing the files are uploaded
// under staging/<runID>/ and copied into place afterwards, so runs of the
// same name never interleave partial uploads in the final prefix.
// It returns the number of files published.
func (w *Worker) publish(ctx context.Context, runID string, pkg *transcoder.Package, logger *logging.Logger) (int, error) {
	files := pkg.Files()
	if len(files) == 0 || files[len(files)-1] != models.MasterPlaylistName {
		return 0, fmt.Errorf("package has no master playlist")
	}
	media, manifest := files[:len(files)-1], files[len(files)-1]

	bucket := w.cfg.Params.DestBucket
	finalRoot := models.PackageRoot(w.cfg.Params.DestPrefix)

	if !w.cfg.StagedPublish {
		if err := w.uploadAll(ctx, pkg.Dir, finalRoot, media); err != nil {
			return 0, err
		}
		if err := w.upload(ctx, pkg.Dir, finalRoot, manifest); err != nil {
			return 0, fmt.Errorf("failed to publish manifest: %w", err)
		}
		logger.Infof("Published %d files to %s/%s", len(files), bucket, finalRoot)
		return len(files), nil
	}

	stagingRoot := path.Join(StagingPrefix, runID, w.cfg.Params.DestPrefix)
	defer w.cleanup(bucket, stagingRoot, files, logger)

	if err := w.uploadAll(ctx, pkg.Dir, stagingRoot, files); err != nil {
		return 0, err
	}
	logger.Debugf("Staged %d files under %s", len(files), stagingRoot)

	if err := w.copyAll(ctx, stagingRoot, finalRoot, media); err != nil {
		return 0, err
	}
	if err := w.store.Copy(ctx, bucket, path.Join(stagingRoot, manifest), path.Join(finalRoot, manifest)); err != nil {
		return 0, fmt.Errorf("failed to publish manifest: %w", err)
	}

	logger.Infof("Published %d files to %s/%s", len(files), bucket, finalRoot)
	return len(files), nil
}

func (w *Worker) upload(ctx context.Context, dir, root, rel string) error {
	_, err := w.store.UploadFile(ctx, w.cfg.Params.DestBucket, path.Join(root, rel), filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", rel, err)
	}
	return nil
}

func (w *Worker) uploadAll(ctx context.Context, dir, root string, rels []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.UploadParallel)

	for _, rel := range rels {
		rel := rel
		g.Go(func() error {
			return w.upload(gctx, dir, root, rel)
		})
	}

	return g.Wait()
}

func (w *Worker) copyAll(ctx context.Context, srcRoot, dstRoot string, rels []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.UploadParallel)

	for _, rel := range rels {
		rel := rel
		g.Go(func() error {
			if err := w.store.Copy(gctx, w.cfg.Params.DestBucket, path.Join(srcRoot, rel), path.Join(dstRoot, rel)); err != nil {
				return fmt.Errorf("failed to publish %s: %w", rel, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// cleanup removes staged objects. Leftovers only cost storage, so errors
// are logged and ignored.
func (w *Worker) cleanup(bucket, stagingRoot string, rels []string, logger *logging.Logger) {
	ctx := context.Background()
	failed := 0
	for _, rel := range rels {
		if err := w.store.Delete(ctx, bucket, path.Join(stagingRoot, rel)); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warnf("Failed to remove %d staged objects under %s", failed, stagingRoot)
	}
}
