package packaging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/storage/image"
	"github.com/hivedev/hive/internal/storage/uri"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// LocalPackager copies bundle contents into a fresh image directory and
// registers a manifest. There is no base-image concept beyond the filesystem
// layout.
type LocalPackager struct {
	images     *image.Store
	downloader *uri.Downloader
	logger     *logger.Logger
}

// NewLocalPackager creates a local packager.
func NewLocalPackager(images *image.Store, downloader *uri.Downloader, log *logger.Logger) *LocalPackager {
	return &LocalPackager{
		images:     images,
		downloader: downloader,
		logger:     log.WithFields(zap.String("component", "local-packager")),
	}
}

// Package downloads each bundle and copies it into a new image directory.
func (p *LocalPackager) Package(ctx context.Context, req Request) (*v1.PackageJob, error) {
	job := &v1.PackageJob{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	imageID := uuid.New().String()
	imageDir := filepath.Join(p.images.Root(), imageID)

	p.logger.Info("packaging local image",
		zap.String("job_id", job.ID),
		zap.String("name", req.Name),
		zap.Int("bundles", len(req.Bundles)))

	if err := p.build(ctx, req, imageDir); err != nil {
		_ = os.RemoveAll(imageDir)
		job.Status = v1.PackageJobFailed
		job.Error = err.Error()
		return job, err
	}

	img := &v1.AgentImage{ID: imageID, Name: req.Name, Path: imageDir}
	if err := p.images.Put(img); err != nil {
		_ = os.RemoveAll(imageDir)
		job.Status = v1.PackageJobFailed
		job.Error = err.Error()
		return job, err
	}

	job.Status = v1.PackageJobSucceeded
	job.Image = img
	return job, nil
}

func (p *LocalPackager) build(ctx context.Context, req Request, imageDir string) error {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create image dir: %w", err)
	}

	for i, bundle := range req.Bundles {
		src, err := p.downloader.Fetch(ctx, bundle.URI)
		if err != nil {
			return fmt.Errorf("failed to fetch bundle %s: %w", bundle.URI, err)
		}

		dest := filepath.Join(imageDir, bundleName(bundle, i))
		if err := copyTree(src, dest); err != nil {
			return fmt.Errorf("failed to copy bundle %s: %w", bundle.URI, err)
		}
	}
	return nil
}

// copyTree copies a file or directory tree into dest.
func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return copyOne(src, dest)
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyOne(path, target)
	})
}

func copyOne(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
