// Package uri resolves bundle references into local paths.
package uri

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/storage/blob"
)

// Downloader resolves blob://, s3:// and file:// references into local
// paths. It is shared by packaging and by the runner's hot-load control op.
type Downloader struct {
	local    *blob.LocalStore
	s3       *blob.S3Store
	cacheDir string
	logger   *logger.Logger
}

// NewDownloader creates a downloader. The s3 store may be nil when object
// storage is not configured; cacheDir receives s3 downloads.
func NewDownloader(local *blob.LocalStore, s3 *blob.S3Store, cacheDir string, log *logger.Logger) (*Downloader, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", cacheDir, err)
	}
	return &Downloader{
		local:    local,
		s3:       s3,
		cacheDir: cacheDir,
		logger:   log.WithFields(zap.String("component", "uri-downloader")),
	}, nil
}

// Fetch resolves a reference to a local path, downloading if needed.
func (d *Downloader) Fetch(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URI %q: %w", ref, err)
	}

	switch u.Scheme {
	case "blob":
		hash, err := blob.HashFromURI(ref)
		if err != nil {
			return "", err
		}
		return d.local.Fetch(hash, d.cacheDir)

	case "s3":
		if d.s3 == nil {
			return "", fmt.Errorf("s3 URI %q but object storage is not configured", ref)
		}
		path, err := d.s3.FetchURI(ref, d.cacheDir)
		if err != nil {
			return "", err
		}
		d.logger.Debug("downloaded s3 object", zap.String("uri", ref), zap.String("path", path))
		return path, nil

	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("file URI %q: %w", ref, err)
		}
		return path, nil

	default:
		return "", fmt.Errorf("unsupported URI scheme %q", u.Scheme)
	}
}
