package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
)

// S3Store is the object-storage twin of LocalStore. It offers the identical
// content-addressed contract via the aws CLI, with an existence check before
// any re-upload.
type S3Store struct {
	bucket string
	prefix string
	logger *logger.Logger
}

// NewS3Store creates an S3-backed blob store under s3://bucket/prefix.
func NewS3Store(bucket, prefix string, log *logger.Logger) *S3Store {
	return &S3Store{
		bucket: bucket,
		prefix: prefix,
		logger: log.WithFields(zap.String("component", "s3-blob-store")),
	}
}

func (s *S3Store) key(hash string) string {
	return path.Join(s.prefix, hash)
}

// URI returns the s3:// URI for a stored hash.
func (s *S3Store) URI(hash string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(hash))
}

func (s *S3Store) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "aws", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.BackendTool("aws "+args[0], stderr.String(), err)
	}
	return nil
}

// Exists checks the object head before any upload.
func (s *S3Store) Exists(hash string) (bool, error) {
	cmd := exec.Command("aws", "s3api", "head-object",
		"--bucket", s.bucket,
		"--key", s.key(hash))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// head-object exits non-zero for a missing key
			return false, nil
		}
		return false, errors.BackendTool("aws s3api head-object", stderr.String(), err)
	}
	return true, nil
}

// Upload stores a file by content hash and returns its s3 URI. A no-op if
// the object already exists.
func (s *S3Store) Upload(file string) (string, error) {
	hash, err := HashFile(file)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(hash)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("object already stored", zap.String("hash", hash))
		return s.URI(hash), nil
	}

	if err := s.run(context.Background(), "s3", "cp", file, s.URI(hash)); err != nil {
		return "", err
	}

	s.logger.Info("uploaded blob", zap.String("hash", hash), zap.String("uri", s.URI(hash)))
	return s.URI(hash), nil
}

// UploadDir stores a directory tree by its deterministic content hash and
// returns its s3 URI. A no-op if the object prefix already exists.
func (s *S3Store) UploadDir(dir string) (string, error) {
	hash, err := HashDir(dir)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(path.Join(hash, ".manifest"))
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("object already stored", zap.String("hash", hash))
		return s.URI(hash), nil
	}

	if err := s.run(context.Background(), "s3", "sync", dir, s.URI(hash)); err != nil {
		return "", err
	}
	// Marker object so Exists can check a directory upload cheaply.
	if err := s.run(context.Background(), "s3api", "put-object",
		"--bucket", s.bucket,
		"--key", s.key(path.Join(hash, ".manifest"))); err != nil {
		return "", err
	}

	s.logger.Info("uploaded blob dir", zap.String("hash", hash), zap.String("uri", s.URI(hash)))
	return s.URI(hash), nil
}

// Fetch downloads a stored hash into dest and returns the local path.
func (s *S3Store) Fetch(hash string, dest string) (string, error) {
	target := filepath.Join(dest, hash)
	if err := s.run(context.Background(), "s3", "cp", "--recursive", s.URI(hash), target); err != nil {
		return "", err
	}
	return target, nil
}

// FetchURI downloads the object behind a URI produced by Upload or
// UploadDir. The URI must point into this store's bucket and prefix.
func (s *S3Store) FetchURI(uri string, dest string) (string, error) {
	hash, err := s.hashFromURI(uri)
	if err != nil {
		return "", err
	}
	return s.Fetch(hash, dest)
}

// hashFromURI inverts URI: s3://bucket/prefix/hash back to hash.
func (s *S3Store) hashFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" {
		return "", fmt.Errorf("invalid s3 URI %q", uri)
	}
	if u.Host != s.bucket {
		return "", fmt.Errorf("s3 URI %q is outside bucket %q", uri, s.bucket)
	}
	hash := strings.TrimPrefix(u.Path, "/")
	if s.prefix != "" {
		rest := strings.TrimPrefix(hash, s.prefix+"/")
		if rest == hash {
			return "", fmt.Errorf("s3 URI %q is outside prefix %q", uri, s.prefix)
		}
		hash = rest
	}
	if hash == "" {
		return "", fmt.Errorf("s3 URI %q carries no object key", uri)
	}
	return hash, nil
}
