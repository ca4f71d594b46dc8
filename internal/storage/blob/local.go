package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
)

// LocalStore stores blobs under <root>/<hash>. A file blob is stored as a
// regular file, a directory blob as a directory tree.
type LocalStore struct {
	root   string
	logger *logger.Logger
}

// NewLocalStore creates a local blob store rooted at dir.
func NewLocalStore(root string, log *logger.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &LocalStore{
		root:   root,
		logger: log.WithFields(zap.String("component", "blob-store")),
	}, nil
}

// Path returns the local path for a stored hash.
func (s *LocalStore) Path(hash string) string {
	return filepath.Join(s.root, hash)
}

// Exists reports whether a hash is present in the store.
func (s *LocalStore) Exists(hash string) (bool, error) {
	_, err := os.Stat(s.Path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Upload stores a file by content hash and returns its blob URI. A no-op if
// the hash already exists.
func (s *LocalStore) Upload(path string) (string, error) {
	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(hash)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("blob already stored", zap.String("hash", hash))
		return URI(hash), nil
	}

	if err := copyFile(path, s.Path(hash)); err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", hash, err)
	}

	s.logger.Info("stored blob", zap.String("hash", hash), zap.String("source", path))
	return URI(hash), nil
}

// UploadDir stores a directory tree by its deterministic content hash and
// returns its blob URI. A no-op if the hash already exists.
func (s *LocalStore) UploadDir(dir string) (string, error) {
	hash, err := HashDir(dir)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(hash)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("blob already stored", zap.String("hash", hash))
		return URI(hash), nil
	}

	if err := copyDir(dir, s.Path(hash)); err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", hash, err)
	}

	s.logger.Info("stored blob", zap.String("hash", hash), zap.String("source", dir))
	return URI(hash), nil
}

// Fetch returns the stored path for a hash. The dest argument is unused for
// the local store since blobs are already on the local filesystem.
func (s *LocalStore) Fetch(hash string, dest string) (string, error) {
	exists, err := s.Exists(hash)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("blob %s not found", hash)
	}
	return s.Path(hash), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
