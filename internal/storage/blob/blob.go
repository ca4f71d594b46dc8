// Package blob provides content-addressed storage for source bundles.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store is the content-addressed blob store contract. Upload and UploadDir
// are idempotent: re-uploading identical content returns the same URI without
// duplicating storage.
type Store interface {
	Upload(path string) (string, error)
	UploadDir(dir string) (string, error)
	Exists(hash string) (bool, error)
	Fetch(hash string, dest string) (string, error)
}

// Scheme is the URI scheme for blob references.
const Scheme = "blob"

// URI formats a blob URI for a content hash.
func URI(hash string) string {
	return Scheme + "://" + hash
}

// HashFromURI extracts the content hash from a blob URI.
func HashFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok || rest == "" {
		return "", fmt.Errorf("not a blob URI: %q", uri)
	}
	return rest, nil
}

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashDir returns a deterministic hex sha256 of a directory: the sorted
// relative paths and file contents are fed into one hash stream, so two
// directories with identical layout and bytes hash identically regardless of
// walk order.
func HashDir(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})

		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
