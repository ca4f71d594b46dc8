// Package image manages agent image manifests.
package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// manifest is the on-disk record for one image.
type manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LocalDir    string `json:"local_dir,omitempty"`
	RegistryTag string `json:"registry_tag,omitempty"`
}

// Store persists one manifest file per image id under <root>.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates an image store rooted at dir.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image root %s: %w", root, err)
	}
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "image-store")),
	}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) manifestPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Put writes the manifest for an image. A path containing a path separator
// or no tag colon is treated as a local directory, otherwise as a registry
// tag; the two are interchangeable at the spawner boundary.
func (s *Store) Put(img *v1.AgentImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := manifest{ID: img.ID, Name: img.Name}
	if isRegistryTag(img.Path) {
		m.RegistryTag = img.Path
	} else {
		m.LocalDir = img.Path
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(s.manifestPath(img.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest for %s: %w", img.ID, err)
	}

	s.logger.Info("stored image manifest",
		zap.String("image_id", img.ID),
		zap.String("name", img.Name))
	return nil
}

// Get reconstructs an AgentImage. Path is the registry tag if present, else
// the local directory.
func (s *Store) Get(id string) (*v1.AgentImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("image", id)
		}
		return nil, fmt.Errorf("failed to read manifest for %s: %w", id, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}

	img := &v1.AgentImage{ID: m.ID, Name: m.Name, Path: m.LocalDir}
	if m.RegistryTag != "" {
		img.Path = m.RegistryTag
	}
	return img, nil
}

// List returns every stored image.
func (s *Store) List() ([]*v1.AgentImage, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.root)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := make([]*v1.AgentImage, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		img, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable manifest",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

// Delete removes an image manifest.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.manifestPath(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("image", id)
		}
		return fmt.Errorf("failed to delete manifest for %s: %w", id, err)
	}
	return nil
}

func isRegistryTag(path string) bool {
	if filepath.IsAbs(path) {
		return false
	}
	// registry tags look like host/repo:tag
	return strings.Contains(path, ":")
}
