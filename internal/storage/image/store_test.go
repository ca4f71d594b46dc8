package image

import (
	"testing"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetLocalDir(t *testing.T) {
	s := newTestStore(t)

	img := &v1.AgentImage{ID: "img-1", Name: "driver", Path: "/data/images/img-1"}
	if err := s.Put(img); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("img-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Path != "/data/images/img-1" {
		t.Errorf("expected local dir path, got %s", got.Path)
	}
}

func TestPutGetRegistryTag(t *testing.T) {
	s := newTestStore(t)

	img := &v1.AgentImage{ID: "img-2", Name: "driver", Path: "registry.internal/hive/driver:abc123"}
	if err := s.Put(img); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("img-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Path != "registry.internal/hive/driver:abc123" {
		t.Errorf("expected registry tag, got %s", got.Path)
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)

	_ = s.Put(&v1.AgentImage{ID: "img-1", Name: "a", Path: "/x/a"})
	_ = s.Put(&v1.AgentImage{ID: "img-2", Name: "b", Path: "/x/b"})

	images, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(images) != 2 {
		t.Errorf("expected 2 images, got %d", len(images))
	}

	if err := s.Delete("img-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("img-1"); !errors.IsNotFound(err) {
		t.Error("expected img-1 removed")
	}
	if err := s.Delete("img-1"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found on double delete, got %v", err)
	}
}
