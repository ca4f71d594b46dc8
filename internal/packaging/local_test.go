package packaging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/storage/blob"
	"github.com/hivedev/hive/internal/storage/image"
	"github.com/hivedev/hive/internal/storage/uri"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

func newTestPackager(t *testing.T) (*LocalPackager, *blob.LocalStore, *image.Store) {
	t.Helper()
	log := logger.NewNop()

	blobs, err := blob.NewLocalStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	images, err := image.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := uri.NewDownloader(blobs, nil, t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	return NewLocalPackager(images, dl, log), blobs, images
}

func uploadBundleDir(t *testing.T, blobs *blob.LocalStore, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	u, err := blobs.UploadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestPackageCopiesBundles(t *testing.T) {
	p, blobs, images := newTestPackager(t)

	bundleURI := uploadBundleDir(t, blobs, map[string]string{
		"agent.py": "print('agent')",
	})

	job, err := p.Package(context.Background(), Request{
		Name: "driver",
		Bundles: []v1.SourceBundle{
			{URI: bundleURI, Labels: map[string]string{"name": "core"}},
		},
	})
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if job.Status != v1.PackageJobSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", job.Status, job.Error)
	}
	if job.Image == nil {
		t.Fatal("job has no image")
	}

	// Bundle content must land under <image>/core/
	data, err := os.ReadFile(filepath.Join(job.Image.Path, "core", "agent.py"))
	if err != nil {
		t.Fatalf("bundle content missing from image: %v", err)
	}
	if string(data) != "print('agent')" {
		t.Errorf("wrong content: %q", data)
	}

	// Image must be resolvable through the store
	got, err := images.Get(job.Image.ID)
	if err != nil {
		t.Fatalf("image not registered: %v", err)
	}
	if got.Path != job.Image.Path {
		t.Errorf("store path mismatch: %s vs %s", got.Path, job.Image.Path)
	}
}

func TestPackageUnknownBundleFails(t *testing.T) {
	p, _, images := newTestPackager(t)

	job, err := p.Package(context.Background(), Request{
		Name:    "broken",
		Bundles: []v1.SourceBundle{{URI: "blob://deadbeef"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown bundle")
	}
	if job.Status != v1.PackageJobFailed {
		t.Errorf("expected failed job, got %s", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job should carry an error")
	}

	// No image may be registered for a failed build
	imgs, _ := images.List()
	if len(imgs) != 0 {
		t.Errorf("failed build leaked %d images", len(imgs))
	}
}

func TestBundleNameFallback(t *testing.T) {
	b := v1.SourceBundle{URI: "blob://x"}
	if got := bundleName(b, 2); got != "bundle-2" {
		t.Errorf("expected bundle-2, got %s", got)
	}
	b.Labels = map[string]string{"name": "tools"}
	if got := bundleName(b, 2); got != "tools" {
		t.Errorf("expected tools, got %s", got)
	}
}
