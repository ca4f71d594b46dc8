package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hivedev/hive/internal/common/logger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	src := writeFile(t, t.TempDir(), "bundle.tar", "some content")

	uri1, err := store.Upload(src)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	uri2, err := store.Upload(src)
	if err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}

	if uri1 != uri2 {
		t.Errorf("expected identical URIs, got %s and %s", uri1, uri2)
	}

	entries, err := os.ReadDir(store.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 stored blob, got %d", len(entries))
	}
}

func TestUploadDifferentContent(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir(), logger.NewNop())
	dir := t.TempDir()

	uri1, _ := store.Upload(writeFile(t, dir, "a", "one"))
	uri2, _ := store.Upload(writeFile(t, dir, "b", "two"))

	if uri1 == uri2 {
		t.Error("different content produced the same URI")
	}
}

func TestHashDirDeterministic(t *testing.T) {
	d1 := t.TempDir()
	writeFile(t, d1, "src/main.py", "print('hi')")
	writeFile(t, d1, "requirements.txt", "requests")

	d2 := t.TempDir()
	writeFile(t, d2, "requirements.txt", "requests")
	writeFile(t, d2, "src/main.py", "print('hi')")

	h1, err := HashDir(d1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashDir(d2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("identical trees hashed differently: %s vs %s", h1, h2)
	}

	// Content change must change the hash
	writeFile(t, d2, "src/main.py", "print('bye')")
	h3, _ := HashDir(d2)
	if h3 == h1 {
		t.Error("changed content kept the same hash")
	}
}

func TestUploadDirAndFetch(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir(), logger.NewNop())

	src := t.TempDir()
	writeFile(t, src, "code/agent.py", "pass")

	uri, err := store.UploadDir(src)
	if err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}

	hash, err := HashFromURI(uri)
	if err != nil {
		t.Fatalf("HashFromURI failed: %v", err)
	}

	local, err := store.Fetch(hash, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(local, "code", "agent.py"))
	if err != nil {
		t.Fatalf("stored tree missing file: %v", err)
	}
	if string(data) != "pass" {
		t.Errorf("stored content mismatch: %q", data)
	}
}

func TestHashFromURI(t *testing.T) {
	if _, err := HashFromURI("s3://bucket/key"); err == nil {
		t.Error("expected error for non-blob URI")
	}
	hash, err := HashFromURI("blob://abc123")
	if err != nil || hash != "abc123" {
		t.Errorf("expected abc123, got %q (%v)", hash, err)
	}
}
