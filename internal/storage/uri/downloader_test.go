package uri

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/storage/blob"
)

func newTestDownloader(t *testing.T) (*Downloader, *blob.LocalStore) {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDownloader(store, nil, t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return d, store
}

func TestFetchBlobURI(t *testing.T) {
	d, store := newTestDownloader(t)

	src := filepath.Join(t.TempDir(), "bundle.tar")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	uri, err := store.Upload(src)
	if err != nil {
		t.Fatal(err)
	}

	path, err := d.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("fetched wrong content: %q", data)
	}
}

func TestFetchFileURI(t *testing.T) {
	d, _ := newTestDownloader(t)

	src := filepath.Join(t.TempDir(), "local.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := d.Fetch(context.Background(), "file://"+src)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if path != src {
		t.Errorf("expected %s, got %s", src, path)
	}
}

func TestFetchMissingFile(t *testing.T) {
	d, _ := newTestDownloader(t)
	if _, err := d.Fetch(context.Background(), "file:///does/not/exist"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	d, _ := newTestDownloader(t)
	if _, err := d.Fetch(context.Background(), "http://example.com/x"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestFetchS3Unconfigured(t *testing.T) {
	d, _ := newTestDownloader(t)
	if _, err := d.Fetch(context.Background(), "s3://bucket/key"); err == nil {
		t.Error("expected error when s3 is not configured")
	}
}

// stubAWS places a recording aws stub first on PATH and returns the file
// its invocations land in.
func stubAWS(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	record := filepath.Join(dir, "aws.log")
	script := "#!/bin/sh\necho \"$@\" >> " + record + "\n"
	if err := os.WriteFile(filepath.Join(dir, "aws"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return record
}

func TestFetchS3URIRoundTrips(t *testing.T) {
	record := stubAWS(t)
	log := logger.NewNop()

	local, err := blob.NewLocalStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	s3 := blob.NewS3Store("mybucket", "pre", log)
	cacheDir := t.TempDir()
	d, err := NewDownloader(local, s3, cacheDir, log)
	if err != nil {
		t.Fatal(err)
	}

	uri := s3.URI("abc123")
	path, err := d.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if want := filepath.Join(cacheDir, "abc123"); path != want {
		t.Errorf("expected cache path %s, got %s", want, path)
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	call := strings.TrimSpace(string(data))
	// The request must name the exact key Upload produced, with the bucket
	// and prefix appearing once.
	if !strings.Contains(call, uri+" ") {
		t.Errorf("aws called with the wrong source: %s", call)
	}
	if strings.Contains(call, "mybucket/pre/mybucket") {
		t.Errorf("bucket and prefix doubled in request: %s", call)
	}
}

func TestFetchS3URIOutsideStore(t *testing.T) {
	log := logger.NewNop()
	local, err := blob.NewLocalStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDownloader(local, blob.NewS3Store("mybucket", "pre", log), t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{"s3://other/pre/abc", "s3://mybucket/elsewhere/abc"} {
		if _, err := d.Fetch(context.Background(), uri); err == nil {
			t.Errorf("expected error for URI outside the store: %s", uri)
		}
	}
}
