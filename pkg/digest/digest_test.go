package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	content := strings.Repeat("a", 200*1024+7) // spans several read chunks
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	dgst, err := FileSHA256(path)
	if err != nil {
		t.Fatalf("FileSHA256: %v", err)
	}
	if !strings.HasPrefix(dgst.String(), "sha256:") {
		t.Fatalf("expected sha256: prefix, got %q", dgst)
	}

	again, err := FileSHA256(path)
	if err != nil {
		t.Fatalf("FileSHA256 (second run): %v", err)
	}
	if dgst != again {
		t.Fatalf("digest not stable across runs: %q vs %q", dgst, again)
	}
}

func TestFileSHA256_MissingFile(t *testing.T) {
	if _, err := FileSHA256(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	size, err := FileSize(path)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected size 5, got %d", size)
	}
}
