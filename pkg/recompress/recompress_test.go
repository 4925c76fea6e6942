package recompress

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nsheridan/imgpush/pkg/archive"
	"github.com/nsheridan/imgpush/pkg/digest"
	"github.com/nsheridan/imgpush/pkg/logging"
)

func testLogger(t *testing.T) *logging.Entry {
	t.Helper()
	logger, err := logging.New(logging.Config{Severity: logging.SeverityError, ConsoleSeverity: logging.SeverityError, DisableStdout: true})
	if err != nil {
		t.Fatalf("building test logger: %v", err)
	}
	return logger.GetChild("test")
}

func TestRun_CompressesLayersAndRetargetsSymlinks(t *testing.T) {
	dir := t.TempDir()

	mustMkdir(t, filepath.Join(dir, "abc"))
	mustMkdir(t, filepath.Join(dir, "def"))
	layerContent := "this is the real layer content"
	mustWrite(t, filepath.Join(dir, "abc", "layer.tar"), layerContent)
	mustWrite(t, filepath.Join(dir, "abc", "config.json"), `{"rootfs":{"type":"layers","diff_ids":["sha256:placeholder"]}}`)

	if err := os.Symlink("../abc/layer.tar", filepath.Join(dir, "def", "layer.tar")); err != nil {
		t.Fatalf("creating symlink fixture: %v", err)
	}

	manifest := archive.Manifest{
		{Config: "abc/config.json", RepoTags: []string{"image-a:latest"}, Layers: []string{"abc/layer.tar"}},
		{Config: "abc/config.json", RepoTags: []string{"image-b:latest"}, Layers: []string{"def/layer.tar"}},
	}

	updated, err := Run(context.Background(), dir, manifest, 2, testLogger(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if updated[0].Layers[0] != "abc/layer.tar.gz" {
		t.Fatalf("expected layer path rewritten with .gz suffix, got %q", updated[0].Layers[0])
	}
	if updated[1].Layers[0] != "def/layer.tar.gz" {
		t.Fatalf("expected symlinked layer path rewritten with .gz suffix, got %q", updated[1].Layers[0])
	}

	// The real file must now be gzip-compressed.
	gzPath := filepath.Join(dir, "abc", "layer.tar.gz")
	f, err := os.Open(gzPath)
	if err != nil {
		t.Fatalf("opening compressed layer: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("reading gzip header: %v", err)
	}
	defer gr.Close()
	decompressed, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("decompressing layer: %v", err)
	}
	if string(decompressed) != layerContent {
		t.Fatalf("decompressed content mismatch: got %q, want %q", decompressed, layerContent)
	}

	// The original uncompressed file must be gone.
	if _, err := os.Stat(filepath.Join(dir, "abc", "layer.tar")); !os.IsNotExist(err) {
		t.Fatalf("expected original layer file to be removed, stat err = %v", err)
	}

	// The symlink must now point at the compressed target, under its own
	// renamed (".gz") name.
	linkPath := filepath.Join(dir, "def", "layer.tar.gz")
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("reading retargeted symlink: %v", err)
	}
	if target != "../abc/layer.tar.gz" {
		t.Fatalf("expected symlink retargeted to compressed name, got %q", target)
	}

	// manifest.json on disk must match the returned in-memory manifest.
	onDisk, err := archive.ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if onDisk[0].Layers[0] != updated[0].Layers[0] {
		t.Fatalf("manifest.json not rewritten to match returned manifest")
	}
}

func TestRun_RecomputesDiffIDs(t *testing.T) {
	dir := t.TempDir()
	mustMkdir(t, filepath.Join(dir, "abc"))
	layerContent := "layer bytes for diff id check"
	mustWrite(t, filepath.Join(dir, "abc", "layer.tar"), layerContent)
	mustWrite(t, filepath.Join(dir, "abc", "config.json"), `{"architecture":"amd64","rootfs":{"type":"layers","diff_ids":["sha256:stale"]}}`)

	manifest := archive.Manifest{
		{Config: "abc/config.json", RepoTags: []string{"image-a:latest"}, Layers: []string{"abc/layer.tar"}},
	}

	if _, err := Run(context.Background(), dir, manifest, 1, testLogger(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "abc", "config.json"))
	if err != nil {
		t.Fatalf("reading rewritten config: %v", err)
	}
	var doc struct {
		Architecture string `json:"architecture"`
		Rootfs       struct {
			Type    string   `json:"type"`
			DiffIDs []string `json:"diff_ids"`
		} `json:"rootfs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parsing rewritten config: %v", err)
	}

	if doc.Architecture != "amd64" {
		t.Fatalf("expected unrelated config fields preserved, architecture = %q", doc.Architecture)
	}
	if len(doc.Rootfs.DiffIDs) != 1 || doc.Rootfs.DiffIDs[0] == "sha256:stale" {
		t.Fatalf("expected diff_ids recomputed from the gzip file, got %v", doc.Rootfs.DiffIDs)
	}

	wantDigest, err := digest.FileSHA256(filepath.Join(dir, "abc", "layer.tar.gz"))
	if err != nil {
		t.Fatalf("digesting compressed layer: %v", err)
	}
	if doc.Rootfs.DiffIDs[0] != wantDigest.String() {
		t.Fatalf("diff_id = %q, want digest of the gzip file %q", doc.Rootfs.DiffIDs[0], wantDigest)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
