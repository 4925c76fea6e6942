package imageproc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nsheridan/imgpush/pkg/archive"
	"github.com/nsheridan/imgpush/pkg/layerlock"
	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/registry"
)

// fakeRegistryServer is a minimal Registry v2 server: any digest HEADs as
// missing, every POST/PATCH/PUT succeeds, and pushed manifests are recorded
// for assertions.
type fakeRegistryServer struct {
	mu        sync.Mutex
	manifests map[string][]byte
}

func newFakeRegistryServer() *fakeRegistryServer {
	return &fakeRegistryServer{manifests: make(map[string][]byte)}
}

func (f *fakeRegistryServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/v2/")
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/blobs/uploads/"):
			w.Header().Set("Location", r.URL.Path+"session")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch:
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut && strings.Contains(path, "/blobs/uploads/"):
			io.Copy(io.Discard, r.Body)
			w.Header().Set("Docker-Content-Digest", r.URL.Query().Get("digest"))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && strings.Contains(path, "/manifests/"):
			parts := strings.SplitN(path, "/manifests/", 2)
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.manifests[parts[0]+"/"+parts[1]] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func testLogger(t *testing.T) *logging.Entry {
	t.Helper()
	logger, err := logging.New(logging.Config{Severity: logging.SeverityError, ConsoleSeverity: logging.SeverityError, DisableStdout: true})
	if err != nil {
		t.Fatalf("building test logger: %v", err)
	}
	return logger.GetChild("test")
}

func TestPushImage_PushesConfigLayersAndManifestsPerTag(t *testing.T) {
	fake := newFakeRegistryServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	workingDir := t.TempDir()
	writeFile(t, workingDir, "abc/config.json", `{"rootfs":{"type":"layers","diff_ids":[]}}`)
	writeFile(t, workingDir, "def/layer.tar", "layer one contents")
	writeFile(t, workingDir, "ghi/layer.tar", "layer two contents")

	entry := archive.ImageEntry{
		Config:   "abc/config.json",
		RepoTags: []string{"myimage:v1", "myimage:v2"},
		Layers:   []string{"def/layer.tar", "ghi/layer.tar"},
	}

	reg, err := registry.New(registry.Config{RegistryURL: srv.URL}, testLogger(t))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	proc := New(reg, layerlock.New(), testLogger(t))
	if err := proc.PushImage(context.Background(), workingDir, entry); err != nil {
		t.Fatalf("PushImage: %v", err)
	}

	if len(fake.manifests) != 2 {
		t.Fatalf("expected 2 manifests pushed (one per tag), got %d", len(fake.manifests))
	}
	for _, tag := range []string{"v1", "v2"} {
		if _, ok := fake.manifests["myimage/"+tag]; !ok {
			t.Errorf("expected manifest pushed for tag %s", tag)
		}
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
}
