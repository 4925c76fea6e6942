package manifest

import (
	"encoding/json"
	"testing"

	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
)

func TestLayerMediaType(t *testing.T) {
	cases := map[string]string{
		"layer.tar":    schema2.MediaTypeUncompressedLayer,
		"layer.tar.gz": schema2.MediaTypeLayer,
		"layer.tar.GZ": schema2.MediaTypeLayer,
		"layer.gzip":   schema2.MediaTypeLayer,
	}
	for name, want := range cases {
		if got := LayerMediaType(name); got != want {
			t.Errorf("LayerMediaType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestCreate_FieldOrderAndContent(t *testing.T) {
	config := ConfigDescriptor(digest.Digest("sha256:"+repeat("a", 64)), 123)
	layers := []Descriptor{
		LayerDescriptor("layer.tar.gz", digest.Digest("sha256:"+repeat("b", 64)), 456),
	}

	raw, err := Create(config, layers)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The schema's field order must be schemaVersion, mediaType, config,
	// layers, in that order, since some registries are sensitive to it.
	const prefix = `{"schemaVersion":2,"mediaType":`
	if string(raw[:len(prefix)]) != prefix {
		t.Fatalf("unexpected field order, got prefix %q", raw[:len(prefix)])
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshalling manifest: %v", err)
	}
	if decoded["mediaType"] != schema2.MediaTypeManifest {
		t.Fatalf("unexpected mediaType %v", decoded["mediaType"])
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
