// Package manifest synthesizes a Registry v2 schema-2 manifest (spec §4.3)
// from a config descriptor and an ordered list of layer descriptors.
package manifest

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
)

// Descriptor is a content-addressed pointer to a blob: digest, size, and
// media type. It is deliberately the same shape as
// github.com/docker/distribution.Descriptor, whose JSON tags this package
// reuses, so the manifest serializes with exactly the schema-2 field names
// and stable key order the registry expects.
type Descriptor = distribution.Descriptor

// LayerMediaType returns the media type for a layer file, selected by
// filename extension per spec §3: gzip-compressed layers get the gzip
// media type, everything else is treated as an uncompressed tar.
func LayerMediaType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".gz" || ext == ".gzip" {
		return schema2.MediaTypeLayer
	}
	return schema2.MediaTypeUncompressedLayer
}

// ConfigDescriptor builds the manifest's config descriptor for an uploaded
// image-config blob.
func ConfigDescriptor(dgst digest.Digest, size int64) Descriptor {
	return Descriptor{
		MediaType: schema2.MediaTypeImageConfig,
		Digest:    dgst,
		Size:      size,
	}
}

// LayerDescriptor builds one layer entry for the manifest, choosing the
// media type from the layer's filename.
func LayerDescriptor(filename string, dgst digest.Digest, size int64) Descriptor {
	return Descriptor{
		MediaType: LayerMediaType(filename),
		Digest:    dgst,
		Size:      size,
	}
}

// manifestJSON mirrors schema2.Manifest's field order (schemaVersion,
// mediaType, config, layers) so the serialized bytes are exactly what spec
// §3 describes, without going through schema2's own (de)serialization,
// which additionally validates against a registered manifest media type
// and isn't needed here: this package only ever produces manifests, never
// parses ones it didn't write.
type manifestJSON struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Create synthesizes the UTF-8 JSON bytes of a schema-2 manifest, preserving
// layer order.
func Create(config Descriptor, layers []Descriptor) ([]byte, error) {
	m := manifestJSON{
		SchemaVersion: 2,
		MediaType:     schema2.MediaTypeManifest,
		Config:        config,
		Layers:        layers,
	}
	return json.Marshal(m)
}

// ContentType is the Content-Type header value used when PUTting a
// manifest built by Create.
const ContentType = schema2.MediaTypeManifest
