// Package digest computes content digests for files that back blobs pushed
// to a registry.
package digest

import (
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// readChunkSize is the buffer size used to stream file contents through the
// hash; it keeps digesting multi-GiB layer blobs from requiring them to be
// read into memory.
const readChunkSize = 64 * 1024

// FileSHA256 returns the sha256 digest of the file at path, formatted as
// "sha256:<hex>". The file is streamed in fixed-size chunks regardless of
// its size.
func FileSHA256(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for digesting: %w", path, err)
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	buf := make([]byte, readChunkSize)
	if _, err := io.CopyBuffer(digester.Hash(), f, buf); err != nil {
		return "", fmt.Errorf("digesting %s: %w", path, err)
	}
	return digester.Digest(), nil
}

// FileSize returns the size in bytes of the file at path.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
