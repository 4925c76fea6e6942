// Package recompress implements the optional layer recompression stage
// (spec §4.8): every layer file in the extracted archive is gzip-compressed
// in place, archive manifest.json is rewritten to point at the new ".gz"
// names, and each image's config rootfs.diff_ids are recomputed to the
// digest of the new gzip file, since that's the blob actually pushed.
//
// Layers are processed in two passes because dedup within one archive is
// represented as symlinks: a later image's layer entry may be a symlink to
// an earlier image's real layer file. Pass one compresses every regular
// file; pass two retargets every symlink to the ".gz" name its target was
// given in pass one, which only exists once pass one has finished.
package recompress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/nsheridan/imgpush/pkg/archive"
	"github.com/nsheridan/imgpush/pkg/digest"
	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/pusherr"
)

// gzipSuffix is the extension appended to every compressed layer's name;
// pkg/manifest.LayerMediaType selects the gzip media type from it.
const gzipSuffix = ".gz"

// Run compresses every layer referenced by manifest within workingDir,
// rewrites manifest.json and the affected image configs in place, and
// returns the updated in-memory manifest for the caller to keep using.
func Run(ctx context.Context, workingDir string, manifest archive.Manifest, parallel int, log *logging.Entry) (archive.Manifest, error) {
	log = log.WithField("component", "recompress")

	layers := uniqueLayerPaths(manifest)
	regular, symlinks, err := classify(workingDir, layers)
	if err != nil {
		return nil, err
	}

	if parallel < 1 {
		parallel = 1
	}

	diffIDs := make(map[string]digest.Digest, len(regular))
	var diffIDsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, relPath := range regular {
		relPath := relPath
		g.Go(func() error {
			dgst, err := compressRegular(workingDir, relPath)
			if err != nil {
				return err
			}
			diffIDsMu.Lock()
			diffIDs[relPath] = dgst
			diffIDsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.WithField("count", len(regular)).Info("compressed regular layer files")

	g2, _ := errgroup.WithContext(gctx)
	g2.SetLimit(parallel)
	for _, relPath := range symlinks {
		relPath := relPath
		g2.Go(func() error {
			resolvedTarget, err := retargetSymlink(workingDir, relPath)
			if err != nil {
				return err
			}
			// The symlink shares content with whatever it pointed to, so it
			// shares that target's diff_id too.
			diffIDsMu.Lock()
			if dgst, ok := diffIDs[resolvedTarget]; ok {
				diffIDs[relPath] = dgst
			}
			diffIDsMu.Unlock()
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}
	log.WithField("count", len(symlinks)).Info("retargeted symlinked layers")

	updated := make(archive.Manifest, len(manifest))
	for i, entry := range manifest {
		newEntry := entry
		newEntry.Layers = make([]string, len(entry.Layers))
		newDiffIDs := make([]string, len(entry.Layers))
		for j, layer := range entry.Layers {
			newEntry.Layers[j] = layer + gzipSuffix
			if dgst, ok := diffIDs[layer]; ok {
				newDiffIDs[j] = dgst.String()
			}
		}
		if err := rewriteConfigDiffIDs(workingDir, entry.Config, newDiffIDs); err != nil {
			return nil, err
		}
		updated[i] = newEntry
	}

	if err := archive.WriteManifest(workingDir, updated); err != nil {
		return nil, err
	}

	return updated, nil
}

func uniqueLayerPaths(manifest archive.Manifest) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range manifest {
		for _, layer := range entry.Layers {
			if !seen[layer] {
				seen[layer] = true
				out = append(out, layer)
			}
		}
	}
	return out
}

func classify(workingDir string, layers []string) (regular, symlinks []string, err error) {
	for _, relPath := range layers {
		info, lerr := os.Lstat(filepath.Join(workingDir, relPath))
		if lerr != nil {
			return nil, nil, pusherr.IO(lerr, "stat layer %s", relPath)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			symlinks = append(symlinks, relPath)
		} else {
			regular = append(regular, relPath)
		}
	}
	return regular, symlinks, nil
}

// compressRegular gzips relPath into relPath+".gz" at level 9, removes the
// original, and returns the sha256 digest of the new gzip file itself to use
// as the layer's diff_id, since the pushed blob is the compressed file.
func compressRegular(workingDir, relPath string) (digest.Digest, error) {
	srcPath := filepath.Join(workingDir, relPath)
	dstPath := srcPath + gzipSuffix

	src, err := os.Open(srcPath)
	if err != nil {
		return "", pusherr.IO(err, "opening layer %s", relPath)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", pusherr.IO(err, "creating %s", dstPath)
	}

	gw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("creating gzip writer for %s: %w", dstPath, err)
	}

	_, err = io.Copy(gw, src)
	closeErr := gw.Close()
	if err == nil {
		err = closeErr
	}
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return "", pusherr.IO(err, "compressing layer %s", relPath)
	}

	if err := os.Remove(srcPath); err != nil {
		return "", pusherr.IO(err, "removing uncompressed layer %s", relPath)
	}

	dgst, err := digest.FileSHA256(dstPath)
	if err != nil {
		return "", err
	}
	return dgst, nil
}

// retargetSymlink rewrites a symlinked layer's target to the ".gz" name its
// real file was given in compressRegular, and renames the symlink itself to
// carry the ".gz" suffix. The retarget is atomic: a new symlink is created
// under a random temp name in the same directory and renamed over the final
// name, so a crash mid-stage never leaves a partially-written link. It
// returns the pre-compression target, as a path relative to workingDir, so
// the caller can look up the diff_id the symlink inherits.
func retargetSymlink(workingDir, relPath string) (resolvedTarget string, err error) {
	linkPath := filepath.Join(workingDir, relPath)
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", pusherr.IO(err, "reading symlink %s", relPath)
	}
	resolvedTarget = filepath.Clean(filepath.Join(filepath.Dir(relPath), target))

	newTarget := target + gzipSuffix
	dir := filepath.Dir(linkPath)
	tempName := filepath.Join(dir, ".recompress-"+uuid.New().String())

	if err := os.Symlink(newTarget, tempName); err != nil {
		return "", pusherr.IO(err, "creating replacement symlink for %s", relPath)
	}

	newLinkPath := linkPath + gzipSuffix
	if err := os.Rename(tempName, newLinkPath); err != nil {
		os.Remove(tempName)
		return "", pusherr.IO(err, "renaming replacement symlink into place for %s", relPath)
	}

	if err := os.Remove(linkPath); err != nil {
		return "", pusherr.IO(err, "removing original symlink %s", relPath)
	}
	return resolvedTarget, nil
}

// rewriteConfigDiffIDs overwrites rootfs.diff_ids in the image config at
// configPath with diffIDs, preserving every other field in the document.
func rewriteConfigDiffIDs(workingDir, configRelPath string, diffIDs []string) error {
	configPath := filepath.Join(workingDir, configRelPath)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return pusherr.IO(err, "reading image config %s", configRelPath)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return pusherr.Config(err, "parsing image config %s", configRelPath)
	}

	rootfs := struct {
		Type    string   `json:"type"`
		DiffIDs []string `json:"diff_ids"`
	}{Type: "layers", DiffIDs: diffIDs}

	if existing, ok := doc["rootfs"]; ok {
		var existingRootfs struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(existing, &existingRootfs); err == nil && existingRootfs.Type != "" {
			rootfs.Type = existingRootfs.Type
		}
	}

	rootfsBytes, err := json.Marshal(rootfs)
	if err != nil {
		return fmt.Errorf("marshalling rootfs for %s: %w", configRelPath, err)
	}
	doc["rootfs"] = rootfsBytes

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling image config %s: %w", configRelPath, err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return pusherr.IO(err, "writing image config %s", configRelPath)
	}
	return nil
}
