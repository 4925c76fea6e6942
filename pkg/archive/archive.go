// Package archive unpacks a Docker-style image archive (the output of
// saving one or more container images to a single tar stream) and parses
// its top-level manifest.
package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/pusherr"
)

// ImageEntry is one element of the archive's top-level manifest.json (spec
// §3): a per-image config path, its repo:tag names, and its ordered layer
// paths.
type ImageEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Manifest is the ordered sequence of ImageEntry parsed from manifest.json.
type Manifest []ImageEntry

// Extractor unpacks an archive into a working directory and can read named
// members without a full extraction, mirroring the original's
// core/extractor.py.
type Extractor struct {
	archivePath string
	log         *logging.Entry
}

// New resolves archivePath to an absolute path and returns an Extractor for
// it. The archive must exist and be a regular file.
func New(archivePath string, log *logging.Entry) (*Extractor, error) {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return nil, pusherr.Config(err, "resolving archive path %s", archivePath)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, pusherr.Config(err, "archive %s does not exist", abs)
	}
	if !info.Mode().IsRegular() {
		return nil, pusherr.Config(nil, "archive %s is not a regular file", abs)
	}
	return &Extractor{archivePath: abs, log: log.WithField("component", "extractor")}, nil
}

// ArchivePath returns the absolute path of the archive being processed.
func (e *Extractor) ArchivePath() string { return e.archivePath }

// ExtractAll unpacks the entire archive into targetDir, preserving symbolic
// links. Entry names are resolved as if targetDir were the filesystem root,
// so any leading ".." climb is normalized away rather than allowed to
// escape targetDir; a defensive containment check still guards against any
// path shape that normalization doesn't anticipate.
func (e *Extractor) ExtractAll(targetDir string) error {
	e.log.WithField("target_dir", targetDir).Info("extracting archive")

	f, err := os.Open(e.archivePath)
	if err != nil {
		return pusherr.IO(err, "opening archive %s", e.archivePath)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pusherr.Archive(err, "reading tar entry from %s", e.archivePath)
		}

		targetPath, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}

		if err := extractEntry(tr, hdr, targetPath, targetDir); err != nil {
			return err
		}
	}

	e.log.Info("archive extracted")
	return nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, targetPath, targetDir string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(targetPath, 0o755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return pusherr.IO(err, "creating parent dir for symlink %s", targetPath)
		}
		os.Remove(targetPath)
		if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
			return pusherr.IO(err, "creating symlink %s -> %s", targetPath, hdr.Linkname)
		}
		return nil
	case tar.TypeLink:
		linkTarget, err := safeJoin(targetDir, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return pusherr.IO(err, "creating parent dir for hardlink %s", targetPath)
		}
		return os.Link(linkTarget, targetPath)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return pusherr.IO(err, "creating parent dir for %s", targetPath)
		}
		out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o777))
		if err != nil {
			return pusherr.IO(err, "creating %s", targetPath)
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return pusherr.IO(err, "writing %s", targetPath)
		}
		return nil
	default:
		// Ignore anything else (character/block devices, fifos); image
		// archives never contain them.
		return nil
	}
}

// safeJoin joins targetDir and name, refusing any entry whose resolved path
// would escape targetDir.
func safeJoin(targetDir, name string) (string, error) {
	cleanName := filepath.Clean(string(filepath.Separator) + name)
	joined := filepath.Join(targetDir, cleanName)
	if !strings.HasPrefix(joined, filepath.Clean(targetDir)+string(filepath.Separator)) && joined != filepath.Clean(targetDir) {
		return "", pusherr.Archive(nil, "tar entry %q escapes extraction directory", name)
	}
	return joined, nil
}

// ReadJSON returns the parsed JSON for a named archive member without
// requiring full extraction, for callers that only need one member. The
// coordinator does not use it: it extracts the whole archive and then reads
// manifest.json with ReadManifest (mirrors the original's
// extractor.get_config / registry._extract_json_from_tar).
func (e *Extractor) ReadJSON(name string, v any) error {
	f, err := os.Open(e.archivePath)
	if err != nil {
		return pusherr.IO(err, "opening archive %s", e.archivePath)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return pusherr.Archive(nil, "archive member %q not found", name)
		}
		if err != nil {
			return pusherr.Archive(err, "reading tar entry from %s", e.archivePath)
		}
		if hdr.Name != name {
			continue
		}
		return json.NewDecoder(tr).Decode(v)
	}
}

// ReadManifest reads and parses manifest.json from targetDir (already
// extracted there by ExtractAll).
func ReadManifest(targetDir string) (Manifest, error) {
	path := filepath.Join(targetDir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pusherr.Config(err, "reading archive manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pusherr.Config(err, "parsing archive manifest %s", path)
	}
	return m, nil
}

// WriteManifest overwrites manifest.json in targetDir with m, used by the
// optional recompression stage (spec §4.8 step 4) to rewrite layer paths
// after compression.
func WriteManifest(targetDir string, m Manifest) error {
	path := filepath.Join(targetDir, "manifest.json")
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling archive manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pusherr.IO(err, "writing archive manifest %s", path)
	}
	return nil
}
