// Package imageproc orchestrates the push of a single image entry from an
// archive's manifest.json (spec §4.6): it uploads the image's config blob
// and every layer blob (the latter under the shared layer lock table so the
// same layer is never uploaded twice concurrently), then builds and pushes
// one schema-2 manifest per repo:tag the image is named under.
package imageproc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/nsheridan/imgpush/pkg/archive"
	"github.com/nsheridan/imgpush/pkg/digest"
	"github.com/nsheridan/imgpush/pkg/layerlock"
	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/manifest"
	"github.com/nsheridan/imgpush/pkg/pusherr"
	"github.com/nsheridan/imgpush/pkg/registry"
)

// Processor pushes ImageEntry values extracted from an archive to a
// registry.
type Processor struct {
	reg   *registry.Client
	locks *layerlock.Table
	log   *logging.Entry
}

// New returns a Processor that pushes blobs through reg, serializing
// concurrent uploads of the same layer through locks.
func New(reg *registry.Client, locks *layerlock.Table, log *logging.Entry) *Processor {
	return &Processor{reg: reg, locks: locks, log: log.WithField("component", "image_processor")}
}

// ParseRepoTag splits a "name:tag" string from archive manifest.json's
// RepoTags on the LAST colon, so registry hosts with a port
// (e.g. "host:5000/image:tag") are not mistaken for the tag separator.
func ParseRepoTag(repoTag string) (repo, tag string, err error) {
	idx := strings.LastIndex(repoTag, ":")
	if idx < 0 {
		return "", "", pusherr.Config(nil, "RepoTag %q has no tag", repoTag)
	}
	repo, tag = repoTag[:idx], repoTag[idx+1:]
	if repo == "" || tag == "" {
		return "", "", pusherr.Config(nil, "RepoTag %q is malformed", repoTag)
	}
	return repo, tag, nil
}

// PushImage pushes entry's config and layers (each rooted at workingDir) and
// then one manifest per RepoTag.
func (p *Processor) PushImage(ctx context.Context, workingDir string, entry archive.ImageEntry) error {
	start := time.Now()
	if len(entry.RepoTags) == 0 {
		return pusherr.Config(nil, "image entry has no RepoTags, nothing to push it as")
	}

	repos := make(map[string][]string) // repo -> tags
	for _, rt := range entry.RepoTags {
		repo, tag, err := ParseRepoTag(rt)
		if err != nil {
			return err
		}
		repos[repo] = append(repos[repo], tag)
	}

	configDigest, configSize, err := p.hashLocal(workingDir, entry.Config)
	if err != nil {
		return err
	}

	layerDescs := make([]manifest.Descriptor, len(entry.Layers))
	layerDigests := make([]digest.Digest, len(entry.Layers))
	layerSizes := make([]int64, len(entry.Layers))
	for i, layer := range entry.Layers {
		dgst, size, err := p.hashLocal(workingDir, layer)
		if err != nil {
			return err
		}
		layerDigests[i], layerSizes[i] = dgst, size
		layerDescs[i] = manifest.LayerDescriptor(layer, dgst, size)
	}

	for repo, tags := range repos {
		if err := p.pushConfig(ctx, workingDir, entry.Config, repo, configDigest, configSize); err != nil {
			return err
		}
		for i, layer := range entry.Layers {
			if err := p.pushLayer(ctx, workingDir, layer, repo, layerDigests[i], layerSizes[i]); err != nil {
				return err
			}
		}

		configDesc := manifest.ConfigDescriptor(configDigest, configSize)
		manifestBytes, err := manifest.Create(configDesc, layerDescs)
		if err != nil {
			return fmt.Errorf("building manifest for %s: %w", repo, err)
		}

		for _, tag := range tags {
			tagStart := time.Now()
			pushTag := p.reg.ReplaceTag(repo, tag)
			if err := p.reg.PushManifest(ctx, repo, pushTag, manifestBytes, manifest.ContentType); err != nil {
				return fmt.Errorf("pushing manifest %s:%s: %w", repo, pushTag, err)
			}
			p.log.WithFields(map[string]any{
				"repo":    repo,
				"tag":     pushTag,
				"elapsed": units.HumanDuration(time.Since(tagStart)),
			}).Info("tag push complete")
		}
	}

	p.log.WithFields(map[string]any{
		"config":  entry.Config,
		"elapsed": units.HumanDuration(time.Since(start)),
	}).Info("image push complete")
	return nil
}

func (p *Processor) hashLocal(workingDir, relPath string) (digest.Digest, int64, error) {
	path := filepath.Join(workingDir, relPath)
	dgst, err := digest.FileSHA256(path)
	if err != nil {
		return "", 0, err
	}
	size, err := digest.FileSize(path)
	if err != nil {
		return "", 0, err
	}
	return dgst, size, nil
}

func (p *Processor) pushConfig(ctx context.Context, workingDir, relPath, repo string, dgst digest.Digest, size int64) error {
	path := filepath.Join(workingDir, relPath)
	skipped, err := p.reg.PushBlob(ctx, repo, path, dgst, size)
	if err != nil {
		return fmt.Errorf("pushing config %s to %s: %w", relPath, repo, err)
	}
	if skipped {
		p.log.WithFields(map[string]any{"repo": repo, "digest": dgst}).Debug("config already present")
	}
	return nil
}

// layerLockKey identifies a layer by the directory that contains it, since
// archive manifests lay out each content-addressed layer under its own
// directory (e.g. "<hash>/layer.tar"); the same layer can be referenced by
// several images in one archive and must not be uploaded concurrently by
// more than one of them.
func layerLockKey(relPath string) string {
	return filepath.Dir(relPath)
}

func (p *Processor) pushLayer(ctx context.Context, workingDir, relPath, repo string, dgst digest.Digest, size int64) error {
	handle := p.locks.Acquire(layerLockKey(relPath))
	defer p.locks.Release(handle)

	path := filepath.Join(workingDir, relPath)
	skipped, err := p.reg.PushBlob(ctx, repo, path, dgst, size)
	if err != nil {
		return fmt.Errorf("pushing layer %s to %s: %w", relPath, repo, err)
	}
	if skipped {
		p.log.WithFields(map[string]any{"repo": repo, "layer": relPath, "digest": dgst}).Debug("layer already present")
	} else {
		p.log.WithFields(map[string]any{
			"repo":   repo,
			"layer":  relPath,
			"digest": dgst,
			"size":   units.HumanSize(float64(size)),
		}).Info("pushed layer")
	}
	return nil
}
