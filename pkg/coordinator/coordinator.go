// Package coordinator is the top-level archive processor (spec §4.7): it
// resolves the archive, extracts it into a scratch working directory,
// parses the archive's manifest, and fans the per-image work out to a
// bounded worker pool, guaranteeing the working directory is removed on
// every exit path.
package coordinator

import (
	"context"
	"os"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/nsheridan/imgpush/pkg/archive"
	"github.com/nsheridan/imgpush/pkg/imageproc"
	"github.com/nsheridan/imgpush/pkg/layerlock"
	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/pusherr"
	"github.com/nsheridan/imgpush/pkg/recompress"
	"github.com/nsheridan/imgpush/pkg/registry"
)

// Options configures a single archive push.
type Options struct {
	ArchivePath    string
	Parallel       int
	Stream         bool
	GzipLayers     bool   // compress layers before pushing them (spec §4.8)
	TmpDir         string // parent directory for the scratch working dir, "" for os.TempDir
	TmpDirOverride string // if set, used directly as the working dir instead of a generated one
}

// Run extracts the archive named in opts.ArchivePath and pushes every image
// it contains to reg, reporting the first error encountered across all
// images. The scratch working directory is always removed before Run
// returns, whether it returns an error or not.
func Run(ctx context.Context, opts Options, reg *registry.Client, log *logging.Entry) error {
	log = log.WithField("component", "coordinator")
	start := time.Now()

	if opts.Parallel > 1 && opts.Stream {
		log.Warn("--stream is incompatible with --parallel > 1, disabling streaming")
		opts.Stream = false
	}

	extractor, err := archive.New(opts.ArchivePath, log)
	if err != nil {
		return err
	}

	workingDir, cleanup, err := prepareWorkingDir(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := extractor.ExtractAll(workingDir); err != nil {
		return err
	}

	manifest, err := archive.ReadManifest(workingDir)
	if err != nil {
		return err
	}

	if opts.GzipLayers {
		manifest, err = recompress.Run(ctx, workingDir, manifest, opts.Parallel, log)
		if err != nil {
			return err
		}
	}

	locks := layerlock.New()
	proc := imageproc.New(reg, locks, log)

	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, entry := range manifest {
		entry := entry
		g.Go(func() error {
			return proc.PushImage(gctx, workingDir, entry)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.WithField("elapsed", units.HumanDuration(time.Since(start))).Info("archive push complete")
	return nil
}

// prepareWorkingDir creates the scratch directory the archive is extracted
// into, and returns a cleanup func that removes it unconditionally on every
// exit path, matching the original's `finally: shutil.rmtree(tmp_dir_name)`.
// A caller-supplied TmpDirOverride must not already exist, the same
// constraint the original enforces with a non-recursive `os.mkdir`;
// otherwise a fresh temp directory with mode 0700 is created under TmpDir
// (or the OS default).
func prepareWorkingDir(opts Options) (dir string, cleanup func(), err error) {
	if opts.TmpDirOverride != "" {
		if err := os.Mkdir(opts.TmpDirOverride, 0o700); err != nil {
			return "", nil, pusherr.IO(err, "creating override working dir %s", opts.TmpDirOverride)
		}
		return opts.TmpDirOverride, func() { os.RemoveAll(opts.TmpDirOverride) }, nil
	}

	dir, err = os.MkdirTemp(opts.TmpDir, "imgpush-")
	if err != nil {
		return "", nil, pusherr.IO(err, "creating working directory")
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", nil, pusherr.IO(err, "setting working directory permissions")
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
