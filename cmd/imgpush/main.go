// Command imgpush pushes every image in a Docker-style image archive to a
// Registry HTTP API v2 registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nsheridan/imgpush/pkg/coordinator"
	"github.com/nsheridan/imgpush/pkg/logging"
	"github.com/nsheridan/imgpush/pkg/registry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("imgpush", flag.ContinueOnError)

	parallel := fs.Int("parallel", 1, "number of images to push concurrently")
	fs.IntVar(parallel, "p", 1, "shorthand for --parallel")
	login := fs.String("login", "", "registry basic auth username")
	password := fs.String("password", "", "registry basic auth password")
	sslVerify := fs.Bool("ssl-verify", true, "verify the registry's TLS certificate")
	stream := fs.Bool("stream", false, "print per-chunk upload progress to stdout (disabled when --parallel > 1)")
	gzipLayers := fs.Bool("gzip-layers", false, "gzip-compress layers before pushing them")
	tmpDir := fs.String("tmp-dir", "", "parent directory for the scratch extraction directory")
	tmpDirOverride := fs.String("tmp-dir-override", "", "use this exact directory for extraction instead of a generated one")
	replaceTagsMatch := fs.String("replace-tags-match", "", "regular expression matched against each tag before pushing its manifest")
	replaceTagsTarget := fs.String("replace-tags-target", "", "replacement tag used when --replace-tags-match matches")

	severity := fs.String("log-severity", "info", "minimum severity logged anywhere (verbose|debug|info|warn|error)")
	consoleSeverity := fs.String("log-console-severity", "", "minimum severity logged to the console, defaults to --log-severity")
	fileSeverity := fs.String("log-file-severity", "", "minimum severity logged to the log file, defaults to --log-severity")
	disableStdout := fs.Bool("log-disable-stdout", false, "disable console logging entirely")
	logDir := fs.String("log-output-dir", "", "directory to write a rotating log file into; unset disables file logging")
	logFileName := fs.String("log-file-name", "", "name of the rotating log file within --log-output-dir, defaults to pusher.log")
	maxLogSizeMB := fs.Int("log-file-rotate-max-file-size", 100, "log file size in megabytes before rotation")
	maxNumLogFiles := fs.Int("log-file-rotate-num-files", 5, "number of rotated log files to retain")
	colors := fs.String("log-colors", "on", "console color mode (on|off|always)")
	verbose := fs.Bool("v", false, "shorthand for --log-severity=verbose")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: imgpush [flags] ARCHIVE_PATH REGISTRY_URL")
		return 2
	}
	archivePath, registryURL := fs.Arg(0), fs.Arg(1)

	if *verbose {
		*severity = "verbose"
	}

	logCfg, err := buildLoggingConfig(*severity, *consoleSeverity, *fileSeverity, *disableStdout, *logDir, *logFileName, *maxLogSizeMB, *maxNumLogFiles, *colors)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log := logger.GetChild("pusher")

	reg, err := registry.New(registry.Config{
		RegistryURL:       registryURL,
		Login:             *login,
		Password:          *password,
		SSLVerify:         *sslVerify,
		Stream:            *stream && *parallel <= 1,
		ReplaceTagsMatch:  *replaceTagsMatch,
		ReplaceTagsTarget: *replaceTagsTarget,
	}, log)
	if err != nil {
		log.Error(err, "failed to build registry client")
		return exitCode(logger)
	}

	opts := coordinator.Options{
		ArchivePath:    archivePath,
		Parallel:       *parallel,
		Stream:         *stream,
		GzipLayers:     *gzipLayers,
		TmpDir:         *tmpDir,
		TmpDirOverride: *tmpDirOverride,
	}

	if err := coordinator.Run(context.Background(), opts, reg, log); err != nil {
		log.Error(err, "push failed")
	}

	return exitCode(logger)
}

func buildLoggingConfig(severity, consoleSeverity, fileSeverity string, disableStdout bool, logDir, logFileName string, maxLogSizeMB, maxNumLogFiles int, colorsFlag string) (logging.Config, error) {
	sev, err := logging.ParseSeverity(severity)
	if err != nil {
		return logging.Config{}, err
	}
	consoleSev := sev
	if consoleSeverity != "" {
		consoleSev, err = logging.ParseSeverity(consoleSeverity)
		if err != nil {
			return logging.Config{}, err
		}
	}
	fileSev := sev
	if fileSeverity != "" {
		fileSev, err = logging.ParseSeverity(fileSeverity)
		if err != nil {
			return logging.Config{}, err
		}
	}

	var colorMode logging.ColorMode
	switch colorsFlag {
	case "off":
		colorMode = logging.ColorOff
	case "always":
		colorMode = logging.ColorAlways
	default:
		colorMode = logging.ColorOn
	}

	return logging.Config{
		Severity:        sev,
		ConsoleSeverity: consoleSev,
		FileSeverity:    fileSev,
		DisableStdout:   disableStdout,
		OutputDir:       logDir,
		LogFileName:     logFileName,
		MaxLogSizeMB:    maxLogSizeMB,
		MaxNumLogFiles:  maxNumLogFiles,
		Colors:          colorMode,
	}, nil
}

// exitCode implements spec §6's exit-status rule: 0 iff no error was ever
// logged at error severity across the whole run.
func exitCode(logger *logging.Logger) int {
	if logger.FirstError() != nil {
		return 1
	}
	return 0
}
